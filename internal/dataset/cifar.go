package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// CIFAR-10 binary layout: one label byte followed by a 32x32 image stored
// as three 1024-byte colour planes.
const (
	Channels   = 3
	Height     = 32
	Width      = 32
	ImageSize  = Channels * Height * Width
	RecordSize = 1 + ImageSize
	NumClasses = 10
)

// ArchiveName is the file name of the published binary archive.
const ArchiveName = "cifar-10-binary.tar.gz"

// Sample is one decoded record. Image is CHW, scaled to [0, 1].
type Sample struct {
	Key   string
	Image []float32
	Label int
}

// ErrPartialRecord indicates a file whose size is not a multiple of
// RecordSize.
var ErrPartialRecord = errors.New("cifar: truncated record")

const streamBuffer = 64

// DecodeRecord decodes a single RecordSize-byte record.
func DecodeRecord(key string, rec []byte) (Sample, error) {
	if len(rec) != RecordSize {
		return Sample{}, errors.Errorf("cifar: record %s has %d bytes, want %d", key, len(rec), RecordSize)
	}
	label := int(rec[0])
	if label >= NumClasses {
		return Sample{}, errors.Errorf("cifar: record %s has label %d", key, label)
	}
	img := make([]float32, ImageSize)
	for i, b := range rec[1:] {
		img[i] = float32(b) / 255
	}
	return Sample{Key: key, Image: img, Label: label}, nil
}

// EncodeRecord is the inverse of DecodeRecord for pixel values that are
// multiples of 1/255.
func EncodeRecord(s Sample) []byte {
	rec := make([]byte, RecordSize)
	rec[0] = byte(s.Label)
	for i, v := range s.Image {
		rec[1+i] = byte(v*255 + 0.5)
	}
	return rec
}

// StreamFile streams the records of one .bin file in order.
func StreamFile(ctx context.Context, path string) (<-chan Sample, <-chan error) {
	out := make(chan Sample, streamBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open batch file")
			return
		}
		defer f.Close()

		if err := streamRecords(ctx, bufio.NewReader(f), filepath.Base(path), out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// StreamArchive streams the records of every member of the tar.gz at path
// accepted by split, in archive order.
func StreamArchive(ctx context.Context, path string, split Split) (<-chan Sample, <-chan error) {
	out := make(chan Sample, streamBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open archive")
			return
		}
		defer f.Close()

		zr, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			errCh <- errors.Wrap(err, "gzip")
			return
		}
		defer zr.Close()

		tr := tar.NewReader(zr)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			if !split.Match(name) {
				continue
			}
			if err := streamRecords(ctx, tr, name, out); err != nil {
				errCh <- err
				return
			}
		}
	}()

	return out, errCh
}

func streamRecords(ctx context.Context, r io.Reader, name string, out chan<- Sample) error {
	buf := make([]byte, RecordSize)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return errors.Wrapf(ErrPartialRecord, "%s record %d", name, idx)
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		sample, err := DecodeRecord(fmt.Sprintf("%s/%d", name, idx), buf)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- sample:
		}
	}
}
