package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Split selects the train or test portion of the dataset.
type Split int

const (
	Train Split = iota
	Test
)

var (
	trainFileRegexp = regexp.MustCompile(`^data_batch_[0-9]+\.bin$`)
	testFileRegexp  = regexp.MustCompile(`^test_batch\.bin$`)
)

func (s Split) String() string {
	if s == Test {
		return "test"
	}
	return "train"
}

// Match reports whether a batch file name belongs to the split.
func (s Split) Match(name string) bool {
	if s == Test {
		return testFileRegexp.MatchString(name)
	}
	return trainFileRegexp.MatchString(name)
}

// ErrNoData is returned when neither batch files nor the archive are found.
var ErrNoData = errors.New("cifar: no data found")

// DiscoverFiles returns paths to the split's batch files beneath root.
func DiscoverFiles(root string, split Split) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if split.Match(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover batch files")
	}
	sort.Strings(entries)
	return entries, nil
}

// Open picks the source for dataDir: a tar.gz archive path, a directory of
// extracted batch files, or a directory holding the archive.
func Open(dataDir string, split Split, numWorkers int) (Source, error) {
	info, err := os.Stat(dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "data dir")
	}
	if !info.IsDir() {
		if !strings.HasSuffix(dataDir, ".tar.gz") && !strings.HasSuffix(dataDir, ".tgz") {
			return nil, errors.Errorf("cifar: %s is not a directory or tar.gz archive", dataDir)
		}
		return &ArchiveSource{Path: dataDir, Split: split}, nil
	}

	files, err := DiscoverFiles(dataDir, split)
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		return &FileSource{Files: files, NumWorkers: numWorkers}, nil
	}
	archive := filepath.Join(dataDir, ArchiveName)
	if _, err := os.Stat(archive); err == nil {
		return &ArchiveSource{Path: archive, Split: split}, nil
	}
	return nil, errors.Wrapf(ErrNoData, "%s split under %s", split, dataDir)
}
