package dataset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerPreservesFileOrder(t *testing.T) {
	dir := t.TempDir()
	var files []string
	var want []int
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, "data_batch_"+string(rune('1'+i))+".bin")
		writeBatchFile(t, path, i, i, i)
		files = append(files, path)
		want = append(want, i, i, i)
	}

	for _, workers := range []int{1, 3, 8} {
		stream, errCh, err := StartSampler(context.Background(), SamplerOptions{Files: files, NumWorkers: workers})
		require.NoError(t, err)
		samples, err := drain(t, stream, errCh)
		require.NoError(t, err)
		got := make([]int, len(samples))
		for i, s := range samples {
			got[i] = s.Label
		}
		assert.Equal(t, want, got, "workers=%d", workers)
	}
}

func TestSamplerNoFiles(t *testing.T) {
	_, _, err := StartSampler(context.Background(), SamplerOptions{})
	assert.Error(t, err)
}

func TestSamplerMissingFile(t *testing.T) {
	stream, errCh, err := StartSampler(context.Background(), SamplerOptions{
		Files: []string{filepath.Join(t.TempDir(), "data_batch_1.bin")},
	})
	require.NoError(t, err)
	_, err = drain(t, stream, errCh)
	assert.Error(t, err)
}

func TestSamplerCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data_batch_1.bin")
	labels := make([]int, 200)
	writeBatchFile(t, path, labels...)

	ctx, cancel := context.WithCancel(context.Background())
	stream, errCh, err := StartSampler(ctx, SamplerOptions{Files: []string{path}, NumWorkers: 2})
	require.NoError(t, err)
	<-stream
	cancel()
	for range stream {
	}
	for range errCh {
	}
}
