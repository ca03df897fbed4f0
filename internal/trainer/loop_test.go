package trainer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"resnet-ce/internal/dataset"
	"resnet-ce/internal/engine"
	"resnet-ce/internal/graph"
	"resnet-ce/internal/kpi"
	"resnet-ce/internal/model"
	"resnet-ce/internal/tensor"
)

// fakeExecutor answers train steps with a fixed loss/accuracy and echoes the
// batch size, counting how often each program ran.
type fakeExecutor struct {
	net       *model.Network
	loss      float64
	trainAcc  float64
	testAcc   float64
	trainRuns int
	testRuns  int
	startups  int
	failAfter int
}

func (f *fakeExecutor) Run(ctx context.Context, prog *graph.Program, feed engine.Feed, fetch []string) ([]*tensor.Tensor, error) {
	if prog == f.net.Startup {
		f.startups++
		return nil, nil
	}
	n := int64(feed[model.LabelName].Shape[0])
	if prog == f.net.Test {
		f.testRuns++
		return []*tensor.Tensor{tensor.Scalar(float32(f.testAcc)), tensor.ScalarInt64(n)}, nil
	}
	f.trainRuns++
	if f.failAfter > 0 && f.trainRuns > f.failAfter {
		return nil, assert.AnError
	}
	return []*tensor.Tensor{
		tensor.Scalar(float32(f.loss)),
		tensor.Scalar(float32(f.trainAcc)),
		tensor.ScalarInt64(n),
	}, nil
}

func fakeNetwork() *model.Network {
	return &model.Network{
		Main:      graph.NewProgram(),
		Test:      graph.NewProgram(),
		Startup:   graph.NewProgram(),
		AvgCost:   "mean_0.tmp_0",
		BatchAcc:  "accuracy_0.tmp_0",
		BatchSize: "accuracy_0.tmp_2",
	}
}

// cycleReader yields the same minibatch forever.
type cycleReader struct{ batch dataset.Minibatch }

func (r cycleReader) Open(context.Context) (dataset.Iterator, error) { return &cycleIter{r.batch}, nil }

type cycleIter struct{ batch dataset.Minibatch }

func (it *cycleIter) Next() (dataset.Minibatch, error) { return it.batch, nil }
func (it *cycleIter) Close() error                     { return nil }

// stepClock advances by step on every call.
func stepClock(step time.Duration) func() time.Time {
	t := time.Unix(0, 0)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func syntheticSamples(t *testing.T, n, classes int) []dataset.Sample {
	t.Helper()
	src := &dataset.Synthetic{N: n, Seed: 1, ClassDim: classes}
	samples, errCh := src.Stream(context.Background())
	var out []dataset.Sample
	for s := range samples {
		out = append(out, s)
	}
	require.NoError(t, <-errCh)
	return out
}

func batchReader(t *testing.T, samples []dataset.Sample, size int) dataset.Reader {
	t.Helper()
	r, err := dataset.NewBatchReader(dataset.SliceSource(samples), size)
	require.NoError(t, err)
	return r
}

func TestIterationCapWithWarmup(t *testing.T) {
	samples := syntheticSamples(t, 2, 2)
	net := fakeNetwork()
	exec := &fakeExecutor{net: net, loss: 0.7, trainAcc: 0.5, testAcc: 0.25}
	readers := Readers{Train: cycleReader{batch: samples}, Test: batchReader(t, samples, 128)}

	cfg := RunConfig{Iters: 2, PassNum: 1, SkipBatchNum: 5, Now: stepClock(time.Millisecond)}
	res, err := Run(context.Background(), cfg, exec, net, readers, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 1, exec.startups)
	assert.Equal(t, 2, exec.trainRuns)
	require.Len(t, res.Passes, 1)
	assert.Len(t, res.Passes[0].Losses, 2)
	assert.Len(t, res.Passes[0].Accs, 2)
	assert.Equal(t, 2, res.Iters)
	assert.True(t, res.Completed)

	// every batch fell inside the warm-up window
	assert.Zero(t, res.Images)
	assert.Zero(t, res.Passes[0].Duration)
	assert.False(t, res.HasThroughput())
	assert.False(t, res.LatencyDenominatorInvalid)
	assert.Equal(t, time.Millisecond, res.LastBatchDuration)
	assert.InDelta(t, 0.7, res.Loss, 1e-6)
	assert.InDelta(t, 0.5, res.TrainAcc, 1e-6)
	assert.InDelta(t, 0.25, res.TestAcc, 1e-6)

	store := kpi.NewFileStore(afero.NewMemMapFs(), "/ce")
	reg := kpi.DefaultRegistry(store, "resnet30")
	require.NoError(t, RecordKPIs(reg, "resnet30", res))
	for _, name := range []string{kpi.TrainCost, kpi.TrainAcc, kpi.TestAcc, kpi.TrainDuration} {
		got, err := store.ReadLatest(kpi.Name("resnet30", name))
		require.NoError(t, err)
		assert.Len(t, got, 1, name)
	}
	speed, err := store.ReadLatest(kpi.Name("resnet30", kpi.TrainSpeed))
	require.NoError(t, err)
	assert.Empty(t, speed)
}

func TestWarmupOnlyAppliesToFirstPass(t *testing.T) {
	samples := syntheticSamples(t, 10, 10)
	net := fakeNetwork()
	exec := &fakeExecutor{net: net, loss: 1, trainAcc: 0.1, testAcc: 0.1}
	readers := Readers{Train: batchReader(t, samples, 4), Test: batchReader(t, samples, 4)}

	cfg := RunConfig{PassNum: 2, SkipBatchNum: 2, Now: stepClock(time.Second)}
	res, err := Run(context.Background(), cfg, exec, net, readers, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, res.Passes, 2)
	// batches of 4, 4, 2: only the last one is timed in pass 0
	assert.Equal(t, 3, res.Passes[0].Iters)
	assert.Equal(t, 2, res.Passes[0].Images)
	assert.Equal(t, time.Second, res.Passes[0].Duration)
	assert.Equal(t, 10, res.Passes[1].Images)
	assert.Equal(t, 3*time.Second, res.Passes[1].Duration)

	assert.Equal(t, 12, res.Images)
	assert.Equal(t, 4*time.Second, res.TotalTrainTime)
	assert.InDelta(t, 3.0, res.ImagesPerSec, 1e-9)
	// 4s / (3*2 - 2)
	assert.Equal(t, time.Second, res.Latency)
	assert.False(t, res.LatencyDenominatorInvalid)
	assert.Equal(t, 6, exec.testRuns)
}

func TestSkipCoversWholeFirstPass(t *testing.T) {
	samples := syntheticSamples(t, 8, 10)
	net := fakeNetwork()
	exec := &fakeExecutor{net: net}
	readers := Readers{Train: batchReader(t, samples, 4), Test: batchReader(t, samples, 4)}

	res, err := Run(context.Background(), RunConfig{PassNum: 1, SkipBatchNum: 5, Now: stepClock(time.Second)}, exec, net, readers, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Passes[0].Images)
	assert.Zero(t, res.Passes[0].Duration)
	assert.Zero(t, res.ImagesPerSec)
}

func TestNonPositiveLatencyDenominatorIsFlagged(t *testing.T) {
	samples := syntheticSamples(t, 4, 10)
	net := fakeNetwork()
	exec := &fakeExecutor{net: net}
	readers := Readers{Train: batchReader(t, samples, 2), Test: batchReader(t, samples, 2)}

	// 2 batches per pass, 2 passes, skip 4: pass 1 is timed but
	// 2*2 - 4 == 0
	cfg := RunConfig{PassNum: 2, SkipBatchNum: 4, Now: stepClock(time.Second)}
	res, err := Run(context.Background(), cfg, exec, net, readers, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, res.HasThroughput())
	assert.True(t, res.LatencyDenominatorInvalid)
	assert.Zero(t, res.Latency)
	assert.InDelta(t, 2.0, res.ImagesPerSec, 1e-9)
}

func TestMeanLossAndWeightedAccuracy(t *testing.T) {
	samples := syntheticSamples(t, 6, 10)
	net := fakeNetwork()
	exec := &weightedExecutor{net: net}
	readers := Readers{Train: batchReader(t, samples, 4), Test: batchReader(t, samples, 4)}

	res, err := Run(context.Background(), RunConfig{PassNum: 1}, exec, net, readers, zap.NewNop())
	require.NoError(t, err)
	// batch 0: 4 samples acc 1 loss 2, batch 1: 2 samples acc 0 loss 4
	assert.InDelta(t, 3.0, res.Loss, 1e-9)
	assert.InDelta(t, 4.0/6.0, res.TrainAcc, 1e-6)
}

type weightedExecutor struct {
	net  *model.Network
	step int
}

func (w *weightedExecutor) Run(ctx context.Context, prog *graph.Program, feed engine.Feed, fetch []string) ([]*tensor.Tensor, error) {
	if prog == w.net.Startup {
		return nil, nil
	}
	n := int64(feed[model.LabelName].Shape[0])
	if prog == w.net.Test {
		return []*tensor.Tensor{tensor.Scalar(1), tensor.ScalarInt64(n)}, nil
	}
	acc, loss := float32(1), float32(2)
	if w.step > 0 {
		acc, loss = 0, 4
	}
	w.step++
	return []*tensor.Tensor{tensor.Scalar(loss), tensor.Scalar(acc), tensor.ScalarInt64(n)}, nil
}

func TestExecutorErrorAborts(t *testing.T) {
	samples := syntheticSamples(t, 8, 10)
	net := fakeNetwork()
	exec := &fakeExecutor{net: net, failAfter: 1}
	readers := Readers{Train: batchReader(t, samples, 2), Test: batchReader(t, samples, 2)}
	_, err := Run(context.Background(), RunConfig{PassNum: 1}, exec, net, readers, zap.NewNop())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCanceledContextStopsRun(t *testing.T) {
	samples := syntheticSamples(t, 2, 2)
	net := fakeNetwork()
	exec := &fakeExecutor{net: net}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, RunConfig{PassNum: 1}, exec, net, Readers{Train: cycleReader{samples}, Test: cycleReader{samples}}, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, exec.trainRuns)
}

func TestRunValidatesConfig(t *testing.T) {
	net := fakeNetwork()
	exec := &fakeExecutor{net: net}
	readers := Readers{Train: cycleReader{}, Test: cycleReader{}}
	_, err := Run(context.Background(), RunConfig{PassNum: 0}, exec, net, readers, nil)
	assert.Error(t, err)
	_, err = Run(context.Background(), RunConfig{PassNum: 1, Iters: -1}, exec, net, readers, nil)
	assert.Error(t, err)
	_, err = Run(context.Background(), RunConfig{PassNum: 1}, exec, net, Readers{}, nil)
	assert.Error(t, err)
}

func TestRecordKPIs(t *testing.T) {
	store := kpi.NewFileStore(afero.NewMemMapFs(), "/ce")
	reg := kpi.DefaultRegistry(store, "m")

	assert.Error(t, RecordKPIs(reg, "m", &Result{}))
	assert.Error(t, RecordKPIs(reg, "other", &Result{Completed: true}))

	res := &Result{
		Completed:         true,
		Loss:              1.5,
		TrainAcc:          0.4,
		TestAcc:           0.3,
		LastBatchDuration: 250 * time.Millisecond,
		TotalTrainTime:    2 * time.Second,
		ImagesPerSec:      64,
	}
	require.NoError(t, RecordKPIs(reg, "m", res))
	assert.Equal(t, []float64{1.5}, reg.Get("m_train_cost").Records())
	assert.Equal(t, []float64{0.25}, reg.Get("m_train_duration").Records())
	got, err := store.ReadLatest("m_train_speed")
	require.NoError(t, err)
	assert.Equal(t, []float64{64}, got)
}

// emptyReader yields no batches.
type emptyReader struct{}

func (emptyReader) Open(context.Context) (dataset.Iterator, error) { return emptyIter{}, nil }

type emptyIter struct{}

func (emptyIter) Next() (dataset.Minibatch, error) { return nil, io.EOF }
func (emptyIter) Close() error                     { return nil }

func TestEmptyDataset(t *testing.T) {
	net := fakeNetwork()
	exec := &fakeExecutor{net: net}
	res, err := Run(context.Background(), RunConfig{PassNum: 2}, exec, net, Readers{Train: emptyReader{}, Test: emptyReader{}}, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, res.Loss)
	assert.Zero(t, res.TestAcc)
	assert.False(t, res.HasThroughput())
}
