package trainer

import (
	"context"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"resnet-ce/internal/dataset"
	"resnet-ce/internal/engine"
	"resnet-ce/internal/metrics"
	"resnet-ce/internal/model"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	// Iters caps the batches per pass; 0 means no cap.
	Iters        int
	PassNum      int
	SkipBatchNum int
	LogEvery     int
	// Now is the clock used for batch timing. Defaults to time.Now.
	Now func() time.Time
}

// Readers supplies the train and test minibatches. Each pass opens a new
// iterator.
type Readers struct {
	Train dataset.Reader
	Test  dataset.Reader
}

// PassResult summarises one pass over the training set.
type PassResult struct {
	Pass     int
	Iters    int
	Losses   []float64
	Accs     []float64
	Loss     float64
	TrainAcc float64
	TestAcc  float64
	// Duration sums the timed batches of the pass; warm-up batches of pass
	// 0 are excluded.
	Duration time.Duration
	Images   int
}

// Result holds what a run measured. The caller records it into KPIs.
type Result struct {
	Passes []PassResult
	// Completed is set once the final pass has finished.
	Completed bool

	Loss     float64
	TrainAcc float64
	TestAcc  float64
	// LastBatchDuration is the wall time of the last executed batch of the
	// final pass.
	LastBatchDuration time.Duration

	Images         int
	TotalTrainTime time.Duration
	// Iters is the batch count of the final pass.
	Iters int

	ImagesPerSec float64
	// Latency is TotalTrainTime / (Iters*PassNum - SkipBatchNum). It stays
	// zero when that denominator is not positive, and
	// LatencyDenominatorInvalid is set instead.
	Latency                   time.Duration
	LatencyDenominatorInvalid bool
}

// HasThroughput reports whether any batch was timed.
func (r *Result) HasThroughput() bool {
	return r.TotalTrainTime > 0
}

// Run initialises the parameters with the startup program, then trains
// for cfg.PassNum passes, evaluating on the test reader after each pass.
func Run(ctx context.Context, cfg RunConfig, exec engine.Executor, net *model.Network, readers Readers, logger *zap.Logger) (*Result, error) {
	if cfg.PassNum <= 0 {
		return nil, errors.Errorf("trainer: pass_num must be > 0 (got %d)", cfg.PassNum)
	}
	if cfg.Iters < 0 {
		return nil, errors.Errorf("trainer: iters must be >= 0 (got %d)", cfg.Iters)
	}
	if readers.Train == nil || readers.Test == nil {
		return nil, errors.New("trainer: train and test readers are required")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := exec.Run(ctx, net.Startup, nil, nil); err != nil {
		return nil, errors.Wrap(err, "run startup program")
	}

	res := &Result{}
	var accuracy metrics.WeightedAverage
	for pass := 0; pass < cfg.PassNum; pass++ {
		accuracy.Reset()
		pr, last, err := runPass(ctx, cfg, exec, net, readers.Train, pass, &accuracy, logger)
		if err != nil {
			return nil, err
		}
		pr.TrainAcc = accuracy.Eval()
		pr.TestAcc, err = evaluate(ctx, exec, net, readers.Test)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluate pass %d", pass)
		}

		res.Images += pr.Images
		res.TotalTrainTime += pr.Duration
		res.Passes = append(res.Passes, pr)
		res.Loss, res.TrainAcc, res.TestAcc = pr.Loss, pr.TrainAcc, pr.TestAcc
		res.LastBatchDuration = last
		res.Iters = pr.Iters

		logger.Info("pass done",
			zap.Int("pass", pass),
			zap.Float64("loss", pr.Loss),
			zap.Float64("train_acc", pr.TrainAcc),
			zap.Float64("test_acc", pr.TestAcc),
			zap.Duration("duration", pr.Duration),
			zap.String("images", humanize.Comma(int64(pr.Images))),
		)
	}
	res.Completed = true

	if res.HasThroughput() {
		res.ImagesPerSec = float64(res.Images) / res.TotalTrainTime.Seconds()
		denom := res.Iters*cfg.PassNum - cfg.SkipBatchNum
		if denom > 0 {
			res.Latency = res.TotalTrainTime / time.Duration(denom)
		} else {
			res.LatencyDenominatorInvalid = true
			logger.Warn("latency denominator is not positive; latency not computed",
				zap.Int("iters", res.Iters),
				zap.Int("pass_num", cfg.PassNum),
				zap.Int("skip_batch_num", cfg.SkipBatchNum),
			)
		}
		logger.Info("throughput",
			zap.Float64("images_per_sec", res.ImagesPerSec),
			zap.Duration("latency", res.Latency),
			zap.String("total_train_time", humanize.FormatFloat("#,###.###", res.TotalTrainTime.Seconds())+"s"),
		)
	}
	return res, nil
}

// runPass trains over one pass and returns its summary along with the
// wall time of its last executed batch.
func runPass(ctx context.Context, cfg RunConfig, exec engine.Executor, net *model.Network, reader dataset.Reader, pass int, accuracy *metrics.WeightedAverage, logger *zap.Logger) (PassResult, time.Duration, error) {
	pr := PassResult{Pass: pass}
	var last time.Duration

	it, err := reader.Open(ctx)
	if err != nil {
		return pr, 0, errors.Wrap(err, "open train reader")
	}
	defer it.Close()

	var window metrics.Window
	for {
		if err := ctx.Err(); err != nil {
			return pr, 0, err
		}
		if cfg.Iters > 0 && pr.Iters == cfg.Iters {
			break
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return pr, 0, errors.Wrapf(err, "pass %d batch %d", pass, pr.Iters)
		}

		batchStart := cfg.Now()
		images, labels, err := batch.Tensors()
		if err != nil {
			return pr, 0, err
		}
		out, err := exec.Run(ctx, net.Main, engine.Feed{model.DataName: images, model.LabelName: labels}, net.TrainFetches())
		if err != nil {
			return pr, 0, errors.Wrapf(err, "pass %d batch %d", pass, pr.Iters)
		}
		if len(out) != 3 {
			return pr, 0, errors.Errorf("train step returned %d values, want 3", len(out))
		}
		batchEnd := cfg.Now()
		last = batchEnd.Sub(batchStart)

		loss, acc, weight := out[0].Float(), out[1].Float(), out[2].Float()
		pr.Losses = append(pr.Losses, loss)
		pr.Accs = append(pr.Accs, acc)
		if err := accuracy.Add(acc, weight); err != nil {
			return pr, 0, err
		}

		if pr.Iters >= cfg.SkipBatchNum || pass != 0 {
			pr.Duration += last
			pr.Images += len(batch)
			window.Record(len(batch), last, loss)
		}
		pr.Iters++

		if pr.Iters%cfg.LogEvery == 0 {
			logger.Info("batch",
				zap.Int("pass", pass),
				zap.Int("iter", pr.Iters),
				zap.Float64("loss", loss),
				zap.Float64("acc", acc),
			)
		}
	}

	pr.Loss = metrics.Mean(pr.Losses)
	if snap := window.Snapshot(); snap.Steps > 0 {
		logger.Debug("pass timing",
			zap.Int("pass", pass),
			zap.Float64("images_per_sec", snap.ImagesPerSec),
			zap.Float64("avg_batch_ms", snap.AvgBatchMS),
			zap.Float64("median_batch_ms", snap.MedianBatchMS),
		)
	}
	return pr, last, nil
}

// evaluate runs the inference program over the whole test reader and
// returns the batch-size weighted accuracy.
func evaluate(ctx context.Context, exec engine.Executor, net *model.Network, reader dataset.Reader) (float64, error) {
	it, err := reader.Open(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "open test reader")
	}
	defer it.Close()

	var accuracy metrics.WeightedAverage
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		images, labels, err := batch.Tensors()
		if err != nil {
			return 0, err
		}
		out, err := exec.Run(ctx, net.Test, engine.Feed{model.DataName: images, model.LabelName: labels}, net.TestFetches())
		if err != nil {
			return 0, err
		}
		if len(out) != 2 {
			return 0, errors.Errorf("test step returned %d values, want 2", len(out))
		}
		if err := accuracy.Add(out[0].Float(), out[1].Float()); err != nil {
			return 0, err
		}
	}
	return accuracy.Eval(), nil
}
