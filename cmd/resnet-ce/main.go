package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"resnet-ce/internal/config"
	"resnet-ce/internal/dataset"
	"resnet-ce/internal/engine"
	"resnet-ce/internal/kpi"
	"resnet-ce/internal/logging"
	"resnet-ce/internal/model"
	"resnet-ce/internal/trainer"
)

type args struct {
	Config       string  `arg:"--config" help:"path to a YAML config"`
	BatchSize    *int    `arg:"--batch_size" help:"minibatch size"`
	Device       *string `arg:"--device" help:"CPU or GPU"`
	Iters        *int    `arg:"--iters" help:"batches per pass, 0 for no cap"`
	PassNum      *int    `arg:"--pass_num" help:"number of passes (default 3)"`
	SkipBatchNum *int    `arg:"--skip_batch_num" help:"warm-up batches of the first pass excluded from timing (default 5)"`
	Depth        *int    `arg:"--depth" help:"resnet depth, (depth-2)%6 must be 0 (default 32)"`
	ClassDim     *int    `arg:"--class_dim" help:"number of classes (default 10)"`
	DataDir      *string `arg:"--data_dir" help:"directory of CIFAR-10 binary batches or the tar.gz archive"`
	Synthetic    *int    `arg:"--synthetic" help:"train on N synthetic samples instead of data_dir"`
	Seed         *int64  `arg:"--seed" help:"parameter initialisation and synthetic data seed"`
	NumWorkers   *int    `arg:"--num_workers" help:"batch file readers and executor workers"`
	KPIRoot      *string `arg:"--kpi_root" help:"KPI root directory (default $CEROOT or the working directory)"`
	KPIStore     *string `arg:"--kpi_store" help:"file or leveldb"`
	KPIPrefix    *string `arg:"--kpi_prefix" help:"model prefix of the training KPIs"`
	LogLevel     string  `arg:"--log_level" help:"debug, info, warn or error"`
	LogFormat    string  `arg:"--log_format" help:"console or json"`
}

func (args) Description() string {
	return "Trains the CIFAR-10 ResNet benchmark and records its KPIs."
}

func main() {
	a := args{LogLevel: "info", LogFormat: "console"}
	p := arg.MustParse(&a)

	logger, err := logging.New(a.LogLevel, a.LogFormat)
	if err != nil {
		p.Fail(err.Error())
	}
	logger = logger.With(zap.String("run_id", uuid.New().String()))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, a, logger); err != nil {
		logger.Fatal("benchmark failed", zap.Error(err))
	}
}

func loadConfig(a args) (*config.Config, error) {
	cfg := config.Default()
	if a.Config != "" {
		var err error
		if cfg, err = config.Read(a.Config); err != nil {
			return nil, err
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		BatchSize:    a.BatchSize,
		Device:       a.Device,
		Iters:        a.Iters,
		PassNum:      a.PassNum,
		SkipBatchNum: a.SkipBatchNum,
		Depth:        a.Depth,
		ClassDim:     a.ClassDim,
		DataDir:      a.DataDir,
		Synthetic:    a.Synthetic,
		Seed:         a.Seed,
		NumWorkers:   a.NumWorkers,
		KPIRoot:      a.KPIRoot,
		KPIStore:     a.KPIStore,
		KPIPrefix:    a.KPIPrefix,
	})
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if err := model.ValidateDepth(cfg.Depth); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openReaders(cfg *config.Config) (trainer.Readers, error) {
	var train, test dataset.Source
	if cfg.Synthetic > 0 {
		train = &dataset.Synthetic{N: cfg.Synthetic, Seed: cfg.Seed, ClassDim: cfg.ClassDim}
		test = &dataset.Synthetic{N: cfg.Synthetic, Seed: cfg.Seed + 1, ClassDim: cfg.ClassDim}
	} else {
		var err error
		if train, err = dataset.Open(cfg.DataDir, dataset.Train, cfg.NumWorkers); err != nil {
			return trainer.Readers{}, err
		}
		if test, err = dataset.Open(cfg.DataDir, dataset.Test, cfg.NumWorkers); err != nil {
			return trainer.Readers{}, err
		}
	}
	trainReader, err := dataset.NewBatchReader(train, cfg.BatchSize)
	if err != nil {
		return trainer.Readers{}, err
	}
	testReader, err := dataset.NewBatchReader(test, cfg.BatchSize)
	if err != nil {
		return trainer.Readers{}, err
	}
	return trainer.Readers{Train: trainReader, Test: testReader}, nil
}

func run(ctx context.Context, a args, logger *zap.Logger) error {
	cfg, err := loadConfig(a)
	if err != nil {
		return err
	}

	place, err := engine.ParsePlace(cfg.Device)
	if err != nil {
		return err
	}
	logger.Info("host",
		zap.String("device", string(place)),
		zap.String("cpu", cpuid.CPU.BrandName),
		zap.String("vendor", cpuid.CPU.VendorString),
		zap.Int("physical_cores", cpuid.CPU.PhysicalCores),
		zap.Int("logical_cores", cpuid.CPU.LogicalCores),
	)
	exec, err := engine.NewExecutor(place, engine.Options{Workers: cfg.NumWorkers, Logger: logger})
	if err != nil {
		return err
	}

	net, err := model.BuildTrainer(model.Options{
		ClassDim:     cfg.ClassDim,
		Depth:        cfg.Depth,
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return err
	}
	logger.Info("network",
		zap.Int("depth", cfg.Depth),
		zap.Int("ops", len(net.Main.Ops())),
		zap.Int("parameters", len(net.Main.Parameters())),
	)

	readers, err := openReaders(cfg)
	if err != nil {
		return err
	}

	store, err := kpi.OpenStore(cfg.KPIStore, cfg.KPIRoot)
	if err != nil {
		return err
	}
	defer store.Close()
	registry := kpi.DefaultRegistry(store, cfg.KPIPrefix)

	start := time.Now()
	res, err := trainer.Run(ctx, trainer.RunConfig{
		Iters:        cfg.Iters,
		PassNum:      cfg.PassNum,
		SkipBatchNum: cfg.SkipBatchNum,
		LogEvery:     cfg.LogEvery,
	}, exec, net, readers, logger)
	if err != nil {
		return err
	}
	if err := trainer.RecordKPIs(registry, cfg.KPIPrefix, res); err != nil {
		return err
	}
	if err := registry.PersistAll(); err != nil {
		return err
	}

	logger.Info("benchmark done",
		zap.Float64("train_cost", res.Loss),
		zap.Float64("train_acc", res.TrainAcc),
		zap.Float64("test_acc", res.TestAcc),
		zap.String("images", humanize.Comma(int64(res.Images))),
		zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)),
		zap.String("kpi_root", cfg.KPIRoot),
	)
	return nil
}
