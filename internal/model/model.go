package model

import (
	"github.com/pkg/errors"

	"resnet-ce/internal/graph"
	"resnet-ce/internal/tensor"
)

// Feed and fetch names of the benchmark network.
const (
	DataName  = "data"
	LabelName = "label"
)

// ImageShape is the CHW shape of one CIFAR image.
var ImageShape = []int{3, 32, 32}

// Options configures BuildTrainer.
type Options struct {
	ClassDim     int
	Depth        int
	LearningRate float64
	Momentum     float64
	Seed         int64
}

func (o *Options) setDefaults() {
	if o.ClassDim <= 0 {
		o.ClassDim = 10
	}
	if o.Depth == 0 {
		o.Depth = DefaultDepth
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.01
	}
	if o.Momentum <= 0 {
		o.Momentum = 0.9
	}
}

// Network bundles the programs and variable names a training loop needs.
type Network struct {
	Main    *graph.Program
	Test    *graph.Program
	Startup *graph.Program

	Predict   string
	AvgCost   string
	BatchAcc  string
	BatchSize string
}

// TrainFetches returns the fetch list of one optimization step: average
// cost, batch accuracy and batch size.
func (n *Network) TrainFetches() []string {
	return []string{n.AvgCost, n.BatchAcc, n.BatchSize}
}

// TestFetches returns the fetch list of one evaluation step: batch accuracy
// and batch size.
func (n *Network) TestFetches() []string {
	return []string{n.BatchAcc, n.BatchSize}
}

// BuildTrainer builds the CIFAR ResNet with a cross-entropy cost, a
// batch-size weighted accuracy, an inference clone and a momentum optimizer.
func BuildTrainer(opts Options) (*Network, error) {
	opts.setDefaults()
	if err := ValidateDepth(opts.Depth); err != nil {
		return nil, err
	}

	main := graph.NewProgram()
	main.SetSeed(opts.Seed)

	input := main.Data(DataName, ImageShape, tensor.Float32)
	label := main.Data(LabelName, []int{1}, tensor.Int64)

	predict := ResNetCIFAR10(main, input, opts.ClassDim, opts.Depth)
	cost := main.CrossEntropy(predict, label)
	avgCost := main.Mean(cost)
	batchAcc, batchSize := main.Accuracy(predict, label)
	if err := main.Err(); err != nil {
		return nil, errors.Wrap(err, "build resnet")
	}

	test := main.Clone(true)

	if err := main.Minimize(avgCost, graph.Momentum{
		LearningRate: opts.LearningRate,
		Momentum:     opts.Momentum,
	}); err != nil {
		return nil, errors.Wrap(err, "attach optimizer")
	}

	return &Network{
		Main:      main,
		Test:      test,
		Startup:   main.Startup(),
		Predict:   predict.Name,
		AvgCost:   avgCost.Name,
		BatchAcc:  batchAcc.Name,
		BatchSize: batchSize.Name,
	}, nil
}
