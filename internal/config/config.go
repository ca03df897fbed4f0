package config

import (
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// RootEnv names the directory under which KPI records are kept when neither
// the config file nor the command line sets one.
const RootEnv = "CEROOT"

// Config captures the runtime knobs for a benchmark run.
type Config struct {
	BatchSize    int    `yaml:"batch_size"`
	Device       string `yaml:"device"`
	Iters        int    `yaml:"iters"`
	PassNum      int    `yaml:"pass_num"`
	SkipBatchNum int    `yaml:"skip_batch_num"`
	Depth        int    `yaml:"depth"`
	ClassDim     int    `yaml:"class_dim"`
	DataDir      string `yaml:"data_dir"`
	Synthetic    int    `yaml:"synthetic"`
	NumWorkers   int    `yaml:"num_workers"`
	Seed         int64  `yaml:"seed"`
	LogEvery     int    `yaml:"log_every"`

	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`

	KPIRoot   string `yaml:"kpi_root"`
	KPIStore  string `yaml:"kpi_store"`
	KPIPrefix string `yaml:"kpi_prefix"`
}

// Overrides captures CLI supplied values. Nil fields leave the config
// untouched, so an explicit zero (e.g. --iters 0) still overrides.
type Overrides struct {
	BatchSize    *int
	Device       *string
	Iters        *int
	PassNum      *int
	SkipBatchNum *int
	Depth        *int
	ClassDim     *int
	DataDir      *string
	Synthetic    *int
	NumWorkers   *int
	Seed         *int64
	KPIRoot      *string
	KPIStore     *string
	KPIPrefix    *string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BatchSize:    128,
		Device:       "GPU",
		Iters:        0,
		PassNum:      3,
		SkipBatchNum: 5,
		Depth:        32,
		ClassDim:     10,
		DataDir:      "data/cifar-10-batches-bin",
		NumWorkers:   1,
		LogEvery:     1,
		LearningRate: 0.01,
		Momentum:     0.9,
		KPIStore:     "file",
		KPIPrefix:    "resnet30",
	}
}

// Load reads a Config from YAML on top of Default and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes the YAML file at path on top of Default without validating,
// so command-line overrides can still be applied.
func Read(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using every non-nil override.
func (c *Config) ApplyOverrides(o Overrides) {
	setInt(&c.BatchSize, o.BatchSize)
	setString(&c.Device, o.Device)
	setInt(&c.Iters, o.Iters)
	setInt(&c.PassNum, o.PassNum)
	setInt(&c.SkipBatchNum, o.SkipBatchNum)
	setInt(&c.Depth, o.Depth)
	setInt(&c.ClassDim, o.ClassDim)
	setString(&c.DataDir, o.DataDir)
	setInt(&c.Synthetic, o.Synthetic)
	setInt(&c.NumWorkers, o.NumWorkers)
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	setString(&c.KPIRoot, o.KPIRoot)
	setString(&c.KPIStore, o.KPIStore)
	setString(&c.KPIPrefix, o.KPIPrefix)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Validate verifies the config is runnable and fills derived defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	c.Device = strings.ToUpper(c.Device)
	if c.Device != "CPU" && c.Device != "GPU" {
		return errors.Errorf("device must be CPU or GPU (got %q)", c.Device)
	}
	if c.Iters < 0 {
		return errors.Errorf("iters must be >= 0 (got %d)", c.Iters)
	}
	if c.PassNum <= 0 {
		return errors.Errorf("pass_num must be > 0 (got %d)", c.PassNum)
	}
	if c.SkipBatchNum < 0 {
		return errors.Errorf("skip_batch_num must be >= 0 (got %d)", c.SkipBatchNum)
	}
	if c.ClassDim <= 1 {
		return errors.Errorf("class_dim must be > 1 (got %d)", c.ClassDim)
	}
	if c.Synthetic < 0 {
		return errors.Errorf("synthetic must be >= 0 (got %d)", c.Synthetic)
	}
	if c.Synthetic == 0 && c.DataDir == "" {
		return errors.New("data_dir must be set unless synthetic data is used")
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	switch c.KPIStore {
	case "file", "leveldb":
	default:
		return errors.Errorf("kpi_store must be file or leveldb (got %q)", c.KPIStore)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 1
	}
	if c.KPIRoot == "" {
		c.KPIRoot = DefaultKPIRoot()
	}
	return nil
}

// DefaultKPIRoot returns $CEROOT, or the working directory when unset.
func DefaultKPIRoot() string {
	if root := os.Getenv(RootEnv); root != "" {
		return root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
