package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ce.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
# short CE run
batch_size: 64
device: cpu
iters: 10
kpi_root: /tmp/ce
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, "CPU", cfg.Device)
	assert.Equal(t, 10, cfg.Iters)
	assert.Equal(t, 3, cfg.PassNum)
	assert.Equal(t, 5, cfg.SkipBatchNum)
	assert.Equal(t, 32, cfg.Depth)
	assert.Equal(t, 0.01, cfg.LearningRate)
	assert.Equal(t, "/tmp/ce", cfg.KPIRoot)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "batchsize: 3\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOverridesTakePrecedence(t *testing.T) {
	cfg, err := Parse([]byte("iters: 50\npass_num: 2\ndevice: GPU\n"))
	require.NoError(t, err)

	iters := 0
	device := "CPU"
	seed := int64(9)
	cfg.ApplyOverrides(Overrides{Iters: &iters, Device: &device, Seed: &seed})
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0, cfg.Iters)
	assert.Equal(t, "CPU", cfg.Device)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, 2, cfg.PassNum, "unset overrides keep file values")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"batch size": func(c *Config) { c.BatchSize = 0 },
		"device":     func(c *Config) { c.Device = "TPU" },
		"iters":      func(c *Config) { c.Iters = -1 },
		"pass num":   func(c *Config) { c.PassNum = 0 },
		"skip":       func(c *Config) { c.SkipBatchNum = -2 },
		"class dim":  func(c *Config) { c.ClassDim = 1 },
		"no data":    func(c *Config) { c.DataDir = "" },
		"lr":         func(c *Config) { c.LearningRate = 0 },
		"store":      func(c *Config) { c.KPIStore = "s3" },
		"synthetic":  func(c *Config) { c.Synthetic = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())

	cfg := Default()
	cfg.DataDir = ""
	cfg.Synthetic = 16
	assert.NoError(t, cfg.Validate())
}

func TestKPIRootFromEnv(t *testing.T) {
	t.Setenv(RootEnv, "/var/ce")
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/ce", cfg.KPIRoot)

	t.Setenv(RootEnv, "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, DefaultKPIRoot())
}
