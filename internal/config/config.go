// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the configuration of the ptychocg command from
// defaults, a YAML file, PTYCHOCG_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tekinbicer/ptychocg"
)

// EnvPrefix is the prefix of environment variables overriding configuration
// keys. The key solver.iterations is read from PTYCHOCG_SOLVER_ITERATIONS.
const EnvPrefix = "PTYCHOCG"

// Config is the configuration of a reconstruction.
type Config struct {
	Input  InputConfig  `mapstructure:"input" yaml:"input"`
	Output OutputConfig `mapstructure:"output" yaml:"output"`
	Solver SolverConfig `mapstructure:"solver" yaml:"solver"`
	Device DeviceConfig `mapstructure:"device" yaml:"device"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// InputConfig holds the paths of the .npy input arrays.
type InputConfig struct {
	// Data holds intensities of shape [views][scans][dety][detx].
	Data string `mapstructure:"data" yaml:"data"`
	// Object holds the initial object of shape [views][height][width].
	Object string `mapstructure:"object" yaml:"object"`
	// Probe holds the initial probe of shape [views][probe][probe].
	Probe string `mapstructure:"probe" yaml:"probe"`
	// Scan holds (y, x) positions of shape [views][scans][2].
	Scan string `mapstructure:"scan" yaml:"scan"`
	// FFTShift moves the zero frequency of every recorded
	// frame from the detector centre to the first pixel.
	FFTShift bool `mapstructure:"fftshift" yaml:"fftshift"`
}

type OutputConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// Images enables per-view amplitude and phase images.
	Images bool `mapstructure:"images" yaml:"images"`
}

type SolverConfig struct {
	Iterations   int     `mapstructure:"iterations" yaml:"iterations"`
	Model        string  `mapstructure:"model" yaml:"model"`
	RecoverProbe bool    `mapstructure:"recover_probe" yaml:"recover_probe"`
	Variant      string  `mapstructure:"variant" yaml:"variant"`
	ReportEvery  int     `mapstructure:"report_every" yaml:"report_every"`
	Shrink       float64 `mapstructure:"shrink" yaml:"shrink"`
}

type DeviceConfig struct {
	Devices    []int `mapstructure:"devices" yaml:"devices"`
	BatchWidth int   `mapstructure:"batch_width" yaml:"batch_width"`
	// MemoryLimitMB bounds the working set of a batch when
	// BatchWidth is zero. Zero means a single batch.
	MemoryLimitMB int64 `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Input: InputConfig{
			Data:   "data.npy",
			Object: "object.npy",
			Probe:  "probe.npy",
			Scan:   "scan.npy",
		},
		Output: OutputConfig{
			Dir:    ".",
			Prefix: "rec",
			Images: true,
		},
		Solver: SolverConfig{
			Iterations:   128,
			Model:        ptychocg.Gaussian.String(),
			RecoverProbe: false,
			Variant:      "dai-yuan",
			ReportEvery:  8,
			Shrink:       0.5,
		},
		Device: DeviceConfig{
			Devices: []int{0},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// New returns a viper instance holding the defaults and reading PTYCHOCG_*
// environment variables. Callers bind command-line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("input.data", d.Input.Data)
	v.SetDefault("input.object", d.Input.Object)
	v.SetDefault("input.probe", d.Input.Probe)
	v.SetDefault("input.scan", d.Input.Scan)
	v.SetDefault("input.fftshift", d.Input.FFTShift)

	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.prefix", d.Output.Prefix)
	v.SetDefault("output.images", d.Output.Images)

	v.SetDefault("solver.iterations", d.Solver.Iterations)
	v.SetDefault("solver.model", d.Solver.Model)
	v.SetDefault("solver.recover_probe", d.Solver.RecoverProbe)
	v.SetDefault("solver.variant", d.Solver.Variant)
	v.SetDefault("solver.report_every", d.Solver.ReportEvery)
	v.SetDefault("solver.shrink", d.Solver.Shrink)

	v.SetDefault("device.devices", d.Device.Devices)
	v.SetDefault("device.batch_width", d.Device.BatchWidth)
	v.SetDefault("device.memory_limit_mb", d.Device.MemoryLimitMB)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the YAML file at path, if path is not empty, into v and returns
// the validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values of c.
func (c *Config) Validate() error {
	var errs []error
	if c.Solver.Iterations < 0 {
		errs = append(errs, fmt.Errorf("config: negative solver.iterations %d", c.Solver.Iterations))
	}
	if _, err := ptychocg.ParseNoiseModel(c.Solver.Model); err != nil {
		errs = append(errs, fmt.Errorf("config: solver.model: %w", err))
	}
	if _, err := ptychocg.ParseVariant(c.Solver.Variant); err != nil {
		errs = append(errs, fmt.Errorf("config: solver.variant: %w", err))
	}
	if c.Solver.ReportEvery < 0 {
		errs = append(errs, fmt.Errorf("config: negative solver.report_every %d", c.Solver.ReportEvery))
	}
	if c.Solver.Shrink < 0 || c.Solver.Shrink >= 1 {
		errs = append(errs, fmt.Errorf("config: solver.shrink %v outside [0, 1)", c.Solver.Shrink))
	}
	for _, d := range c.Device.Devices {
		if d < 0 {
			errs = append(errs, fmt.Errorf("config: negative device %d", d))
		}
	}
	if c.Device.BatchWidth < 0 {
		errs = append(errs, fmt.Errorf("config: negative device.batch_width %d", c.Device.BatchWidth))
	}
	if c.Device.MemoryLimitMB < 0 {
		errs = append(errs, fmt.Errorf("config: negative device.memory_limit_mb %d", c.Device.MemoryLimitMB))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("config: log.format %q is neither text nor json", f))
	}
	return errors.Join(errs...)
}

// Save writes c to path as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	header := "# ptychocg configuration\n# Keys can be overridden by " + EnvPrefix + "_<SECTION>_<KEY> environment variables.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// NewLogger returns a logger configured by c.Log.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return log, nil
}
