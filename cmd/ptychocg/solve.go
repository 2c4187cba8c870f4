// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tekinbicer/ptychocg"
	"github.com/tekinbicer/ptychocg/fftop"
	"github.com/tekinbicer/ptychocg/internal/config"
	"github.com/tekinbicer/ptychocg/internal/npyfile"
)

func newSolveCmd(v *viper.Viper, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Reconstruct the object and probe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			log, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			if path := v.ConfigFileUsed(); path != "" {
				log.WithField("path", path).Debug("loaded configuration")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), interrupts...)
			defer stop()
			return solve(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.Int("iterations", 0, "outer iterations per batch")
	f.String("model", "", "noise model: gaussian or poisson")
	f.Bool("recover-probe", false, "refine the probe together with the object")
	f.String("variant", "", "CG variant")
	f.IntSlice("devices", nil, "devices to run on")
	f.Int("batch-width", 0, "views per batch (0 derives it from --memory-limit)")
	f.Int64("memory-limit", 0, "working set limit of a batch in MB")
	f.String("output-dir", "", "output directory")
	f.String("log-level", "", "log level")
	if err := bindFlags(v, cmd, map[string]string{
		"iterations":    "solver.iterations",
		"model":         "solver.model",
		"recover-probe": "solver.recover_probe",
		"variant":       "solver.variant",
		"devices":       "device.devices",
		"batch-width":   "device.batch_width",
		"memory-limit":  "device.memory_limit_mb",
		"output-dir":    "output.dir",
		"log-level":     "log.level",
	}); err != nil {
		panic(err)
	}
	return cmd
}

// solve runs the reconstruction described by cfg.
func solve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	p, err := readProblem(cfg.Input)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"views":  p.Dims.Views,
		"object": fmt.Sprintf("%dx%d", p.Dims.Height, p.Dims.Width),
		"scans":  p.Dims.Scans,
		"probe":  p.Dims.Probe,
		"det":    fmt.Sprintf("%dx%d", p.Dims.DetY, p.Dims.DetX),
	}).Info("read problem")

	model, err := ptychocg.ParseNoiseModel(cfg.Solver.Model)
	if err != nil {
		return err
	}
	variant, err := ptychocg.ParseVariant(cfg.Solver.Variant)
	if err != nil {
		return err
	}

	s, err := ptychocg.Open(fftop.Kernel{}, p.Dims, ptychocg.DeviceConfig{
		Devices:     cfg.Device.Devices,
		BatchWidth:  cfg.Device.BatchWidth,
		MemoryLimit: cfg.Device.MemoryLimitMB << 20,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Error("releasing session")
		}
	}()

	res, err := s.Solve(ctx, p, ptychocg.Settings{
		Iterations:   cfg.Solver.Iterations,
		Model:        model,
		RecoverProbe: cfg.Solver.RecoverProbe,
		NewMethod: func() ptychocg.Method {
			return &ptychocg.CG{
				Variant:     variant,
				LineSearch:  ptychocg.Backtracking{Shrink: cfg.Solver.Shrink},
				ReportEvery: cfg.Solver.ReportEvery,
			}
		},
		Logger: log,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("reconstruction interrupted, no output written")
		}
		return err
	}
	log.WithFields(logrus.Fields{
		"batches":    res.Stats.Batches,
		"iterations": res.Stats.Iterations,
		"forward":    res.Stats.Forward,
		"adjoint":    res.Stats.Adjoint,
		"restarts":   res.Stats.Restarts,
		"failures":   res.Stats.LineSearchFailures,
		"runtime":    res.Stats.Runtime,
	}).Info("reconstruction finished")

	return writeResult(cfg.Output, p.Dims, res, log)
}

// writeResult writes the refined fields and, if enabled, the amplitude and
// phase images of every view.
func writeResult(out config.OutputConfig, d ptychocg.Dims, res ptychocg.Result, log logrus.FieldLogger) error {
	if err := os.MkdirAll(out.Dir, 0o755); err != nil {
		return err
	}
	name := func(suffix string) string {
		return filepath.Join(out.Dir, out.Prefix+"-"+suffix+".npy")
	}
	if err := npyfile.WriteComplex(name("psi"), res.Object); err != nil {
		return err
	}
	if err := npyfile.WriteComplex(name("prb"), res.Probe); err != nil {
		return err
	}
	if out.Images {
		for k := 0; k < d.Views; k++ {
			amp := npyfile.Amplitude(res.Object, k, d.Height, d.Width)
			if err := npyfile.WriteMatrix(name(fmt.Sprintf("amp-%03d", k)), amp); err != nil {
				return err
			}
			phase := npyfile.Phase(res.Object, k, d.Height, d.Width)
			if err := npyfile.WriteMatrix(name(fmt.Sprintf("phase-%03d", k)), phase); err != nil {
				return err
			}
		}
	}
	log.WithField("dir", out.Dir).Info("wrote result")
	return nil
}
