// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// predtop fills the cost matrix used by the pipeline stage partition search, predicting stage costs
// with learned models where available and profiling them otherwise.
//
// The devices are simulated with a roofline model, and the model partitioned is a synthetic MLP
// described in the configuration file.
package main

import (
	"flag"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/predtop/internal/config"
	"github.com/gomlx/predtop/internal/metrics"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var (
	flagConfig   string
	flagProgress bool
	flagNoColor  bool
)

var rootCmd = &cobra.Command{
	Use:           "predtop",
	Short:         "Predicts or profiles the costs of candidate pipeline stages",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagNoColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		} else {
			lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).Profile)
		}
	},
}

func init() {
	addKlogFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"YAML configuration file. If not set, the default configuration is used.")
	rootCmd.PersistentFlags().BoolVar(&flagProgress, "progress", false, "Display progress bars while assembling stages.")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colors in the output.")
	rootCmd.AddCommand(simulateCmd, trainCmd, modelsCmd, tableCmd, latencyCmd, initConfigCmd)
}

// addKlogFlags registers the klog flags (-v, -logtostderr, ...) in fs.
func addKlogFlags(fs *pflag.FlagSet) {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
}

// loadConfig returns the configuration given by --config, or the default one.
func loadConfig() (config.Config, error) {
	if flagConfig == "" {
		c := config.Default()
		return c, c.Validate()
	}
	return config.Load(flagConfig)
}

// writeMetrics saves the metrics of the run, if configured.
func writeMetrics(cfg config.Config, m *metrics.Metrics) {
	if cfg.MetricsFile == "" {
		return
	}
	if err := m.WriteToTextfile(cfg.MetricsFile); err != nil {
		klog.Errorf("Failed to write metrics: %+v", err)
		return
	}
	klog.V(1).Infof("metrics written to %q", cfg.MetricsFile)
}

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
