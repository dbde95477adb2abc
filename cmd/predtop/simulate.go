// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"os/signal"

	"github.com/gomlx/predtop/internal/metrics"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"k8s.io/klog/v2"
)

var flagPlot string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Fills the cost matrix of the synthetic model on the simulated cluster",
	Long: "Fills the cost matrix of the synthetic model of the configuration, predicting the costs of the " +
		"(mesh, config) with a trained model and profiling the others on the simulated cluster.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m := metrics.New()
		defer writeMetrics(cfg, m)
		o, err := newOrchestrator(cfg, m)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		res, err := o.Run(ctx)
		if err != nil {
			return err
		}
		printSummary(res, cfg.MeshChoices())
		if flagPlot != "" {
			if err := plotCosts(res, cfg.MeshChoices(), flagPlot); err != nil {
				return err
			}
			fmt.Printf("Plot saved to %s\n", flagPlot)
		}
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Profiles a sample of the candidates of each mesh and trains their cost models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.ModelSaveDir == "" {
			klog.Warning("model_save_dir is not set, the trained models are not saved")
		}
		m := metrics.New()
		defer writeMetrics(cfg, m)
		o, err := newOrchestrator(cfg, m)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		res, err := o.TrainModels(ctx)
		if err != nil {
			return err
		}
		printModelSlots(res.Models, cfg.MeshChoices())
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&flagPlot, "plot", "", "Save a plot of the costs per stage width to this PNG file.")
}

// plotCosts plots the costs of the (mesh, config 0) entries by number of layers of the stage, one series
// per mesh.
func plotCosts(res *profiling.Result, meshes []stages.MeshChoice, path string) error {
	p := plot.New()
	p.Title.Text = "Stage costs"
	p.X.Label.Text = "# layers"
	p.Y.Label.Text = "cost (s)"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Legend.Top = true

	points := make([]plotter.XYs, len(meshes))
	for _, e := range res.Costs.Entries() {
		if e.Key.ConfigID != 0 || e.Cost <= 0 {
			continue
		}
		points[e.Key.MeshID] = append(points[e.Key.MeshID], plotter.XY{X: float64(e.Key.End - e.Key.Start + 1), Y: e.Cost})
	}
	for meshID, xys := range points {
		if len(xys) == 0 {
			continue
		}
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting mesh %s", meshes[meshID])
		}
		scatter.GlyphStyle.Color = plotColor(meshID)
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(scatter)
		p.Legend.Add(meshes[meshID].String(), scatter)
	}
	return errors.Wrapf(p.Save(8*vg.Inch, 5*vg.Inch, path), "saving plot to %q", path)
}

var plotPalette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
}

func plotColor(i int) color.Color { return plotPalette[i%len(plotPalette)] }
