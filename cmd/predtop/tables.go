// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/gomlx/predtop/pkg/stages"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// formatCost in seconds, with a human friendly unit.
func formatCost(seconds float64) string {
	if math.IsInf(seconds, 1) {
		return "∞"
	}
	return time.Duration(seconds * float64(time.Second)).String()
}

// costSummary holds the statistics of the entries of one (mesh, config).
type costSummary struct {
	counts   map[profiling.Source]int
	min, max float64
}

// printSummary prints the number of entries of each source, and the range of costs, per (mesh, config).
func printSummary(res *profiling.Result, meshes []stages.MeshChoice) {
	summaries := make(map[profiling.ModelKey]*costSummary)
	for _, e := range res.Costs.Entries() {
		key := profiling.ModelKey{MeshID: e.Key.MeshID, ConfigID: e.Key.ConfigID}
		s, found := summaries[key]
		if !found {
			s = &costSummary{counts: make(map[profiling.Source]int), min: math.Inf(1), max: math.Inf(-1)}
			summaries[key] = s
		}
		s.counts[e.Source]++
		s.min = min(s.min, e.Cost)
		s.max = max(s.max, e.Cost)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Run %s", res.RunID)))
	table := newPlainTable(true)
	table.Headers("Mesh", "Config", "Measured", "Predicted", "Min cost", "Max cost")
	for meshID, mesh := range meshes {
		for configID := range res.Costs.NumConfigs {
			s, found := summaries[profiling.ModelKey{MeshID: meshID, ConfigID: configID}]
			if !found {
				continue
			}
			table.Row(fmt.Sprintf("#%d %s", meshID, mesh), fmt.Sprintf("#%d", configID),
				humanize.Comma(int64(s.counts[profiling.SourceMeasured])),
				humanize.Comma(int64(s.counts[profiling.SourcePredicted])),
				formatCost(s.min), formatCost(s.max))
		}
	}
	fmt.Println(table.Render())
	shape := res.Costs.Shape()
	total := shape[0] * shape[1] * shape[2] * shape[3]
	fmt.Printf("%s of %s entries set, %s missing.\n",
		humanize.Comma(int64(total-res.Costs.Count(profiling.SourceMissing))), humanize.Comma(int64(total)),
		humanize.Comma(int64(res.Costs.Count(profiling.SourceMissing))))
	if res.ProfileResultFile != "" {
		fmt.Printf("Results saved to %s\n", res.ProfileResultFile)
	}
}
