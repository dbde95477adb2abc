// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagCSV    string
	flagLimit  int
	flagSource string
)

var tableCmd = &cobra.Command{
	Use:   "table <result file>",
	Short: "Displays the cost matrix entries of a result dump, optionally exporting them to CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := profiling.LoadResult(args[0])
		if err != nil {
			return err
		}
		df := entriesDataFrame(res.Costs.Entries())
		if flagSource != "" {
			df = df.Filter(dataframe.F{Colname: "Source", Comparator: series.Eq, Comparando: flagSource})
			if df.Err != nil {
				return errors.Wrap(df.Err, "filtering entries")
			}
		}
		if flagCSV != "" {
			if err := writeCSV(df, flagCSV); err != nil {
				return err
			}
			fmt.Printf("%d entries written to %s\n", df.Nrow(), flagCSV)
			return nil
		}
		printEntries(df, flagLimit)
		return nil
	},
}

func init() {
	tableCmd.Flags().StringVar(&flagCSV, "csv", "", "Write the entries to this CSV file instead of displaying them.")
	tableCmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum number of entries displayed, 0 for all.")
	tableCmd.Flags().StringVar(&flagSource, "source", "", `Only entries of this source ("measured" or "predicted").`)
}

// entryRow is the tabular form of an Entry.
type entryRow struct {
	Start, End, Mesh, Config int
	Cost                     float64
	Source                   string
}

func entriesDataFrame(entries []profiling.Entry) dataframe.DataFrame {
	rows := make([]entryRow, len(entries))
	for i, e := range entries {
		rows[i] = entryRow{
			Start:  e.Key.Start,
			End:    e.Key.End,
			Mesh:   e.Key.MeshID,
			Config: e.Key.ConfigID,
			Cost:   e.Cost,
			Source: e.Source.String(),
		}
	}
	if len(rows) == 0 {
		return dataframe.New(
			series.New([]int{}, series.Int, "Start"), series.New([]int{}, series.Int, "End"),
			series.New([]int{}, series.Int, "Mesh"), series.New([]int{}, series.Int, "Config"),
			series.New([]float64{}, series.Float, "Cost"), series.New([]string{}, series.String, "Source"))
	}
	return dataframe.LoadStructs(rows)
}

func writeCSV(df dataframe.DataFrame, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

func printEntries(df dataframe.DataFrame, limit int) {
	n := df.Nrow()
	if limit > 0 {
		n = min(n, limit)
	}
	table := newPlainTable(true)
	table.Headers("Stage", "Mesh", "Config", "Cost", "Source")
	costs := df.Col("Cost").Float()
	for i := range n {
		table.Row(fmt.Sprintf("(%s, %s)", df.Elem(i, 0), df.Elem(i, 1)), df.Elem(i, 2).String(), df.Elem(i, 3).String(),
			formatCost(costs[i]), df.Elem(i, 5).String())
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%d of %d entries", n, df.Nrow())))
	fmt.Println(table.Render())
}
