// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/hlofusion/pkg/support/sets"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F44")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool, failedRows sets.Set[int]) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				s = headerRowStyle
				return
			}
			switch {
			case failedRows.Has(row):
				s = errorStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

// report prints the configuration and a table with the results of each module.
func report(cfg *config, results []*result) {
	fmt.Println(titleStyle.Render("Configuration"))
	table := newPlainTable(false, nil)
	table.Row("device", cfg.device.String())
	table.Row("excluded threads", strings.Join(sets.Sorted(cfg.excludedThreads), ", "))
	table.Row("verify", fmt.Sprintf("%v", cfg.verify))
	if cfg.numSamples > 0 {
		table.Row("samples", fmt.Sprintf("%s (seed %d)", humanize.Comma(int64(cfg.numSamples)), cfg.seed))
	}
	if cfg.dumpDir != "" {
		table.Row("dumps", cfg.dumpDir)
	}
	if cfg.outputDir != "" {
		table.Row("output", cfg.outputDir)
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Modules"))
	failedRows := sets.Make[int]()
	table = newPlainTable(true, failedRows)
	table.Headers("File", "Module", "Fusions", "Instructions", "Samples", "Time", "Status")
	var totalFusions, totalBefore, totalAfter, numFailed int
	for ii, res := range results {
		status := "unchanged"
		switch {
		case res.err != nil:
			status = "failed"
			failedRows.Insert(ii)
			numFailed++
		case res.changed:
			status = "rewritten"
		}
		table.Row(filepath.Base(res.path), res.moduleName,
			humanize.Comma(int64(res.numFusions)),
			fmt.Sprintf("%s → %s", humanize.Comma(int64(res.instructionsBefore)), humanize.Comma(int64(res.instructionsAfter))),
			humanize.Comma(int64(res.samplesChecked)),
			res.elapsed.Round(time.Millisecond).String(),
			status)
		totalFusions += res.numFusions
		totalBefore += res.instructionsBefore
		totalAfter += res.instructionsAfter
	}
	fmt.Println(table.Render())
	fmt.Printf("%s modules, %s failed: %s fusions created, %s → %s instructions\n",
		humanize.Comma(int64(len(results))), humanize.Comma(int64(numFailed)), humanize.Comma(int64(totalFusions)),
		humanize.Comma(int64(totalBefore)), humanize.Comma(int64(totalAfter)))
}
