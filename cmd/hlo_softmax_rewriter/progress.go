// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progress shows a progress bar of the modules processed on the standard error. It is safe for concurrent use.
type progress struct {
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

// newProgress creates the progress bar for numModules modules. If enabled is false or there is only one module,
// nothing is displayed.
func newProgress(numModules int, enabled bool) *progress {
	p := &progress{}
	if !enabled || numModules <= 1 {
		return p
	}
	p.termenv = termenv.NewOutput(os.Stderr)
	p.termenv.HideCursor()
	p.bar = progressbar.NewOptions(numModules,
		progressbar.OptionSetDescription("[bold]Rewriting[reset]"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("modules"),
		progressbar.OptionShowIts(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	return p
}

// done marks the module of res as processed.
func (p *progress) done(res *result) {
	if p.bar == nil {
		return
	}
	if res.err == nil {
		p.bar.Describe(fmt.Sprintf("[bold]Rewriting[reset] %s", res.moduleName))
	}
	_ = p.bar.Add(1)
}

// finish clears the progress bar and restores the cursor.
func (p *progress) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.termenv.ShowCursor()
}
