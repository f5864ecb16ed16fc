// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/passes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// newRunDir creates a new uniquely named directory under baseDir, for the dumps of this run.
func newRunDir(baseDir string) (string, error) {
	runDir := filepath.Join(baseDir, "run-"+uuid.NewString())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create dump directory %q", runDir)
	}
	return runDir, nil
}

// newDumpFn returns a passes.DumpFn that saves each dump of the module to its own file in dir:
// "<index>.<module>.<count>.<pass>.<stage>.hlo".
//
// The returned function is not safe for concurrent use: create one per module.
func newDumpFn(dir string, index int) passes.DumpFn {
	var count int
	return func(module *hlo.Module, passName, stage string) error {
		count++
		fileName := fmt.Sprintf("%03d.%s.%02d.%s.%s.hlo", index, sanitizeFileName(module.Name()), count,
			sanitizeFileName(passName), stage)
		path := filepath.Join(dir, fileName)
		if err := os.WriteFile(path, []byte(module.String()), 0o644); err != nil {
			return errors.Wrapf(err, "failed to dump module to %q", path)
		}
		return nil
	}
}

// sanitizeFileName replaces the characters that are not safe in file names.
func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '*', '?':
			return '_'
		}
		return r
	}, name)
}
