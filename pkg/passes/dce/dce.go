// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dce implements a dead code elimination pass: it removes instructions whose values are never used.
package dce

import (
	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/passes"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass removes the instructions without users from every non-fusion computation.
// Roots and parameters are never removed: they are the interface of the computation.
type Pass struct{}

var _ passes.ModulePass = Pass{}

// Name implements passes.ModulePass.
func (Pass) Name() string { return "dce" }

// Run implements passes.ModulePass.
func (Pass) Run(module *hlo.Module, excludedThreads sets.Set[string]) (changed bool, err error) {
	for _, c := range module.MakeNonFusionComputations(excludedThreads) {
		removed, err := RemoveDeadInstructions(c)
		if err != nil {
			return changed, errors.WithMessagef(err, "dce on computation %q", c.Name())
		}
		if removed > 0 {
			klog.V(2).Infof("dce: removed %d instructions from %q", removed, c.Name())
			changed = true
		}
	}
	return
}

// RemoveDeadInstructions removes from c every instruction not used (transitively) by the root, except
// parameters. It returns the number of instructions removed.
func RemoveDeadInstructions(c *hlo.Computation) (int, error) {
	removed := 0
	// Visiting in reverse post-order, users come before their operands: one sweep is enough.
	postOrder := c.MakeInstructionPostOrder()
	for ii := len(postOrder) - 1; ii >= 0; ii-- {
		instr := postOrder[ii]
		if instr.IsRemoved() || instr.IsRoot() || instr.Opcode() == hlo.OpcodeParameter || instr.UserCount() > 0 {
			continue
		}
		if err := c.RemoveInstruction(instr); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
