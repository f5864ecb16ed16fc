// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"slices"

	"github.com/pkg/errors"
)

// Verify checks the structural invariants of the module:
//
//   - The entry computation is set and owned by the module.
//   - Every computation has a root, and instruction names and ids are unique in the module.
//   - Operand and user edges are consistent, between live instructions of the same computation.
//   - Shapes match the shapes re-inferred from the operands.
//   - Parameters are numbered 0...N-1.
//   - Called computations are owned by the module, and fusion computations point back to their fusion.
//   - Computations are acyclic.
//
// It returns an error describing the first violation found.
func Verify(m *Module) error {
	if m.entry == nil {
		return errors.Errorf("module %q has no entry computation", m.name)
	}
	if !slices.Contains(m.computations, m.entry) {
		return errors.Errorf("module %q entry computation %q is not owned by the module", m.name, m.entry.name)
	}
	names := make(map[string]*Instruction, m.InstructionCount())
	ids := make(map[int]*Instruction, m.InstructionCount())
	computationNames := make(map[string]bool, len(m.computations))
	for _, c := range m.computations {
		if computationNames[c.name] {
			return errors.Errorf("module %q has duplicate computation name %q", m.name, c.name)
		}
		computationNames[c.name] = true
		if c.module != m {
			return errors.Errorf("computation %q doesn't point back to module %q", c.name, m.name)
		}
		for _, instr := range c.instructions {
			if other, found := names[instr.name]; found {
				return errors.Errorf("instructions in %q and %q have the same name %q", other.parent.name, c.name, instr.name)
			}
			names[instr.name] = instr
			if other, found := ids[instr.id]; found {
				return errors.Errorf("instructions %q and %q have the same id %d", other.name, instr.name, instr.id)
			}
			ids[instr.id] = instr
		}
		if err := verifyComputation(m, c); err != nil {
			return errors.WithMessagef(err, "computation %q", c.name)
		}
	}
	return nil
}

func verifyComputation(m *Module, c *Computation) error {
	if c.root == nil {
		return errors.New("no root instruction")
	}
	if c.root.parent != c || c.root.removed {
		return errors.Errorf("root %q is not a live instruction of the computation", c.root.name)
	}
	if c.fusionInstruction != nil {
		fusion := c.fusionInstruction
		if fusion.removed || fusion.opcode != OpcodeFusion || fusion.calledComputation != c {
			return errors.Errorf("fusion instruction %q doesn't call the computation", fusion.name)
		}
	}
	var paramNumbers []int
	for _, instr := range c.instructions {
		if err := verifyInstruction(m, c, instr); err != nil {
			return errors.WithMessagef(err, "instruction %q", instr.name)
		}
		if instr.opcode == OpcodeParameter {
			paramNumbers = append(paramNumbers, instr.parameterNumber)
		}
	}
	slices.Sort(paramNumbers)
	for ii, number := range paramNumbers {
		if number != ii {
			return errors.Errorf("parameter numbers %v are not 0...%d", paramNumbers, len(paramNumbers)-1)
		}
	}
	return verifyAcyclic(c)
}

func verifyInstruction(m *Module, c *Computation, instr *Instruction) error {
	if instr.parent != c {
		return errors.New("parent doesn't point to the owning computation")
	}
	if instr.removed {
		return errors.New("removed instruction still listed in the computation")
	}
	for ii, operand := range instr.operands {
		if operand.parent != c || operand.removed {
			return errors.Errorf("operand #%d %q is not a live instruction of the same computation", ii, operand.name)
		}
		if !slices.Contains(operand.users, instr) {
			return errors.Errorf("operand #%d %q doesn't list it as a user", ii, operand.name)
		}
	}
	for ii, user := range instr.users {
		if user.parent != c || user.removed {
			return errors.Errorf("user %q is not a live instruction of the same computation", user.name)
		}
		if !slices.Contains(user.operands, instr) {
			return errors.Errorf("user %q doesn't have it as an operand", user.name)
		}
		if slices.Contains(instr.users[:ii], user) {
			return errors.Errorf("user %q is listed more than once", user.name)
		}
	}
	if called := instr.calledComputation; called != nil {
		if !slices.Contains(m.computations, called) {
			return errors.Errorf("called computation %q is not owned by module %q", called.name, m.name)
		}
		if instr.opcode == OpcodeFusion && called.fusionInstruction != instr {
			return errors.Errorf("fusion computation %q doesn't point back to the fusion", called.name)
		}
	}
	shape, err := inferShape(instr)
	if err != nil {
		return err
	}
	if !shape.Equal(instr.shape) {
		return errors.Errorf("shape %s doesn't match inferred shape %s", instr.shape, shape)
	}
	return nil
}

// verifyAcyclic runs a depth-first search over the operands, looking for back edges.
func verifyAcyclic(c *Computation) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[*Instruction]int, len(c.instructions))
	var visit func(instr *Instruction) error
	visit = func(instr *Instruction) error {
		switch state[instr] {
		case visiting:
			return errors.Errorf("cycle through instruction %q", instr.name)
		case done:
			return nil
		}
		state[instr] = visiting
		for _, operand := range instr.operands {
			if err := visit(operand); err != nil {
				return err
			}
		}
		state[instr] = done
		return nil
	}
	for _, instr := range c.instructions {
		if err := visit(instr); err != nil {
			return err
		}
	}
	return nil
}
