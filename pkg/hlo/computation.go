// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// MainExecutionThread is the execution thread of computations that don't specify one.
const MainExecutionThread = "main"

// Computation is an ordered, acyclic graph of instructions with a single root instruction, owned by a Module.
//
// A Computation created with NewComputation is detached: instructions can be added to it, but it only
// becomes part of a module with Module.AddComputation.
type Computation struct {
	name   string
	module *Module

	// instructions are kept in creation order. Instructions are only created when their operands have
	// already been created, but mutations (ReplaceAllUsesWith) can break this ordering, use
	// MakeInstructionPostOrder for a topological order.
	instructions []*Instruction
	root         *Instruction

	executionThread string

	// fusionInstruction is the Fusion instruction calling this computation, set only for fusion computations.
	fusionInstruction *Instruction

	// Used only while detached.
	localNames  *nameUniquer
	localNextID int
}

// NewComputation creates a new detached computation.
func NewComputation(name string) *Computation {
	return &Computation{
		name:            name,
		executionThread: MainExecutionThread,
		localNames:      newNameUniquer(),
	}
}

// Name returns the name of the computation, unique within its module.
func (c *Computation) Name() string { return c.name }

// Module owning the computation, or nil if detached.
func (c *Computation) Module() *Module { return c.module }

// Instructions returns a copy of the list of instructions, in creation order.
func (c *Computation) Instructions() []*Instruction { return slices.Clone(c.instructions) }

// InstructionCount returns the number of instructions in the computation.
func (c *Computation) InstructionCount() int { return len(c.instructions) }

// Root returns the root instruction: the value computed by the computation.
func (c *Computation) Root() *Instruction { return c.root }

// SetRoot sets the root instruction of the computation.
func (c *Computation) SetRoot(instr *Instruction) error {
	if instr.parent != c || instr.removed {
		return errors.Errorf("cannot set %q as root of computation %q: it belongs to a different computation", instr.name, c.name)
	}
	c.root = instr
	return nil
}

// ExecutionThread returns the execution thread tag of the computation.
func (c *Computation) ExecutionThread() string { return c.executionThread }

// SetExecutionThread sets the execution thread tag of the computation.
func (c *Computation) SetExecutionThread(thread string) { c.executionThread = thread }

// IsFusionComputation returns whether the computation is the body of a Fusion instruction.
func (c *Computation) IsFusionComputation() bool { return c.fusionInstruction != nil }

// FusionInstruction returns the Fusion instruction calling this computation, or nil.
func (c *Computation) FusionInstruction() *Instruction { return c.fusionInstruction }

// Parameters returns the parameter instructions, ordered by parameter number.
func (c *Computation) Parameters() []*Instruction {
	var params []*Instruction
	for _, instr := range c.instructions {
		if instr.opcode == OpcodeParameter {
			params = append(params, instr)
		}
	}
	slices.SortFunc(params, func(a, b *Instruction) int { return a.parameterNumber - b.parameterNumber })
	return params
}

// ParameterCount returns the number of parameters of the computation.
func (c *Computation) ParameterCount() int {
	count := 0
	for _, instr := range c.instructions {
		if instr.opcode == OpcodeParameter {
			count++
		}
	}
	return count
}

// Instruction returns the instruction with the given name, or nil if not found.
func (c *Computation) Instruction(name string) *Instruction {
	for _, instr := range c.instructions {
		if instr.name == name {
			return instr
		}
	}
	return nil
}

func (c *Computation) nameUniquer() *nameUniquer {
	if c.module != nil {
		return c.module.names
	}
	return c.localNames
}

func (c *Computation) nextID() int {
	if c.module != nil {
		id := c.module.nextID
		c.module.nextID++
		return id
	}
	id := c.localNextID
	c.localNextID++
	return id
}

// addInstruction appends a new instruction to the computation, registers it as a user of its operands
// and gives it a unique name and id.
func (c *Computation) addInstruction(instr *Instruction) *Instruction {
	instr.parent = c
	instr.id = c.nextID()
	baseName := instr.name
	if baseName == "" {
		baseName = instr.opcode.String()
	}
	instr.name = c.nameUniquer().uniquify(baseName)
	for _, operand := range instr.operands {
		operand.addUser(instr)
	}
	c.instructions = append(c.instructions, instr)
	return instr
}

// RemoveInstruction removes an instruction that has no users and is not the root.
func (c *Computation) RemoveInstruction(instr *Instruction) error {
	if instr.parent != c || instr.removed {
		return errors.Errorf("RemoveInstruction: %q is not part of computation %q", instr.name, c.name)
	}
	if len(instr.users) > 0 {
		return errors.Errorf("RemoveInstruction: %q still has %d users", instr.name, len(instr.users))
	}
	if instr == c.root {
		return errors.Errorf("RemoveInstruction: %q is the root of computation %q", instr.name, c.name)
	}
	for _, operand := range slices.Clone(instr.operands) {
		operand.users = slices.DeleteFunc(operand.users, func(u *Instruction) bool { return u == instr })
	}
	c.instructions = slices.DeleteFunc(c.instructions, func(i *Instruction) bool { return i == instr })
	c.nameUniquer().release(instr.name)
	instr.removed = true
	return nil
}

// RemoveInstructionAndUnusedOperands removes instr and, transitively, every operand left without users.
// Parameters and the root are never removed.
func (c *Computation) RemoveInstructionAndUnusedOperands(instr *Instruction) error {
	operands := slices.Clone(instr.operands)
	if err := c.RemoveInstruction(instr); err != nil {
		return err
	}
	for _, operand := range operands {
		if operand.removed || len(operand.users) > 0 || operand.opcode == OpcodeParameter || operand == c.root {
			continue
		}
		if err := c.RemoveInstructionAndUnusedOperands(operand); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceInstruction replaces every use of oldInstr by newInstr (including the root position),
// and then removes oldInstr and its operands left unused.
func (c *Computation) ReplaceInstruction(oldInstr, newInstr *Instruction) error {
	if err := oldInstr.ReplaceAllUsesWith(newInstr); err != nil {
		return errors.WithMessagef(err, "ReplaceInstruction(%q, %q)", oldInstr.name, newInstr.name)
	}
	return c.RemoveInstructionAndUnusedOperands(oldInstr)
}

// MakeInstructionPostOrder returns all instructions of the computation in post-order: every instruction
// comes after its operands. The order is deterministic, and instructions not reachable from the root
// are included.
func (c *Computation) MakeInstructionPostOrder() []*Instruction {
	postOrder := make([]*Instruction, 0, len(c.instructions))
	visited := make(map[*Instruction]bool, len(c.instructions))
	var visit func(instr *Instruction)
	visit = func(instr *Instruction) {
		if visited[instr] {
			return
		}
		visited[instr] = true
		for _, operand := range instr.operands {
			visit(operand)
		}
		postOrder = append(postOrder, instr)
	}
	for _, instr := range c.instructions {
		if instr != c.root {
			visit(instr)
		}
	}
	if c.root != nil {
		visit(c.root)
	}
	return postOrder
}

// String returns the computation in HLO text format.
func (c *Computation) String() string {
	var sb strings.Builder
	writeComputation(&sb, c, c.module != nil && c.module.entry == c)
	return sb.String()
}

// nameUniquer generates unique names by appending ".<n>" suffixes to names already in use.
type nameUniquer struct {
	used       map[string]bool
	nextSuffix map[string]int
}

func newNameUniquer() *nameUniquer {
	return &nameUniquer{used: make(map[string]bool), nextSuffix: make(map[string]int)}
}

func (u *nameUniquer) uniquify(base string) string {
	if !u.used[base] {
		u.used[base] = true
		return base
	}
	for {
		u.nextSuffix[base]++
		candidate := fmt.Sprintf("%s.%d", base, u.nextSuffix[base])
		if !u.used[candidate] {
			u.used[candidate] = true
			return candidate
		}
	}
}

func (u *nameUniquer) release(name string) {
	delete(u.used, name)
}
