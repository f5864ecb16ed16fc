// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hlo implements a small HLO-like (High Level Optimizer) graph IR: a Module owns Computations, which
// own Instructions. It's the representation rewritten by the passes in github.com/gomlx/hlofusion/pkg/passes.
//
// Instructions are created with the methods of Computation (Parameter, Binary, Reduce, ...), which infer and
// validate the output shape. Modules can also be parsed from (ParseModule) and printed to (Module.String)
// the HLO text format.
//
// The package is not safe for concurrent use: a module must only be mutated by one goroutine at a time.
package hlo

import (
	"slices"
	"strings"

	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/pkg/errors"
)

// Module owns a set of computations, one of them being the entry computation.
// It's the unit mutated by passes.
type Module struct {
	name         string
	computations []*Computation
	entry        *Computation

	nextID           int
	names            *nameUniquer
	computationNames *nameUniquer
}

// NewModule creates a new empty module.
func NewModule(name string) *Module {
	return &Module{
		name:             name,
		names:            newNameUniquer(),
		computationNames: newNameUniquer(),
	}
}

// Name of the module.
func (m *Module) Name() string { return m.name }

// Entry returns the entry computation, or nil if not set.
func (m *Module) Entry() *Computation { return m.entry }

// SetEntry sets the entry computation, it must be owned by the module.
func (m *Module) SetEntry(c *Computation) error {
	if c.module != m {
		return errors.Errorf("computation %q is not part of module %q", c.name, m.name)
	}
	m.entry = c
	return nil
}

// Computations returns a copy of the list of computations, in the order they were added.
func (m *Module) Computations() []*Computation { return slices.Clone(m.computations) }

// Computation returns the computation with the given name, or nil.
func (m *Module) Computation(name string) *Computation {
	for _, c := range m.computations {
		if c.name == name {
			return c
		}
	}
	return nil
}

// InstructionCount returns the total number of instructions over all computations.
func (m *Module) InstructionCount() int {
	count := 0
	for _, c := range m.computations {
		count += len(c.instructions)
	}
	return count
}

// NewComputation creates a new empty computation attached to the module.
func (m *Module) NewComputation(name string) *Computation {
	c, err := m.AddComputation(NewComputation(name))
	if err != nil {
		// A freshly created computation can always be added.
		panic(err)
	}
	return c
}

// AddComputation attaches a detached computation (see NewComputation) to the module.
//
// Computation and instruction names are made unique within the module, and instructions get new ids.
func (m *Module) AddComputation(c *Computation) (*Computation, error) {
	if c.module != nil {
		return nil, errors.Errorf("computation %q is already part of module %q", c.name, c.module.name)
	}
	c.module = m
	c.name = m.computationNames.uniquify(c.name)
	for _, instr := range c.instructions {
		instr.id = m.nextID
		m.nextID++
		instr.name = m.names.uniquify(instr.name)
	}
	c.localNames = nil
	m.computations = append(m.computations, c)
	return c, nil
}

// MakeNonFusionComputations returns the computations that are not the body of a fusion,
// skipping those whose execution thread is in excludedThreads. The order is the module order.
func (m *Module) MakeNonFusionComputations(excludedThreads sets.Set[string]) []*Computation {
	var result []*Computation
	for _, c := range m.computations {
		if c.IsFusionComputation() || excludedThreads.Has(c.executionThread) {
			continue
		}
		result = append(result, c)
	}
	return result
}

// MakeComputationPostOrder returns the computations of the module such that every computation comes after
// the computations it calls (through call or fusion instructions). Otherwise, the module order is kept.
func (m *Module) MakeComputationPostOrder() []*Computation {
	postOrder := make([]*Computation, 0, len(m.computations))
	visited := sets.Make[*Computation](len(m.computations))
	var visit func(c *Computation)
	visit = func(c *Computation) {
		if visited.Has(c) {
			return
		}
		visited.Insert(c)
		for _, instr := range c.instructions {
			if instr.calledComputation != nil && instr.calledComputation.module == m {
				visit(instr.calledComputation)
			}
		}
		postOrder = append(postOrder, c)
	}
	for _, c := range m.computations {
		visit(c)
	}
	return postOrder
}

// String returns the module in HLO text format.
func (m *Module) String() string {
	var sb strings.Builder
	sb.WriteString("HloModule ")
	sb.WriteString(m.name)
	sb.WriteString("\n")
	for _, c := range m.MakeComputationPostOrder() {
		sb.WriteString("\n")
		writeComputation(&sb, c, c == m.entry)
	}
	return sb.String()
}

// Clone returns a deep copy of the module: same names, ids and structure, no shared state.
func (m *Module) Clone() *Module {
	clone := NewModule(m.name)
	clone.nextID = m.nextID
	computationMap := make(map[*Computation]*Computation, len(m.computations))
	for _, c := range m.computations {
		cc := &Computation{
			name:            c.name,
			module:          clone,
			executionThread: c.executionThread,
		}
		clone.computationNames.used[c.name] = true
		computationMap[c] = cc
		clone.computations = append(clone.computations, cc)
	}
	instrMap := make(map[*Instruction]*Instruction, m.InstructionCount())
	for _, c := range m.computations {
		cc := computationMap[c]
		for _, instr := range c.MakeInstructionPostOrder() {
			newInstr := &Instruction{
				id:                instr.id,
				name:              instr.name,
				opcode:            instr.opcode,
				shape:             instr.shape.Clone(),
				parent:            cc,
				dimensions:        slices.Clone(instr.dimensions),
				reducer:           instr.reducer,
				literal:           instr.literal,
				parameterNumber:   instr.parameterNumber,
				calledComputation: computationMap[instr.calledComputation],
				fusionKind:        instr.fusionKind,
				backendConfig:     instr.backendConfig,
			}
			if instr.literal != nil {
				newInstr.literal = instr.literal.Clone()
			}
			newInstr.operands = make([]*Instruction, len(instr.operands))
			for ii, operand := range instr.operands {
				newInstr.operands[ii] = instrMap[operand]
				newInstr.operands[ii].addUser(newInstr)
			}
			clone.names.used[newInstr.name] = true
			instrMap[instr] = newInstr
			cc.instructions = append(cc.instructions, newInstr)
		}
		cc.root = instrMap[c.root]
	}
	for _, c := range m.computations {
		if c.fusionInstruction != nil {
			computationMap[c].fusionInstruction = instrMap[c.fusionInstruction]
		}
	}
	clone.entry = computationMap[m.entry]
	return clone
}

// ShapeSizeFunction returns the size in bytes of a value with the given shape.
//
// It's the collaborator used by passes that reason about memory traffic, so that targets with padding or
// special layouts can plug in their own accounting.
type ShapeSizeFunction func(shape shapes.Shape) int64

// ShapeSizeBytes is the default ShapeSizeFunction: number of elements times the size of the dtype.
func ShapeSizeBytes(shape shapes.Shape) int64 {
	return int64(shape.Memory())
}
