// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"slices"

	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Instruction is a node in a Computation graph.
//
// Instructions are owned by exactly one Computation, which keeps them in an arena (a slice) in
// creation order. Operands are the owning edges of the dataflow; users are back-references
// maintained incrementally by the mutation methods, and they are never authoritative for lifetime.
type Instruction struct {
	// id is unique within the module (or within the computation, while it is detached).
	id     int
	name   string
	opcode Opcode
	shape  shapes.Shape

	operands []*Instruction

	// users is the ordered list of unique instructions that have this instruction as an operand.
	users []*Instruction

	parent  *Computation
	removed bool

	// Opcode specific attributes.

	// dimensions: reduced axes for Reduce; operand axis to output axis map for Broadcast;
	// permutation for Transpose.
	dimensions        []int
	reducer           Opcode
	literal           *Literal
	parameterNumber   int
	calledComputation *Computation
	fusionKind        string
	backendConfig     string
}

// ID returns the unique id of the instruction within its module.
func (instr *Instruction) ID() int { return instr.id }

// Name returns the unique name of the instruction within its module.
func (instr *Instruction) Name() string { return instr.name }

// Opcode returns the operation performed by the instruction.
func (instr *Instruction) Opcode() Opcode { return instr.opcode }

// Shape of the value produced by the instruction. It must not be modified.
func (instr *Instruction) Shape() shapes.Shape { return instr.shape }

// Operands returns a copy of the ordered list of operands.
func (instr *Instruction) Operands() []*Instruction { return slices.Clone(instr.operands) }

// Operand returns the operand at position idx.
func (instr *Instruction) Operand(idx int) *Instruction { return instr.operands[idx] }

// OperandCount returns the number of operands.
func (instr *Instruction) OperandCount() int { return len(instr.operands) }

// Users returns a copy of the list of unique users of the instruction.
func (instr *Instruction) Users() []*Instruction { return slices.Clone(instr.users) }

// UserCount returns the number of unique users of the instruction.
func (instr *Instruction) UserCount() int { return len(instr.users) }

// Parent returns the computation owning the instruction.
func (instr *Instruction) Parent() *Computation { return instr.parent }

// IsRoot returns whether the instruction is the root of its computation.
func (instr *Instruction) IsRoot() bool { return instr.parent != nil && instr.parent.root == instr }

// IsRemoved returns whether the instruction has been removed from its computation.
// Removed instructions must not be used anymore.
func (instr *Instruction) IsRemoved() bool { return instr.removed }

// Dimensions returns a copy of the dimensions attribute: reduced axes for Reduce, the operand axis to
// output axis map for Broadcast, or the permutation for Transpose.
func (instr *Instruction) Dimensions() []int { return slices.Clone(instr.dimensions) }

// Reducer returns the combiner opcode of a Reduce instruction.
func (instr *Instruction) Reducer() Opcode { return instr.reducer }

// Literal returns the value of a Constant instruction, or nil for other opcodes.
func (instr *Instruction) Literal() *Literal { return instr.literal }

// ParameterNumber returns the parameter position of a Parameter instruction.
func (instr *Instruction) ParameterNumber() int { return instr.parameterNumber }

// CalledComputation returns the computation called by a Call or Fusion instruction, or nil.
func (instr *Instruction) CalledComputation() *Computation { return instr.calledComputation }

// FusionKind returns the kind of a Fusion instruction (e.g. "kCustom").
func (instr *Instruction) FusionKind() string { return instr.fusionKind }

// BackendConfig returns the opaque backend configuration attached to the instruction.
func (instr *Instruction) BackendConfig() string { return instr.backendConfig }

// SetBackendConfig sets the opaque backend configuration.
func (instr *Instruction) SetBackendConfig(config string) { instr.backendConfig = config }

// IsElementwiseBinary returns whether the instruction is an elementwise operation on two operands.
func (instr *Instruction) IsElementwiseBinary() bool { return instr.opcode.IsElementwiseBinary() }

// IsElementwiseUnary returns whether the instruction is an elementwise operation on a single operand.
func (instr *Instruction) IsElementwiseUnary() bool { return instr.opcode.IsElementwiseUnary() }

// SetName renames the instruction. The name is made unique within the module if needed,
// and the final name is returned.
func (instr *Instruction) SetName(name string) string {
	if instr.parent == nil {
		instr.name = name
		return name
	}
	names := instr.parent.nameUniquer()
	names.release(instr.name)
	instr.name = names.uniquify(name)
	return instr.name
}

// String returns the instruction in HLO text format.
func (instr *Instruction) String() string {
	return instructionToString(instr)
}

// addUser registers user as a user of instr, if not yet registered.
func (instr *Instruction) addUser(user *Instruction) {
	if !slices.Contains(instr.users, user) {
		instr.users = append(instr.users, user)
	}
}

// removeUser unregisters user, if it no longer references instr as an operand.
func (instr *Instruction) removeUser(user *Instruction) {
	if slices.Contains(user.operands, instr) {
		return
	}
	instr.users = slices.DeleteFunc(instr.users, func(u *Instruction) bool { return u == user })
}

// ReplaceOperandWith replaces the operand at position idx with newOperand, updating the users lists.
// The new operand must have the same shape as the old one.
func (instr *Instruction) ReplaceOperandWith(idx int, newOperand *Instruction) error {
	if idx < 0 || idx >= len(instr.operands) {
		return errors.Errorf("ReplaceOperandWith(%d) out-of-range for %q with %d operands", idx, instr.name, len(instr.operands))
	}
	if newOperand.parent != instr.parent {
		return errors.Errorf("ReplaceOperandWith: new operand %q is not in the same computation as %q", newOperand.name, instr.name)
	}
	old := instr.operands[idx]
	if !old.shape.Equal(newOperand.shape) {
		return errors.Errorf("ReplaceOperandWith: shape of new operand %q %s doesn't match old operand %q %s",
			newOperand.name, newOperand.shape, old.name, old.shape)
	}
	instr.operands[idx] = newOperand
	old.removeUser(instr)
	newOperand.addUser(instr)
	return nil
}

// ReplaceAllUsesWith makes every user of instr use newInstr instead. If instr is the root of its computation,
// newInstr becomes the root.
func (instr *Instruction) ReplaceAllUsesWith(newInstr *Instruction) error {
	if instr == newInstr {
		return nil
	}
	if newInstr.parent != instr.parent {
		return errors.Errorf("ReplaceAllUsesWith: %q is not in the same computation as %q", newInstr.name, instr.name)
	}
	if !instr.shape.Equal(newInstr.shape) {
		return errors.Errorf("ReplaceAllUsesWith: shape of %q %s doesn't match shape of %q %s",
			newInstr.name, newInstr.shape, instr.name, instr.shape)
	}
	for _, user := range slices.Clone(instr.users) {
		if user == newInstr {
			// newInstr may consume instr itself, e.g. when wrapping it.
			continue
		}
		for idx, operand := range user.operands {
			if operand == instr {
				user.operands[idx] = newInstr
			}
		}
		instr.removeUser(user)
		newInstr.addUser(user)
	}
	if instr.IsRoot() {
		instr.parent.root = newInstr
	}
	return nil
}
