// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
)

// hloDTypeNames maps dtypes to their names in HLO text.
var hloDTypeNames = map[dtypes.DType]string{
	dtypes.Bool:     "pred",
	dtypes.Int8:     "s8",
	dtypes.Int16:    "s16",
	dtypes.Int32:    "s32",
	dtypes.Int64:    "s64",
	dtypes.Uint8:    "u8",
	dtypes.Uint16:   "u16",
	dtypes.Uint32:   "u32",
	dtypes.Uint64:   "u64",
	dtypes.Float16:  "f16",
	dtypes.BFloat16: "bf16",
	dtypes.Float32:  "f32",
	dtypes.Float64:  "f64",
}

// hloDTypes is the reverse of hloDTypeNames.
var hloDTypes = func() map[string]dtypes.DType {
	m := make(map[string]dtypes.DType, len(hloDTypeNames))
	for dtype, name := range hloDTypeNames {
		m[name] = dtype
	}
	return m
}()

// ShapeToHLO formats the shape in HLO text, e.g.: "f32[127,125]".
func ShapeToHLO(shape shapes.Shape) string {
	var sb strings.Builder
	writeShape(&sb, shape)
	return sb.String()
}

func writeShape(sb *strings.Builder, shape shapes.Shape) {
	name, found := hloDTypeNames[shape.DType]
	if !found {
		name = strings.ToLower(shape.DType.String())
	}
	sb.WriteString(name)
	sb.WriteString("[")
	writeInts(sb, shape.Dimensions)
	sb.WriteString("]")
}

func writeInts(sb *strings.Builder, values []int) {
	for ii, v := range values {
		if ii > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(strconv.Itoa(v))
	}
}

func instructionToString(instr *Instruction) string {
	var sb strings.Builder
	writeInstruction(&sb, instr)
	return sb.String()
}

func writeInstruction(sb *strings.Builder, instr *Instruction) {
	if instr.IsRoot() {
		sb.WriteString("ROOT ")
	}
	sb.WriteString(instr.name)
	sb.WriteString(" = ")
	writeShape(sb, instr.shape)
	sb.WriteString(" ")
	sb.WriteString(instr.opcode.String())
	sb.WriteString("(")
	switch instr.opcode {
	case OpcodeParameter:
		sb.WriteString(strconv.Itoa(instr.parameterNumber))
	case OpcodeConstant:
		sb.WriteString(instr.literal.String())
	default:
		for ii, operand := range instr.operands {
			if ii > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(operand.name)
		}
	}
	sb.WriteString(")")

	switch instr.opcode {
	case OpcodeReduce:
		sb.WriteString(", dimensions={")
		writeInts(sb, instr.dimensions)
		sb.WriteString("}, to_apply=")
		sb.WriteString(instr.reducer.String())
	case OpcodeBroadcast, OpcodeTranspose:
		sb.WriteString(", dimensions={")
		writeInts(sb, instr.dimensions)
		sb.WriteString("}")
	case OpcodeCall:
		sb.WriteString(", to_apply=")
		sb.WriteString(instr.calledComputation.name)
	case OpcodeFusion:
		sb.WriteString(", kind=")
		sb.WriteString(instr.fusionKind)
		sb.WriteString(", calls=")
		sb.WriteString(instr.calledComputation.name)
	default:
	}
	if instr.backendConfig != "" {
		sb.WriteString(", backend_config=")
		sb.WriteString(strconv.Quote(instr.backendConfig))
	}
}

// writeComputation writes the computation in HLO text format, with instructions in post-order.
func writeComputation(sb *strings.Builder, c *Computation, isEntry bool) {
	if isEntry {
		sb.WriteString("ENTRY ")
	}
	sb.WriteString(c.name)
	sb.WriteString(" {\n")
	for _, instr := range c.MakeInstructionPostOrder() {
		sb.WriteString("  ")
		writeInstruction(sb, instr)
		sb.WriteString("\n")
	}
	sb.WriteString("}")
	if c.executionThread != "" && c.executionThread != MainExecutionThread {
		_, _ = fmt.Fprintf(sb, ", execution_thread=%q", c.executionThread)
	}
	sb.WriteString("\n")
}
