// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ParseModule parses a module in HLO text format, as printed by Module.String.
//
// The execution thread of a computation can be given either in its header or after its closing brace,
// as in `}, execution_thread="host"`.
//
// It accepts the common variations found in HLO dumps: optional "%" sigils, layouts after shapes (ignored),
// shapes before operand names, computation signatures, "//" comments and unknown attributes (ignored).
// Reductions accept either a reducer opcode name (to_apply=maximum) or the name of a previously defined
// computation whose root combines its two parameters with a reducer opcode.
//
// Each instruction must be on its own line, and computations must be defined before they are called.
// If no computation is marked ENTRY, the last one is the entry computation.
func ParseModule(text string) (*Module, error) {
	p := &parser{}
	for lineIdx, line := range strings.Split(text, "\n") {
		if err := p.parseLine(line); err != nil {
			return nil, errors.WithMessagef(err, "ParseModule: line %d", lineIdx+1)
		}
	}
	if p.module == nil {
		return nil, errors.New("ParseModule: missing \"HloModule <name>\" header")
	}
	if p.comp != nil {
		return nil, errors.Errorf("ParseModule: computation %q is not terminated with \"}\"", p.comp.name)
	}
	if p.module.entry == nil {
		if len(p.module.computations) == 0 {
			return nil, errors.Errorf("ParseModule: module %q has no computations", p.module.name)
		}
		p.module.entry = p.module.computations[len(p.module.computations)-1]
	}
	return p.module, nil
}

// parser holds the state while parsing a module, line by line.
type parser struct {
	module *Module

	// Current computation being parsed.
	comp    *Computation
	isEntry bool
	names   map[string]*Instruction
	root    *Instruction
	last    *Instruction
}

func (p *parser) parseLine(line string) error {
	line = strings.TrimSpace(stripComment(line))
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "HloModule"):
		if p.module != nil {
			return errors.New("duplicate HloModule header")
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "HloModule"))
		if idx := strings.IndexAny(name, ", "); idx >= 0 {
			name = name[:idx]
		}
		if name == "" {
			return errors.New("missing module name")
		}
		p.module = NewModule(name)
		return nil
	case p.module == nil:
		return errors.Errorf("expected \"HloModule <name>\", got %q", line)
	case strings.HasPrefix(line, "}"):
		return p.endComputation(line)
	case p.comp == nil:
		if !strings.HasSuffix(line, "{") {
			return errors.Errorf("expected computation header, got %q", line)
		}
		return p.beginComputation(line)
	default:
		return p.parseInstruction(line)
	}
}

func (p *parser) beginComputation(line string) error {
	header := strings.TrimSpace(strings.TrimSuffix(line, "{"))
	p.isEntry = false
	if after, found := strings.CutPrefix(header, "ENTRY"); found && (after == "" || after[0] == ' ' || after[0] == '%') {
		p.isEntry = true
		header = strings.TrimSpace(after)
	}
	name := header
	if idx := strings.IndexAny(header, " (,"); idx >= 0 {
		name = header[:idx]
	}
	name = strings.TrimPrefix(name, "%")
	if name == "" {
		return errors.Errorf("missing computation name in %q", line)
	}
	if p.module.Computation(name) != nil {
		return errors.Errorf("duplicate computation %q", name)
	}
	p.comp = p.module.NewComputation(name)
	thread, found, err := findQuotedAttribute(header, "execution_thread")
	if err != nil {
		return err
	}
	if found {
		p.comp.SetExecutionThread(thread)
	}
	p.names = make(map[string]*Instruction)
	p.root, p.last = nil, nil
	return nil
}

// endComputation handles the closing "}" line, which may be followed by `, execution_thread="<thread>"`.
func (p *parser) endComputation(line string) error {
	if p.comp == nil {
		return errors.New("unexpected \"}\" outside of a computation")
	}
	thread, found, err := findQuotedAttribute(line, "execution_thread")
	if err != nil {
		return err
	}
	if found {
		p.comp.SetExecutionThread(thread)
	}
	root := p.root
	if root == nil {
		root = p.last
	}
	if root == nil {
		return errors.Errorf("computation %q is empty", p.comp.name)
	}
	if err := p.comp.SetRoot(root); err != nil {
		return err
	}
	if p.isEntry {
		if p.module.entry != nil {
			return errors.Errorf("computation %q: module already has an ENTRY computation %q", p.comp.name, p.module.entry.name)
		}
		p.module.entry = p.comp
	}
	p.comp = nil
	return nil
}

func (p *parser) parseInstruction(line string) error {
	isRoot := false
	if after, found := strings.CutPrefix(line, "ROOT "); found {
		isRoot = true
		line = strings.TrimSpace(after)
	}
	eqIdx := strings.Index(line, "=")
	if eqIdx < 0 {
		return errors.Errorf("expected \"<name> = <shape> <opcode>(...)\", got %q", line)
	}
	name := strings.TrimPrefix(strings.TrimSpace(line[:eqIdx]), "%")
	if name == "" || strings.ContainsAny(name, " \t") {
		return errors.Errorf("invalid instruction name in %q", line)
	}
	shape, rest, err := parseShape(strings.TrimSpace(line[eqIdx+1:]))
	if err != nil {
		return errors.WithMessagef(err, "instruction %q", name)
	}
	rest = strings.TrimSpace(rest)
	openIdx := strings.Index(rest, "(")
	if openIdx < 0 {
		return errors.Errorf("instruction %q: missing opcode arguments", name)
	}
	op, err := OpcodeFromString(strings.TrimSpace(rest[:openIdx]))
	if err != nil {
		return errors.WithMessagef(err, "instruction %q", name)
	}
	closeIdx, err := matchingParenthesis(rest, openIdx)
	if err != nil {
		return errors.WithMessagef(err, "instruction %q", name)
	}
	attrs, err := parseAttributes(strings.TrimSpace(rest[closeIdx+1:]))
	if err != nil {
		return errors.WithMessagef(err, "instruction %q", name)
	}
	instr, err := p.build(op, shape, rest[openIdx+1:closeIdx], attrs)
	if err != nil {
		return errors.WithMessagef(err, "instruction %q", name)
	}
	if !instr.shape.Equal(shape) {
		return errors.Errorf("instruction %q: declared shape %s doesn't match inferred shape %s", name, shape, instr.shape)
	}
	if config, found := attrs["backend_config"]; found {
		if unquoted, err := strconv.Unquote(config); err == nil {
			config = unquoted
		}
		instr.SetBackendConfig(config)
	}
	if p.module.names.used[name] && instr.name != name {
		return errors.Errorf("duplicate instruction name %q", name)
	}
	instr.SetName(name)
	p.names[name] = instr
	p.last = instr
	if isRoot {
		if p.root != nil {
			return errors.Errorf("computation %q has more than one ROOT (%q and %q)", p.comp.name, p.root.name, name)
		}
		p.root = instr
	}
	return nil
}

// build creates the instruction in the current computation.
func (p *parser) build(op Opcode, shape shapes.Shape, args string, attrs map[string]string) (*Instruction, error) {
	c := p.comp
	switch op {
	case OpcodeParameter:
		number, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid parameter number %q", args)
		}
		return c.Parameter(number, shape, "")
	case OpcodeConstant:
		literal, err := parseLiteral(shape, args)
		if err != nil {
			return nil, err
		}
		return c.Constant(literal)
	default:
	}

	operands, err := p.parseOperands(args)
	if err != nil {
		return nil, err
	}
	wantOperands := func(n int) error {
		if len(operands) != n {
			return errors.Errorf("%s expects %d operands, got %d", op, n, len(operands))
		}
		return nil
	}
	dimensions, err := parseIntList(attrs["dimensions"])
	if err != nil {
		return nil, errors.WithMessage(err, "invalid dimensions attribute")
	}

	switch {
	case op == OpcodeConvert:
		if err := wantOperands(1); err != nil {
			return nil, err
		}
		return c.Convert(operands[0], shape.DType)
	case op.IsElementwiseUnary():
		if err := wantOperands(1); err != nil {
			return nil, err
		}
		return c.Unary(op, operands[0])
	case op.IsElementwiseBinary():
		if err := wantOperands(2); err != nil {
			return nil, err
		}
		return c.Binary(op, operands[0], operands[1])
	case op == OpcodeBitcast:
		if err := wantOperands(1); err != nil {
			return nil, err
		}
		return c.Bitcast(operands[0], shape)
	case op == OpcodeReshape:
		if err := wantOperands(1); err != nil {
			return nil, err
		}
		return c.Reshape(operands[0], shape.Dimensions...)
	case op == OpcodeBroadcast:
		if err := wantOperands(1); err != nil {
			return nil, err
		}
		return c.Broadcast(operands[0], shape, dimensions...)
	case op == OpcodeTranspose:
		if err := wantOperands(1); err != nil {
			return nil, err
		}
		return c.Transpose(operands[0], dimensions...)
	case op == OpcodeReduce:
		if err := wantOperands(2); err != nil {
			return nil, err
		}
		reducer, err := p.parseReducer(attrs["to_apply"])
		if err != nil {
			return nil, err
		}
		return c.Reduce(operands[0], operands[1], reducer, dimensions...)
	case op == OpcodeDot:
		if err := wantOperands(2); err != nil {
			return nil, err
		}
		return c.Dot(operands[0], operands[1])
	case op == OpcodeCall:
		called, err := p.lookupComputation(attrs["to_apply"])
		if err != nil {
			return nil, err
		}
		return c.Call(called, operands...)
	case op == OpcodeFusion:
		called, err := p.lookupComputation(attrs["calls"])
		if err != nil {
			return nil, err
		}
		kind := attrs["kind"]
		if kind == "" {
			kind = FusionKindLoop
		}
		return c.Fusion(kind, called, operands...)
	}
	return nil, errors.Errorf("opcode %s not supported by the parser", op)
}

func (p *parser) parseOperands(args string) ([]*Instruction, error) {
	var operands []*Instruction
	for _, part := range splitTopLevel(args) {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return nil, errors.Errorf("empty operand in %q", args)
		}
		// Operands may be prefixed by their shape: take the last field.
		name := strings.TrimPrefix(fields[len(fields)-1], "%")
		operand, found := p.names[name]
		if !found {
			return nil, errors.Errorf("unknown operand %q: operands must be defined before use in computation %q", name, p.comp.name)
		}
		operands = append(operands, operand)
	}
	return operands, nil
}

func (p *parser) lookupComputation(name string) (*Computation, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "%")
	if name == "" {
		return nil, errors.New("missing called computation")
	}
	called := p.module.Computation(name)
	if called == nil {
		return nil, errors.Errorf("unknown computation %q: computations must be defined before they are called", name)
	}
	return called, nil
}

// parseReducer accepts either an opcode name, or the name of a computation combining its two parameters.
func (p *parser) parseReducer(name string) (Opcode, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "%")
	if op, err := OpcodeFromString(name); err == nil {
		if !ReducerOpcodes.Has(op) {
			return OpcodeInvalid, errors.Errorf("%s is not a supported reducer", op)
		}
		return op, nil
	}
	called, err := p.lookupComputation(name)
	if err != nil {
		return OpcodeInvalid, errors.WithMessage(err, "invalid reduce to_apply")
	}
	root := called.root
	if root == nil || !ReducerOpcodes.Has(root.opcode) ||
		root.operands[0].opcode != OpcodeParameter || root.operands[1].opcode != OpcodeParameter {
		return OpcodeInvalid, errors.Errorf("reduce computation %q is not a simple binary reducer", name)
	}
	return root.opcode, nil
}

// parseShape parses a shape like "f32[2,3]{1,0}" at the start of text, and returns the remaining text.
func parseShape(text string) (shape shapes.Shape, rest string, err error) {
	lbIdx := strings.Index(text, "[")
	if lbIdx <= 0 {
		err = errors.Errorf("invalid shape in %q", text)
		return
	}
	dtype, found := hloDTypes[text[:lbIdx]]
	if !found {
		err = errors.Errorf("unknown dtype %q", text[:lbIdx])
		return
	}
	rbIdx := strings.Index(text, "]")
	if rbIdx < lbIdx {
		err = errors.Errorf("invalid shape in %q", text)
		return
	}
	dimensions, err := parseInts(text[lbIdx+1 : rbIdx])
	if err != nil {
		err = errors.WithMessagef(err, "invalid dimensions in shape %q", text[:rbIdx+1])
		return
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			err = errors.Errorf("invalid dimension %d in shape %q", dim, text[:rbIdx+1])
			return
		}
	}
	shape = shapes.Scalar(dtype)
	shape.Dimensions = dimensions
	rest = text[rbIdx+1:]
	if strings.HasPrefix(rest, "{") {
		// Layouts are ignored.
		closeIdx := strings.Index(rest, "}")
		if closeIdx < 0 {
			err = errors.Errorf("unterminated layout in %q", text)
			return
		}
		rest = rest[closeIdx+1:]
	}
	return
}

// parseLiteral parses the values of a constant, e.g. "-inf", "{1, 2, 3}" or "{{1, 2}, {3, 4}}".
func parseLiteral(shape shapes.Shape, text string) (*Literal, error) {
	text = strings.NewReplacer("{", " ", "}", " ").Replace(text)
	var values []float64
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var v float64
		switch strings.ToLower(part) {
		case "inf", "+inf":
			v = math.Inf(1)
		case "-inf":
			v = math.Inf(-1)
		case "nan", "-nan":
			v = math.NaN()
		case "true":
			v = 1
		case "false":
			v = 0
		default:
			var err error
			v, err = strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid literal value %q", part)
			}
		}
		values = append(values, v)
	}
	return NewLiteral(shape, values)
}

// parseAttributes parses the attributes after the operands: ", key=value, key={...}, ...".
func parseAttributes(text string) (map[string]string, error) {
	attrs := make(map[string]string)
	if text == "" {
		return attrs, nil
	}
	if text[0] != ',' {
		return nil, errors.Errorf("expected \",\" before attributes, got %q", text)
	}
	for _, part := range splitTopLevel(text[1:]) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid attribute %q", part)
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return attrs, nil
}

// parseIntList parses "{1,2}" or "1,2".
func parseIntList(text string) ([]int, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(strings.TrimPrefix(text, "{"), "}")
	return parseInts(text)
}

func parseInts(text string) ([]int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	parts := strings.Split(text, ",")
	values := make([]int, len(parts))
	for ii, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q", part)
		}
		values[ii] = v
	}
	return values, nil
}

// splitTopLevel splits text on commas that are not nested in brackets or quotes.
func splitTopLevel(text string) []string {
	var parts []string
	depth, start := 0, 0
	inQuote, escaped := false, false
	for ii := 0; ii < len(text); ii++ {
		ch := text[ii]
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inQuote = false
			}
			continue
		}
		switch ch {
		case '"':
			inQuote = true
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, text[start:ii])
				start = ii + 1
			}
		}
	}
	if last := strings.TrimSpace(text[start:]); last != "" || len(parts) > 0 {
		parts = append(parts, text[start:])
	}
	return parts
}

// matchingParenthesis returns the index of the ")" closing the "(" at openIdx.
func matchingParenthesis(text string, openIdx int) (int, error) {
	depth := 0
	inQuote := false
	for ii := openIdx; ii < len(text); ii++ {
		switch ch := text[ii]; {
		case inQuote:
			if ch == '\\' {
				ii++
			} else if ch == '"' {
				inQuote = false
			}
		case ch == '"':
			inQuote = true
		case ch == '(':
			depth++
		case ch == ')':
			depth--
			if depth == 0 {
				return ii, nil
			}
		}
	}
	return -1, errors.Errorf("unbalanced parenthesis in %q", text)
}

// stripComment removes a trailing "// ..." comment that is not inside a quoted string.
func stripComment(line string) string {
	inQuote := false
	for ii := 0; ii < len(line); ii++ {
		switch ch := line[ii]; {
		case inQuote:
			if ch == '\\' {
				ii++
			} else if ch == '"' {
				inQuote = false
			}
		case ch == '"':
			inQuote = true
		case ch == '/' && ii+1 < len(line) && line[ii+1] == '/':
			return line[:ii]
		}
	}
	return line
}

// findQuotedAttribute finds `key="value"` in text and returns the unquoted value.
func findQuotedAttribute(text, key string) (value string, found bool, err error) {
	idx := strings.Index(text, key+"=")
	if idx < 0 {
		return "", false, nil
	}
	quoted, err := strconv.QuotedPrefix(text[idx+len(key)+1:])
	if err != nil {
		return "", false, errors.Wrapf(err, "invalid value for %s", key)
	}
	value, err = strconv.Unquote(quoted)
	if err != nil {
		return "", false, errors.Wrapf(err, "invalid value for %s", key)
	}
	return value, true, nil
}
