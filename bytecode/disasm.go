package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders the chunk as the human-readable listing the CLI
// prints under --disassemble.
func Disassemble(c *Chunk) string {
	var b strings.Builder
	b.WriteString("=== Bytecode Disassembly ===\n")
	fmt.Fprintf(&b, "Version: %d\n", c.Version)

	fmt.Fprintf(&b, "Constants: %d entries\n", len(c.Constants))
	for i, k := range c.Constants {
		fmt.Fprintf(&b, "  [%d] %s\n", i, k)
	}

	fmt.Fprintf(&b, "Code: %d instructions\n", len(c.Code))
	for ip := range c.Code {
		b.WriteString("  ")
		b.WriteString(DisassembleInstruction(c, ip))
		b.WriteByte('\n')
	}

	if c.Debug != nil {
		b.WriteString("Debug Info:\n")
		if c.Debug.SourceFile != "" {
			fmt.Fprintf(&b, "  Source file: %s\n", c.Debug.SourceFile)
		}
		if len(c.Debug.VarNames) > 0 {
			fmt.Fprintf(&b, "  Local slots: %s\n", strings.Join(c.Debug.VarNames, ", "))
		}
		if len(c.Debug.Lines) > 0 {
			fmt.Fprintf(&b, "  Lines: %s\n", formatLineRuns(c.Debug.Lines))
		}
	}
	return b.String()
}

// DisassembleInstruction renders one instruction with its operands and,
// for constant-referencing opcodes, the constant it names.
func DisassembleInstruction(c *Chunk, ip int) string {
	inst := c.Code[ip]
	var b strings.Builder
	fmt.Fprintf(&b, "%04d %s", ip, inst.Op)

	switch inst.Op.OperandKind() {
	case OperandU32:
		fmt.Fprintf(&b, " %d", inst.A)
	case OperandU8:
		fmt.Fprintf(&b, " %d", inst.A)
	case OperandU32U8:
		fmt.Fprintf(&b, " %d, %d", inst.A, inst.B)
	}

	switch inst.Op {
	case OpLoadConst, OpAddConst, OpSubtractConst, OpMultiplyConst, OpDivideConst,
		OpLoadGlobal, OpStoreGlobal:
		if k, ok := c.Constant(inst.A); ok {
			fmt.Fprintf(&b, " ; %s", k)
		} else {
			b.WriteString(" ; <out of range>")
		}
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpPushTryHandler:
		fmt.Fprintf(&b, " ; -> %04d", inst.A)
	case OpMakeFunction:
		fmt.Fprintf(&b, " ; entry %04d, arity %d", inst.A, inst.B)
	}
	return b.String()
}

// formatLineRuns compresses the per-instruction line table into
// instruction-range runs like "[0-2]=1 [3-5]=2".
func formatLineRuns(lines []uint32) string {
	var b strings.Builder
	start := 0
	for i := 1; i <= len(lines); i++ {
		if i < len(lines) && lines[i] == lines[start] {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		if start == i-1 {
			fmt.Fprintf(&b, "[%d]=%d", start, lines[start])
		} else {
			fmt.Fprintf(&b, "[%d-%d]=%d", start, i-1, lines[start])
		}
		start = i
	}
	return b.String()
}
