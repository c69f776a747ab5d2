// Package bytecode implements the compilation pipeline that turns the
// phrasal AST into a compact instruction stream, the optimizer passes that
// rewrite it, the stack virtual machine that executes it, and the versioned
// binary container it is stored in.
package bytecode

import "fmt"

// Opcode identifies a virtual machine instruction. The numeric values are
// part of the binary container format and must never be reassigned; gaps
// between groups leave room for new instructions.
type Opcode byte

// ============================================================================
// Constants and Literals (0-9)
// ============================================================================

const (
	OpLoadConst Opcode = 0 // push constants[A]
	OpLoadTrue  Opcode = 1 // push true
	OpLoadFalse Opcode = 2 // push false
	OpLoadNull  Opcode = 3 // push null
)

// ============================================================================
// Variables (4-9)
// ============================================================================

const (
	OpLoadLocal   Opcode = 4 // push frame local slot A
	OpStoreLocal  Opcode = 5 // pop into frame local slot A
	OpLoadGlobal  Opcode = 6 // push global named by string constant A
	OpStoreGlobal Opcode = 7 // pop into global named by string constant A
)

// ============================================================================
// Arithmetic (10-19)
// ============================================================================

const (
	OpAdd      Opcode = 10 // pop b, a; push a+b (number add or string concat)
	OpSubtract Opcode = 11 // pop b, a; push a-b
	OpMultiply Opcode = 12 // pop b, a; push a*b
	OpDivide   Opcode = 13 // pop b, a; push a/b
	OpNegate   Opcode = 14 // pop a; push -a

	// Fused variants produced by the optimizer: the right operand is
	// constants[A] instead of a separate LoadConst.
	OpAddConst      Opcode = 15
	OpSubtractConst Opcode = 16
	OpMultiplyConst Opcode = 17
	OpDivideConst   Opcode = 18
)

// ============================================================================
// Comparison and Logic (20-29)
// ============================================================================

const (
	OpEqual        Opcode = 20 // structural equality, cross-type is false
	OpNotEqual     Opcode = 21
	OpGreater      Opcode = 22
	OpGreaterEqual Opcode = 23
	OpLess         Opcode = 24
	OpLessEqual    Opcode = 25
	OpNot          Opcode = 26 // pop a; push !truthy(a)
	OpAnd          Opcode = 27 // pop b, a; push truthy(a) && truthy(b)
	OpOr           Opcode = 28 // pop b, a; push truthy(a) || truthy(b)
)

// ============================================================================
// Control Flow (30-39)
// ============================================================================

const (
	OpJump        Opcode = 30 // ip = A (absolute)
	OpJumpIfFalse Opcode = 31 // pop a; ip = A when !truthy(a)
	OpJumpIfTrue  Opcode = 32 // pop a; ip = A when truthy(a)
	// 33 reserved (was a relative backward jump in container version 0)
	OpMakeFunction Opcode = 39 // pop name; push function{entry: A, arity: B}
)

// ============================================================================
// Functions and Stack (40-49)
// ============================================================================

const (
	OpCall   Opcode = 40 // pop A args then callee; push new frame
	OpReturn Opcode = 41 // pop result, pop frame, push result
	OpPop    Opcode = 42 // discard top of stack
	OpDup    Opcode = 43 // duplicate top of stack
	OpSwap   Opcode = 44 // swap top two values
	OpRotate Opcode = 45 // rotate top three values: a b c -> c a b
)

// ============================================================================
// I/O (50-59)
// ============================================================================

const (
	OpPrint Opcode = 50 // pop a; write display form plus newline
	OpInput Opcode = 51 // read one line; push string (null on EOF)
)

// ============================================================================
// Collections (60-69)
// ============================================================================

const (
	OpMakeList Opcode = 60 // pop A elements; push list
	OpMakeDict Opcode = 61 // pop A key/value pairs; push dictionary
	OpIndexGet Opcode = 62 // pop key, target; push element
	OpIndexSet Opcode = 63 // pop value, key, target; store element
)

// ============================================================================
// Error Handling (70-79)
// ============================================================================

const (
	OpThrow          Opcode = 70 // pop a; unwind to nearest handler
	OpPushTryHandler Opcode = 71 // register handler at instruction A
	OpPopTryHandler  Opcode = 72 // discard the most recent handler
)

// ============================================================================
// Machine control (90-99)
// ============================================================================

const (
	OpHalt Opcode = 99 // stop execution
)

// OperandKind describes the fixed-width operand layout of an opcode.
type OperandKind int

const (
	OperandNone  OperandKind = iota // no operands
	OperandU32                      // A encoded as u32
	OperandU8                       // A encoded as u8
	OperandU32U8                    // A encoded as u32, B as u8
)

// OpcodeInfo holds static metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands OperandKind
	// StackPop and StackPush give the fixed stack effect; -1 marks opcodes
	// whose effect depends on an operand (Call, MakeList, MakeDict).
	StackPop  int
	StackPush int
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpLoadConst: {"LoadConst", OperandU32, 0, 1},
	OpLoadTrue:  {"LoadTrue", OperandNone, 0, 1},
	OpLoadFalse: {"LoadFalse", OperandNone, 0, 1},
	OpLoadNull:  {"LoadNull", OperandNone, 0, 1},

	OpLoadLocal:   {"LoadLocal", OperandU32, 0, 1},
	OpStoreLocal:  {"StoreLocal", OperandU32, 1, 0},
	OpLoadGlobal:  {"LoadGlobal", OperandU32, 0, 1},
	OpStoreGlobal: {"StoreGlobal", OperandU32, 1, 0},

	OpAdd:      {"Add", OperandNone, 2, 1},
	OpSubtract: {"Subtract", OperandNone, 2, 1},
	OpMultiply: {"Multiply", OperandNone, 2, 1},
	OpDivide:   {"Divide", OperandNone, 2, 1},
	OpNegate:   {"Negate", OperandNone, 1, 1},

	OpAddConst:      {"AddConst", OperandU32, 1, 1},
	OpSubtractConst: {"SubtractConst", OperandU32, 1, 1},
	OpMultiplyConst: {"MultiplyConst", OperandU32, 1, 1},
	OpDivideConst:   {"DivideConst", OperandU32, 1, 1},

	OpEqual:        {"Equal", OperandNone, 2, 1},
	OpNotEqual:     {"NotEqual", OperandNone, 2, 1},
	OpGreater:      {"Greater", OperandNone, 2, 1},
	OpGreaterEqual: {"GreaterEqual", OperandNone, 2, 1},
	OpLess:         {"Less", OperandNone, 2, 1},
	OpLessEqual:    {"LessEqual", OperandNone, 2, 1},
	OpNot:          {"Not", OperandNone, 1, 1},
	OpAnd:          {"And", OperandNone, 2, 1},
	OpOr:           {"Or", OperandNone, 2, 1},

	OpJump:         {"Jump", OperandU32, 0, 0},
	OpJumpIfFalse:  {"JumpIfFalse", OperandU32, 1, 0},
	OpJumpIfTrue:   {"JumpIfTrue", OperandU32, 1, 0},
	OpMakeFunction: {"MakeFunction", OperandU32U8, 1, 1},

	OpCall:   {"Call", OperandU8, -1, 1},
	OpReturn: {"Return", OperandNone, 1, 1},
	OpPop:    {"Pop", OperandNone, 1, 0},
	OpDup:    {"Dup", OperandNone, 1, 2},
	OpSwap:   {"Swap", OperandNone, 2, 2},
	OpRotate: {"Rotate", OperandNone, 3, 3},

	OpPrint: {"Print", OperandNone, 1, 0},
	OpInput: {"Input", OperandNone, 0, 1},

	OpMakeList: {"MakeList", OperandU32, -1, 1},
	OpMakeDict: {"MakeDict", OperandU32, -1, 1},
	OpIndexGet: {"IndexGet", OperandNone, 2, 1},
	OpIndexSet: {"IndexSet", OperandNone, 3, 0},

	OpThrow:          {"Throw", OperandNone, 1, 0},
	OpPushTryHandler: {"PushTryHandler", OperandU32, 0, 0},
	OpPopTryHandler:  {"PopTryHandler", OperandNone, 0, 0},

	OpHalt: {"Halt", OperandNone, 0, 0},
}

// GetOpcodeInfo returns the metadata for an opcode. Unknown opcodes get a
// placeholder entry so the disassembler never panics on corrupt input.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{
		Name:     fmt.Sprintf("UNKNOWN(%d)", byte(op)),
		Operands: OperandNone,
	}
}

// String returns the mnemonic name of the opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether the opcode is a defined instruction.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// OperandKind returns the operand layout of the opcode.
func (op Opcode) OperandKind() OperandKind {
	return GetOpcodeInfo(op).Operands
}

// EncodedLen returns the number of bytes the instruction occupies in the
// binary container: one opcode byte plus its fixed-width operands.
func (op Opcode) EncodedLen() int {
	switch GetOpcodeInfo(op).Operands {
	case OperandU32:
		return 1 + 4
	case OperandU8:
		return 1 + 1
	case OperandU32U8:
		return 1 + 4 + 1
	default:
		return 1
	}
}

// IsJump reports whether operand A is an absolute instruction index that
// the optimizer must remap when instructions move.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpPushTryHandler, OpMakeFunction:
		return true
	}
	return false
}

// EndsFlow reports whether control never falls through to the next
// instruction. Dead-code elimination uses this to find unreachable regions.
func (op Opcode) EndsFlow() bool {
	switch op {
	case OpJump, OpReturn, OpThrow, OpHalt:
		return true
	}
	return false
}

// AllOpcodes returns every defined opcode in ascending numeric order.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for i := 0; i < 256; i++ {
		if op := Opcode(i); op.Valid() {
			ops = append(ops, op)
		}
	}
	return ops
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
