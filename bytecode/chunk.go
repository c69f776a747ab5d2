package bytecode

import (
	"fmt"
	"math"
	"strconv"
)

// ContainerVersion is the binary container format version. Increment when
// the section layout changes.
const ContainerVersion uint32 = 1

// ChunkVersion is the chunk schema version. Increment when the constant
// tags or instruction encoding change incompatibly.
const ChunkVersion uint32 = 1

// Magic identifies a compiled bytecode file.
var Magic = []byte{'P', 'O', 'H', 'C'}

// MaxConstants caps the constant pool so every index fits an u32 operand.
const MaxConstants = math.MaxUint32

// MaxLocalSlots is the number of local variable slots per call frame.
const MaxLocalSlots = 256

// ConstantKind tags a constant pool entry. The values are the binary
// container's type tags.
type ConstantKind byte

const (
	ConstNumber  ConstantKind = 0
	ConstString  ConstantKind = 1
	ConstBoolean ConstantKind = 2
	ConstNull    ConstantKind = 3
)

// Constant is one immutable constant pool entry. The struct is comparable,
// which the pool uses for deduplication.
type Constant struct {
	Kind ConstantKind
	Num  float64
	Str  string
	Bool bool
}

// NumberConst returns a number constant.
func NumberConst(n float64) Constant { return Constant{Kind: ConstNumber, Num: n} }

// StringConst returns a string constant.
func StringConst(s string) Constant { return Constant{Kind: ConstString, Str: s} }

// BoolConst returns a boolean constant.
func BoolConst(b bool) Constant { return Constant{Kind: ConstBoolean, Bool: b} }

// NullConst returns the null constant.
func NullConst() Constant { return Constant{Kind: ConstNull} }

// Value converts the constant to its runtime value.
func (c Constant) Value() Value {
	switch c.Kind {
	case ConstNumber:
		return Number(c.Num)
	case ConstString:
		return Str(c.Str)
	case ConstBoolean:
		return Bool(c.Bool)
	default:
		return Null()
	}
}

// String returns the disassembly form, e.g. Number(10) or String("hi").
func (c Constant) String() string {
	switch c.Kind {
	case ConstNumber:
		return "Number(" + strconv.FormatFloat(c.Num, 'f', -1, 64) + ")"
	case ConstString:
		return "String(" + strconv.Quote(c.Str) + ")"
	case ConstBoolean:
		if c.Bool {
			return "Boolean(true)"
		}
		return "Boolean(false)"
	default:
		return "Null"
	}
}

// Instruction is one decoded instruction. A and B hold the operands named
// by the opcode's OperandKind; unused operands are zero. Jump operands are
// absolute instruction indices into the chunk's code.
type Instruction struct {
	Op Opcode
	A  uint32
	B  uint32
}

// Inst builds an operand-free instruction.
func Inst(op Opcode) Instruction { return Instruction{Op: op} }

// InstA builds an instruction with a single operand.
func InstA(op Opcode, a uint32) Instruction { return Instruction{Op: op, A: a} }

// InstAB builds an instruction with two operands.
func InstAB(op Opcode, a, b uint32) Instruction { return Instruction{Op: op, A: a, B: b} }

// DebugInfo is the optional source mapping carried alongside the code.
// Lines holds one 1-based source line per instruction (0 for synthesized
// instructions); VarNames names the top-level local slots in slot order.
type DebugInfo struct {
	SourceFile string
	Lines      []uint32
	VarNames   []string
}

// Chunk is a compiled program: a constant pool, an instruction array, and
// optional debug metadata. A chunk is immutable once execution starts and
// may be shared read-only between VM instances.
type Chunk struct {
	Version   uint32
	Constants []Constant
	Code      []Instruction
	Debug     *DebugInfo

	constIndex map[Constant]uint32 // dedup index, rebuilt on demand
}

// NewChunk returns an empty chunk with the current schema version.
func NewChunk() *Chunk {
	return &Chunk{
		Version:   ChunkVersion,
		Constants: make([]Constant, 0, 8),
		Code:      make([]Instruction, 0, 64),
	}
}

// AddConstant interns a constant and returns its pool index. Identical
// constants share one entry; a number and a string never collide even when
// they display alike.
func (c *Chunk) AddConstant(k Constant) (uint32, error) {
	if c.constIndex == nil {
		c.constIndex = make(map[Constant]uint32, len(c.Constants))
		for i, existing := range c.Constants {
			if _, ok := c.constIndex[existing]; !ok {
				c.constIndex[existing] = uint32(i)
			}
		}
	}
	if idx, ok := c.constIndex[k]; ok {
		return idx, nil
	}
	if uint64(len(c.Constants)) >= MaxConstants {
		return 0, compileErrf(CompileTooManyConstants, 0, "too many constants (max %d)", uint64(MaxConstants))
	}
	idx := uint32(len(c.Constants))
	c.Constants = append(c.Constants, k)
	c.constIndex[k] = idx
	return idx, nil
}

// Constant returns the pool entry at idx.
func (c *Chunk) Constant(idx uint32) (Constant, bool) {
	if int(idx) >= len(c.Constants) {
		return Constant{}, false
	}
	return c.Constants[idx], true
}

// LineFor returns the source line recorded for the instruction at ip, or 0
// when no debug info is present.
func (c *Chunk) LineFor(ip int) int {
	if c.Debug == nil || ip < 0 || ip >= len(c.Debug.Lines) {
		return 0
	}
	return int(c.Debug.Lines[ip])
}

// EncodedSize returns the byte length of the code section in the binary
// container.
func (c *Chunk) EncodedSize() int {
	n := 0
	for _, inst := range c.Code {
		n += inst.Op.EncodedLen()
	}
	return n
}

// Validate checks the chunk's structural invariants: every opcode is
// defined, every constant operand is in range, global operands name string
// constants, local slots fit a frame, and every jump target lands inside
// the code (a target equal to len(Code) is allowed and halts cleanly).
// The optimizer re-validates its output with this.
func (c *Chunk) Validate() error {
	n := len(c.Code)
	for ip, inst := range c.Code {
		if !inst.Op.Valid() {
			return fmt.Errorf("instruction %d: unknown opcode %d", ip, byte(inst.Op))
		}
		switch inst.Op {
		case OpLoadConst, OpAddConst, OpSubtractConst, OpMultiplyConst, OpDivideConst:
			if int(inst.A) >= len(c.Constants) {
				return fmt.Errorf("instruction %d: %s constant index %d out of range (pool size %d)",
					ip, inst.Op, inst.A, len(c.Constants))
			}
		case OpLoadGlobal, OpStoreGlobal:
			k, ok := c.Constant(inst.A)
			if !ok {
				return fmt.Errorf("instruction %d: %s constant index %d out of range (pool size %d)",
					ip, inst.Op, inst.A, len(c.Constants))
			}
			if k.Kind != ConstString {
				return fmt.Errorf("instruction %d: %s operand must name a string constant, got %s",
					ip, inst.Op, k)
			}
		case OpLoadLocal, OpStoreLocal:
			if inst.A >= MaxLocalSlots {
				return fmt.Errorf("instruction %d: %s slot %d exceeds frame capacity %d",
					ip, inst.Op, inst.A, MaxLocalSlots)
			}
		case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpPushTryHandler:
			if int(inst.A) > n {
				return fmt.Errorf("instruction %d: %s target %d outside code (length %d)",
					ip, inst.Op, inst.A, n)
			}
		case OpMakeFunction:
			if int(inst.A) >= n {
				return fmt.Errorf("instruction %d: MakeFunction entry %d outside code (length %d)",
					ip, inst.A, n)
			}
			if inst.B > math.MaxUint8 {
				return fmt.Errorf("instruction %d: MakeFunction arity %d exceeds %d", ip, inst.B, math.MaxUint8)
			}
		case OpCall:
			if inst.A > math.MaxUint8 {
				return fmt.Errorf("instruction %d: Call argument count %d exceeds %d", ip, inst.A, math.MaxUint8)
			}
		}
	}
	if c.Debug != nil && c.Debug.Lines != nil && len(c.Debug.Lines) != n {
		return fmt.Errorf("debug line table length %d does not match code length %d", len(c.Debug.Lines), n)
	}
	return nil
}

// Strip returns a copy without the debug section, for smaller artifacts.
func (c *Chunk) Strip() *Chunk {
	n := c.Clone()
	n.Debug = nil
	return n
}

// Clone returns a deep copy sharing nothing with the receiver. The
// optimizer rewrites a clone so the input chunk stays usable.
func (c *Chunk) Clone() *Chunk {
	n := &Chunk{
		Version:   c.Version,
		Constants: append([]Constant(nil), c.Constants...),
		Code:      append([]Instruction(nil), c.Code...),
	}
	if c.Debug != nil {
		n.Debug = &DebugInfo{
			SourceFile: c.Debug.SourceFile,
			Lines:      append([]uint32(nil), c.Debug.Lines...),
			VarNames:   append([]string(nil), c.Debug.VarNames...),
		}
	}
	return n
}

// Equal reports whether two chunks have identical constants, code, and
// debug info. Used by round-trip and idempotence tests.
func (c *Chunk) Equal(o *Chunk) bool {
	if c.Version != o.Version {
		return false
	}
	if len(c.Constants) != len(o.Constants) || len(c.Code) != len(o.Code) {
		return false
	}
	for i, k := range c.Constants {
		if k != o.Constants[i] {
			return false
		}
	}
	for i, inst := range c.Code {
		if inst != o.Code[i] {
			return false
		}
	}
	if (c.Debug == nil) != (o.Debug == nil) {
		return false
	}
	if c.Debug != nil {
		if c.Debug.SourceFile != o.Debug.SourceFile {
			return false
		}
		if len(c.Debug.Lines) != len(o.Debug.Lines) || len(c.Debug.VarNames) != len(o.Debug.VarNames) {
			return false
		}
		for i, l := range c.Debug.Lines {
			if l != o.Debug.Lines[i] {
				return false
			}
		}
		for i, v := range c.Debug.VarNames {
			if v != o.Debug.VarNames[i] {
				return false
			}
		}
	}
	return true
}
