package bytecode

import (
	"strings"
	"testing"
)

func mustAdd(t *testing.T, c *Chunk, k Constant) uint32 {
	t.Helper()
	idx, err := c.AddConstant(k)
	if err != nil {
		t.Fatalf("AddConstant(%s) error: %v", k, err)
	}
	return idx
}

func TestNewChunk(t *testing.T) {
	c := NewChunk()
	if c.Version != ChunkVersion {
		t.Errorf("Version = %d, want %d", c.Version, ChunkVersion)
	}
	if len(c.Constants) != 0 || len(c.Code) != 0 {
		t.Errorf("new chunk not empty: %d constants, %d instructions", len(c.Constants), len(c.Code))
	}
	if c.Debug != nil {
		t.Error("new chunk has debug info")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("empty chunk fails validation: %v", err)
	}
}

func TestAddConstantDedup(t *testing.T) {
	c := NewChunk()

	a := mustAdd(t, c, NumberConst(10))
	b := mustAdd(t, c, StringConst("x"))
	if a == b {
		t.Fatalf("distinct constants share index %d", a)
	}

	if again := mustAdd(t, c, NumberConst(10)); again != a {
		t.Errorf("duplicate Number(10) got index %d, want %d", again, a)
	}
	if again := mustAdd(t, c, StringConst("x")); again != b {
		t.Errorf("duplicate String(\"x\") got index %d, want %d", again, b)
	}
	if len(c.Constants) != 2 {
		t.Errorf("pool size = %d, want 2", len(c.Constants))
	}
}

// Constants of different kinds never collide, even when they display alike.
func TestAddConstantKindsDistinct(t *testing.T) {
	c := NewChunk()

	n := mustAdd(t, c, NumberConst(1))
	s := mustAdd(t, c, StringConst("1"))
	b := mustAdd(t, c, BoolConst(true))
	z := mustAdd(t, c, NullConst())
	zero := mustAdd(t, c, NumberConst(0))

	seen := map[uint32]bool{}
	for _, idx := range []uint32{n, s, b, z, zero} {
		if seen[idx] {
			t.Fatalf("index %d assigned twice", idx)
		}
		seen[idx] = true
	}
	if len(c.Constants) != 5 {
		t.Errorf("pool size = %d, want 5", len(c.Constants))
	}
}

// The dedup index is rebuilt lazily, so interning keeps working on a chunk
// whose pool was populated directly (as after Clone or Deserialize).
func TestAddConstantAfterClone(t *testing.T) {
	c := NewChunk()
	mustAdd(t, c, NumberConst(1))
	mustAdd(t, c, StringConst("x"))

	n := c.Clone()
	if idx := mustAdd(t, n, NumberConst(1)); idx != 0 {
		t.Errorf("clone re-interned Number(1) at %d, want 0", idx)
	}
	if idx := mustAdd(t, n, NumberConst(2)); idx != 2 {
		t.Errorf("clone interned Number(2) at %d, want 2", idx)
	}
}

func TestConstantLookup(t *testing.T) {
	c := NewChunk()
	mustAdd(t, c, StringConst("hi"))

	k, ok := c.Constant(0)
	if !ok || k != StringConst("hi") {
		t.Errorf("Constant(0) = %s, %v", k, ok)
	}
	if _, ok := c.Constant(1); ok {
		t.Error("Constant(1) reported ok on a one-entry pool")
	}
}

func TestConstantString(t *testing.T) {
	tests := []struct {
		k    Constant
		want string
	}{
		{NumberConst(10), "Number(10)"},
		{NumberConst(2.5), "Number(2.5)"},
		{StringConst("hi"), `String("hi")`},
		{BoolConst(true), "Boolean(true)"},
		{NullConst(), "Null"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestLineFor(t *testing.T) {
	c := NewChunk()
	c.Code = []Instruction{Inst(OpLoadNull), Inst(OpPrint), Inst(OpHalt)}

	if got := c.LineFor(1); got != 0 {
		t.Errorf("LineFor without debug info = %d, want 0", got)
	}

	c.Debug = &DebugInfo{Lines: []uint32{1, 1, 2}}
	tests := []struct {
		ip   int
		want int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 0},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := c.LineFor(tt.ip); got != tt.want {
			t.Errorf("LineFor(%d) = %d, want %d", tt.ip, got, tt.want)
		}
	}
}

func TestEncodedSize(t *testing.T) {
	c := NewChunk()
	c.Code = []Instruction{
		Inst(OpHalt),                 // 1 byte
		InstA(OpLoadConst, 0),        // 5 bytes
		InstA(OpCall, 2),             // 2 bytes
		InstAB(OpMakeFunction, 0, 1), // 6 bytes
	}
	if got := c.EncodedSize(); got != 14 {
		t.Errorf("EncodedSize() = %d, want 14", got)
	}
}

func TestValidate(t *testing.T) {
	// base returns a valid chunk the cases then break.
	base := func() *Chunk {
		c := NewChunk()
		mustAdd(t, c, NumberConst(1))
		mustAdd(t, c, StringConst("x"))
		c.Code = []Instruction{
			InstA(OpLoadConst, 0),
			InstA(OpStoreGlobal, 1),
			InstA(OpLoadGlobal, 1),
			Inst(OpPrint),
			Inst(OpHalt),
		}
		return c
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base chunk fails validation: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Chunk)
		wantErr string
	}{
		{
			"unknown opcode",
			func(c *Chunk) { c.Code[3] = Inst(Opcode(200)) },
			"unknown opcode 200",
		},
		{
			"reserved opcode",
			func(c *Chunk) { c.Code[3] = InstA(Opcode(33), 0) },
			"unknown opcode 33",
		},
		{
			"constant index out of range",
			func(c *Chunk) { c.Code[0] = InstA(OpLoadConst, 9) },
			"LoadConst constant index 9 out of range (pool size 2)",
		},
		{
			"fused constant index out of range",
			func(c *Chunk) { c.Code[3] = InstA(OpAddConst, 7) },
			"AddConst constant index 7 out of range",
		},
		{
			"global naming a number constant",
			func(c *Chunk) { c.Code[1] = InstA(OpStoreGlobal, 0) },
			"StoreGlobal operand must name a string constant, got Number(1)",
		},
		{
			"global index out of range",
			func(c *Chunk) { c.Code[2] = InstA(OpLoadGlobal, 5) },
			"LoadGlobal constant index 5 out of range",
		},
		{
			"local slot over capacity",
			func(c *Chunk) { c.Code[3] = InstA(OpLoadLocal, MaxLocalSlots) },
			"LoadLocal slot 256 exceeds frame capacity 256",
		},
		{
			"jump past end",
			func(c *Chunk) { c.Code[3] = InstA(OpJump, 6) },
			"Jump target 6 outside code (length 5)",
		},
		{
			"try handler past end",
			func(c *Chunk) { c.Code[3] = InstA(OpPushTryHandler, 9) },
			"PushTryHandler target 9 outside code",
		},
		{
			"function entry at end",
			func(c *Chunk) { c.Code[3] = InstAB(OpMakeFunction, 5, 0) },
			"MakeFunction entry 5 outside code (length 5)",
		},
		{
			"function arity over limit",
			func(c *Chunk) { c.Code[3] = InstAB(OpMakeFunction, 0, 256) },
			"MakeFunction arity 256 exceeds 255",
		},
		{
			"call with too many arguments",
			func(c *Chunk) { c.Code[3] = InstA(OpCall, 300) },
			"Call argument count 300 exceeds 255",
		},
		{
			"line table length mismatch",
			func(c *Chunk) { c.Debug = &DebugInfo{Lines: []uint32{1, 2}} },
			"debug line table length 2 does not match code length 5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

// A jump target equal to len(Code) falls off the end and halts; it is valid.
func TestValidateJumpToEnd(t *testing.T) {
	c := NewChunk()
	c.Code = []Instruction{InstA(OpJump, 1)}
	if err := c.Validate(); err != nil {
		t.Errorf("jump to len(Code) rejected: %v", err)
	}
}

func TestClone(t *testing.T) {
	c := NewChunk()
	mustAdd(t, c, NumberConst(1))
	c.Code = []Instruction{InstA(OpLoadConst, 0), Inst(OpHalt)}
	c.Debug = &DebugInfo{SourceFile: "a.poh", Lines: []uint32{1, 1}, VarNames: []string{"x"}}

	n := c.Clone()
	if !n.Equal(c) {
		t.Fatal("clone not equal to original")
	}

	// Mutating the clone must leave the original untouched.
	n.Code[0] = Inst(OpLoadNull)
	n.Constants[0] = NumberConst(99)
	n.Debug.Lines[0] = 7
	n.Debug.VarNames[0] = "y"

	if c.Code[0] != InstA(OpLoadConst, 0) {
		t.Error("original code changed through clone")
	}
	if c.Constants[0] != NumberConst(1) {
		t.Error("original constants changed through clone")
	}
	if c.Debug.Lines[0] != 1 || c.Debug.VarNames[0] != "x" {
		t.Error("original debug info changed through clone")
	}
}

func TestStrip(t *testing.T) {
	c := NewChunk()
	c.Code = []Instruction{Inst(OpHalt)}
	c.Debug = &DebugInfo{SourceFile: "a.poh", Lines: []uint32{1}}

	s := c.Strip()
	if s.Debug != nil {
		t.Error("Strip() kept debug info")
	}
	if c.Debug == nil {
		t.Error("Strip() removed debug info from the original")
	}
	if len(s.Code) != len(c.Code) {
		t.Errorf("Strip() changed code length: %d, want %d", len(s.Code), len(c.Code))
	}
}

func TestChunkEqual(t *testing.T) {
	build := func() *Chunk {
		c := NewChunk()
		mustAdd(t, c, NumberConst(1))
		c.Code = []Instruction{InstA(OpLoadConst, 0), Inst(OpHalt)}
		c.Debug = &DebugInfo{SourceFile: "a.poh", Lines: []uint32{1, 1}}
		return c
	}

	a, b := build(), build()
	if !a.Equal(b) {
		t.Fatal("identical chunks reported unequal")
	}

	b.Code[1] = Inst(OpReturn)
	if a.Equal(b) {
		t.Error("chunks with different code reported equal")
	}

	b = build()
	b.Constants[0] = NumberConst(2)
	if a.Equal(b) {
		t.Error("chunks with different constants reported equal")
	}

	b = build()
	b.Debug = nil
	if a.Equal(b) {
		t.Error("chunk with debug info equal to one without")
	}

	b = build()
	b.Debug.SourceFile = "b.poh"
	if a.Equal(b) {
		t.Error("chunks with different source files reported equal")
	}
}
