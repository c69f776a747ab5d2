package bytecode

import (
	"strings"
	"testing"

	"github.com/AlhaqGH/PohLang-sub002/ast"
)

// newTestChunk builds a chunk directly, for shapes the compiler never
// emits.
func newTestChunk(consts []Constant, code []Instruction) *Chunk {
	c := NewChunk()
	c.Constants = append(c.Constants, consts...)
	c.Code = append(c.Code, code...)
	return c
}

func mustOptimize(t *testing.T, o *Optimizer, c *Chunk) *Chunk {
	t.Helper()
	out, err := o.Optimize(c)
	if err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	return out
}

func TestFoldAddition(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.Plus{L: &ast.Num{Value: 2}, R: &ast.Num{Value: 3}}},
	})

	o := NewOptimizer(Options{ConstantFolding: true})
	out := mustOptimize(t, o, chunk)

	wantCode(t, out, []Instruction{
		InstA(OpLoadConst, 2),
		Inst(OpPrint),
		Inst(OpHalt),
	})
	if k, _ := out.Constant(2); k != NumberConst(5) {
		t.Errorf("folded constant = %s, want Number(5)", k)
	}
	if got := o.Stats().ConstantsFolded; got != 1 {
		t.Errorf("ConstantsFolded = %d, want 1", got)
	}
}

// Folding reaches a fixed point: inner results feed outer folds.
func TestFoldCascade(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.Plus{
			L: &ast.Num{Value: 10},
			R: &ast.Times{L: &ast.Num{Value: 5}, R: &ast.Num{Value: 2}},
		}},
	})

	o := NewOptimizer(Options{ConstantFolding: true})
	out := mustOptimize(t, o, chunk)

	if len(out.Code) != 3 {
		t.Fatalf("code length = %d, want 3\n%s", len(out.Code), Disassemble(out))
	}
	k, _ := out.Constant(out.Code[0].A)
	if k != NumberConst(20) {
		t.Errorf("folded constant = %s, want Number(20)", k)
	}
	if got := o.Stats().ConstantsFolded; got != 2 {
		t.Errorf("ConstantsFolded = %d, want 2", got)
	}

	got, err := runChunk(t, out)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != "20\n" {
		t.Errorf("output = %q, want %q", got, "20\n")
	}
}

func TestFoldStringConcat(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.Plus{L: &ast.Str{Value: "foo"}, R: &ast.Str{Value: "bar"}}},
	})

	out := mustOptimize(t, NewOptimizer(Options{ConstantFolding: true}), chunk)
	if len(out.Code) != 3 {
		t.Fatalf("code length = %d, want 3", len(out.Code))
	}
	k, _ := out.Constant(out.Code[0].A)
	if k != StringConst("foobar") {
		t.Errorf("folded constant = %s, want String(\"foobar\")", k)
	}
}

func TestFoldNegate(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.Negate{Expr: &ast.Num{Value: 7}}},
	})

	out := mustOptimize(t, NewOptimizer(Options{ConstantFolding: true}), chunk)
	if len(out.Code) != 3 {
		t.Fatalf("code length = %d, want 3", len(out.Code))
	}
	k, _ := out.Constant(out.Code[0].A)
	if k != NumberConst(-7) {
		t.Errorf("folded constant = %s, want Number(-7)", k)
	}
}

// Division by a constant zero must keep faulting at run time, so the
// window never folds.
func TestFoldSkipsDivisionByZero(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.DividedBy{L: &ast.Num{Value: 1}, R: &ast.Num{Value: 0}}},
	})

	o := NewOptimizer(Options{ConstantFolding: true})
	out := mustOptimize(t, o, chunk)

	if !out.Equal(chunk) {
		t.Errorf("division by zero was rewritten:\n%s", Disassemble(out))
	}
	if got := o.Stats().ConstantsFolded; got != 0 {
		t.Errorf("ConstantsFolded = %d, want 0", got)
	}
}

// A branch landing between the two loads sees a different stack than the
// folded form would leave, so targeted windows are skipped.
func TestFoldSkipsBranchTargets(t *testing.T) {
	chunk := newTestChunk(
		[]Constant{NumberConst(1), NumberConst(2)},
		[]Instruction{
			InstA(OpJump, 2),
			InstA(OpLoadConst, 0),
			InstA(OpLoadConst, 1),
			Inst(OpAdd),
			Inst(OpHalt),
		},
	)

	o := NewOptimizer(Options{ConstantFolding: true})
	out := mustOptimize(t, o, chunk)
	if !out.Equal(chunk) {
		t.Errorf("targeted window was folded:\n%s", Disassemble(out))
	}
}

func TestFoldRetargetsJumps(t *testing.T) {
	chunk := newTestChunk(
		[]Constant{NumberConst(1), NumberConst(2)},
		[]Instruction{
			InstA(OpJump, 4),
			InstA(OpLoadConst, 0),
			InstA(OpLoadConst, 1),
			Inst(OpAdd),
			Inst(OpHalt),
		},
	)

	out := mustOptimize(t, NewOptimizer(Options{ConstantFolding: true}), chunk)
	if len(out.Code) != 3 {
		t.Fatalf("code length = %d, want 3\n%s", len(out.Code), Disassemble(out))
	}
	if out.Code[0] != InstA(OpJump, 2) {
		t.Errorf("jump not retargeted: %s", DisassembleInstruction(out, 0))
	}
	if k, _ := out.Constant(out.Code[1].A); k != NumberConst(3) {
		t.Errorf("folded constant = %s, want Number(3)", k)
	}
}

func TestFuseArithmetic(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Set{Name: "x", Value: &ast.Num{Value: 5}},
		&ast.Write{Expr: &ast.Plus{L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 1}}},
	})

	o := NewOptimizer(Options{InstructionFusion: true})
	out := mustOptimize(t, o, chunk)

	wantCode(t, out, []Instruction{
		InstA(OpLoadConst, 0),
		InstA(OpStoreGlobal, 1),
		InstA(OpLoadGlobal, 1),
		InstA(OpAddConst, 2),
		Inst(OpPrint),
		Inst(OpHalt),
	})
	if got := o.Stats().InstructionsFused; got != 1 {
		t.Errorf("InstructionsFused = %d, want 1", got)
	}

	got, err := runChunk(t, out)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != "6\n" {
		t.Errorf("output = %q, want %q", got, "6\n")
	}
}

func TestFuseAllForms(t *testing.T) {
	tests := []struct {
		name string
		expr ast.Expr
		op   Opcode
		want string
	}{
		{"subtract", &ast.Minus{L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 2}}, OpSubtractConst, "8\n"},
		{"multiply", &ast.Times{L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 2}}, OpMultiplyConst, "20\n"},
		{"divide", &ast.DividedBy{L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 2}}, OpDivideConst, "5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := mustCompile(t, ast.Program{
				&ast.Set{Name: "x", Value: &ast.Num{Value: 10}},
				&ast.Write{Expr: tt.expr},
			})
			out := mustOptimize(t, NewOptimizer(Options{InstructionFusion: true}), chunk)

			found := false
			for _, inst := range out.Code {
				if inst.Op == tt.op {
					found = true
				}
			}
			if !found {
				t.Fatalf("no %s emitted:\n%s", tt.op, Disassemble(out))
			}

			got, err := runChunk(t, out)
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFusedDivisionByZeroFaults(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Set{Name: "x", Value: &ast.Num{Value: 1}},
		&ast.Write{Expr: &ast.DividedBy{L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 0}}},
	})

	out := mustOptimize(t, NewOptimizer(Options{InstructionFusion: true}), chunk)
	_, err := runChunk(t, out)
	if err == nil {
		t.Fatal("Run() = nil, want division error")
	}
	re, ok := AsRuntimeError(err)
	if !ok || re.Kind != RuntimeDivisionByZero {
		t.Errorf("error = %v, want RuntimeDivisionByZero", err)
	}
}

func TestPeepholeBranchOnKnownBoolean(t *testing.T) {
	tests := []struct {
		name string
		load Opcode
		jump Opcode
		want []Instruction
	}{
		{
			// Branch never taken: both instructions disappear.
			"true before JumpIfFalse", OpLoadTrue, OpJumpIfFalse,
			[]Instruction{Inst(OpLoadNull), Inst(OpHalt)},
		},
		{
			"false before JumpIfTrue", OpLoadFalse, OpJumpIfTrue,
			[]Instruction{Inst(OpLoadNull), Inst(OpHalt)},
		},
		{
			// Branch always taken: becomes an unconditional jump.
			"true before JumpIfTrue", OpLoadTrue, OpJumpIfTrue,
			[]Instruction{InstA(OpJump, 2), Inst(OpLoadNull), Inst(OpHalt)},
		},
		{
			"false before JumpIfFalse", OpLoadFalse, OpJumpIfFalse,
			[]Instruction{InstA(OpJump, 2), Inst(OpLoadNull), Inst(OpHalt)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := newTestChunk(nil, []Instruction{
				Inst(tt.load),
				InstA(tt.jump, 3),
				Inst(OpLoadNull),
				Inst(OpHalt),
			})
			out := mustOptimize(t, NewOptimizer(Options{Peephole: true}), chunk)
			wantCode(t, out, tt.want)
		})
	}
}

func TestPeepholeNotFlipsBranch(t *testing.T) {
	chunk := newTestChunk(nil, []Instruction{
		InstA(OpLoadLocal, 0),
		Inst(OpNot),
		InstA(OpJumpIfFalse, 5),
		Inst(OpLoadNull),
		Inst(OpPrint),
		Inst(OpHalt),
	})

	o := NewOptimizer(Options{Peephole: true})
	out := mustOptimize(t, o, chunk)

	wantCode(t, out, []Instruction{
		InstA(OpLoadLocal, 0),
		InstA(OpJumpIfTrue, 4),
		Inst(OpLoadNull),
		Inst(OpPrint),
		Inst(OpHalt),
	})
	if got := o.Stats().PeepholeRewrites; got != 1 {
		t.Errorf("PeepholeRewrites = %d, want 1", got)
	}
}

func TestPeepholeNotFlipsBranchTrue(t *testing.T) {
	chunk := newTestChunk(nil, []Instruction{
		InstA(OpLoadLocal, 0),
		Inst(OpNot),
		InstA(OpJumpIfTrue, 5),
		Inst(OpLoadNull),
		Inst(OpPrint),
		Inst(OpHalt),
	})

	out := mustOptimize(t, NewOptimizer(Options{Peephole: true}), chunk)
	if out.Code[1] != InstA(OpJumpIfFalse, 4) {
		t.Errorf("instruction 1 = %s, want JumpIfFalse 4", DisassembleInstruction(out, 1))
	}
}

func TestPeepholeLoadPopCancels(t *testing.T) {
	chunk := newTestChunk(
		[]Constant{NumberConst(1)},
		[]Instruction{
			InstA(OpLoadConst, 0),
			Inst(OpPop),
			Inst(OpLoadNull),
			Inst(OpHalt),
		},
	)

	out := mustOptimize(t, NewOptimizer(Options{Peephole: true}), chunk)
	wantCode(t, out, []Instruction{Inst(OpLoadNull), Inst(OpHalt)})
}

// Dup and LoadGlobal can fault, so a following Pop must not cancel them.
func TestPeepholeKeepsFaultingPairs(t *testing.T) {
	t.Run("dup pop", func(t *testing.T) {
		chunk := newTestChunk(nil, []Instruction{
			Inst(OpDup),
			Inst(OpPop),
			Inst(OpHalt),
		})
		out := mustOptimize(t, NewOptimizer(Options{Peephole: true}), chunk)
		if !out.Equal(chunk) {
			t.Fatalf("faulting pair was rewritten:\n%s", Disassemble(out))
		}
		_, err := runChunk(t, out)
		re, ok := AsRuntimeError(err)
		if !ok || re.Kind != RuntimeStackUnderflow {
			t.Errorf("error = %v, want RuntimeStackUnderflow", err)
		}
	})

	t.Run("load global pop", func(t *testing.T) {
		chunk := newTestChunk(
			[]Constant{StringConst("missing")},
			[]Instruction{
				InstA(OpLoadGlobal, 0),
				Inst(OpPop),
				Inst(OpHalt),
			},
		)
		out := mustOptimize(t, NewOptimizer(Options{Peephole: true}), chunk)
		if !out.Equal(chunk) {
			t.Fatalf("faulting pair was rewritten:\n%s", Disassemble(out))
		}
		_, err := runChunk(t, out)
		if err == nil || !strings.Contains(err.Error(), "Undefined variable 'missing'") {
			t.Errorf("error = %v, want undefined variable", err)
		}
	})
}

func TestPeepholeDropsJumpToNext(t *testing.T) {
	chunk := newTestChunk(nil, []Instruction{
		InstA(OpJump, 1),
		Inst(OpLoadNull),
		Inst(OpPrint),
		Inst(OpHalt),
	})

	out := mustOptimize(t, NewOptimizer(Options{Peephole: true}), chunk)
	wantCode(t, out, []Instruction{
		Inst(OpLoadNull),
		Inst(OpPrint),
		Inst(OpHalt),
	})
}

func TestDeadCodeElimination(t *testing.T) {
	chunk := newTestChunk(nil, []Instruction{
		Inst(OpHalt),
		Inst(OpLoadNull),
		Inst(OpPrint),
	})

	o := NewOptimizer(Options{DeadCode: true})
	out := mustOptimize(t, o, chunk)

	wantCode(t, out, []Instruction{Inst(OpHalt)})
	if got := o.Stats().DeadCodeRemoved; got != 2 {
		t.Errorf("DeadCodeRemoved = %d, want 2", got)
	}
}

// Function bodies are only reachable through MakeFunction entries; the
// eliminator must treat those as roots.
func TestDeadCodeKeepsFunctionBodies(t *testing.T) {
	prog := ast.Program{
		&ast.FuncBlock{
			Name:   "square",
			Params: []ast.Param{{Name: "x"}},
			Body: ast.Program{
				&ast.Return{Value: &ast.Times{L: &ast.Ident{Name: "x"}, R: &ast.Ident{Name: "x"}}},
			},
		},
		&ast.Write{Expr: &ast.Call{Name: "square", Args: []ast.Expr{&ast.Num{Value: 7}}}},
	}
	chunk := mustCompile(t, prog)
	out := mustOptimize(t, NewOptimizer(DefaultOptions()), chunk)

	if len(out.Code) != len(chunk.Code) {
		t.Errorf("code length changed from %d to %d:\n%s", len(chunk.Code), len(out.Code), Disassemble(out))
	}
	got, err := runChunk(t, out)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != "49\n" {
		t.Errorf("output = %q, want %q", got, "49\n")
	}
}

func TestDeadCodeKeepsHandlerTargets(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.TryCatch{
			Body:    ast.Program{&ast.Write{Expr: &ast.Num{Value: 1}}},
			ErrName: "e",
			Catch:   ast.Program{&ast.Write{Expr: &ast.Ident{Name: "e"}}},
		},
	})

	out := mustOptimize(t, NewOptimizer(DefaultOptions()), chunk)
	if len(out.Code) != len(chunk.Code) {
		t.Errorf("handler block removed:\n%s", Disassemble(out))
	}
	got, err := runChunk(t, out)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != "1\n" {
		t.Errorf("output = %q, want %q", got, "1\n")
	}
}

// A branch on a constant condition collapses: the peephole kills the
// test, dead-code elimination kills the untaken arm.
func TestOptimizeBranchOnConstantCondition(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.IfBlock{
			Cond:      &ast.Bool{Value: true},
			Then:      ast.Program{&ast.Write{Expr: &ast.Num{Value: 1}}},
			Otherwise: ast.Program{&ast.Write{Expr: &ast.Num{Value: 2}}},
		},
	})

	o := NewOptimizer(DefaultOptions())
	out := mustOptimize(t, o, chunk)

	wantCode(t, out, []Instruction{
		InstA(OpLoadConst, 0),
		Inst(OpPrint),
		InstA(OpJump, 3),
		Inst(OpHalt),
	})
	if got := o.Stats().PeepholeRewrites; got != 1 {
		t.Errorf("PeepholeRewrites = %d, want 1", got)
	}
	if got := o.Stats().DeadCodeRemoved; got != 2 {
		t.Errorf("DeadCodeRemoved = %d, want 2", got)
	}

	got, err := runChunk(t, out)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != "1\n" {
		t.Errorf("output = %q, want %q", got, "1\n")
	}
}

func TestOptimizeIdempotent(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Set{Name: "x", Value: &ast.Plus{L: &ast.Num{Value: 2}, R: &ast.Num{Value: 3}}},
		&ast.WhileBlock{
			Cond: &ast.Cmp{Op: ast.Gt, L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 0}},
			Body: ast.Program{
				&ast.Write{Expr: &ast.Ident{Name: "x"}},
				&ast.Set{Name: "x", Value: &ast.Minus{L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 1}}},
			},
		},
	})

	once, err := Optimize(chunk)
	if err != nil {
		t.Fatalf("first Optimize error: %v", err)
	}
	twice, err := Optimize(once)
	if err != nil {
		t.Fatalf("second Optimize error: %v", err)
	}
	if !twice.Equal(once) {
		t.Errorf("second pass changed the chunk:\nfirst:\n%s\nsecond:\n%s",
			Disassemble(once), Disassemble(twice))
	}
}

func TestOptimizeLeavesInputUntouched(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.Plus{L: &ast.Num{Value: 2}, R: &ast.Num{Value: 3}}},
	})
	snapshot := chunk.Clone()

	if _, err := Optimize(chunk); err != nil {
		t.Fatalf("Optimize error: %v", err)
	}
	if !chunk.Equal(snapshot) {
		t.Error("Optimize modified its input chunk")
	}
}

func TestOptimizeZeroOptionsIsIdentity(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.Plus{L: &ast.Num{Value: 2}, R: &ast.Num{Value: 3}}},
	})

	out := mustOptimize(t, NewOptimizer(Options{}), chunk)
	if !out.Equal(chunk) {
		t.Error("no-pass optimizer changed the chunk")
	}
	out.Code[0] = Inst(OpLoadNull)
	if chunk.Code[0].Op != OpLoadConst {
		t.Error("result aliases the input chunk")
	}
}

// Each pass toggles independently of the others.
func TestPassesToggleIndependently(t *testing.T) {
	prog := ast.Program{
		&ast.Write{Expr: &ast.Plus{L: &ast.Num{Value: 2}, R: &ast.Num{Value: 3}}},
	}

	foldOnly := NewOptimizer(Options{ConstantFolding: true})
	out := mustOptimize(t, foldOnly, mustCompile(t, prog))
	if got := foldOnly.Stats(); got.ConstantsFolded != 1 || got.InstructionsFused != 0 {
		t.Errorf("fold-only stats = %+v", got)
	}
	if len(out.Code) != 3 {
		t.Errorf("fold-only code length = %d, want 3", len(out.Code))
	}

	fuseOnly := NewOptimizer(Options{InstructionFusion: true})
	out = mustOptimize(t, fuseOnly, mustCompile(t, prog))
	if got := fuseOnly.Stats(); got.InstructionsFused != 1 || got.ConstantsFolded != 0 {
		t.Errorf("fuse-only stats = %+v", got)
	}
	wantCode(t, out, []Instruction{
		InstA(OpLoadConst, 0),
		InstA(OpAddConst, 1),
		Inst(OpPrint),
		Inst(OpHalt),
	})
}

func TestOptimizeRewritesLineTable(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Set{Line: 1, Name: "x", Value: &ast.Plus{
			Line: 1, L: &ast.Num{Line: 1, Value: 2}, R: &ast.Num{Line: 1, Value: 3},
		}},
		&ast.Write{Line: 2, Expr: &ast.Ident{Line: 2, Name: "x"}},
	})

	out := mustOptimize(t, NewOptimizer(DefaultOptions()), chunk)
	if out.Debug == nil {
		t.Fatal("optimizer dropped debug info")
	}
	if len(out.Debug.Lines) != len(out.Code) {
		t.Fatalf("line table length = %d, code length = %d", len(out.Debug.Lines), len(out.Code))
	}
	if got := out.LineFor(0); got != 1 {
		t.Errorf("LineFor(0) = %d, want 1", got)
	}
	if err := out.Validate(); err != nil {
		t.Errorf("optimized chunk fails validation: %v", err)
	}
}

func TestOptimizeStatsPerPass(t *testing.T) {
	chunk := mustCompile(t, ast.Program{
		&ast.Write{Expr: &ast.Plus{L: &ast.Num{Value: 2}, R: &ast.Num{Value: 3}}},
		&ast.Set{Name: "x", Value: &ast.Num{Value: 5}},
		&ast.Write{Expr: &ast.Minus{L: &ast.Ident{Name: "x"}, R: &ast.Num{Value: 2}}},
	})

	o := NewOptimizer(DefaultOptions())
	out := mustOptimize(t, o, chunk)

	stats := o.Stats()
	if stats.ConstantsFolded != 1 {
		t.Errorf("ConstantsFolded = %d, want 1", stats.ConstantsFolded)
	}
	if stats.InstructionsFused != 1 {
		t.Errorf("InstructionsFused = %d, want 1", stats.InstructionsFused)
	}

	got, err := runChunk(t, out)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got != "5\n3\n" {
		t.Errorf("output = %q, want %q", got, "5\n3\n")
	}
}
