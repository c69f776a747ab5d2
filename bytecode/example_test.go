package bytecode

import (
	"fmt"

	"github.com/AlhaqGH/PohLang-sub002/ast"
)

// Compile a program built as an AST and run it on the VM.
func ExampleCompile() {
	prog := ast.Program{
		&ast.Write{Expr: &ast.Plus{
			L: &ast.Num{Value: 10},
			R: &ast.Times{L: &ast.Num{Value: 20}, R: &ast.Num{Value: 2}},
		}},
	}

	chunk, err := Compile(prog)
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := NewVM().Run(chunk); err != nil {
		fmt.Println(err)
	}
	// Output: 50
}

// Constant folding collapses the arithmetic at compile time; the program
// behaves the same either way.
func ExampleOptimizer_Optimize() {
	prog := ast.Program{
		&ast.Write{Expr: &ast.Plus{
			L: &ast.Num{Value: 2},
			R: &ast.Times{L: &ast.Num{Value: 3}, R: &ast.Num{Value: 4}},
		}},
	}

	chunk, err := Compile(prog)
	if err != nil {
		fmt.Println(err)
		return
	}
	optimized, err := NewOptimizer(DefaultOptions()).Optimize(chunk)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("%d -> %d instructions\n", len(chunk.Code), len(optimized.Code))

	if err := NewVM().Run(optimized); err != nil {
		fmt.Println(err)
	}
	// Output:
	// 7 -> 3 instructions
	// 14
}

// A serialized chunk deserializes into an identical chunk.
func ExampleSerialize() {
	chunk, err := Compile(ast.Program{
		&ast.Write{Expr: &ast.Str{Value: "hello"}},
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	data, err := Serialize(chunk)
	if err != nil {
		fmt.Println(err)
		return
	}
	back, err := Deserialize(data)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(back.Equal(chunk))
	// Output: true
}

func ExampleDisassemble() {
	c := NewChunk()
	idx, _ := c.AddConstant(NumberConst(42))
	c.Code = append(c.Code, InstA(OpLoadConst, idx), Inst(OpPrint), Inst(OpHalt))

	fmt.Print(Disassemble(c))
	// Output:
	// === Bytecode Disassembly ===
	// Version: 1
	// Constants: 1 entries
	//   [0] Number(42)
	// Code: 3 instructions
	//   0000 LoadConst 0 ; Number(42)
	//   0001 Print
	//   0002 Halt
}
