package bytecode

import (
	"fmt"
	"math"

	"github.com/AlhaqGH/PohLang-sub002/ast"
)

// ---------------------------------------------------------------------------
// Codegen: compile AST to a chunk
// ---------------------------------------------------------------------------

// MaxNestingDepth bounds expression/statement recursion in the compiler.
const MaxNestingDepth = 200

// MaxCallArgs is the most arguments a call or parameter list may carry;
// argument counts travel in a single byte.
const MaxCallArgs = 255

const maxCodeLen = uint64(math.MaxUint32)

// scope tracks local slot allocation for one function body. The bottom
// scope belongs to the top-level frame and only ever holds compiler
// temporaries; user variables at top level live in globals.
type scope struct {
	slots map[string]uint32
	names []string // slot order, kept for debug info
}

func newScope() *scope {
	return &scope{slots: make(map[string]uint32)}
}

func (s *scope) resolve(name string) (uint32, bool) {
	slot, ok := s.slots[name]
	return slot, ok
}

func (s *scope) define(name string) (uint32, bool) {
	if len(s.names) >= MaxLocalSlots {
		return 0, false
	}
	slot := uint32(len(s.names))
	s.slots[name] = slot
	s.names = append(s.names, name)
	return slot, true
}

// Compiler translates a program into a chunk. A Compiler is single-use
// state for one Compile call's constant pool and name tables; create a new
// one per program.
type Compiler struct {
	chunk *Chunk
	lines []uint32
	line  int // current source line for emitted instructions

	globals map[string]bool // top-level names defined so far
	funcs   map[string]int  // function name -> arity, for call checking

	scopes []*scope // scopes[0] is the top-level frame
	depth  int

	sourceFile string
}

// NewCompiler returns a compiler with an empty chunk.
func NewCompiler() *Compiler {
	return &Compiler{
		chunk:   NewChunk(),
		globals: make(map[string]bool),
		funcs:   make(map[string]int),
		scopes:  []*scope{newScope()},
	}
}

// SetSourceFile records the file name embedded in the chunk's debug info.
func (c *Compiler) SetSourceFile(name string) {
	c.sourceFile = name
}

// Compile translates the program and returns the finished chunk. The
// chunk always ends with Halt and carries debug info; Strip removes the
// debug section when a smaller artifact is wanted.
func (c *Compiler) Compile(prog ast.Program) (*Chunk, error) {
	for _, stmt := range prog {
		if err := c.compileStmt(stmt); err != nil {
			return nil, err
		}
	}
	c.emit(Inst(OpHalt))
	if uint64(len(c.chunk.Code)) > maxCodeLen {
		return nil, compileErrf(CompileInvalidJumpTarget, 0,
			"program too large (max %d instructions)", maxCodeLen)
	}
	c.chunk.Debug = &DebugInfo{
		SourceFile: c.sourceFile,
		Lines:      c.lines,
		VarNames:   c.scopes[0].names,
	}
	return c.chunk, nil
}

// Compile is the convenience form of NewCompiler().Compile(prog).
func Compile(prog ast.Program) (*Chunk, error) {
	return NewCompiler().Compile(prog)
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

func (c *Compiler) emit(inst Instruction) int {
	c.chunk.Code = append(c.chunk.Code, inst)
	c.lines = append(c.lines, uint32(c.line))
	return len(c.chunk.Code) - 1
}

// emitJump emits a branch with a placeholder target and returns its index
// for later patching.
func (c *Compiler) emitJump(op Opcode) int {
	return c.emit(InstA(op, 0))
}

// patchJump points the branch at `at` to the next instruction to be
// emitted.
func (c *Compiler) patchJump(at int) {
	c.chunk.Code[at].A = uint32(len(c.chunk.Code))
}

func (c *Compiler) constant(k Constant) (uint32, error) {
	idx, err := c.chunk.AddConstant(k)
	if err != nil {
		if ce, ok := AsCompileError(err); ok && ce.Line == 0 {
			ce.Line = c.line
		}
		return 0, err
	}
	return idx, nil
}

func (c *Compiler) internName(name string) (uint32, error) {
	return c.constant(StringConst(name))
}

func (c *Compiler) currentScope() *scope {
	return c.scopes[len(c.scopes)-1]
}

func (c *Compiler) inFunction() bool {
	return len(c.scopes) > 1
}

func (c *Compiler) enter() error {
	if c.depth >= MaxNestingDepth {
		return compileErrf(CompileNestingTooDeep, c.line,
			"nesting too deep (max %d levels)", MaxNestingDepth)
	}
	c.depth++
	return nil
}

func (c *Compiler) leave() {
	c.depth--
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *Compiler) compileStmt(stmt ast.Stmt) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()

	if line := stmt.Pos(); line > 0 {
		c.line = line
	}

	switch n := stmt.(type) {
	case *ast.Write:
		if err := c.compileExpr(n.Expr); err != nil {
			return err
		}
		c.emit(Inst(OpPrint))
		return nil

	case *ast.AskFor:
		c.emit(Inst(OpInput))
		return c.compileStore(n.VarName)

	case *ast.Set:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		return c.compileStore(n.Name)

	case *ast.SetIndex:
		if err := c.compileExpr(n.Target); err != nil {
			return err
		}
		if err := c.compileExpr(n.Key); err != nil {
			return err
		}
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		c.emit(Inst(OpIndexSet))
		return nil

	case *ast.IfInline:
		return c.compileIfInline(n)

	case *ast.IfBlock:
		return c.compileIfBlock(n)

	case *ast.WhileBlock:
		return c.compileWhile(n)

	case *ast.RepeatBlock:
		return c.compileRepeat(n)

	case *ast.FuncInline:
		return c.compileFunction(n.Name, n.Params, nil, n.Body)

	case *ast.FuncBlock:
		return c.compileFunction(n.Name, n.Params, n.Body, nil)

	case *ast.Use:
		if err := c.compileCall(n.Name, n.Args); err != nil {
			return err
		}
		c.emit(Inst(OpPop))
		return nil

	case *ast.Return:
		if !c.inFunction() {
			return compileErrf(CompileUnsupportedNode, c.line, "return outside a function")
		}
		if n.Value != nil {
			if err := c.compileExpr(n.Value); err != nil {
				return err
			}
		} else {
			c.emit(Inst(OpLoadNull))
		}
		c.emit(Inst(OpReturn))
		return nil

	case *ast.Throw:
		if err := c.compileExpr(n.Value); err != nil {
			return err
		}
		c.emit(Inst(OpThrow))
		return nil

	case *ast.TryCatch:
		return c.compileTryCatch(n)

	case *ast.ImportLocal, *ast.ImportSystem:
		return compileErrf(CompileUnsupportedNode, c.line,
			"imports must be resolved before compilation")

	default:
		return compileErrf(CompileUnsupportedNode, c.line,
			"unsupported statement type: %T", stmt)
	}
}

func (c *Compiler) compileBlock(stmts ast.Program) error {
	for _, s := range stmts {
		if err := c.compileStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileIfInline(n *ast.IfInline) error {
	if err := c.compileExpr(n.Cond); err != nil {
		return err
	}
	toElse := c.emitJump(OpJumpIfFalse)
	if err := c.compileExpr(n.Then); err != nil {
		return err
	}
	c.emit(Inst(OpPrint))
	if n.Otherwise == nil {
		c.patchJump(toElse)
		return nil
	}
	toEnd := c.emitJump(OpJump)
	c.patchJump(toElse)
	if err := c.compileExpr(n.Otherwise); err != nil {
		return err
	}
	c.emit(Inst(OpPrint))
	c.patchJump(toEnd)
	return nil
}

func (c *Compiler) compileIfBlock(n *ast.IfBlock) error {
	if err := c.compileExpr(n.Cond); err != nil {
		return err
	}
	toElse := c.emitJump(OpJumpIfFalse)
	if err := c.compileBlock(n.Then); err != nil {
		return err
	}
	if n.Otherwise == nil {
		c.patchJump(toElse)
		return nil
	}
	toEnd := c.emitJump(OpJump)
	c.patchJump(toElse)
	if err := c.compileBlock(n.Otherwise); err != nil {
		return err
	}
	c.patchJump(toEnd)
	return nil
}

func (c *Compiler) compileWhile(n *ast.WhileBlock) error {
	start := len(c.chunk.Code)
	if err := c.compileExpr(n.Cond); err != nil {
		return err
	}
	toEnd := c.emitJump(OpJumpIfFalse)
	if err := c.compileBlock(n.Body); err != nil {
		return err
	}
	c.emit(InstA(OpJump, uint32(start)))
	c.patchJump(toEnd)
	return nil
}

// compileRepeat lowers "Repeat N times" onto a hidden counter slot:
//
//	<count>  StoreLocal t
//	start:   LoadLocal t, LoadConst 0, Greater, JumpIfFalse end
//	         <body>
//	         LoadLocal t, LoadConst 1, Subtract, StoreLocal t, Jump start
//	end:
func (c *Compiler) compileRepeat(n *ast.RepeatBlock) error {
	if err := c.compileExpr(n.Count); err != nil {
		return err
	}
	tmp, err := c.defineLocal(fmt.Sprintf("$repeat%d", len(c.currentScope().names)))
	if err != nil {
		return err
	}
	c.emit(InstA(OpStoreLocal, tmp))

	zero, err := c.constant(NumberConst(0))
	if err != nil {
		return err
	}
	one, err := c.constant(NumberConst(1))
	if err != nil {
		return err
	}

	start := len(c.chunk.Code)
	c.emit(InstA(OpLoadLocal, tmp))
	c.emit(InstA(OpLoadConst, zero))
	c.emit(Inst(OpGreater))
	toEnd := c.emitJump(OpJumpIfFalse)

	if err := c.compileBlock(n.Body); err != nil {
		return err
	}

	c.emit(InstA(OpLoadLocal, tmp))
	c.emit(InstA(OpLoadConst, one))
	c.emit(Inst(OpSubtract))
	c.emit(InstA(OpStoreLocal, tmp))
	c.emit(InstA(OpJump, uint32(start)))
	c.patchJump(toEnd)
	return nil
}

func (c *Compiler) compileTryCatch(n *ast.TryCatch) error {
	handler := c.emitJump(OpPushTryHandler)
	if err := c.compileBlock(n.Body); err != nil {
		return err
	}
	c.emit(Inst(OpPopTryHandler))
	toEnd := c.emitJump(OpJump)

	// Handler entry: the VM has pushed the thrown value.
	c.patchJump(handler)
	if n.ErrName != "" {
		if err := c.compileStore(n.ErrName); err != nil {
			return err
		}
	} else {
		c.emit(Inst(OpPop))
	}
	if err := c.compileBlock(n.Catch); err != nil {
		return err
	}
	c.patchJump(toEnd)
	return nil
}

// compileFunction flattens the body into the shared code array behind a
// jump, then materializes the function value and stores it under its
// name. Exactly one of bodyStmts and bodyExpr is set. The name registers
// before the body compiles so the body can call itself.
func (c *Compiler) compileFunction(name string, params []ast.Param, bodyStmts ast.Program, bodyExpr ast.Expr) error {
	if len(params) > MaxCallArgs {
		return compileErrf(CompileArityMismatch, c.line,
			"function '%s' has too many parameters (max %d)", name, MaxCallArgs)
	}
	for _, p := range params {
		if p.Default != nil {
			return compileErrf(CompileUnsupportedNode, c.line,
				"default parameter values are not supported in compiled programs")
		}
	}

	arity := len(params)
	c.funcs[name] = arity
	c.globals[name] = true

	over := c.emitJump(OpJump)
	entry := len(c.chunk.Code)

	fnScope := newScope()
	for _, p := range params {
		if _, ok := fnScope.define(p.Name); !ok {
			return compileErrf(CompileTooManyLocals, c.line,
				"too many local variables in function '%s' (max %d)", name, MaxLocalSlots)
		}
	}
	c.scopes = append(c.scopes, fnScope)

	if bodyExpr != nil {
		if err := c.compileExpr(bodyExpr); err != nil {
			return err
		}
		c.emit(Inst(OpReturn))
	} else {
		if err := c.compileBlock(bodyStmts); err != nil {
			return err
		}
		if !endsWithReturn(bodyStmts) {
			c.emit(Inst(OpLoadNull))
			c.emit(Inst(OpReturn))
		}
	}
	c.scopes = c.scopes[:len(c.scopes)-1]

	c.patchJump(over)
	nameIdx, err := c.internName(name)
	if err != nil {
		return err
	}
	c.emit(InstA(OpLoadConst, nameIdx))
	c.emit(InstAB(OpMakeFunction, uint32(entry), uint32(arity)))
	c.emit(InstA(OpStoreGlobal, nameIdx))
	return nil
}

func endsWithReturn(stmts ast.Program) bool {
	if len(stmts) == 0 {
		return false
	}
	_, ok := stmts[len(stmts)-1].(*ast.Return)
	return ok
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (c *Compiler) compileExpr(expr ast.Expr) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()

	if line := expr.Pos(); line > 0 {
		c.line = line
	}

	switch n := expr.(type) {
	case *ast.Num:
		idx, err := c.constant(NumberConst(n.Value))
		if err != nil {
			return err
		}
		c.emit(InstA(OpLoadConst, idx))
		return nil

	case *ast.Str:
		idx, err := c.constant(StringConst(n.Value))
		if err != nil {
			return err
		}
		c.emit(InstA(OpLoadConst, idx))
		return nil

	case *ast.Bool:
		if n.Value {
			c.emit(Inst(OpLoadTrue))
		} else {
			c.emit(Inst(OpLoadFalse))
		}
		return nil

	case *ast.Null:
		c.emit(Inst(OpLoadNull))
		return nil

	case *ast.Ident:
		return c.compileIdent(n.Name)

	case *ast.Plus:
		return c.compileBinary(n.L, n.R, OpAdd)
	case *ast.Minus:
		return c.compileBinary(n.L, n.R, OpSubtract)
	case *ast.Times:
		return c.compileBinary(n.L, n.R, OpMultiply)
	case *ast.DividedBy:
		return c.compileBinary(n.L, n.R, OpDivide)

	case *ast.Negate:
		if err := c.compileExpr(n.Expr); err != nil {
			return err
		}
		c.emit(Inst(OpNegate))
		return nil

	case *ast.Not:
		if err := c.compileExpr(n.Expr); err != nil {
			return err
		}
		c.emit(Inst(OpNot))
		return nil

	case *ast.And:
		return c.compileBinary(n.L, n.R, OpAnd)
	case *ast.Or:
		return c.compileBinary(n.L, n.R, OpOr)

	case *ast.Cmp:
		op, err := cmpOpcode(n.Op)
		if err != nil {
			return err
		}
		return c.compileBinary(n.L, n.R, op)

	case *ast.Call:
		return c.compileCall(n.Name, n.Args)

	case *ast.ListLit:
		for _, el := range n.Elements {
			if err := c.compileExpr(el); err != nil {
				return err
			}
		}
		c.emit(InstA(OpMakeList, uint32(len(n.Elements))))
		return nil

	case *ast.DictLit:
		for _, entry := range n.Entries {
			idx, err := c.constant(StringConst(entry.Key))
			if err != nil {
				return err
			}
			c.emit(InstA(OpLoadConst, idx))
			if err := c.compileExpr(entry.Value); err != nil {
				return err
			}
		}
		c.emit(InstA(OpMakeDict, uint32(len(n.Entries))))
		return nil

	case *ast.Index:
		if err := c.compileExpr(n.Target); err != nil {
			return err
		}
		if err := c.compileExpr(n.Key); err != nil {
			return err
		}
		c.emit(Inst(OpIndexGet))
		return nil

	default:
		return compileErrf(CompileUnsupportedNode, c.line,
			"unsupported expression type: %T", expr)
	}
}

func (c *Compiler) compileBinary(l, r ast.Expr, op Opcode) error {
	if err := c.compileExpr(l); err != nil {
		return err
	}
	if err := c.compileExpr(r); err != nil {
		return err
	}
	c.emit(Inst(op))
	return nil
}

func cmpOpcode(op ast.CmpOp) (Opcode, error) {
	switch op {
	case ast.Lt:
		return OpLess, nil
	case ast.Le:
		return OpLessEqual, nil
	case ast.Gt:
		return OpGreater, nil
	case ast.Ge:
		return OpGreaterEqual, nil
	case ast.Eq:
		return OpEqual, nil
	case ast.Ne:
		return OpNotEqual, nil
	}
	return 0, compileErrf(CompileUnsupportedNode, 0, "unsupported comparison operator: %d", int(op))
}

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

// compileIdent resolves a variable read. Inside a function, names resolve
// to the function's own slots first and otherwise fall through to a
// late-bound global read, which lets bodies reference functions defined
// later. At top level an unknown name is a compile error.
func (c *Compiler) compileIdent(name string) error {
	if slot, ok := c.currentScope().resolve(name); ok {
		c.emit(InstA(OpLoadLocal, slot))
		return nil
	}
	if c.inFunction() || c.globals[name] {
		idx, err := c.internName(name)
		if err != nil {
			return err
		}
		c.emit(InstA(OpLoadGlobal, idx))
		return nil
	}
	return compileErrf(CompileUndefinedVariable, c.line, "Undefined variable '%s'", name)
}

// compileStore resolves a variable write: local slots inside functions,
// globals at top level. First write defines the variable.
func (c *Compiler) compileStore(name string) error {
	if c.inFunction() {
		slot, ok := c.currentScope().resolve(name)
		if !ok {
			var err error
			slot, err = c.defineLocal(name)
			if err != nil {
				return err
			}
		}
		c.emit(InstA(OpStoreLocal, slot))
		return nil
	}
	idx, err := c.internName(name)
	if err != nil {
		return err
	}
	c.emit(InstA(OpStoreGlobal, idx))
	c.globals[name] = true
	return nil
}

func (c *Compiler) defineLocal(name string) (uint32, error) {
	slot, ok := c.currentScope().define(name)
	if !ok {
		return 0, compileErrf(CompileTooManyLocals, c.line,
			"too many local variables (max %d)", MaxLocalSlots)
	}
	return slot, nil
}

// compileCall pushes the callee then its arguments and emits Call. Arity
// is checked at compile time when the callee is a function defined in
// this program; calls through locals or late-bound globals are checked by
// the VM instead.
func (c *Compiler) compileCall(name string, args []ast.Expr) error {
	if len(args) > MaxCallArgs {
		return compileErrf(CompileArityMismatch, c.line,
			"call to '%s' has too many arguments (max %d)", name, MaxCallArgs)
	}

	if slot, ok := c.currentScope().resolve(name); ok {
		c.emit(InstA(OpLoadLocal, slot))
	} else {
		if arity, known := c.funcs[name]; known && len(args) != arity {
			return compileErrf(CompileArityMismatch, c.line,
				"Function '%s' expects %d arguments, got %d", name, arity, len(args))
		}
		if !c.inFunction() && !c.globals[name] {
			return compileErrf(CompileUndefinedVariable, c.line,
				"Undefined function '%s'", name)
		}
		idx, err := c.internName(name)
		if err != nil {
			return err
		}
		c.emit(InstA(OpLoadGlobal, idx))
	}

	for _, arg := range args {
		if err := c.compileExpr(arg); err != nil {
			return err
		}
	}
	c.emit(InstA(OpCall, uint32(len(args))))
	return nil
}
