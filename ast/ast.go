// Package ast defines the tree of statement and expression nodes the
// bytecode compiler consumes. The nodes mirror the phrasal surface of the
// language ("Set x to 5", "Write total", "Repeat 3 times") but carry no
// surface syntax themselves; a parser in the host toolchain produces them.
package ast

// Node is the interface implemented by all AST nodes.
type Node interface {
	Pos() int // 1-based source line, 0 when synthesized
	node()    // marker method
}

// Program is an ordered list of top-level statements.
type Program []Stmt

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// Expr is the interface for expression nodes.
type Expr interface {
	Node
	expr() // marker method
}

// Num represents a number literal.
type Num struct {
	Line  int
	Value float64
}

// Str represents a string literal.
type Str struct {
	Line  int
	Value string
}

// Bool represents a boolean literal.
type Bool struct {
	Line  int
	Value bool
}

// Null represents the null literal ("nothing").
type Null struct {
	Line int
}

// Ident represents a variable reference.
type Ident struct {
	Line int
	Name string
}

// Plus represents addition ("a plus b"). Strings concatenate.
type Plus struct {
	Line int
	L, R Expr
}

// Minus represents subtraction.
type Minus struct {
	Line int
	L, R Expr
}

// Times represents multiplication.
type Times struct {
	Line int
	L, R Expr
}

// DividedBy represents division.
type DividedBy struct {
	Line int
	L, R Expr
}

// Negate represents arithmetic negation ("minus x").
type Negate struct {
	Line int
	Expr Expr
}

// And represents logical conjunction. Both operands are evaluated.
type And struct {
	Line int
	L, R Expr
}

// Or represents logical disjunction. Both operands are evaluated.
type Or struct {
	Line int
	L, R Expr
}

// Not represents logical negation.
type Not struct {
	Line int
	Expr Expr
}

// CmpOp identifies a comparison operator.
type CmpOp int

const (
	Lt CmpOp = iota // "is less than"
	Le              // "is at most"
	Gt              // "is greater than"
	Ge              // "is at least"
	Eq              // "is equal to"
	Ne              // "is not equal to"
)

// Cmp represents a comparison between two expressions.
type Cmp struct {
	Line int
	Op   CmpOp
	L, R Expr
}

// Call represents a function call expression ("greet with "Alice"").
type Call struct {
	Line int
	Name string
	Args []Expr
}

// ListLit represents a list literal ("Make a list of 1, 2, and 3").
type ListLit struct {
	Line     int
	Elements []Expr
}

// DictEntry is one key/value pair of a dictionary literal.
type DictEntry struct {
	Key   string
	Value Expr
}

// DictLit represents a dictionary literal. Entry order is preserved.
type DictLit struct {
	Line    int
	Entries []DictEntry
}

// Index represents collection indexing (list position or dictionary key).
type Index struct {
	Line   int
	Target Expr
	Key    Expr
}

// ---------------------------------------------------------------------------
// Statement nodes
// ---------------------------------------------------------------------------

// Stmt is the interface for statement nodes.
type Stmt interface {
	Node
	stmt() // marker method
}

// Write prints the value of an expression followed by a newline.
type Write struct {
	Line int
	Expr Expr
}

// AskFor reads one line of input into a variable.
type AskFor struct {
	Line    int
	VarName string
}

// Set assigns a value to a variable, defining it on first use.
type Set struct {
	Line  int
	Name  string
	Value Expr
}

// SetIndex assigns a value into a list position or dictionary key.
type SetIndex struct {
	Line   int
	Target Expr
	Key    Expr
	Value  Expr
}

// IfInline is the single-line conditional: write one of two expressions.
type IfInline struct {
	Line      int
	Cond      Expr
	Then      Expr
	Otherwise Expr // nil when there is no "otherwise" arm
}

// IfBlock is the block conditional.
type IfBlock struct {
	Line      int
	Cond      Expr
	Then      Program
	Otherwise Program // nil when there is no "otherwise" arm
}

// WhileBlock repeats its body while the condition holds.
type WhileBlock struct {
	Line int
	Cond Expr
	Body Program
}

// RepeatBlock repeats its body a fixed number of times.
type RepeatBlock struct {
	Line  int
	Count Expr
	Body  Program
}

// Param is one function parameter. Default is non-nil when the surface
// syntax supplied one; the bytecode compiler rejects defaults.
type Param struct {
	Name    string
	Default Expr
}

// FuncInline defines a function whose body is a single expression.
type FuncInline struct {
	Line   int
	Name   string
	Params []Param
	Body   Expr
}

// FuncBlock defines a function with a statement body.
type FuncBlock struct {
	Line   int
	Name   string
	Params []Param
	Body   Program
}

// Use calls a function as a statement; the result is discarded.
type Use struct {
	Line int
	Name string
	Args []Expr
}

// Return exits the enclosing function. Value is nil for a bare return.
type Return struct {
	Line  int
	Value Expr
}

// Throw raises a value as an in-language error.
type Throw struct {
	Line  int
	Value Expr
}

// TryCatch protects Body; a value thrown inside it transfers control to
// Catch with the value bound to ErrName (discarded when ErrName is empty).
type TryCatch struct {
	Line    int
	Body    Program
	ErrName string
	Catch   Program
}

// ImportLocal brings another source file into scope. Not compilable.
type ImportLocal struct {
	Line int
	Path string
}

// ImportSystem brings a standard-library module into scope. Not compilable.
type ImportSystem struct {
	Line     int
	Name     string
	Alias    string
	Exposing []string
}

// ---------------------------------------------------------------------------
// Interface plumbing
// ---------------------------------------------------------------------------

func (n *Num) Pos() int       { return n.Line }
func (n *Str) Pos() int       { return n.Line }
func (n *Bool) Pos() int      { return n.Line }
func (n *Null) Pos() int      { return n.Line }
func (n *Ident) Pos() int     { return n.Line }
func (n *Plus) Pos() int      { return n.Line }
func (n *Minus) Pos() int     { return n.Line }
func (n *Times) Pos() int     { return n.Line }
func (n *DividedBy) Pos() int { return n.Line }
func (n *Negate) Pos() int    { return n.Line }
func (n *And) Pos() int       { return n.Line }
func (n *Or) Pos() int        { return n.Line }
func (n *Not) Pos() int       { return n.Line }
func (n *Cmp) Pos() int       { return n.Line }
func (n *Call) Pos() int      { return n.Line }
func (n *ListLit) Pos() int   { return n.Line }
func (n *DictLit) Pos() int   { return n.Line }
func (n *Index) Pos() int     { return n.Line }

func (n *Num) node()       {}
func (n *Str) node()       {}
func (n *Bool) node()      {}
func (n *Null) node()      {}
func (n *Ident) node()     {}
func (n *Plus) node()      {}
func (n *Minus) node()     {}
func (n *Times) node()     {}
func (n *DividedBy) node() {}
func (n *Negate) node()    {}
func (n *And) node()       {}
func (n *Or) node()        {}
func (n *Not) node()       {}
func (n *Cmp) node()       {}
func (n *Call) node()      {}
func (n *ListLit) node()   {}
func (n *DictLit) node()   {}
func (n *Index) node()     {}

func (n *Num) expr()       {}
func (n *Str) expr()       {}
func (n *Bool) expr()      {}
func (n *Null) expr()      {}
func (n *Ident) expr()     {}
func (n *Plus) expr()      {}
func (n *Minus) expr()     {}
func (n *Times) expr()     {}
func (n *DividedBy) expr() {}
func (n *Negate) expr()    {}
func (n *And) expr()       {}
func (n *Or) expr()        {}
func (n *Not) expr()       {}
func (n *Cmp) expr()       {}
func (n *Call) expr()      {}
func (n *ListLit) expr()   {}
func (n *DictLit) expr()   {}
func (n *Index) expr()     {}

func (n *Write) Pos() int        { return n.Line }
func (n *AskFor) Pos() int       { return n.Line }
func (n *Set) Pos() int          { return n.Line }
func (n *SetIndex) Pos() int     { return n.Line }
func (n *IfInline) Pos() int     { return n.Line }
func (n *IfBlock) Pos() int      { return n.Line }
func (n *WhileBlock) Pos() int   { return n.Line }
func (n *RepeatBlock) Pos() int  { return n.Line }
func (n *FuncInline) Pos() int   { return n.Line }
func (n *FuncBlock) Pos() int    { return n.Line }
func (n *Use) Pos() int          { return n.Line }
func (n *Return) Pos() int       { return n.Line }
func (n *Throw) Pos() int        { return n.Line }
func (n *TryCatch) Pos() int     { return n.Line }
func (n *ImportLocal) Pos() int  { return n.Line }
func (n *ImportSystem) Pos() int { return n.Line }

func (n *Write) node()        {}
func (n *AskFor) node()       {}
func (n *Set) node()          {}
func (n *SetIndex) node()     {}
func (n *IfInline) node()     {}
func (n *IfBlock) node()      {}
func (n *WhileBlock) node()   {}
func (n *RepeatBlock) node()  {}
func (n *FuncInline) node()   {}
func (n *FuncBlock) node()    {}
func (n *Use) node()          {}
func (n *Return) node()       {}
func (n *Throw) node()        {}
func (n *TryCatch) node()     {}
func (n *ImportLocal) node()  {}
func (n *ImportSystem) node() {}

func (n *Write) stmt()        {}
func (n *AskFor) stmt()       {}
func (n *Set) stmt()          {}
func (n *SetIndex) stmt()     {}
func (n *IfInline) stmt()     {}
func (n *IfBlock) stmt()      {}
func (n *WhileBlock) stmt()   {}
func (n *RepeatBlock) stmt()  {}
func (n *FuncInline) stmt()   {}
func (n *FuncBlock) stmt()    {}
func (n *Use) stmt()          {}
func (n *Return) stmt()       {}
func (n *Throw) stmt()        {}
func (n *TryCatch) stmt()     {}
func (n *ImportLocal) stmt()  {}
func (n *ImportSystem) stmt() {}

// String returns the phrasal name of a comparison operator.
func (op CmpOp) String() string {
	switch op {
	case Lt:
		return "is less than"
	case Le:
		return "is at most"
	case Gt:
		return "is greater than"
	case Ge:
		return "is at least"
	case Eq:
		return "is equal to"
	case Ne:
		return "is not equal to"
	}
	return "unknown comparison"
}
