package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Optimizer: chunk-to-chunk rewrites
// ---------------------------------------------------------------------------

// Options selects which optimizer passes run. Passes always run in the
// fixed order folding, fusion, peephole, dead-code; disabling one skips it
// without disturbing the others.
type Options struct {
	ConstantFolding   bool
	InstructionFusion bool
	Peephole          bool
	DeadCode          bool
}

// DefaultOptions enables every pass.
func DefaultOptions() Options {
	return Options{
		ConstantFolding:   true,
		InstructionFusion: true,
		Peephole:          true,
		DeadCode:          true,
	}
}

// OptimizeStats counts what each pass did during one Optimize call.
type OptimizeStats struct {
	ConstantsFolded   int
	InstructionsFused int
	PeepholeRewrites  int
	DeadCodeRemoved   int
}

// Optimizer rewrites chunks. The input chunk is never modified; Optimize
// returns a new chunk whose observable behavior is identical.
type Optimizer struct {
	opts  Options
	stats OptimizeStats
}

// NewOptimizer returns an optimizer running the selected passes.
func NewOptimizer(opts Options) *Optimizer {
	return &Optimizer{opts: opts}
}

// Stats returns the counters from the most recent Optimize call.
func (o *Optimizer) Stats() OptimizeStats {
	return o.stats
}

// Optimize runs the enabled passes over a copy of the chunk and returns
// it. Each pass repeats until it finds nothing more to rewrite, so
// optimizing an already-optimized chunk returns an identical one. The
// result is re-validated; a validation failure indicates an optimizer bug
// and is returned rather than executed.
func (o *Optimizer) Optimize(c *Chunk) (*Chunk, error) {
	o.stats = OptimizeStats{}
	out := c.Clone()

	if o.opts.ConstantFolding {
		for o.foldConstants(out) {
		}
	}
	if o.opts.InstructionFusion {
		for o.fuseConstOperands(out) {
		}
	}
	if o.opts.Peephole {
		for o.peephole(out) {
		}
	}
	if o.opts.DeadCode {
		o.eliminateDeadCode(out)
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("optimizer produced invalid chunk: %w", err)
	}
	return out, nil
}

// Optimize runs all passes with default options.
func Optimize(c *Chunk) (*Chunk, error) {
	return NewOptimizer(DefaultOptions()).Optimize(c)
}

// ---------------------------------------------------------------------------
// Rewrite plumbing
// ---------------------------------------------------------------------------

// jumpTargets marks every instruction index some branch or function entry
// points at. Rewrites must not merge an instruction that control can land
// on into a preceding window. Index len(code) is a valid landing point.
func jumpTargets(c *Chunk) []bool {
	targets := make([]bool, len(c.Code)+1)
	for _, inst := range c.Code {
		if inst.Op.IsJump() {
			if int(inst.A) < len(targets) {
				targets[inst.A] = true
			}
		}
	}
	return targets
}

// rewriter rebuilds a code array while tracking where each old
// instruction went, then repoints branch operands and the debug line
// table through that mapping.
type rewriter struct {
	src      *Chunk
	code     []Instruction
	lines    []uint32
	newIdx   []int
	pos      int
	hasLines bool
	changed  bool
}

func newRewriter(c *Chunk) *rewriter {
	r := &rewriter{
		src:    c,
		code:   make([]Instruction, 0, len(c.Code)),
		newIdx: make([]int, len(c.Code)+1),
	}
	if c.Debug != nil && c.Debug.Lines != nil {
		r.hasLines = true
		r.lines = make([]uint32, 0, len(c.Debug.Lines))
	}
	return r
}

// keep copies the next source instruction unchanged.
func (r *rewriter) keep() {
	r.newIdx[r.pos] = len(r.code)
	r.code = append(r.code, r.src.Code[r.pos])
	if r.hasLines {
		r.lines = append(r.lines, r.src.Debug.Lines[r.pos])
	}
	r.pos++
}

// replace consumes span source instructions and appends insts in their
// place. The replacement inherits the first consumed instruction's line.
func (r *rewriter) replace(span int, insts ...Instruction) {
	at := len(r.code)
	line := uint32(0)
	if r.hasLines {
		line = r.src.Debug.Lines[r.pos]
	}
	for i := 0; i < span; i++ {
		r.newIdx[r.pos] = at
		r.pos++
	}
	for _, inst := range insts {
		r.code = append(r.code, inst)
		if r.hasLines {
			r.lines = append(r.lines, line)
		}
	}
	r.changed = true
}

// drop consumes span source instructions with no replacement.
func (r *rewriter) drop(span int) {
	r.replace(span)
}

// commit repoints branches and writes the rebuilt code back.
func (r *rewriter) commit() bool {
	if !r.changed {
		return false
	}
	r.newIdx[len(r.src.Code)] = len(r.code)
	for i := range r.code {
		if r.code[i].Op.IsJump() {
			r.code[i].A = uint32(r.newIdx[r.code[i].A])
		}
	}
	r.src.Code = r.code
	if r.hasLines {
		r.src.Debug.Lines = r.lines
	}
	return true
}

// ---------------------------------------------------------------------------
// Pass 1: constant folding
// ---------------------------------------------------------------------------

// foldConstants collapses arithmetic over constant operands:
// [LoadConst a, LoadConst b, op] becomes a single load of the result, and
// [LoadConst a, Negate] becomes a load of the negation. Windows that a
// branch can land inside are left alone, as is any division by a constant
// zero, which must still fault at run time.
func (o *Optimizer) foldConstants(c *Chunk) bool {
	targets := jumpTargets(c)
	r := newRewriter(c)
	code := c.Code
	for r.pos < len(code) {
		i := r.pos
		if i+2 < len(code) &&
			code[i].Op == OpLoadConst && code[i+1].Op == OpLoadConst &&
			!targets[i+1] && !targets[i+2] {
			a, aok := c.Constant(code[i].A)
			b, bok := c.Constant(code[i+1].A)
			if aok && bok {
				if folded, ok := foldBinary(code[i+2].Op, a, b); ok {
					idx, err := c.AddConstant(folded)
					if err == nil {
						r.replace(3, InstA(OpLoadConst, idx))
						o.stats.ConstantsFolded++
						continue
					}
				}
			}
		}
		if i+1 < len(code) &&
			code[i].Op == OpLoadConst && code[i+1].Op == OpNegate &&
			!targets[i+1] {
			if a, ok := c.Constant(code[i].A); ok && a.Kind == ConstNumber {
				idx, err := c.AddConstant(NumberConst(-a.Num))
				if err == nil {
					r.replace(2, InstA(OpLoadConst, idx))
					o.stats.ConstantsFolded++
					continue
				}
			}
		}
		r.keep()
	}
	return r.commit()
}

// foldBinary evaluates op over two constants when that is safe.
func foldBinary(op Opcode, a, b Constant) (Constant, bool) {
	if op == OpAdd && a.Kind == ConstString && b.Kind == ConstString {
		return StringConst(a.Str + b.Str), true
	}
	if a.Kind != ConstNumber || b.Kind != ConstNumber {
		return Constant{}, false
	}
	switch op {
	case OpAdd:
		return NumberConst(a.Num + b.Num), true
	case OpSubtract:
		return NumberConst(a.Num - b.Num), true
	case OpMultiply:
		return NumberConst(a.Num * b.Num), true
	case OpDivide:
		if b.Num == 0 {
			return Constant{}, false
		}
		return NumberConst(a.Num / b.Num), true
	}
	return Constant{}, false
}

// ---------------------------------------------------------------------------
// Pass 2: instruction fusion
// ---------------------------------------------------------------------------

// fuseConstOperands rewrites [LoadConst k, arith] into the fused form
// carrying k as an operand, saving a push/pop per operation. The arith
// instruction must not be a branch target: a branch landing there expects
// both operands on the stack.
func (o *Optimizer) fuseConstOperands(c *Chunk) bool {
	targets := jumpTargets(c)
	r := newRewriter(c)
	code := c.Code
	for r.pos < len(code) {
		i := r.pos
		if i+1 < len(code) && code[i].Op == OpLoadConst && !targets[i+1] {
			if fused, ok := fusedForm(code[i+1].Op); ok {
				r.replace(2, InstA(fused, code[i].A))
				o.stats.InstructionsFused++
				continue
			}
		}
		r.keep()
	}
	return r.commit()
}

func fusedForm(op Opcode) (Opcode, bool) {
	switch op {
	case OpAdd:
		return OpAddConst, true
	case OpSubtract:
		return OpSubtractConst, true
	case OpMultiply:
		return OpMultiplyConst, true
	case OpDivide:
		return OpDivideConst, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Pass 3: peephole
// ---------------------------------------------------------------------------

// peephole applies local two-instruction rewrites: branches on known
// booleans become unconditional or disappear, Not flips the branch sense
// of a following conditional jump, pure loads feeding Pop cancel out, and
// a jump to the next instruction disappears.
func (o *Optimizer) peephole(c *Chunk) bool {
	targets := jumpTargets(c)
	r := newRewriter(c)
	code := c.Code
	for r.pos < len(code) {
		i := r.pos
		if i+1 < len(code) && !targets[i+1] {
			a, b := code[i], code[i+1]
			switch {
			case a.Op == OpLoadTrue && b.Op == OpJumpIfFalse,
				a.Op == OpLoadFalse && b.Op == OpJumpIfTrue:
				r.drop(2)
				o.stats.PeepholeRewrites++
				continue
			case a.Op == OpLoadTrue && b.Op == OpJumpIfTrue,
				a.Op == OpLoadFalse && b.Op == OpJumpIfFalse:
				r.replace(2, InstA(OpJump, b.A))
				o.stats.PeepholeRewrites++
				continue
			case a.Op == OpNot && b.Op == OpJumpIfFalse:
				r.replace(2, InstA(OpJumpIfTrue, b.A))
				o.stats.PeepholeRewrites++
				continue
			case a.Op == OpNot && b.Op == OpJumpIfTrue:
				r.replace(2, InstA(OpJumpIfFalse, b.A))
				o.stats.PeepholeRewrites++
				continue
			case b.Op == OpPop && pureLoad(a.Op):
				r.drop(2)
				o.stats.PeepholeRewrites++
				continue
			}
		}
		if code[i].Op == OpJump && int(code[i].A) == i+1 {
			r.drop(1)
			o.stats.PeepholeRewrites++
			continue
		}
		r.keep()
	}
	return r.commit()
}

// pureLoad reports whether the opcode pushes exactly one value and can
// never fault in a validated chunk, so load-then-pop is a no-op. Dup and
// LoadGlobal stay out: Dup can underflow and LoadGlobal can fault on an
// undefined name, and those faults must survive optimization.
func pureLoad(op Opcode) bool {
	switch op {
	case OpLoadConst, OpLoadTrue, OpLoadFalse, OpLoadNull, OpLoadLocal:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Pass 4: dead-code elimination
// ---------------------------------------------------------------------------

// eliminateDeadCode removes instructions unreachable from index 0.
// Reachability follows fallthrough except after an unconditional exit,
// and follows every branch target including function entries and handler
// addresses. One sweep reaches a fixed point: removing unreachable code
// cannot make reachable code unreachable.
func (o *Optimizer) eliminateDeadCode(c *Chunk) bool {
	n := len(c.Code)
	if n == 0 {
		return false
	}
	reachable := make([]bool, n)
	work := []int{0}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		if i < 0 || i >= n || reachable[i] {
			continue
		}
		reachable[i] = true
		inst := c.Code[i]
		if inst.Op.IsJump() {
			work = append(work, int(inst.A))
		}
		if !inst.Op.EndsFlow() {
			work = append(work, i+1)
		}
	}

	r := newRewriter(c)
	for r.pos < n {
		if reachable[r.pos] {
			r.keep()
		} else {
			r.drop(1)
			o.stats.DeadCodeRemoved++
		}
	}
	return r.commit()
}
