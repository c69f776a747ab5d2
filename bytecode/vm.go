package bytecode

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"
)

// MaxStackDepth caps the shared operand stack.
const MaxStackDepth = 1024

// MaxFrames caps call depth, including the top-level frame.
const MaxFrames = 64

// frame is one active call: where to resume in the caller, the operand
// stack height at entry, and the local slots.
type frame struct {
	returnIP  int
	stackBase int
	locals    []Value
}

// handler is one active try region. frameDepth and stackDepth snapshot
// the machine at PushTryHandler so a throw can unwind to that point.
type handler struct {
	catchIP    int
	frameDepth int
	stackDepth int
}

// VM executes chunks. A VM owns its stacks and globals exclusively; to run
// two programs concurrently use two VMs, sharing the chunk read-only.
// Run resets all machine state, so one VM may execute chunks sequentially.
type VM struct {
	chunk    *Chunk
	ip       int
	stack    []Value
	frames   []frame
	handlers []handler

	// Globals live in dense slots; names resolve through the name table
	// and a per-chunk cache keyed by string constant index.
	globals     []Value
	globalNames map[string]int
	globalCache []int32

	out     io.Writer
	in      io.Reader
	reader  *bufio.Reader
	capture *strings.Builder

	stats VMStats

	// Trace logs every instruction before it executes, at debug level.
	Trace bool
}

// NewVM returns a VM reading standard input and writing standard output.
func NewVM() *VM {
	return &VM{out: os.Stdout, in: os.Stdin}
}

// SetOutput redirects Print output.
func (vm *VM) SetOutput(w io.Writer) {
	vm.out = w
	vm.capture = nil
}

// SetInput redirects Input reads.
func (vm *VM) SetInput(r io.Reader) {
	vm.in = r
	vm.reader = nil
}

// CaptureOutput buffers Print output in memory instead of writing it out;
// Output returns everything printed since the last capture began.
func (vm *VM) CaptureOutput() {
	vm.capture = &strings.Builder{}
	vm.out = vm.capture
}

// Output returns the captured output. Empty when capture is off.
func (vm *VM) Output() string {
	if vm.capture == nil {
		return ""
	}
	return vm.capture.String()
}

// Stats returns the counters collected by the most recent Run.
func (vm *VM) Stats() VMStats {
	return vm.stats
}

// GlobalValue looks up a global by name after a Run.
func (vm *VM) GlobalValue(name string) (Value, bool) {
	slot, ok := vm.globalNames[name]
	if !ok {
		return Value{}, false
	}
	return vm.globals[slot], true
}

// ---------------------------------------------------------------------------
// Machine primitives
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) *RuntimeError {
	if len(vm.stack) >= MaxStackDepth {
		return runtimeErrf(RuntimeStackOverflow, "Stack overflow (max %d values)", MaxStackDepth)
	}
	vm.stack = append(vm.stack, v)
	if d := len(vm.stack); d > vm.stats.MaxStackDepth {
		vm.stats.MaxStackDepth = d
	}
	return nil
}

func (vm *VM) pop() (Value, *RuntimeError) {
	if len(vm.stack) == 0 {
		return Value{}, runtimeErrf(RuntimeStackUnderflow, "Stack underflow")
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, nil
}

func (vm *VM) peek() (Value, *RuntimeError) {
	if len(vm.stack) == 0 {
		return Value{}, runtimeErrf(RuntimeStackUnderflow, "Stack underflow")
	}
	return vm.stack[len(vm.stack)-1], nil
}

func (vm *VM) constant(idx uint32) (Constant, *RuntimeError) {
	k, ok := vm.chunk.Constant(idx)
	if !ok {
		return Constant{}, runtimeErrf(RuntimeInvalidConstantIndex, "Invalid constant index: %d", idx)
	}
	return k, nil
}

func (vm *VM) currentFrame() *frame {
	return &vm.frames[len(vm.frames)-1]
}

// constantName reads the string constant an instruction names a global
// with.
func (vm *VM) constantName(idx uint32) (string, *RuntimeError) {
	k, err := vm.constant(idx)
	if err != nil {
		return "", err
	}
	if k.Kind != ConstString {
		return "", runtimeErrf(RuntimeTypeMismatch, "Global name must be a string constant")
	}
	return k.Str, nil
}

// resolveGlobal maps a string constant index to a dense global slot,
// creating the slot when define is set. The per-index cache makes repeated
// access to the same global a single array read.
func (vm *VM) resolveGlobal(idx uint32, define bool) (int, *RuntimeError) {
	if int(idx) < len(vm.globalCache) {
		if slot := vm.globalCache[idx]; slot >= 0 {
			vm.stats.CacheHits++
			return int(slot), nil
		}
	}
	vm.stats.CacheMisses++
	name, err := vm.constantName(idx)
	if err != nil {
		return 0, err
	}
	slot, ok := vm.globalNames[name]
	if !ok {
		if !define {
			return 0, runtimeErrf(RuntimeUnknownVariable, "Undefined variable '%s'", name)
		}
		slot = len(vm.globals)
		vm.globals = append(vm.globals, Value{})
		vm.globalNames[name] = slot
	}
	if int(idx) < len(vm.globalCache) {
		vm.globalCache[idx] = int32(slot)
	}
	return slot, nil
}

// dispatchThrow transfers control to the innermost try handler, unwinding
// frames and the operand stack to the handler's snapshot and leaving the
// thrown value on top. Reports false when no handler is active.
func (vm *VM) dispatchThrow(v Value) bool {
	if len(vm.handlers) == 0 {
		return false
	}
	h := vm.handlers[len(vm.handlers)-1]
	vm.handlers = vm.handlers[:len(vm.handlers)-1]
	vm.frames = vm.frames[:h.frameDepth]
	vm.stack = vm.stack[:h.stackDepth]
	vm.stack = append(vm.stack, v)
	vm.ip = h.catchIP
	return true
}

func (vm *VM) readLine() (string, bool) {
	if vm.reader == nil {
		vm.reader = bufio.NewReader(vm.in)
	}
	line, err := vm.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	return line, true
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Run executes the chunk from instruction 0 until Halt, the end of the
// code, or an unrecovered fault. Machine state from any previous Run is
// discarded. Faults raised while a try handler is active are rethrown
// in-language as string values; without a handler they return as a
// *RuntimeError annotated with the faulting source line when the chunk
// carries debug info.
func (vm *VM) Run(chunk *Chunk) error {
	vm.chunk = chunk
	vm.ip = 0
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
	vm.handlers = vm.handlers[:0]
	vm.globals = vm.globals[:0]
	vm.globalNames = make(map[string]int)
	vm.globalCache = make([]int32, len(chunk.Constants))
	for i := range vm.globalCache {
		vm.globalCache[i] = -1
	}
	vm.stats = VMStats{}
	vm.frames = append(vm.frames, frame{returnIP: -1, locals: make([]Value, MaxLocalSlots)})

	started := time.Now()
	err := vm.loop()
	vm.stats.Duration = time.Since(started)
	if err != nil {
		if err.Line == 0 {
			err.Line = chunk.LineFor(vm.ip - 1)
		}
		return err
	}
	return nil
}

func (vm *VM) loop() *RuntimeError {
	code := vm.chunk.Code
	for vm.ip < len(code) {
		inst := code[vm.ip]
		vm.ip++
		vm.stats.TotalInstructions++
		vm.stats.opCounts[inst.Op]++

		if vm.Trace {
			log.Debugf("[%04d] %-16s sp=%d", vm.ip-1, inst.Op, len(vm.stack))
		}

		fault := vm.step(inst)
		if fault == nil {
			continue
		}
		if fault.Kind == RuntimeUnhandledThrow {
			if vm.dispatchThrow(fault.Value) {
				continue
			}
			return fault
		}
		// Faults become catchable string values when a handler is active.
		if vm.dispatchThrow(Str(fault.Msg)) {
			continue
		}
		return fault
	}
	return nil
}

func (vm *VM) step(inst Instruction) *RuntimeError {
	switch inst.Op {
	case OpLoadConst:
		k, err := vm.constant(inst.A)
		if err != nil {
			return err
		}
		return vm.push(k.Value())

	case OpLoadTrue:
		return vm.push(Bool(true))
	case OpLoadFalse:
		return vm.push(Bool(false))
	case OpLoadNull:
		return vm.push(Null())

	case OpLoadLocal:
		if inst.A >= MaxLocalSlots {
			return runtimeErrf(RuntimeInvalidLocalIndex, "Invalid local variable index: %d", inst.A)
		}
		return vm.push(vm.currentFrame().locals[inst.A])

	case OpStoreLocal:
		if inst.A >= MaxLocalSlots {
			return runtimeErrf(RuntimeInvalidLocalIndex, "Invalid local variable index: %d", inst.A)
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.currentFrame().locals[inst.A] = v
		return nil

	case OpLoadGlobal:
		slot, err := vm.resolveGlobal(inst.A, false)
		if err != nil {
			return err
		}
		return vm.push(vm.globals[slot])

	case OpStoreGlobal:
		slot, err := vm.resolveGlobal(inst.A, true)
		if err != nil {
			return err
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.globals[slot] = v
		return nil

	case OpAdd, OpSubtract, OpMultiply, OpDivide:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		return vm.arith(inst.Op, a, b)

	case OpAddConst, OpSubtractConst, OpMultiplyConst, OpDivideConst:
		k, err := vm.constant(inst.A)
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		return vm.arith(fusedBase(inst.Op), a, k.Value())

	case OpNegate:
		a, err := vm.pop()
		if err != nil {
			return err
		}
		if a.Kind != KindNumber {
			return runtimeErrf(RuntimeTypeMismatch, "Negate requires a number")
		}
		return vm.push(Number(-a.Num))

	case OpEqual, OpNotEqual:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		eq := a.Equal(b)
		if inst.Op == OpNotEqual {
			eq = !eq
		}
		return vm.push(Bool(eq))

	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		return vm.compare(inst.Op, a, b)

	case OpNot:
		a, err := vm.pop()
		if err != nil {
			return err
		}
		return vm.push(Bool(!a.Truthy()))

	case OpAnd, OpOr:
		b, err := vm.pop()
		if err != nil {
			return err
		}
		a, err := vm.pop()
		if err != nil {
			return err
		}
		if inst.Op == OpAnd {
			return vm.push(Bool(a.Truthy() && b.Truthy()))
		}
		return vm.push(Bool(a.Truthy() || b.Truthy()))

	case OpJump:
		vm.ip = int(inst.A)
		return nil

	case OpJumpIfFalse:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		if !v.Truthy() {
			vm.ip = int(inst.A)
		}
		return nil

	case OpJumpIfTrue:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		if v.Truthy() {
			vm.ip = int(inst.A)
		}
		return nil

	case OpMakeFunction:
		name, err := vm.pop()
		if err != nil {
			return err
		}
		if name.Kind != KindString {
			return runtimeErrf(RuntimeTypeMismatch, "MakeFunction requires a string name")
		}
		return vm.push(FuncValue(name.Str, int(inst.A), int(inst.B)))

	case OpCall:
		return vm.call(int(inst.A))

	case OpReturn:
		return vm.ret()

	case OpPop:
		_, err := vm.pop()
		return err

	case OpDup:
		v, err := vm.peek()
		if err != nil {
			return err
		}
		return vm.push(v)

	case OpSwap:
		if len(vm.stack) < 2 {
			return runtimeErrf(RuntimeStackUnderflow, "Stack underflow")
		}
		n := len(vm.stack)
		vm.stack[n-1], vm.stack[n-2] = vm.stack[n-2], vm.stack[n-1]
		return nil

	case OpRotate:
		if len(vm.stack) < 3 {
			return runtimeErrf(RuntimeStackUnderflow, "Stack underflow")
		}
		n := len(vm.stack)
		vm.stack[n-3], vm.stack[n-2], vm.stack[n-1] = vm.stack[n-1], vm.stack[n-3], vm.stack[n-2]
		return nil

	case OpPrint:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		fmt.Fprintln(vm.out, v.String())
		return nil

	case OpInput:
		line, ok := vm.readLine()
		if !ok {
			return vm.push(Null())
		}
		return vm.push(Str(line))

	case OpMakeList:
		n := int(inst.A)
		if n > len(vm.stack) {
			return runtimeErrf(RuntimeStackUnderflow, "Stack underflow")
		}
		elems := make([]Value, n)
		copy(elems, vm.stack[len(vm.stack)-n:])
		vm.stack = vm.stack[:len(vm.stack)-n]
		return vm.push(NewList(elems))

	case OpMakeDict:
		return vm.makeDict(int(inst.A))

	case OpIndexGet:
		key, err := vm.pop()
		if err != nil {
			return err
		}
		target, err := vm.pop()
		if err != nil {
			return err
		}
		v, err2 := indexGet(target, key)
		if err2 != nil {
			return err2
		}
		return vm.push(v)

	case OpIndexSet:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		key, err := vm.pop()
		if err != nil {
			return err
		}
		target, err := vm.pop()
		if err != nil {
			return err
		}
		return indexSet(target, key, v)

	case OpThrow:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		return &RuntimeError{
			Kind:  RuntimeUnhandledThrow,
			Msg:   "Uncaught error: " + v.String(),
			Value: v,
		}

	case OpPushTryHandler:
		vm.handlers = append(vm.handlers, handler{
			catchIP:    int(inst.A),
			frameDepth: len(vm.frames),
			stackDepth: len(vm.stack),
		})
		return nil

	case OpPopTryHandler:
		if len(vm.handlers) == 0 {
			return runtimeErrf(RuntimeStackUnderflow, "Try handler stack underflow")
		}
		vm.handlers = vm.handlers[:len(vm.handlers)-1]
		return nil

	case OpHalt:
		vm.ip = len(vm.chunk.Code)
		return nil

	default:
		return runtimeErrf(RuntimeInvalidInstruction, "Unknown opcode: %d", byte(inst.Op))
	}
}

// ---------------------------------------------------------------------------
// Operator implementations
// ---------------------------------------------------------------------------

func fusedBase(op Opcode) Opcode {
	switch op {
	case OpAddConst:
		return OpAdd
	case OpSubtractConst:
		return OpSubtract
	case OpMultiplyConst:
		return OpMultiply
	default:
		return OpDivide
	}
}

func (vm *VM) arith(op Opcode, a, b Value) *RuntimeError {
	switch op {
	case OpAdd:
		if a.Kind == KindNumber && b.Kind == KindNumber {
			return vm.push(Number(a.Num + b.Num))
		}
		if a.Kind == KindString && b.Kind == KindString {
			return vm.push(Str(a.Str + b.Str))
		}
		return runtimeErrf(RuntimeTypeMismatch, "Add requires numbers or strings")
	case OpSubtract:
		if a.Kind == KindNumber && b.Kind == KindNumber {
			return vm.push(Number(a.Num - b.Num))
		}
		return runtimeErrf(RuntimeTypeMismatch, "Subtract requires numbers")
	case OpMultiply:
		if a.Kind == KindNumber && b.Kind == KindNumber {
			return vm.push(Number(a.Num * b.Num))
		}
		return runtimeErrf(RuntimeTypeMismatch, "Multiply requires numbers")
	default:
		if a.Kind != KindNumber || b.Kind != KindNumber {
			return runtimeErrf(RuntimeTypeMismatch, "Divide requires numbers")
		}
		if b.Num == 0 {
			return runtimeErrf(RuntimeDivisionByZero, "Division by zero")
		}
		return vm.push(Number(a.Num / b.Num))
	}
}

func (vm *VM) compare(op Opcode, a, b Value) *RuntimeError {
	if a.Kind != KindNumber || b.Kind != KindNumber {
		return runtimeErrf(RuntimeTypeMismatch, "%s requires numbers", op)
	}
	var r bool
	switch op {
	case OpGreater:
		r = a.Num > b.Num
	case OpGreaterEqual:
		r = a.Num >= b.Num
	case OpLess:
		r = a.Num < b.Num
	default:
		r = a.Num <= b.Num
	}
	return vm.push(Bool(r))
}

func (vm *VM) call(argc int) *RuntimeError {
	if argc > len(vm.stack) {
		return runtimeErrf(RuntimeStackUnderflow, "Stack underflow")
	}
	args := make([]Value, argc)
	copy(args, vm.stack[len(vm.stack)-argc:])
	vm.stack = vm.stack[:len(vm.stack)-argc]

	callee, err := vm.pop()
	if err != nil {
		return err
	}
	if callee.Kind != KindFunction {
		return runtimeErrf(RuntimeTypeMismatch, "Cannot call a %s value", callee.TypeName())
	}
	fn := callee.Fn
	if argc != fn.Arity {
		return runtimeErrf(RuntimeArityMismatch,
			"Function '%s' expects %d arguments, got %d", fn.Name, fn.Arity, argc)
	}
	if len(vm.frames) >= MaxFrames {
		return runtimeErrf(RuntimeStackOverflow, "Call stack overflow (max %d frames)", MaxFrames)
	}

	f := frame{returnIP: vm.ip, stackBase: len(vm.stack), locals: make([]Value, MaxLocalSlots)}
	copy(f.locals, args)
	vm.frames = append(vm.frames, f)
	vm.ip = fn.Entry
	vm.stats.FunctionCalls++
	if d := len(vm.frames); d > vm.stats.MaxFrameDepth {
		vm.stats.MaxFrameDepth = d
	}
	return nil
}

func (vm *VM) ret() *RuntimeError {
	if len(vm.frames) <= 1 {
		return runtimeErrf(RuntimeInvalidInstruction, "Return outside a function")
	}
	result, err := vm.pop()
	if err != nil {
		return err
	}
	f := vm.frames[len(vm.frames)-1]
	vm.frames = vm.frames[:len(vm.frames)-1]
	vm.stack = vm.stack[:f.stackBase]
	vm.ip = f.returnIP
	return vm.push(result)
}

func (vm *VM) makeDict(pairs int) *RuntimeError {
	n := pairs * 2
	if n > len(vm.stack) {
		return runtimeErrf(RuntimeStackUnderflow, "Stack underflow")
	}
	flat := vm.stack[len(vm.stack)-n:]
	d := NewDict()
	for i := 0; i < n; i += 2 {
		key := flat[i]
		if key.Kind != KindString {
			return runtimeErrf(RuntimeTypeMismatch, "Dictionary keys must be strings")
		}
		d.Dict.Set(key.Str, flat[i+1])
	}
	vm.stack = vm.stack[:len(vm.stack)-n]
	return vm.push(d)
}

func indexGet(target, key Value) (Value, *RuntimeError) {
	switch target.Kind {
	case KindList:
		idx, err := listIndex(key, len(target.List.Elems))
		if err != nil {
			return Value{}, err
		}
		return target.List.Elems[idx], nil
	case KindDict:
		if key.Kind != KindString {
			return Value{}, runtimeErrf(RuntimeTypeMismatch, "Dictionary key must be a string")
		}
		v, ok := target.Dict.Get(key.Str)
		if !ok {
			return Value{}, runtimeErrf(RuntimeKeyNotFound, "Key '%s' not found in dictionary", key.Str)
		}
		return v, nil
	default:
		return Value{}, runtimeErrf(RuntimeTypeMismatch, "Cannot index into a %s value", target.TypeName())
	}
}

func indexSet(target, key, v Value) *RuntimeError {
	switch target.Kind {
	case KindList:
		idx, err := listIndex(key, len(target.List.Elems))
		if err != nil {
			return err
		}
		target.List.Elems[idx] = v
		return nil
	case KindDict:
		if key.Kind != KindString {
			return runtimeErrf(RuntimeTypeMismatch, "Dictionary key must be a string")
		}
		target.Dict.Set(key.Str, v)
		return nil
	default:
		return runtimeErrf(RuntimeTypeMismatch, "Cannot index into a %s value", target.TypeName())
	}
}

// listIndex validates a zero-based list index.
func listIndex(key Value, length int) (int, *RuntimeError) {
	if key.Kind != KindNumber {
		return 0, runtimeErrf(RuntimeTypeMismatch, "List index must be a number")
	}
	if key.Num != math.Trunc(key.Num) {
		return 0, runtimeErrf(RuntimeTypeMismatch, "List index must be a whole number")
	}
	idx := int(key.Num)
	if key.Num < 0 || idx >= length {
		return 0, runtimeErrf(RuntimeIndexOutOfBounds,
			"List index %d out of bounds (length %d)", idx, length)
	}
	return idx, nil
}
