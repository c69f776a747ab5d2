package bytecode

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/AlhaqGH/PohLang-sub002/ast"
)

var log = commonlog.GetLogger("pohlang.engine")

// Frontend parses source text into a program. The engine itself contains
// no parser; the host registers one so the compile operations can accept
// source files.
type Frontend func(source, fileName string) (ast.Program, error)

// Engine ties the pipeline together for embedders and the CLI: frontend,
// compiler, optimizer, VM, and the binary container. One Engine runs one
// program at a time; its VM is reused across calls.
type Engine struct {
	frontend Frontend
	opts     Options
	vm       *VM

	optimizer *Optimizer
}

// NewEngine returns an engine with every optimizer pass enabled.
func NewEngine() *Engine {
	return &Engine{opts: DefaultOptions(), vm: NewVM()}
}

// SetFrontend registers the parser used by the source-accepting
// operations.
func (e *Engine) SetFrontend(f Frontend) {
	e.frontend = f
}

// SetOptimizerOptions selects the optimizer passes for later compiles.
// The zero Options disables optimization entirely.
func (e *Engine) SetOptimizerOptions(opts Options) {
	e.opts = opts
}

// VM exposes the engine's machine, for redirecting I/O or reading stats.
func (e *Engine) VM() *VM {
	return e.vm
}

// OptimizerStats returns the pass counters from the most recent compile.
func (e *Engine) OptimizerStats() OptimizeStats {
	if e.optimizer == nil {
		return OptimizeStats{}
	}
	return e.optimizer.Stats()
}

// CompileProgram compiles an already-parsed program and runs the enabled
// optimizer passes over it.
func (e *Engine) CompileProgram(prog ast.Program, fileName string) (*Chunk, error) {
	c := NewCompiler()
	c.SetSourceFile(fileName)
	chunk, err := c.Compile(prog)
	if err != nil {
		return nil, err
	}
	log.Debugf("compiled %s: %d instructions, %d constants",
		fileName, len(chunk.Code), len(chunk.Constants))

	if e.opts == (Options{}) {
		return chunk, nil
	}
	e.optimizer = NewOptimizer(e.opts)
	optimized, err := e.optimizer.Optimize(chunk)
	if err != nil {
		return nil, err
	}
	st := e.optimizer.Stats()
	log.Debugf("optimized %s: folded %d, fused %d, peephole %d, dead %d (%d -> %d instructions)",
		fileName, st.ConstantsFolded, st.InstructionsFused, st.PeepholeRewrites,
		st.DeadCodeRemoved, len(chunk.Code), len(optimized.Code))
	return optimized, nil
}

// CompileSource parses and compiles source text. Fails when no frontend
// is registered.
func (e *Engine) CompileSource(source, fileName string) (*Chunk, error) {
	if e.frontend == nil {
		return nil, fmt.Errorf("no frontend registered: cannot parse %s", fileName)
	}
	prog, err := e.frontend(source, fileName)
	if err != nil {
		return nil, err
	}
	return e.CompileProgram(prog, fileName)
}

// CompileToFile compiles source text and writes the binary container.
func (e *Engine) CompileToFile(source, fileName, outPath string) error {
	chunk, err := e.CompileSource(source, fileName)
	if err != nil {
		return err
	}
	if err := WriteFile(outPath, chunk); err != nil {
		return err
	}
	log.Infof("wrote %s (%d instructions)", outPath, len(chunk.Code))
	return nil
}

// CompileAndRun compiles source text and executes it in memory without
// touching the filesystem.
func (e *Engine) CompileAndRun(source, fileName string) error {
	chunk, err := e.CompileSource(source, fileName)
	if err != nil {
		return err
	}
	return e.vm.Run(chunk)
}

// RunProgram compiles and executes an already-parsed program.
func (e *Engine) RunProgram(prog ast.Program, fileName string) error {
	chunk, err := e.CompileProgram(prog, fileName)
	if err != nil {
		return err
	}
	return e.vm.Run(chunk)
}

// RunFile loads a binary container and executes it.
func (e *Engine) RunFile(path string) error {
	chunk, err := ReadFile(path)
	if err != nil {
		return err
	}
	return e.vm.Run(chunk)
}

// DisassembleFile loads a binary container and renders its listing.
func (e *Engine) DisassembleFile(path string) (string, error) {
	chunk, err := ReadFile(path)
	if err != nil {
		return "", err
	}
	return Disassemble(chunk), nil
}
