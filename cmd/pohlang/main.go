// PohLang CLI - compiles PohLang programs to bytecode and runs .pbc files
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/AlhaqGH/PohLang-sub002/bytecode"
	"github.com/AlhaqGH/PohLang-sub002/cache"
	"github.com/AlhaqGH/PohLang-sub002/history"
	"github.com/AlhaqGH/PohLang-sub002/manifest"
)

// Exit codes, one per failure class.
const (
	exitOK         = 0
	exitCompileErr = 2
	exitRuntimeErr = 3
	exitFileErr    = 4 // file I/O or bytecode container errors
)

// parseFrontend is wired by builds that link a PohLang parser. This
// repository ships the bytecode pipeline only, so the source-accepting
// modes report an error until a frontend is registered here.
var parseFrontend bytecode.Frontend

func main() {
	verbose := flag.Bool("v", false, "Verbose output (engine and cache logging)")
	compileOnly := flag.Bool("compile", false, "Compile to bytecode without running")
	outPath := flag.String("o", "", "Output path for --compile (default: input with .pbc extension)")
	runBytecode := flag.Bool("run-bytecode", false, "Run a compiled .pbc file")
	disassemble := flag.Bool("disassemble", false, "Print a readable listing of a .pbc file")
	showStats := flag.Bool("stats", false, "Print VM execution statistics after running")
	showHistory := flag.Bool("history", false, "Print recent compile/run history and exit")
	noOptimize := flag.Bool("no-optimize", false, "Disable all optimizer passes")
	noFold := flag.Bool("no-fold", false, "Disable constant folding")
	noFuse := flag.Bool("no-fuse", false, "Disable instruction fusion")
	noPeephole := flag.Bool("no-peephole", false, "Disable peephole rewrites")
	noDeadCode := flag.Bool("no-dead-code", false, "Disable dead code elimination")
	noCache := flag.Bool("no-cache", false, "Skip the compiled bytecode cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pohlang [options] [file]\n\n")
		fmt.Fprintf(os.Stderr, "Compiles PohLang programs to bytecode and runs them. Without a file\n")
		fmt.Fprintf(os.Stderr, "argument the entry point from pohlang.toml is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pohlang main.poh                       # Compile and run\n")
		fmt.Fprintf(os.Stderr, "  pohlang --compile main.poh -o main.pbc # Compile only\n")
		fmt.Fprintf(os.Stderr, "  pohlang --run-bytecode main.pbc        # Run compiled bytecode\n")
		fmt.Fprintf(os.Stderr, "  pohlang --disassemble main.pbc         # Inspect compiled bytecode\n")
		fmt.Fprintf(os.Stderr, "  pohlang --no-optimize main.poh         # Compile without optimization\n")
		fmt.Fprintf(os.Stderr, "  pohlang --stats main.poh               # Report VM statistics\n")
		fmt.Fprintf(os.Stderr, "  pohlang --history                      # Show recent runs\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	mf, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFileErr)
	}

	if *showHistory {
		os.Exit(printHistory(mf))
	}

	if flag.NArg() > 1 {
		fmt.Fprintf(os.Stderr, "Error: unexpected arguments: %s\n", strings.Join(flag.Args()[1:], " "))
		os.Exit(exitCompileErr)
	}

	input := flag.Arg(0)
	if input == "" && mf != nil {
		if *runBytecode || *disassemble {
			input = mf.OutputPath()
		} else {
			input = mf.EntryPath()
		}
	}
	if input == "" {
		fmt.Fprintf(os.Stderr, "Error: no input file and no %s found\n\n", manifest.ManifestName)
		flag.Usage()
		os.Exit(exitCompileErr)
	}

	opts := bytecode.DefaultOptions()
	if mf != nil {
		opts = mf.OptimizerOptions()
	}
	if *noFold {
		opts.ConstantFolding = false
	}
	if *noFuse {
		opts.InstructionFusion = false
	}
	if *noPeephole {
		opts.Peephole = false
	}
	if *noDeadCode {
		opts.DeadCode = false
	}
	if *noOptimize {
		opts = bytecode.Options{}
	}

	engine := bytecode.NewEngine()
	engine.SetOptimizerOptions(opts)
	if parseFrontend != nil {
		engine.SetFrontend(parseFrontend)
	}

	// Bytecode-only modes work without a frontend.
	if *disassemble {
		text, err := engine.DisassembleFile(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitCode(err))
		}
		fmt.Print(text)
		return
	}

	if *runBytecode {
		err := engine.RunFile(input)
		stats := engine.VM().Stats()
		appendHistory(mf, history.Record{
			File:         filepath.Base(input),
			Kind:         "run",
			Outcome:      outcome(err),
			Duration:     stats.Duration,
			Instructions: stats.TotalInstructions,
			RanAt:        time.Now(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitCode(err))
		}
		if *showStats {
			fmt.Print(stats.FormatReport())
		}
		return
	}

	// Source-accepting modes need a parser linked in.
	if parseFrontend == nil {
		fmt.Fprintf(os.Stderr, "Error: no PohLang parser is linked into this build; "+
			"only --run-bytecode, --disassemble and --history are available\n")
		os.Exit(exitCompileErr)
	}

	if *compileOnly {
		start := time.Now()
		chunk, err := compileSource(engine, mf, input, opts, !*noCache, *verbose)
		appendHistoryCompile(mf, input, err, chunk, time.Since(start))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitCode(err))
		}
		if mf != nil && mf.Build.StripDebug {
			chunk = chunk.Strip()
		}
		out := deriveOutput(mf, input, *outPath)
		if err := bytecode.WriteFile(out, chunk); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitCode(err))
		}
		if *verbose {
			fmt.Printf("Compiled %s -> %s (%d instructions, %d constants)\n",
				input, out, len(chunk.Code), len(chunk.Constants))
		}
		return
	}

	// Default mode: compile the source and run it.
	chunk, err := compileSource(engine, mf, input, opts, !*noCache, *verbose)
	if err != nil {
		appendHistoryCompile(mf, input, err, nil, 0)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
	runErr := engine.VM().Run(chunk)
	stats := engine.VM().Stats()
	appendHistory(mf, history.Record{
		File:         filepath.Base(input),
		Kind:         "run",
		Outcome:      outcome(runErr),
		Duration:     stats.Duration,
		Instructions: stats.TotalInstructions,
		RanAt:        time.Now(),
	})
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(exitCode(runErr))
	}
	if *showStats {
		fmt.Print(stats.FormatReport())
	}
}

// compileSource compiles a source file, consulting the chunk cache when the
// manifest enables it. Cache failures degrade to plain compilation.
func compileSource(engine *bytecode.Engine, mf *manifest.Manifest, path string, opts bytecode.Options, useCache, verbose bool) (*bytecode.Chunk, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var store *cache.Store
	var key [32]byte
	if useCache && mf != nil && mf.CacheEnabled() {
		store, err = cache.Open(mf.CacheDir())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cache unavailable: %v\n", err)
			store = nil
		} else {
			key = cache.Key(source, opts)
			if chunk, ok := store.Get(key); ok {
				if verbose {
					fmt.Printf("Cache hit for %s\n", filepath.Base(path))
				}
				return chunk, nil
			}
		}
	}

	chunk, err := engine.CompileSource(string(source), filepath.Base(path))
	if err != nil {
		return nil, err
	}

	if store != nil {
		if err := store.Put(key, filepath.Base(path), opts, chunk); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot cache %s: %v\n", filepath.Base(path), err)
		}
	}
	return chunk, nil
}

// deriveOutput picks the .pbc path for --compile: the -o flag, then the
// manifest build output when compiling the entry point, then the input
// with its extension swapped.
func deriveOutput(mf *manifest.Manifest, input, flagOut string) string {
	if flagOut != "" {
		return flagOut
	}
	if mf != nil && input == mf.EntryPath() {
		return mf.OutputPath()
	}
	return strings.TrimSuffix(input, filepath.Ext(input)) + ".pbc"
}

// appendHistory records one event when the manifest enables history.
// History failures never fail the build or run.
func appendHistory(mf *manifest.Manifest, rec history.Record) {
	if mf == nil || !mf.History.Enabled {
		return
	}
	store, err := history.Open(mf.HistoryPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: history unavailable: %v\n", err)
		return
	}
	defer store.Close()
	if err := store.Append(rec); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot record history: %v\n", err)
	}
}

// appendHistoryCompile records a compile event. Instructions holds the
// compiled code length, not an execution count.
func appendHistoryCompile(mf *manifest.Manifest, input string, err error, chunk *bytecode.Chunk, d time.Duration) {
	rec := history.Record{
		File:     filepath.Base(input),
		Kind:     "compile",
		Outcome:  outcome(err),
		Duration: d,
		RanAt:    time.Now(),
	}
	if chunk != nil {
		rec.Instructions = uint64(len(chunk.Code))
	}
	appendHistory(mf, rec)
}

// printHistory shows the most recent records and returns an exit code.
func printHistory(mf *manifest.Manifest) int {
	path := filepath.Join(".pohlang", "history.db")
	if mf != nil {
		path = mf.HistoryPath()
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Println("No history recorded.")
		return exitOK
	}

	store, err := history.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFileErr
	}
	defer store.Close()

	records, err := store.Recent(20)
	if err != nil {
		if errors.Is(err, history.ErrNoHistory) {
			fmt.Println("No history recorded.")
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFileErr
	}
	for _, r := range records {
		fmt.Println(r)
	}
	return exitOK
}

// outcome summarizes an error as a single history line.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 120 {
		msg = msg[:117] + "..."
	}
	return msg
}

// exitCode maps an error to the CLI's exit code classes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if _, ok := bytecode.AsCompileError(err); ok {
		return exitCompileErr
	}
	if _, ok := bytecode.AsRuntimeError(err); ok {
		return exitRuntimeErr
	}
	return exitFileErr
}
