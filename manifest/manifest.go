// Package manifest handles pohlang.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/AlhaqGH/PohLang-sub002/bytecode"
)

// ManifestName is the file the loader looks for.
const ManifestName = "pohlang.toml"

// Manifest represents a pohlang.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Source  Source  `toml:"source"`
	Build   Build   `toml:"build"`
	Cache   Cache   `toml:"cache"`
	History History `toml:"history"`

	// Dir is the directory containing the pohlang.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures where the program's source lives.
type Source struct {
	Entry string `toml:"entry"`
}

// Build configures compilation output and the optimizer passes. The pass
// fields are pointers so an absent key keeps its default (enabled) while
// an explicit false disables the pass.
type Build struct {
	Output     string `toml:"output"`
	Optimize   *bool  `toml:"optimize"`
	Folding    *bool  `toml:"constant-folding"`
	Fusion     *bool  `toml:"instruction-fusion"`
	Peephole   *bool  `toml:"peephole"`
	DeadCode   *bool  `toml:"dead-code"`
	StripDebug bool   `toml:"strip-debug"`
}

// Cache configures the compiled-chunk cache.
type Cache struct {
	Enabled *bool  `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// History configures the execution history store.
type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load parses a pohlang.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Source.Entry == "" {
		m.Source.Entry = "main.poh"
	}
	if m.Cache.Dir == "" {
		m.Cache.Dir = filepath.Join(".pohlang", "cache")
	}
	if m.History.Path == "" {
		m.History.Path = filepath.Join(".pohlang", "history.db")
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a pohlang.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EntryPath returns the absolute path of the program entry file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Source.Entry)
}

// OutputPath returns the configured build output, defaulting to the entry
// file with a .pbc extension.
func (m *Manifest) OutputPath() string {
	if m.Build.Output != "" {
		return filepath.Join(m.Dir, m.Build.Output)
	}
	entry := m.Source.Entry
	if ext := filepath.Ext(entry); ext != "" {
		entry = strings.TrimSuffix(entry, ext)
	}
	return filepath.Join(m.Dir, entry+".pbc")
}

// OptimizerOptions translates the build section into optimizer passes.
// Every pass defaults to enabled; optimize = false turns them all off.
func (m *Manifest) OptimizerOptions() bytecode.Options {
	if m.Build.Optimize != nil && !*m.Build.Optimize {
		return bytecode.Options{}
	}
	enabled := func(v *bool) bool { return v == nil || *v }
	return bytecode.Options{
		ConstantFolding:   enabled(m.Build.Folding),
		InstructionFusion: enabled(m.Build.Fusion),
		Peephole:          enabled(m.Build.Peephole),
		DeadCode:          enabled(m.Build.DeadCode),
	}
}

// CacheEnabled reports whether the chunk cache is on (the default).
func (m *Manifest) CacheEnabled() bool {
	return m.Cache.Enabled == nil || *m.Cache.Enabled
}

// CacheDir returns the absolute cache directory.
func (m *Manifest) CacheDir() string {
	return filepath.Join(m.Dir, m.Cache.Dir)
}

// HistoryPath returns the absolute history database path.
func (m *Manifest) HistoryPath() string {
	return filepath.Join(m.Dir, m.History.Path)
}
