package bytecode

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// VMStats holds the execution counters one Run collects.
type VMStats struct {
	TotalInstructions uint64
	FunctionCalls     uint64
	MaxStackDepth     int
	MaxFrameDepth     int
	CacheHits         uint64
	CacheMisses       uint64
	Duration          time.Duration

	opCounts [256]uint64
}

// CountFor returns how many times an opcode executed.
func (s *VMStats) CountFor(op Opcode) uint64 {
	return s.opCounts[op]
}

// CacheHitRate returns the global resolution cache hit rate in percent.
func (s *VMStats) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total) * 100
}

// InstructionsPerSecond returns the execution rate, 0 for an empty run.
func (s *VMStats) InstructionsPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.TotalInstructions) / s.Duration.Seconds()
}

// FormatReport renders the counters as the multi-line report the CLI
// prints under --stats. Opcodes are listed most-executed first.
func (s *VMStats) FormatReport() string {
	var b strings.Builder
	b.WriteString("=== VM Execution Statistics ===\n")
	fmt.Fprintf(&b, "Total instructions: %d\n", s.TotalInstructions)
	fmt.Fprintf(&b, "Execution time: %s\n", s.Duration)
	if s.TotalInstructions > 0 && s.Duration > 0 {
		fmt.Fprintf(&b, "Instructions/sec: %.0f\n", s.InstructionsPerSecond())
	}
	fmt.Fprintf(&b, "Function calls: %d\n", s.FunctionCalls)
	fmt.Fprintf(&b, "Max stack depth: %d\n", s.MaxStackDepth)
	fmt.Fprintf(&b, "Max frame depth: %d\n", s.MaxFrameDepth)
	fmt.Fprintf(&b, "Global cache: %d hits, %d misses (%.1f%% hit rate)\n",
		s.CacheHits, s.CacheMisses, s.CacheHitRate())

	type opCount struct {
		op    Opcode
		count uint64
	}
	var counts []opCount
	for i := 0; i < 256; i++ {
		if s.opCounts[i] > 0 {
			counts = append(counts, opCount{Opcode(i), s.opCounts[i]})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].op < counts[j].op
	})
	if len(counts) > 0 {
		b.WriteString("Instruction counts:\n")
		for _, c := range counts {
			fmt.Fprintf(&b, "  %-16s %d\n", c.op.String(), c.count)
		}
	}
	return b.String()
}
