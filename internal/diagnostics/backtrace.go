package diagnostics

import (
	"debug/elf"
	"sort"

	"github.com/ianlancetaylor/demangle"
)

// Frame is one resolved backtrace entry: the raw symbol table name next
// to its demangled form, kept side by side since a C symbol's "demangled"
// form is just itself (demangle.Filter returns the input unchanged when
// it isn't a recognized mangling).
type Frame struct {
	PC        uint64
	Offset    uint64 // PC - symbol's base address
	RawSymbol string
	Symbol    string
}

// Symbolizer resolves instruction-pointer values captured on the
// unresolved-page-fault (SIGSEGV) path back to symbol names, against
// one loaded ELF image's symbol table (spec.md §4.6's loaded binary,
// the same debug/elf.File elfload already parses).
type Symbolizer struct {
	symbols []elf.Symbol // sorted by Value ascending
}

// NewSymbolizer reads and sorts ef's symbol table. An image stripped of
// symbols yields an empty, always-miss Symbolizer rather than an error —
// symbolization is a debug aid, not a correctness requirement.
func NewSymbolizer(ef *elf.File) *Symbolizer {
	syms, err := ef.Symbols()
	if err != nil {
		return &Symbolizer{}
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
	return &Symbolizer{symbols: syms}
}

// Resolve finds the function symbol containing pc — the last symbol
// whose address does not exceed it — and demangles its name.
func (s *Symbolizer) Resolve(pc uint64) Frame {
	i := sort.Search(len(s.symbols), func(i int) bool { return s.symbols[i].Value > pc }) - 1
	if i < 0 {
		return Frame{PC: pc}
	}
	sym := s.symbols[i]
	return Frame{
		PC:        pc,
		Offset:    pc - sym.Value,
		RawSymbol: sym.Name,
		Symbol:    demangle.Filter(sym.Name),
	}
}

// Backtrace resolves a full call stack, innermost frame first, the
// shape a recovered SIGSEGV handler would capture it in.
func (s *Symbolizer) Backtrace(pcs []uint64) []Frame {
	frames := make([]Frame, len(pcs))
	for i, pc := range pcs {
		frames[i] = s.Resolve(pc)
	}
	return frames
}
