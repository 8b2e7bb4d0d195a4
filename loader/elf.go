// Package loader reads static AArch64 ELF executables into the functional
// engine's memory.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/sarchlab/m2hybrid/arch"
	"github.com/sarchlab/m2hybrid/emu"
)

// Errors returned for files the simulator cannot run.
var (
	ErrNotELF64 = errors.New("not a 64-bit ELF file")
	ErrNotARM64 = errors.New("not an AArch64 ELF file")
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

// Segment protection bits.
const (
	SegmentFlagExecute SegmentFlags = 1 << iota
	SegmentFlagWrite
	SegmentFlagRead
)

// DefaultStackTop is where the stack of the first Context starts.
const DefaultStackTop = 0x7ffffffff000

// Segment is one PT_LOAD segment.
type Segment struct {
	VirtAddr uint64
	Data     []byte
	// MemSize may exceed len(Data); the rest is zero (BSS).
	MemSize uint64
	Flags   SegmentFlags
}

// Program is a parsed executable.
type Program struct {
	EntryPoint uint64
	InitialSP  uint64
	Segments   []Segment
}

// Load parses the executable at path.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return parse(f)
}

// Parse reads an executable from r.
func Parse(r io.ReaderAt) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	return parse(f)
}

func parse(f *elf.File) (*Program, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %v", ErrNotELF64, f.Class)
	}
	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w: machine %v", ErrNotARM64, f.Machine)
	}

	prog := &Program{
		EntryPoint: f.Entry,
		InitialSP:  DefaultStackTop,
	}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if _, err := io.ReadFull(phdr.Open(), data); err != nil {
			return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  max(phdr.Memsz, phdr.Filesz),
			Flags:    segmentFlags(phdr.Flags),
		})
	}

	return prog, nil
}

func segmentFlags(pf elf.ProgFlag) SegmentFlags {
	var flags SegmentFlags
	if pf&elf.PF_X != 0 {
		flags |= SegmentFlagExecute
	}
	if pf&elf.PF_W != 0 {
		flags |= SegmentFlagWrite
	}
	if pf&elf.PF_R != 0 {
		flags |= SegmentFlagRead
	}
	return flags
}

// LoadInto copies every segment into mem and zeroes the BSS.
func (p *Program) LoadInto(mem *emu.Memory) {
	for _, seg := range p.Segments {
		mem.LoadBytes(seg.VirtAddr, seg.Data)
		if bss := seg.MemSize - uint64(len(seg.Data)); bss > 0 {
			mem.Zero(seg.VirtAddr+uint64(len(seg.Data)), bss)
		}
	}
}

// Start points a functional-owned Context at the entry point with the
// initial stack.
func (p *Program) Start(ctx *arch.Context) {
	n := ctx.Native()
	n.PC = p.EntryPoint
	n.SP = p.InitialSP
	n.Halted = false
}
