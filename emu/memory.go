package emu

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// Memory is a sparse, paged, little-endian byte store. Untouched addresses
// read as zero.
type Memory struct {
	pages map[uint64]*[pageSize]byte
}

// NewMemory creates an empty memory.
func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64]*[pageSize]byte)}
}

func (m *Memory) page(addr uint64, create bool) *[pageSize]byte {
	p, ok := m.pages[addr>>pageShift]
	if !ok && create {
		p = new([pageSize]byte)
		m.pages[addr>>pageShift] = p
	}
	return p
}

// Read8 reads one byte.
func (m *Memory) Read8(addr uint64) byte {
	p := m.page(addr, false)
	if p == nil {
		return 0
	}
	return p[addr&pageMask]
}

// Write8 writes one byte.
func (m *Memory) Write8(addr uint64, value byte) {
	m.page(addr, true)[addr&pageMask] = value
}

// Read reads size bytes (at most 8) starting at addr.
func (m *Memory) Read(addr uint64, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(m.Read8(addr+uint64(i))) << (8 * i)
	}
	return v
}

// Write writes the low size bytes (at most 8) of value starting at addr.
func (m *Memory) Write(addr uint64, size int, value uint64) {
	for i := 0; i < size; i++ {
		m.Write8(addr+uint64(i), byte(value>>(8*i)))
	}
}

// Read32 reads a 32-bit word.
func (m *Memory) Read32(addr uint64) uint32 {
	return uint32(m.Read(addr, 4))
}

// Write32 writes a 32-bit word.
func (m *Memory) Write32(addr uint64, value uint32) {
	m.Write(addr, 4, uint64(value))
}

// Read64 reads a 64-bit word.
func (m *Memory) Read64(addr uint64) uint64 {
	return m.Read(addr, 8)
}

// Write64 writes a 64-bit word.
func (m *Memory) Write64(addr uint64, value uint64) {
	m.Write(addr, 8, value)
}

// LoadBytes copies data into memory at addr.
func (m *Memory) LoadBytes(addr uint64, data []byte) {
	for i, b := range data {
		m.Write8(addr+uint64(i), b)
	}
}

// Zero clears size bytes starting at addr.
func (m *Memory) Zero(addr, size uint64) {
	for i := uint64(0); i < size; i++ {
		m.Write8(addr+i, 0)
	}
}

// LoadWords writes a sequence of instruction words starting at addr.
func (m *Memory) LoadWords(addr uint64, words ...uint32) {
	for i, w := range words {
		m.Write32(addr+uint64(4*i), w)
	}
}
