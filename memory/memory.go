// Package memory provides the 64k of RAM within which the emulator
// executes its programs.
//
// There is no protection, and no banking: just a flat byte array which
// the CPU, the loaders, and the syscall layer all mutate directly.
package memory

// Memory provides 64K bytes array memory.
type Memory struct {
	buf [65536]uint8
}

// Set sets a byte at addr of memory.
func (m *Memory) Set(addr uint16, value uint8) {
	m.buf[addr] = value
}

// Get returns a byte at addr of memory.
func (m *Memory) Get(addr uint16) uint8 {
	return m.buf[addr]
}

// GetU16 returns a little-endian word from the given address of memory.
//
// The second byte is read from "addr+1", which wraps at the end of the
// address-space just as the real CPU would.
func (m *Memory) GetU16(addr uint16) uint16 {
	l := m.Get(addr)
	h := m.Get(addr + 1)
	return (uint16(h) << 8) | uint16(l)
}

// SetU16 stores a little-endian word at the given address of memory.
func (m *Memory) SetU16(addr uint16, value uint16) {
	m.Set(addr, uint8(value&0xFF))
	m.Set(addr+1, uint8(value>>8))
}

// PutRange copies the given data to the specified starting address in
// RAM, wrapping at the 64KB boundary if it would run off the end.
func (m *Memory) PutRange(addr uint16, data ...uint8) {
	for _, b := range data {
		m.buf[addr] = b
		addr++
	}
}

// FillRange fills an area of memory with the given byte.
func (m *Memory) FillRange(addr uint16, size int, char uint8) {
	for size > 0 {
		m.buf[addr] = char
		addr++
		size--
	}
}

// GetRange returns a copy of the contents of the given range.
func (m *Memory) GetRange(addr uint16, size int) []uint8 {
	var ret []uint8
	for size > 0 {
		ret = append(ret, m.buf[addr])
		addr++
		size--
	}
	return ret
}

// Reset returns every byte of memory to zero, as at cold boot.
func (m *Memory) Reset() {
	for i := range m.buf {
		m.buf[i] = 0x00
	}
}
