// Package scratch provides a fixed-capacity byte buffer for operator-entered
// secrets (MRZ fields, CAN digits). Every mutation overwrites storage in
// place, so freed positions never retain stale characters; the buffer never
// grows and never copies its contents into other allocations.
package scratch

// Blank is the value every unused slot holds.
const Blank byte = 0x00

// Buffer is a zeroizable character buffer. The zero value is unusable; use New.
type Buffer struct {
	store []byte
	size  int
}

// New returns a buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{store: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.store) }

// Len returns the number of appended bytes.
func (b *Buffer) Len() int { return b.size }

// Append adds one byte. It returns false, changing nothing, once at capacity.
func (b *Buffer) Append(c byte) bool {
	if b.size >= len(b.store) {
		return false
	}
	b.store[b.size] = c
	b.size++
	return true
}

// Backspace removes the last byte, overwriting its slot with Blank before
// shrinking. On an empty buffer it is a no-op.
func (b *Buffer) Backspace() {
	if b.size == 0 {
		return
	}
	b.size--
	b.store[b.size] = Blank
}

// Bytes returns a view of the current contents. The view aliases the backing
// storage; callers must not retain it past the next mutation or Wipe.
func (b *Buffer) Bytes() []byte {
	return b.store[:b.size]
}

// Wipe overwrites every slot with Blank and resets the length to zero.
func (b *Buffer) Wipe() {
	for i := range b.store {
		b.store[i] = Blank
	}
	b.size = 0
}
