package frametable

import "fmt"

// Index returns the frame's position in the table.
func (fr *Frame) Index() int {
	return fr.idx
}

// Bytes returns the frame's memory. Only the pin holder may touch it.
func (fr *Frame) Bytes() []byte {
	return fr.data
}

// TryPin claims the frame, preventing its eviction. It never blocks.
func (fr *Frame) TryPin() bool {
	return fr.pinned.CompareAndSwap(false, true)
}

// Unpin releases a pin taken by TryPin or GetFrame.
func (fr *Frame) Unpin() {
	if !fr.pinned.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("frametable: unpin of unpinned frame %d", fr.idx))
	}
}

func (fr *Frame) IsPinned() bool {
	return fr.pinned.Load()
}

// Occupant returns the page living in the frame, or nil if it is free.
func (fr *Frame) Occupant() Occupant {
	if ref := fr.occupant.Load(); ref != nil {
		return ref.o
	}
	return nil
}

// Age returns the aging register. Callers should hold the pin for a stable value.
func (fr *Frame) Age() uint8 {
	return fr.age
}
