package frametable

import (
	"DemandVM/memory_engine/physmem"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ############################################# FRAME #############################################

// Occupant is the page currently living in a frame.
type Occupant interface {
	// Evict persists or discards the occupant's contents. The caller holds
	// fr pinned; Evict must finish by handing fr to Reclaim.
	Evict(fr *Frame)
	// TryResetAccessed clears the occupant's accessed bit without blocking.
	// ok is false when the occupant is busy and should be skipped this tick.
	TryResetAccessed() (accessed bool, ok bool)
}

type occupantRef struct {
	o Occupant
}

// Frame is one physical frame table entry.
type Frame struct {
	idx      int
	data     []byte
	occupant atomic.Pointer[occupantRef] // non-owning, nil while on the free list
	pinned   atomic.Bool                 // only ever try-acquired
	age      uint8                       // aging register, touched only while pinned
}

// ############################################# FRAME TABLE #############################################

// FrameTable owns every physical frame, the free list and victim selection.
type FrameTable struct {
	frames    []Frame
	free      []int // indices of free frames, FIFO
	hand      atomic.Uint64
	mem       *physmem.Memory
	evictions atomic.Uint64
	log       *logrus.Entry
	mu        sync.Mutex // guards free
}

// FrameTableStats is a snapshot of frame usage.
type FrameTableStats struct {
	TotalFrames    int
	FreeFrames     int
	PinnedFrames   int
	OccupiedFrames int
	Evictions      uint64
}
