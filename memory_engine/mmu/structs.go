package mmu

import (
	"DemandVM/types"
	"sync"
	"sync/atomic"
)

// ############################################# PAGE TABLE ENTRY #############################################

// Flag is a bit of a page table entry.
type Flag uint64

const (
	FlagPresent Flag = 1 << iota
	FlagWritable
	FlagAccessed
	FlagDirty
)

const frameShift = 16

// PTE is one hardware translation entry: a frame index plus flag bits in a
// single word, so the "hardware" and the kernel can race on it the way a real
// MMU and kernel do, without a lock.
type PTE struct {
	word atomic.Uint64
}

// Fault is the outcome of a translation.
type Fault int

const (
	FaultNone Fault = iota
	FaultNotPresent
	FaultProtection
)

// ############################################# PAGE DIRECTORY #############################################

// PageDir is the hardware translation structure of one address space.
// Entries are created on first use and live until Destroy, so a *PTE held by
// a mapping stays valid without the directory lock.
type PageDir struct {
	ptes      map[types.Vaddr]*PTE
	destroyed bool
	mu        sync.RWMutex
}
