package pagetable

import (
	filemanager "DemandVM/memory_engine/file_manager"
	frametable "DemandVM/memory_engine/frame_table"
	"DemandVM/memory_engine/mmu"
	swaptable "DemandVM/memory_engine/swap_table"
	"DemandVM/types"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// Kind says where an absent page's contents come from.
type Kind int

const (
	KindAnonymous Kind = iota // zero-fill
	KindFile                  // read from the backing file
	KindSwap                  // read from a swap slot
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindFile:
		return "file"
	case KindSwap:
		return "swap"
	}
	return "unknown"
}

// Shared is the system-wide state every table loads into and evicts from.
// Mappings keep their own reference so an orphaned mapping can still give
// back its frame after its table is gone.
type Shared struct {
	Frames *frametable.FrameTable
	Swap   *swaptable.SwapTable
}

// ############################################# MAPPING #############################################

// fileBacking is fixed when the page is described.
type fileBacking struct {
	file     *filemanager.File
	offset   int64 // page aligned
	length   int   // bytes read from the file, the rest of the page is zero
	writable bool  // dirty contents go back to the file; file is then our own handle
}

// Mapping describes what should occupy one virtual page.
type Mapping struct {
	vaddr    types.Vaddr
	writable bool
	mapStart bool
	isStack  bool
	backing  fileBacking // file is nil for anonymous pages

	kind     Kind
	present  bool
	swapped  bool // slot holds the contents while absent
	slot     uint
	orphaned bool // owner is gone; free the frame at next eviction
	held     bool // frame pinned by PinPages until UnpinPages
	freed    bool // removed from its table; lookups racing with removal give up

	frame  *frametable.Frame // valid iff present
	pte    *mmu.PTE
	table  *Table // nil once orphaned
	shared *Shared
	mu     sync.Mutex
}

// ############################################# PAGE TABLE #############################################

// Table is the supplemental page table of one address space.
type Table struct {
	mappings    *btree.BTreeG[*Mapping] // ordered by vaddr
	dir         *mmu.PageDir
	shared      *Shared
	alive       bool
	maxMappings int // 0 is unlimited
	log         *logrus.Entry
	mu          sync.RWMutex // guards mappings and alive
}

// TableStats counts one table's mappings by state.
type TableStats struct {
	Mappings int
	Present  int
	Swapped  int
	File     int
	Stack    int
}
