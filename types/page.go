package types

import "fmt"

const (
	PageSize       = 4096 // 4KB page
	PageShift      = 12
	SectorSize     = 512 // block device sector
	SectorsPerPage = (PageSize + SectorSize - 1) / SectorSize

	// PhysBase is the first address above user space.
	PhysBase Vaddr = 0xC0000000
	// UserStackTop is where the initial stack page ends.
	UserStackTop Vaddr = PhysBase
)

// Vaddr is a user virtual address.
type Vaddr uintptr

// PageRoundDown returns the start of the page holding v.
func (v Vaddr) PageRoundDown() Vaddr {
	return v &^ (PageSize - 1)
}

// PageOffset returns v's offset within its page.
func (v Vaddr) PageOffset() int {
	return int(v & (PageSize - 1))
}

// PageNumber returns the virtual page number of v.
func (v Vaddr) PageNumber() uint64 {
	return uint64(v) >> PageShift
}

// IsUserVaddr reports whether v lies below PhysBase and is not the null page.
func (v Vaddr) IsUserVaddr() bool {
	return v < PhysBase && v.PageNumber() != 0
}

func (v Vaddr) String() string {
	return fmt.Sprintf("%#08x", uintptr(v))
}

// MapFlags describe a page at the time it is registered.
type MapFlags uint32

const (
	MapWrite     MapFlags = 1 << iota // user may write the page
	MapFileWrite                      // dirty contents may be written back to the backing file
	MapStart                          // first page of an mmap region
	MapStack                          // stack page
)

func (f MapFlags) Has(flag MapFlags) bool {
	return f&flag == flag
}
