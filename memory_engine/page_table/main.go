package pagetable

import (
	"DemandVM/logger"
	filemanager "DemandVM/memory_engine/file_manager"
	frametable "DemandVM/memory_engine/frame_table"
	"DemandVM/memory_engine/mmu"
	"DemandVM/types"
	"errors"
	"fmt"

	"github.com/google/btree"
)

/*
Supplemental page table

One Table per address space. It records, for every virtual page the process
may touch, where the page's contents live when no frame backs it:

	anonymous  zero-filled on first load
	file       read from a backing file (offset, length); dirty pages go
	           back to the file if the mapping may write it, otherwise the
	           page is demoted to swap for good
	swap       read back from a swap slot, which is freed by the load

Describing a page only records intent. Frames are allocated by LoadPage and
taken away by the frame table calling Mapping.Evict.

Locks, finest first: the mapping lock (the only one held across I/O), the
frame pin (try-only), the frame pool lock, the swap lock. The table lock only
guards the btree and is never held while a mapping lock is taken.
*/

var (
	ErrNoMemory    = errors.New("out of mapping metadata")
	ErrNotMapped   = errors.New("page is not mapped")
	ErrNotMappable = errors.New("page cannot be mapped")
	ErrPinned      = errors.New("page is pinned")
)

const btreeDegree = 16

// NewTable creates an empty table with its own page directory. maxMappings
// caps the number of described pages; 0 means no limit.
func NewTable(shared *Shared, maxMappings int) *Table {
	return &Table{
		mappings: btree.NewG(btreeDegree, func(a, b *Mapping) bool {
			return a.vaddr < b.vaddr
		}),
		dir:         mmu.NewPageDir(),
		shared:      shared,
		alive:       true,
		maxMappings: maxMappings,
		log:         logger.For("page_table"),
	}
}

// Dir returns the hardware translation structure user accesses go through.
func (t *Table) Dir() *mmu.PageDir {
	return t.dir
}

// SetPage describes upage without loading it. With a file and size > 0 the
// page is file-backed: size bytes are read from offset and the rest is zero.
// MapFileWrite reopens the file so the mapping owns its own handle.
func (t *Table) SetPage(upage types.Vaddr, flags types.MapFlags, file *filemanager.File, offset int64, size int) error {
	checkUserPage(upage)

	m := &Mapping{
		vaddr:    upage,
		writable: flags.Has(types.MapWrite),
		mapStart: flags.Has(types.MapStart),
		isStack:  flags.Has(types.MapStack),
		kind:     KindAnonymous,
		table:    t,
		shared:   t.shared,
	}

	if file != nil && size > 0 {
		if offset%types.PageSize != 0 || size > types.PageSize {
			panic(fmt.Sprintf("pagetable: bad file backing for %s: offset=%d size=%d", upage, offset, size))
		}
		m.kind = KindFile
		m.backing = fileBacking{file: file, offset: offset, length: size}
		if flags.Has(types.MapFileWrite) {
			own, err := file.Reopen()
			if err != nil {
				return fmt.Errorf("failed to reopen backing file for %s: %w", upage, err)
			}
			m.backing.file = own
			m.backing.writable = true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.alive {
		panic("pagetable: set page on destroyed table")
	}
	if t.maxMappings > 0 && t.mappings.Len() >= t.maxMappings {
		m.release()
		return fmt.Errorf("failed to describe %s: %w", upage, ErrNoMemory)
	}
	m.pte = t.dir.Entry(upage)
	if _, dup := t.mappings.ReplaceOrInsert(m); dup {
		panic(fmt.Sprintf("pagetable: %s described twice", upage))
	}

	t.log.WithField("vaddr", upage).WithField("kind", m.kind).Debug("SET PAGE")
	return nil
}

// SetStackPage describes a writable, zero-filled stack page.
func (t *Table) SetStackPage(upage types.Vaddr) error {
	return t.SetPage(upage, types.MapWrite|types.MapStack, nil, 0, 0)
}

// SetLoadStackPage describes a stack page at upage and loads it. The frame
// is returned pinned.
func (t *Table) SetLoadStackPage(upage types.Vaddr) (*frametable.Frame, error) {
	if !t.IsMappable(upage) {
		return nil, fmt.Errorf("failed to grow stack to %s: %w", upage, ErrNotMappable)
	}
	if err := t.SetStackPage(upage); err != nil {
		return nil, err
	}
	return t.LoadPage(upage)
}

// ClearPage removes upage. A dirty page with a writable file is flushed
// first. A present frame is left to the next eviction to reclaim.
func (t *Table) ClearPage(upage types.Vaddr) error {
	checkUserPage(upage)

	t.mu.Lock()
	m, ok := t.mappings.Delete(&Mapping{vaddr: upage})
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("failed to clear %s: %w", upage, ErrNotMapped)
	}

	t.log.WithField("vaddr", upage).Debug("CLEAR PAGE")
	return m.destroy()
}

// Destroy tears the table down. Absent mappings are freed now, present ones
// are orphaned and their frames reclaimed by the next eviction that picks
// them. The first write-back error is returned; teardown always completes.
func (t *Table) Destroy() error {
	t.mu.Lock()
	if !t.alive {
		t.mu.Unlock()
		return nil
	}
	t.alive = false
	all := make([]*Mapping, 0, t.mappings.Len())
	t.mappings.Ascend(func(m *Mapping) bool {
		all = append(all, m)
		return true
	})
	t.mappings.Clear(false)
	t.mu.Unlock()

	var firstErr error
	for _, m := range all {
		if err := m.destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.dir.Destroy()

	t.log.WithField("mappings", len(all)).Info("table destroyed")
	return firstErr
}

// PinPages loads and pins n pages starting at upage, so a caller can touch
// them without faulting. On failure nothing stays pinned. Pinning a page
// that is already held by PinPages panics.
func (t *Table) PinPages(upage types.Vaddr, n int) error {
	checkUserPage(upage)
	for i := 0; i < n; i++ {
		page := upage + types.Vaddr(i*types.PageSize)
		if _, err := t.acquire(page, true); err != nil {
			t.UnpinPages(upage, i)
			return fmt.Errorf("failed to pin %s: %w", page, err)
		}
	}
	return nil
}

// UnpinPages releases pins taken by PinPages.
func (t *Table) UnpinPages(upage types.Vaddr, n int) {
	for i := 0; i < n; i++ {
		page := upage + types.Vaddr(i*types.PageSize)
		m := t.lookup(page)
		if m == nil {
			panic(fmt.Sprintf("pagetable: unpin of unmapped page %s", page))
		}
		m.mu.Lock()
		if !m.present || !m.held {
			m.mu.Unlock()
			panic(fmt.Sprintf("pagetable: unpin of page %s that is not pinned", page))
		}
		m.held = false
		m.frame.Unpin()
		m.mu.Unlock()
	}
}

// HeldFrame returns the frame of upage while it is pinned by PinPages.
func (t *Table) HeldFrame(upage types.Vaddr) (*frametable.Frame, bool) {
	m := t.lookup(upage)
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present || !m.held {
		return nil, false
	}
	return m.frame, true
}

// MarkDirty records a write the kernel made through a pinned frame, which
// the MMU never saw.
func (t *Table) MarkDirty(upage types.Vaddr) {
	m := t.lookup(upage)
	if m == nil {
		panic(fmt.Sprintf("pagetable: mark dirty on unmapped page %s", upage))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.present {
		m.pte.SetDirty(true)
	}
}

// IsMapped reports whether upage has been described.
func (t *Table) IsMapped(upage types.Vaddr) bool {
	return t.lookup(upage) != nil
}

// IsWritable reports whether upage is mapped and writable by the user.
func (t *Table) IsWritable(upage types.Vaddr) bool {
	m := t.lookup(upage)
	return m != nil && m.writable
}

// IsMappable reports whether a SetPage at upage would be valid.
func (t *Table) IsMappable(upage types.Vaddr) bool {
	return upage.PageOffset() == 0 && upage.IsUserVaddr() && t.lookup(upage) == nil
}

func (t *Table) IsStack(upage types.Vaddr) bool {
	m := t.lookup(upage)
	return m != nil && m.isStack
}

func (t *Table) IsMappingStart(upage types.Vaddr) bool {
	m := t.lookup(upage)
	return m != nil && m.mapStart
}

// MappingEnd returns the last page of the file mapping starting at upage:
// the run of consecutive pages over consecutive offsets of the same file.
func (t *Table) MappingEnd(upage types.Vaddr) types.Vaddr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	first, ok := t.mappings.Get(&Mapping{vaddr: upage})
	if !ok || !first.mapStart {
		panic(fmt.Sprintf("pagetable: %s is not the start of a mapping", upage))
	}

	last := upage
	t.mappings.AscendGreaterOrEqual(first, func(m *Mapping) bool {
		delta := int64(m.vaddr - upage)
		if m != first && (m.mapStart || m.vaddr != last+types.PageSize) {
			return false
		}
		if m.backing.file == nil || m.backing.file.ID() != first.backing.file.ID() ||
			m.backing.offset != first.backing.offset+delta {
			return false
		}
		last = m.vaddr
		return true
	})
	return last
}

// Len returns the number of described pages.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mappings.Len()
}

func (t *Table) lookup(upage types.Vaddr) *Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, _ := t.mappings.Get(&Mapping{vaddr: upage})
	return m
}

func checkUserPage(upage types.Vaddr) {
	if upage.PageOffset() != 0 || !upage.IsUserVaddr() {
		panic(fmt.Sprintf("pagetable: %s is not a user page", upage))
	}
}
