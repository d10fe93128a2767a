package mmu

import (
	"DemandVM/types"
	"fmt"
)

/*
PageDir simulates the hardware page directory of one address space.

The engine never touches user memory through anything but this table: the
process layer calls Translate for every user access, which is where the
accessed and dirty bits come from, and the page table layer installs and
clears translations as pages come and go.
*/

func NewPageDir() *PageDir {
	return &PageDir{ptes: make(map[types.Vaddr]*PTE)}
}

// Entry returns the entry for upage, creating it if needed.
func (pd *PageDir) Entry(upage types.Vaddr) *PTE {
	checkPage(upage)
	pd.mu.RLock()
	pte, ok := pd.ptes[upage]
	pd.mu.RUnlock()
	if ok {
		return pte
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.destroyed {
		panic("mmu: page directory used after destroy")
	}
	if pte, ok = pd.ptes[upage]; !ok {
		pte = &PTE{}
		pd.ptes[upage] = pte
	}
	return pte
}

// Lookup returns the entry for upage or nil if it was never created.
func (pd *PageDir) Lookup(upage types.Vaddr) *PTE {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return pd.ptes[upage]
}

// SetPage maps upage to frame. upage must not already be present.
func (pd *PageDir) SetPage(upage types.Vaddr, frame int, writable bool) *PTE {
	pte := pd.Entry(upage)
	pte.install(frame, writable)
	return pte
}

// ClearPage marks upage not present and returns whether it was dirty.
// Later accesses fault.
func (pd *PageDir) ClearPage(upage types.Vaddr) bool {
	pte := pd.Lookup(upage)
	if pte == nil {
		return false
	}
	return pte.clear()
}

// GetPage returns the frame upage translates to.
func (pd *PageDir) GetPage(upage types.Vaddr) (int, bool) {
	pte := pd.Lookup(upage)
	if pte == nil {
		return 0, false
	}
	return pte.Frame()
}

func (pd *PageDir) IsDirty(upage types.Vaddr) bool {
	pte := pd.Lookup(upage)
	return pte != nil && pte.IsDirty()
}

func (pd *PageDir) IsAccessed(upage types.Vaddr) bool {
	pte := pd.Lookup(upage)
	return pte != nil && pte.IsAccessed()
}

func (pd *PageDir) SetDirty(upage types.Vaddr, dirty bool) {
	if pte := pd.Lookup(upage); pte != nil {
		pte.SetDirty(dirty)
	}
}

func (pd *PageDir) SetAccessed(upage types.Vaddr, accessed bool) {
	if pte := pd.Lookup(upage); pte != nil {
		pte.SetAccessed(accessed)
	}
}

// Translate performs a user access to vaddr. On success it returns the frame
// and sets the accessed bit, plus the dirty bit for writes.
func (pd *PageDir) Translate(vaddr types.Vaddr, write bool) (int, Fault) {
	pte := pd.Lookup(vaddr.PageRoundDown())
	if pte == nil {
		return 0, FaultNotPresent
	}
	return pte.translate(write)
}

// Destroy drops every translation. Entries handed out earlier keep working
// as plain words but no longer belong to the directory.
func (pd *PageDir) Destroy() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	for _, pte := range pd.ptes {
		pte.clear()
	}
	pd.ptes = nil
	pd.destroyed = true
}

func checkPage(upage types.Vaddr) {
	if upage.PageOffset() != 0 {
		panic(fmt.Sprintf("mmu: %s is not page aligned", upage))
	}
}
