package process

import (
	frametable "DemandVM/memory_engine/frame_table"
	"DemandVM/memory_engine/mmu"
	pagetable "DemandVM/memory_engine/page_table"
	"DemandVM/types"
	"errors"
	"fmt"
	"runtime"
)

// Read copies user memory at vaddr into buf, faulting pages in as needed.
func (p *Process) Read(vaddr types.Vaddr, buf []byte) error {
	return p.span(vaddr, len(buf), false, func(off int, mem []byte) {
		copy(buf[off:], mem)
	})
}

// Write copies data into user memory at vaddr. Writing a read-only page is a
// segfault.
func (p *Process) Write(vaddr types.Vaddr, data []byte) error {
	return p.span(vaddr, len(data), true, func(off int, mem []byte) {
		copy(mem, data[off:])
	})
}

// PinBuffer keeps every page under [vaddr, vaddr+size) resident so the
// kernel can use the buffer while holding locks that must not fault. The
// pages must not already be pinned by PinBuffer. A buffer covering every
// frame could never finish pinning and is refused.
func (p *Process) PinBuffer(vaddr types.Vaddr, size int) error {
	if size <= 0 {
		return nil
	}
	first, n := pageSpan(vaddr, size)
	if n >= p.frames.Len() {
		return fmt.Errorf("failed to pin %d pages at %s: %w", n, vaddr, ErrBufferSize)
	}
	if err := p.table.PinPages(first, n); err != nil {
		return fmt.Errorf("failed to pin buffer at %s: %w", vaddr, ErrSegfault)
	}
	return nil
}

// UnpinBuffer releases a PinBuffer.
func (p *Process) UnpinBuffer(vaddr types.Vaddr, size int) {
	if size <= 0 {
		return
	}
	first, n := pageSpan(vaddr, size)
	p.table.UnpinPages(first, n)
}

// span runs fn over each page-sized piece of [vaddr, vaddr+size). off is the
// piece's offset within the whole range.
func (p *Process) span(vaddr types.Vaddr, size int, write bool, fn func(off int, mem []byte)) error {
	if size > 0 && uint64(vaddr)+uint64(size) > uint64(types.PhysBase) {
		return fmt.Errorf("access to %s: %w", vaddr, ErrSegfault)
	}
	for off := 0; off < size; {
		va := vaddr + types.Vaddr(off)
		n := min(types.PageSize-va.PageOffset(), size-off)
		err := p.access(va, write, func(page []byte) {
			fn(off, page[va.PageOffset():va.PageOffset()+n])
		})
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// access performs one user access to the page holding va, handling faults.
// A page the kernel holds through PinBuffer is used under that pin.
func (p *Process) access(va types.Vaddr, write bool, fn func(page []byte)) error {
	if !va.IsUserVaddr() {
		return fmt.Errorf("access to %s: %w", va, ErrSegfault)
	}
	dir := p.table.Dir()
	for {
		var fr *frametable.Frame
		borrowed := false
		idx, fault := dir.Translate(va, write)
		switch fault {
		case mmu.FaultProtection:
			return fmt.Errorf("write to read-only %s: %w", va, ErrSegfault)
		case mmu.FaultNotPresent:
			var err error
			fr, err = p.fault(va)
			if errors.Is(err, pagetable.ErrPinned) {
				continue
			}
			if err != nil {
				return err
			}
		default:
			fr = p.frames.Frame(idx)
			if !fr.TryPin() {
				held, ok := p.table.HeldFrame(va.PageRoundDown())
				if !ok || held != fr {
					runtime.Gosched()
					continue
				}
				borrowed = true
			}
		}

		done, err := p.withFrame(fr, va, write, fn)
		if !borrowed {
			fr.Unpin()
		}
		if done || err != nil {
			return err
		}
	}
}

// withFrame repeats the translation with fr pinned. A pinned frame cannot be
// evicted, so a translation that still points at fr stays valid until unpin.
func (p *Process) withFrame(fr *frametable.Frame, va types.Vaddr, write bool, fn func(page []byte)) (bool, error) {
	idx, fault := p.table.Dir().Translate(va, write)
	switch {
	case fault == mmu.FaultProtection:
		return false, fmt.Errorf("write to read-only %s: %w", va, ErrSegfault)
	case fault != mmu.FaultNone || idx != fr.Index():
		return false, nil
	}
	fn(fr.Bytes())
	return true, nil
}

// fault resolves a not-present access and returns the frame pinned.
func (p *Process) fault(va types.Vaddr) (*frametable.Frame, error) {
	upage := va.PageRoundDown()
	if p.table.IsMapped(upage) {
		fr, err := p.table.LoadPage(upage)
		if errors.Is(err, pagetable.ErrPinned) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("fault at %s: %w", va, ErrSegfault)
		}
		return fr, nil
	}

	if p.isStackGrowth(va) {
		p.log.WithField("vaddr", upage).Debug("STACK GROW")
		fr, err := p.table.SetLoadStackPage(upage)
		if err != nil {
			return nil, fmt.Errorf("failed to grow stack to %s: %w", va, ErrSegfault)
		}
		return fr, nil
	}

	p.log.WithField("vaddr", va).Debug("SEGFAULT")
	return nil, fmt.Errorf("fault at %s: %w", va, ErrSegfault)
}

func (p *Process) isStackGrowth(va types.Vaddr) bool {
	sp := p.StackPointer()
	return va >= p.stackLimit() && va < types.UserStackTop && va+pushReach >= sp
}

func pageSpan(vaddr types.Vaddr, size int) (types.Vaddr, int) {
	first := vaddr.PageRoundDown()
	last := (vaddr + types.Vaddr(size-1)).PageRoundDown()
	return first, int((last-first)/types.PageSize) + 1
}
