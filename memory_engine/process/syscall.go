package process

import (
	filemanager "DemandVM/memory_engine/file_manager"
	"DemandVM/types"
	"fmt"
)

// ReadFile reads up to size bytes of f at offset into user memory at vaddr
// and returns the count read, short only at the end of the file. The buffer
// is touched as the user would touch it, pinned, and the file is read
// straight into its frames.
func (p *Process) ReadFile(f *filemanager.File, offset int64, vaddr types.Vaddr, size int) (int, error) {
	if size <= 0 {
		return 0, nil
	}
	if err := p.verifyBuffer(vaddr, size, true); err != nil {
		return 0, err
	}
	if err := p.PinBuffer(vaddr, size); err != nil {
		return 0, err
	}
	defer p.UnpinBuffer(vaddr, size)

	total := 0
	err := p.heldSpan(vaddr, size, func(upage types.Vaddr, mem []byte) (bool, error) {
		n, err := f.ReadAt(mem, offset+int64(total))
		if n > 0 {
			p.table.MarkDirty(upage)
		}
		total += n
		return n == len(mem), err
	})
	if err != nil {
		return total, fmt.Errorf("failed to read %s into %s: %w", f.Path(), vaddr, err)
	}
	p.log.WithField("vaddr", vaddr).WithField("bytes", total).Debug("READ")
	return total, nil
}

// WriteFile writes size bytes of user memory at vaddr to f at offset,
// straight from the pinned frames.
func (p *Process) WriteFile(f *filemanager.File, offset int64, vaddr types.Vaddr, size int) (int, error) {
	if size <= 0 {
		return 0, nil
	}
	if err := p.verifyBuffer(vaddr, size, false); err != nil {
		return 0, err
	}
	if err := p.PinBuffer(vaddr, size); err != nil {
		return 0, err
	}
	defer p.UnpinBuffer(vaddr, size)

	total := 0
	err := p.heldSpan(vaddr, size, func(_ types.Vaddr, mem []byte) (bool, error) {
		if err := f.WriteAt(mem, offset+int64(total)); err != nil {
			return false, err
		}
		total += len(mem)
		return true, nil
	})
	if err != nil {
		return total, fmt.Errorf("failed to write %s from %s: %w", f.Path(), vaddr, err)
	}
	p.log.WithField("vaddr", vaddr).WithField("bytes", total).Debug("WRITE")
	return total, nil
}

// verifyBuffer touches one byte on every page of the buffer, faulting pages
// in and growing the stack, so a bad buffer is a segfault before anything
// is pinned.
func (p *Process) verifyBuffer(vaddr types.Vaddr, size int, write bool) error {
	if uint64(vaddr)+uint64(size) > uint64(types.PhysBase) {
		return fmt.Errorf("buffer at %s: %w", vaddr, ErrSegfault)
	}
	end := vaddr + types.Vaddr(size)
	for va := vaddr; va < end; va = (va + types.PageSize).PageRoundDown() {
		if err := p.access(va, write, func([]byte) {}); err != nil {
			return err
		}
	}
	return nil
}

// heldSpan runs fn over each page-sized piece of a buffer held by
// PinBuffer, in order, until fn reports it is done.
func (p *Process) heldSpan(vaddr types.Vaddr, size int, fn func(upage types.Vaddr, mem []byte) (bool, error)) error {
	for off := 0; off < size; {
		va := vaddr + types.Vaddr(off)
		n := min(types.PageSize-va.PageOffset(), size-off)
		fr, ok := p.table.HeldFrame(va.PageRoundDown())
		if !ok {
			return fmt.Errorf("buffer page %s went away: %w", va.PageRoundDown(), ErrSegfault)
		}
		more, err := fn(va.PageRoundDown(), fr.Bytes()[va.PageOffset():va.PageOffset()+n])
		if err != nil || !more {
			return err
		}
		off += n
	}
	return nil
}
