package process

import (
	filemanager "DemandVM/memory_engine/file_manager"
	"DemandVM/types"
	"errors"
	"fmt"
)

// Mmap maps the whole of file at addr and returns the mapping id, which is
// addr itself. The range is checked page by page before anything is
// described, and a failure part way through leaves nothing behind.
func (p *Process) Mmap(file *filemanager.File, addr types.Vaddr) (types.Vaddr, error) {
	if addr.PageOffset() != 0 || addr.PageNumber() == 0 {
		return 0, fmt.Errorf("mmap at %s: unaligned or null address: %w", addr, ErrInvalidMmap)
	}
	length, err := file.Length()
	if err != nil {
		return 0, fmt.Errorf("mmap at %s: %w", addr, err)
	}
	if length == 0 {
		return 0, fmt.Errorf("mmap at %s: empty file: %w", addr, ErrInvalidMmap)
	}

	end := uint64(addr) + uint64(length)
	if end > uint64(p.stackLimit()) || end >= uint64(p.StackPointer()) {
		return 0, fmt.Errorf("mmap at %s: range reaches the stack: %w", addr, ErrInvalidMmap)
	}
	for upage := addr; uint64(upage) < end; upage += types.PageSize {
		if !p.table.IsMappable(upage) {
			return 0, fmt.Errorf("mmap at %s: %s already mapped: %w", addr, upage, ErrInvalidMmap)
		}
	}

	for upage := addr; uint64(upage) < end; upage += types.PageSize {
		flags := types.MapWrite | types.MapFileWrite
		if upage == addr {
			flags |= types.MapStart
		}
		off := int64(upage - addr)
		size := int(min(length-off, types.PageSize))
		if err := p.table.SetPage(upage, flags, file, off, size); err != nil {
			for done := addr; done < upage; done += types.PageSize {
				if cerr := p.table.ClearPage(done); cerr != nil {
					err = errors.Join(err, cerr)
				}
			}
			return 0, fmt.Errorf("mmap at %s: %w", addr, err)
		}
	}

	p.log.WithField("addr", addr).WithField("file", file.Path()).WithField("bytes", length).Debug("MMAP")
	return addr, nil
}

// Munmap removes the mapping created by Mmap, flushing dirty pages back to
// the file.
func (p *Process) Munmap(id types.Vaddr) error {
	if id.PageOffset() != 0 || !id.IsUserVaddr() || !p.table.IsMappingStart(id) {
		return fmt.Errorf("munmap %s: not a mapping: %w", id, ErrInvalidMmap)
	}
	last := p.table.MappingEnd(id)

	var firstErr error
	for upage := id; upage <= last; upage += types.PageSize {
		if err := p.table.ClearPage(upage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("munmap %s: %w", id, firstErr)
	}
	p.log.WithField("addr", id).Debug("MUNMAP")
	return nil
}
