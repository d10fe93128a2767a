package pagetable

import (
	frametable "DemandVM/memory_engine/frame_table"
	"DemandVM/types"
	"fmt"
	"runtime"
)

// LoadPage makes upage present and returns its frame pinned; the caller
// unpins it when done. If the page is already present its frame is pinned
// and returned as is. A page held by PinPages yields ErrPinned: its frame
// stays resident and is reached through HeldFrame instead.
func (t *Table) LoadPage(upage types.Vaddr) (*frametable.Frame, error) {
	return t.acquire(upage, false)
}

// acquire is LoadPage; hold marks the page as pinned by PinPages before the
// page lock is dropped.
func (t *Table) acquire(upage types.Vaddr, hold bool) (*frametable.Frame, error) {
	for {
		m := t.lookup(upage)
		if m == nil {
			return nil, fmt.Errorf("failed to load %s: %w", upage, ErrNotMapped)
		}

		m.mu.Lock()
		if m.freed {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to load %s: %w", upage, ErrNotMapped)
		}
		if !m.present {
			fr, err := m.load()
			if err == nil && hold {
				m.held = true
			}
			m.mu.Unlock()
			return fr, err
		}

		// Someone loaded it first. Its pin may belong to an evictor waiting
		// for our lock, so never wait for the pin while holding it.
		fr := m.frame
		if fr.TryPin() {
			m.held = hold
			m.mu.Unlock()
			t.log.WithField("vaddr", upage).Debug("HIT")
			return fr, nil
		}
		if m.held {
			m.mu.Unlock()
			if hold {
				panic(fmt.Sprintf("pagetable: %s pinned twice", upage))
			}
			return nil, fmt.Errorf("failed to load %s: %w", upage, ErrPinned)
		}
		m.mu.Unlock()
		runtime.Gosched()
	}
}

// load fills a fresh frame from the page's current backing store and
// installs the translation. Requires m.mu.
func (m *Mapping) load() (*frametable.Frame, error) {
	if m.present {
		panic(fmt.Sprintf("pagetable: %s loaded twice", m.vaddr))
	}
	frames := m.shared.Frames
	fr := frames.GetFrame()
	buf := fr.Bytes()

	switch m.kind {
	case KindAnonymous:
		clear(buf)
	case KindFile:
		b := m.backing
		if err := b.file.ReadPage(buf, b.offset, b.length); err != nil {
			frames.Reclaim(fr)
			return nil, fmt.Errorf("failed to load %s from file: %w", m.vaddr, err)
		}
	case KindSwap:
		m.shared.Swap.Load(buf, m.slot)
		m.swapped = false
	}

	frames.Install(m, fr)
	m.table.dir.SetPage(m.vaddr, fr.Index(), m.writable)
	m.frame = fr
	m.present = true

	m.table.log.WithField("vaddr", m.vaddr).WithField("frame", fr.Index()).WithField("kind", m.kind).Debug("MISS")
	return fr, nil
}

// Evict is called by the frame table with fr pinned. It persists the page if
// needed and hands fr back to the frame table.
func (m *Mapping) Evict(fr *frametable.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frames := m.shared.Frames
	if m.orphaned {
		// the table is gone, only the frame is left to give back
		m.present = false
		m.frame = nil
		frames.Reclaim(fr)
		return
	}
	if !m.present || m.frame != fr {
		panic(fmt.Sprintf("pagetable: evicting %s which does not own frame %d", m.vaddr, fr.Index()))
	}

	t := m.table
	dirty := t.dir.ClearPage(m.vaddr)
	m.present = false
	m.frame = nil

	switch {
	case m.kind == KindSwap:
		// swap is the only copy, clean or not
		m.toSwap(fr)
	case !dirty:
	case m.kind == KindFile && m.backing.writable:
		if err := m.flush(fr); err != nil {
			t.log.WithField("vaddr", m.vaddr).WithError(err).Warn("write-back failed, moving page to swap")
			m.kind = KindSwap
			m.toSwap(fr)
		}
	default:
		if m.kind == KindFile {
			t.log.WithField("vaddr", m.vaddr).Debug("DEMOTE")
		}
		m.kind = KindSwap
		m.toSwap(fr)
	}

	t.log.WithField("vaddr", m.vaddr).WithField("frame", fr.Index()).WithField("dirty", dirty).Debug("EVICTED")
	frames.Reclaim(fr)
}

// TryResetAccessed clears the accessed bit without blocking. Used by the
// aging tick.
func (m *Mapping) TryResetAccessed() (accessed bool, ok bool) {
	if !m.mu.TryLock() {
		return false, false
	}
	defer m.mu.Unlock()
	return m.resetAccessed(), true
}

// ResetAccessed clears the accessed bit and returns its previous value.
func (m *Mapping) ResetAccessed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetAccessed()
}

// Vaddr returns the page this mapping describes.
func (m *Mapping) Vaddr() types.Vaddr {
	return m.vaddr
}

func (m *Mapping) resetAccessed() bool {
	if m.orphaned || !m.present {
		return false
	}
	return m.pte.TestAndClearAccessed()
}

func (m *Mapping) toSwap(fr *frametable.Frame) {
	m.slot = m.shared.Swap.Store(fr.Bytes())
	m.swapped = true
}

func (m *Mapping) flush(fr *frametable.Frame) error {
	b := m.backing
	if err := b.file.WriteAt(fr.Bytes()[:b.length], b.offset); err != nil {
		return fmt.Errorf("failed to write %s back to file: %w", m.vaddr, err)
	}
	return nil
}

// destroy detaches m from its table. A present page becomes an orphan,
// flushed to its file first if it may be; anything else is freed now.
func (m *Mapping) destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.present {
		dirty := m.table.dir.ClearPage(m.vaddr)
		if dirty && m.kind == KindFile && m.backing.writable {
			err = m.flush(m.frame)
		}
		m.orphaned = true
	} else if m.swapped {
		m.shared.Swap.Load(nil, m.slot)
		m.swapped = false
	}

	m.freed = true
	m.table = nil
	if cerr := m.release(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// release closes the handle a writable file mapping reopened.
func (m *Mapping) release() error {
	if !m.backing.writable {
		return nil
	}
	return m.backing.file.Close()
}
