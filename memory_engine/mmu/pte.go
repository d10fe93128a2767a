package mmu

func (p *PTE) has(flags Flag) bool {
	return p.word.Load()&uint64(flags) == uint64(flags)
}

// Present reports whether the entry currently translates to a frame.
func (p *PTE) Present() bool {
	return p.has(FlagPresent)
}

// Frame returns the frame the entry points to, if present.
func (p *PTE) Frame() (int, bool) {
	w := p.word.Load()
	if w&uint64(FlagPresent) == 0 {
		return 0, false
	}
	return int(w >> frameShift), true
}

func (p *PTE) IsAccessed() bool { return p.has(FlagAccessed) }

func (p *PTE) IsDirty() bool { return p.has(FlagDirty) }

func (p *PTE) SetAccessed(v bool) { p.setFlag(FlagAccessed, v) }

func (p *PTE) SetDirty(v bool) { p.setFlag(FlagDirty, v) }

func (p *PTE) setFlag(flag Flag, v bool) {
	for {
		old := p.word.Load()
		next := old &^ uint64(flag)
		if v {
			next |= uint64(flag)
		}
		if p.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// TestAndClearAccessed clears the accessed bit and returns its previous value.
func (p *PTE) TestAndClearAccessed() bool {
	for {
		old := p.word.Load()
		if p.word.CompareAndSwap(old, old&^uint64(FlagAccessed)) {
			return old&uint64(FlagAccessed) != 0
		}
	}
}

func (p *PTE) install(frame int, writable bool) {
	w := uint64(frame)<<frameShift | uint64(FlagPresent)
	if writable {
		w |= uint64(FlagWritable)
	}
	for {
		old := p.word.Load()
		if old&uint64(FlagPresent) != 0 {
			panic("mmu: installing over a present translation")
		}
		if p.word.CompareAndSwap(old, w) {
			return
		}
	}
}

// clear drops the translation and returns the dirty bit it carried.
func (p *PTE) clear() bool {
	old := p.word.Swap(0)
	return old&uint64(FlagDirty) != 0
}

// translate performs one access the way the MMU would, setting the accessed
// bit and, for writes, the dirty bit.
func (p *PTE) translate(write bool) (int, Fault) {
	for {
		old := p.word.Load()
		if old&uint64(FlagPresent) == 0 {
			return 0, FaultNotPresent
		}
		if write && old&uint64(FlagWritable) == 0 {
			return 0, FaultProtection
		}
		next := old | uint64(FlagAccessed)
		if write {
			next |= uint64(FlagDirty)
		}
		if old == next || p.word.CompareAndSwap(old, next) {
			return int(old >> frameShift), FaultNone
		}
	}
}
