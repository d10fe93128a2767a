package frametable

import (
	"DemandVM/logger"
	"DemandVM/memory_engine/physmem"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
)

/*
Frame Table

Every physical frame has an entry here. A frame is in one of three states:

	free      on the free list, no occupant
	occupied  an occupant (a mapping) lives in it
	pinned    transiently claimed; a pinned frame is never chosen as a victim

Pins are try-only, so they can never take part in a wait cycle. The pool
lock guards the free list and is never held across page I/O or while asking
another page table to evict.

GetFrame pops a free frame or, when none is left, picks a victim with the
aging clock and asks its occupant to evict itself, then retries. A frame
freed by someone else in between may be taken by another caller first; that
is fine, the loop simply goes round again.
*/

const (
	ageMax = ^uint8(0)
	// ageNew is the age of a freshly installed page: the fault that loaded it
	// counts as an access.
	ageNew = uint8(0x80)
)

// New builds a frame table over every frame of mem, all initially free.
func New(mem *physmem.Memory) *FrameTable {
	n := mem.Frames()
	ft := &FrameTable{
		frames: make([]Frame, n),
		free:   make([]int, 0, n),
		mem:    mem,
		log:    logger.For("frame_table"),
	}
	for i := range ft.frames {
		ft.frames[i].idx = i
		ft.frames[i].data = mem.Frame(i)
		ft.free = append(ft.free, i)
	}
	ft.log.WithField("frames", n).Info("frame table ready")
	return ft
}

// GetFrame returns a pinned frame for immediate use, evicting if necessary.
// The caller unpins it when done. With no evictable frame at all this loops
// forever.
func (ft *FrameTable) GetFrame() *Frame {
	ft.mu.Lock()
	for len(ft.free) == 0 {
		ft.mu.Unlock()
		if victim := ft.selectVictim(); victim != nil {
			occ := victim.Occupant()
			ft.log.WithField("frame", victim.idx).WithField("age", victim.age).Debug("EVICT")
			ft.evictions.Add(1)
			occ.Evict(victim)
		}
		ft.mu.Lock()
	}
	idx := ft.free[0]
	ft.free = ft.free[1:]
	ft.mu.Unlock()

	fr := &ft.frames[idx]
	// a scanner may hold the pin for an instant; it lets go as soon as it
	// sees the frame is free
	for !fr.TryPin() {
		runtime.Gosched()
	}
	return fr
}

// Install records occ as the frame's occupant. fr must be pinned.
func (ft *FrameTable) Install(occ Occupant, fr *Frame) {
	if !fr.IsPinned() {
		panic(fmt.Sprintf("frametable: install into unpinned frame %d", fr.idx))
	}
	fr.age = ageNew
	fr.occupant.Store(&occupantRef{o: occ})
}

// Reclaim empties a pinned frame and returns it to the free list. The
// frame's contents must already be persisted or discarded.
func (ft *FrameTable) Reclaim(fr *Frame) {
	if !fr.IsPinned() {
		panic(fmt.Sprintf("frametable: reclaim of unpinned frame %d", fr.idx))
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	fr.occupant.Store(nil)
	fr.age = 0
	fr.Unpin()
	ft.free = append(ft.free, fr.idx)
}

// Frame returns the entry for frame idx.
func (ft *FrameTable) Frame(idx int) *Frame {
	return &ft.frames[idx]
}

// Len returns the number of frames.
func (ft *FrameTable) Len() int {
	return len(ft.frames)
}

// selectVictim scans every frame once from the shared clock hand and returns
// the pinned, occupied frame with the lowest age, stopping early at age 0.
// It returns nil if it runs into a free frame: the caller should go back to
// the free list.
func (ft *FrameTable) selectVictim() *Frame {
	n := len(ft.frames)
	var wait *backoff.ExponentialBackOff

	for {
		hand := int(ft.hand.Add(1)-1) % n
		var best *Frame
		bestAge := ageMax

		for i := 0; i < n; i++ {
			fr := &ft.frames[(hand+i)%n]
			if !fr.TryPin() {
				continue
			}
			if fr.occupant.Load() == nil {
				fr.Unpin()
				if best != nil {
					best.Unpin()
				}
				return nil
			}

			if fr.age <= bestAge {
				if best != nil {
					best.Unpin()
				}
				best, bestAge = fr, fr.age
			} else {
				fr.Unpin()
			}

			if bestAge == 0 {
				return best
			}
		}
		if best != nil {
			return best
		}

		// every frame is pinned right now
		if wait == nil {
			wait = passBackoff()
		}
		d := wait.NextBackOff()
		ft.log.WithField("wait", d).Debug("no evictable frame, backing off")
		time.Sleep(d)
	}
}

// passBackoff paces victim selection passes that pinned nothing. It never
// gives up.
func passBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
