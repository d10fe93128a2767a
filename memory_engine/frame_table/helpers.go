package frametable

/*
This file holds inspection helpers for the frame table
*/

// Stats returns current frame table statistics
func (ft *FrameTable) Stats() FrameTableStats {
	ft.mu.Lock()
	free := len(ft.free)
	ft.mu.Unlock()

	stats := FrameTableStats{
		TotalFrames: len(ft.frames),
		FreeFrames:  free,
		Evictions:   ft.evictions.Load(),
	}
	for i := range ft.frames {
		fr := &ft.frames[i]
		if fr.IsPinned() {
			stats.PinnedFrames++
		}
		if fr.occupant.Load() != nil {
			stats.OccupiedFrames++
		}
	}
	return stats
}

// Occupants returns the occupant of every frame, indexed by frame, nil for
// free frames. The result is only consistent while nothing is faulting.
func (ft *FrameTable) Occupants() []Occupant {
	out := make([]Occupant, len(ft.frames))
	for i := range ft.frames {
		out[i] = ft.frames[i].Occupant()
	}
	return out
}
