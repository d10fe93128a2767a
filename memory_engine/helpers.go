package memoryengine

import (
	"DemandVM/types"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

/*
This file holds inspection helpers for the memory engine
*/

// Stats returns current statistics of every component
func (me *MemoryEngine) Stats() EngineStats {
	me.mu.Lock()
	procs := len(me.procs)
	me.mu.Unlock()

	return EngineStats{
		Frames:    me.FrameTable.Stats(),
		Swap:      me.SwapTable.Stats(),
		Files:     me.FileManager.Stats(),
		Processes: procs,
	}
}

// WriteStats prints a human readable summary.
func (s EngineStats) WriteStats(w io.Writer) {
	page := uint64(types.PageSize)
	f := s.Frames
	fmt.Fprintf(w, "frames:    %d total (%s), %d free, %d occupied, %d pinned, %s evictions\n",
		f.TotalFrames, humanize.IBytes(uint64(f.TotalFrames)*page), f.FreeFrames, f.OccupiedFrames,
		f.PinnedFrames, humanize.Comma(int64(f.Evictions)))
	sw := s.Swap
	fmt.Fprintf(w, "swap:      %d/%d slots used (%s), %s stores, %s loads\n",
		sw.UsedSlots, sw.TotalSlots, humanize.IBytes(uint64(sw.UsedSlots)*page),
		humanize.Comma(int64(sw.Stores)), humanize.Comma(int64(sw.Loads)))
	fmt.Fprintf(w, "files:     %d open, cache %s hits / %s misses\n",
		s.Files.OpenFiles, humanize.Comma(int64(s.Files.CacheHits)), humanize.Comma(int64(s.Files.CacheMisses)))
	fmt.Fprintf(w, "processes: %d\n", s.Processes)
}
