package frametable

import (
	"context"
	"time"
)

// Tick ages one block of the frame table. The table is split into blocks
// equal parts and block selects which part. Tick never blocks: frames that
// are pinned, or whose occupant is busy, are skipped until a later tick.
func (ft *FrameTable) Tick(block, blocks int) {
	n := len(ft.frames)
	start := n * block / blocks
	end := n * (block + 1) / blocks

	for i := start; i < end; i++ {
		fr := &ft.frames[i]
		if !fr.TryPin() {
			continue
		}
		if ref := fr.occupant.Load(); ref != nil {
			if accessed, ok := ref.o.TryResetAccessed(); ok {
				fr.age >>= 1
				if accessed {
					fr.age |= 0x80
				}
			}
		}
		fr.Unpin()
	}
}

// RunAging ticks one block per interval, rotating through all blocks, until
// ctx is cancelled.
func (ft *FrameTable) RunAging(ctx context.Context, interval time.Duration, blocks int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ft.log.WithField("interval", interval).WithField("blocks", blocks).Info("aging started")
	for block := 0; ; block = (block + 1) % blocks {
		select {
		case <-ctx.Done():
			ft.log.Info("aging stopped")
			return
		case <-ticker.C:
			ft.Tick(block, blocks)
		}
	}
}
