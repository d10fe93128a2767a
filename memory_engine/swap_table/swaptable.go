package swaptable

import (
	"DemandVM/logger"
	blockdevice "DemandVM/memory_engine/block_device"
	"DemandVM/types"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

/*
Swap Table

The swap device is cut into slots of SectorsPerPage contiguous sectors.
Slot occupancy lives only in the in-memory bitmap: swap is scratch space and
nothing on the device is trusted after a restart.

	slot s -> sectors [s*SectorsPerPage, (s+1)*SectorsPerPage)

Store and Load hold the table lock across device I/O. That is safe because
callers hand in pinned frames: no fault can happen while the lock is held.

Running out of slots, or failing device I/O, halts the engine.
*/

// New builds a swap table over every whole slot of dev.
func New(dev blockdevice.Device) *SwapTable {
	slots := uint(dev.SectorCount() / types.SectorsPerPage)
	st := &SwapTable{
		device:   dev,
		occupied: bitset.New(slots),
		sums:     make([]uint64, slots),
		slots:    slots,
		log:      logger.For("swap_table"),
	}
	st.log.WithField("slots", slots).Info("swap table ready")
	return st
}

// Store writes page to the lowest free slot and returns the slot index.
func (st *SwapTable) Store(page []byte) uint {
	checkPage(page)

	st.mu.Lock()
	defer st.mu.Unlock()

	slot, ok := st.occupied.NextClear(0)
	if !ok || slot >= st.slots {
		st.log.Panicf("out of swap space: all %d slots occupied", st.slots)
	}
	st.occupied.Set(slot)

	first := uint64(slot) * types.SectorsPerPage
	for i := uint64(0); i < types.SectorsPerPage; i++ {
		off := i * types.SectorSize
		if err := st.device.WriteSector(first+i, page[off:off+types.SectorSize]); err != nil {
			st.log.Panicf("failed to write swap slot %d: %v", slot, err)
		}
	}
	st.sums[slot] = xxhash.Sum64(page)
	st.stores++

	st.log.WithField("slot", slot).Debug("SWAP OUT")
	return slot
}

// Load reads slot into page and frees the slot. A nil page discards the slot.
func (st *SwapTable) Load(page []byte, slot uint) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if slot >= st.slots || !st.occupied.Test(slot) {
		panic(fmt.Sprintf("swaptable: slot %d is not occupied", slot))
	}

	if page != nil {
		checkPage(page)
		first := uint64(slot) * types.SectorsPerPage
		for i := uint64(0); i < types.SectorsPerPage; i++ {
			off := i * types.SectorSize
			if err := st.device.ReadSector(first+i, page[off:off+types.SectorSize]); err != nil {
				st.log.Panicf("failed to read swap slot %d: %v", slot, err)
			}
		}
		if sum := xxhash.Sum64(page); sum != st.sums[slot] {
			st.log.Panicf("swap slot %d corrupted: checksum %x, stored %x", slot, sum, st.sums[slot])
		}
		st.loads++
		st.log.WithField("slot", slot).Debug("SWAP IN")
	} else {
		st.log.WithField("slot", slot).Debug("SWAP DISCARD")
	}

	st.occupied.Clear(slot)
	st.sums[slot] = 0
}

// IsOccupied reports whether slot currently holds a page.
func (st *SwapTable) IsOccupied(slot uint) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return slot < st.slots && st.occupied.Test(slot)
}

// Stats returns current slot usage.
func (st *SwapTable) Stats() SwapStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return SwapStats{
		TotalSlots: st.slots,
		UsedSlots:  st.occupied.Count(),
		Stores:     st.stores,
		Loads:      st.loads,
	}
}

func checkPage(page []byte) {
	if len(page) != types.PageSize {
		panic(fmt.Sprintf("swaptable: page buffer is %d bytes, want %d", len(page), types.PageSize))
	}
}
