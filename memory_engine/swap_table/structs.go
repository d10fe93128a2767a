package swaptable

import (
	blockdevice "DemandVM/memory_engine/block_device"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
)

// ############################################# SWAP TABLE #############################################

// SwapTable hands out page-sized slots on a block device.
// A slot is occupied from Store until the Load (or discard) that frees it.
type SwapTable struct {
	device   blockdevice.Device
	occupied *bitset.BitSet
	sums     []uint64 // xxhash of each occupied slot's contents
	slots    uint
	stores   uint64
	loads    uint64
	log      *logrus.Entry
	mu       sync.Mutex
}

// SwapStats is a snapshot of slot usage.
type SwapStats struct {
	TotalSlots uint
	UsedSlots  uint
	Stores     uint64
	Loads      uint64
}
