package memoryengine

import (
	"DemandVM/config"
	blockdevice "DemandVM/memory_engine/block_device"
	filemanager "DemandVM/memory_engine/file_manager"
	frametable "DemandVM/memory_engine/frame_table"
	pagetable "DemandVM/memory_engine/page_table"
	"DemandVM/memory_engine/physmem"
	"DemandVM/memory_engine/process"
	swaptable "DemandVM/memory_engine/swap_table"
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type MemoryEngine struct {
	Memory      *physmem.Memory
	FrameTable  *frametable.FrameTable
	SwapDevice  blockdevice.Device
	SwapTable   *swaptable.SwapTable
	FileManager *filemanager.Manager

	cfg    config.Config
	shared *pagetable.Shared

	procs   map[int]*process.Process
	nextPID int

	stopAging context.CancelFunc
	agingDone chan struct{}

	log    *logrus.Entry
	closed bool
	mu     sync.Mutex
}

// EngineStats is a snapshot of every component.
type EngineStats struct {
	Frames    frametable.FrameTableStats
	Swap      swaptable.SwapStats
	Files     filemanager.ManagerStats
	Processes int
}
