package memoryengine

import (
	"DemandVM/config"
	"DemandVM/logger"
	blockdevice "DemandVM/memory_engine/block_device"
	filemanager "DemandVM/memory_engine/file_manager"
	frametable "DemandVM/memory_engine/frame_table"
	pagetable "DemandVM/memory_engine/page_table"
	"DemandVM/memory_engine/physmem"
	"DemandVM/memory_engine/process"
	swaptable "DemandVM/memory_engine/swap_table"
	"DemandVM/types"
	"context"
	"errors"
	"fmt"
	"sort"
)

/*
The main file of the memory engine. It boots every component from the
configuration, in leaf-first order:

	physical memory -> frame table
	swap device     -> swap table
	file manager (page cache)
	aging goroutine ticking the frame table

Processes are created here and share the frame table and swap table; each
owns its page table.
*/

var ErrClosed = errors.New("memory engine is closed")

func NewMemoryEngine(cfg config.Config) (*MemoryEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.For("memory_engine")

	mem, err := physmem.New(cfg.Frames)
	if err != nil {
		return nil, fmt.Errorf("failed to init physical memory: %w", err)
	}

	sectors := uint64(cfg.SwapSlots) * types.SectorsPerPage
	var dev blockdevice.Device
	if cfg.SwapPath == "" {
		dev = blockdevice.NewMemDevice(sectors)
	} else {
		fdev, err := blockdevice.OpenFileDevice(cfg.SwapPath, sectors)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("failed to open swap device: %w", err)
		}
		dev = fdev
	}

	files, err := filemanager.NewManager(cfg.FileCacheBytes)
	if err != nil {
		dev.Close()
		mem.Close()
		return nil, fmt.Errorf("failed to init file manager: %w", err)
	}

	me := &MemoryEngine{
		Memory:      mem,
		FrameTable:  frametable.New(mem),
		SwapDevice:  dev,
		SwapTable:   swaptable.New(dev),
		FileManager: files,
		cfg:         cfg,
		procs:       make(map[int]*process.Process),
		nextPID:     1,
		agingDone:   make(chan struct{}),
		log:         log,
	}
	me.shared = &pagetable.Shared{Frames: me.FrameTable, Swap: me.SwapTable}

	ctx, cancel := context.WithCancel(context.Background())
	me.stopAging = cancel
	go func() {
		defer close(me.agingDone)
		me.FrameTable.RunAging(ctx, cfg.AgingInterval.Duration, cfg.AgingBlocks)
	}()

	log.WithField("frames", cfg.Frames).WithField("swap_slots", cfg.SwapSlots).
		WithField("swap_path", cfg.SwapPath).Info("memory engine started")
	return me, nil
}

// NewProcess creates a process with an empty address space.
func (me *MemoryEngine) NewProcess() (*process.Process, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return nil, ErrClosed
	}

	pid := me.nextPID
	me.nextPID++
	p := process.New(pid, me.shared, process.Options{
		MaxMappings:   me.cfg.MaxMappings,
		StackMaxPages: me.cfg.StackMaxPages,
	})
	me.procs[pid] = p
	return p, nil
}

// Process returns a live process by pid.
func (me *MemoryEngine) Process(pid int) (*process.Process, bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	p, ok := me.procs[pid]
	return p, ok
}

// Processes returns the live processes ordered by pid.
func (me *MemoryEngine) Processes() []*process.Process {
	me.mu.Lock()
	defer me.mu.Unlock()
	out := make([]*process.Process, 0, len(me.procs))
	for _, p := range me.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID() < out[j].PID() })
	return out
}

// Exit tears a process down and forgets it.
func (me *MemoryEngine) Exit(p *process.Process) error {
	me.mu.Lock()
	delete(me.procs, p.PID())
	me.mu.Unlock()
	return p.Exit()
}

// OpenFile opens an existing backing file for mmap or program loading.
func (me *MemoryEngine) OpenFile(path string) (*filemanager.File, error) {
	return me.FileManager.Open(path)
}

// CreateFile opens path for file I/O, creating it if needed.
func (me *MemoryEngine) CreateFile(path string) (*filemanager.File, error) {
	return me.FileManager.Create(path)
}

// Config returns the configuration the engine was built from.
func (me *MemoryEngine) Config() config.Config {
	return me.cfg
}

// Close exits every process, stops aging and releases the devices.
func (me *MemoryEngine) Close() error {
	me.mu.Lock()
	if me.closed {
		me.mu.Unlock()
		return nil
	}
	me.closed = true
	procs := me.procs
	me.procs = nil
	me.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Exit(); err != nil {
			errs = append(errs, err)
		}
	}

	me.stopAging()
	<-me.agingDone

	me.FileManager.Close()
	if err := me.SwapDevice.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close swap device: %w", err))
	}
	if err := me.Memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release physical memory: %w", err))
	}

	me.log.Info("memory engine stopped")
	return errors.Join(errs...)
}
