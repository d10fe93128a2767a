package process

import (
	"DemandVM/logger"
	filemanager "DemandVM/memory_engine/file_manager"
	pagetable "DemandVM/memory_engine/page_table"
	"DemandVM/types"
	"encoding/binary"
	"errors"
	"fmt"
)

/*
Process glue

Everything a kernel does around the page table on behalf of a user
process. Describing memory (executable segments, the stack, mmap regions)
only records mappings; frames appear when Read or Write fault them in, the
same way user instructions would through the MMU.

A user access that does not translate is a page fault:

	mapped page                  load it
	just below the stack pointer grow the stack by one page
	anything else                ErrSegfault

The stack may grow down to StackMaxPages below UserStackTop, and only for
accesses at most 32 bytes below the stack pointer (the furthest a single
push instruction reaches).
*/

var (
	ErrSegfault    = errors.New("segmentation fault")
	ErrInvalidMmap = errors.New("invalid mmap")
	ErrArgsTooLong = errors.New("arguments do not fit in the initial stack page")
	ErrBufferSize  = errors.New("buffer needs as many frames as physical memory has")
)

const (
	wordSize = 4
	// pushReach is how far below the stack pointer a push may touch.
	pushReach = 32
)

// New creates an empty address space sharing the engine's frames and swap.
func New(pid int, shared *pagetable.Shared, opts Options) *Process {
	p := &Process{
		pid:           pid,
		table:         pagetable.NewTable(shared, opts.MaxMappings),
		frames:        shared.Frames,
		stackMaxPages: opts.StackMaxPages,
		log:           logger.For("process").WithField("pid", pid),
	}
	p.stackPointer.Store(uintptr(types.UserStackTop))
	return p
}

func (p *Process) PID() int {
	return p.pid
}

// Table exposes the process's page table.
func (p *Process) Table() *pagetable.Table {
	return p.table
}

// LoadSegment describes an executable segment of readBytes from file at
// offset followed by zeroBytes of zeros, starting at upage. Pages with file
// bytes are file-backed but never written back to the executable.
func (p *Process) LoadSegment(file *filemanager.File, offset int64, upage types.Vaddr, readBytes, zeroBytes int, writable bool) error {
	if (readBytes+zeroBytes)%types.PageSize != 0 || upage.PageOffset() != 0 || offset%types.PageSize != 0 {
		return fmt.Errorf("failed to load segment at %s: misaligned segment", upage)
	}

	var flags types.MapFlags
	if writable {
		flags |= types.MapWrite
	}
	for readBytes > 0 || zeroBytes > 0 {
		pageRead := min(readBytes, types.PageSize)
		var err error
		if pageRead > 0 {
			err = p.table.SetPage(upage, flags, file, offset, pageRead)
		} else {
			err = p.table.SetPage(upage, flags, nil, 0, 0)
		}
		if err != nil {
			return fmt.Errorf("failed to load segment page %s: %w", upage, err)
		}
		readBytes -= pageRead
		zeroBytes -= types.PageSize - pageRead
		offset += types.PageSize
		upage += types.PageSize
	}
	return nil
}

// SetupStack maps the top stack page and lays out args on it: the strings,
// word alignment, the argv array, argv, argc and a fake return address. It
// returns the initial stack pointer.
func (p *Process) SetupStack(args []string) (types.Vaddr, error) {
	upage := types.UserStackTop - types.PageSize
	fr, err := p.table.SetLoadStackPage(upage)
	if err != nil {
		return 0, fmt.Errorf("failed to set up stack: %w", err)
	}
	defer fr.Unpin()

	kpage := fr.Bytes()
	sp := types.PageSize
	push := func(b []byte) error {
		if len(b) > sp {
			return ErrArgsTooLong
		}
		sp -= len(b)
		copy(kpage[sp:], b)
		return nil
	}
	word := func(v uint32) error {
		var b [wordSize]byte
		binary.LittleEndian.PutUint32(b[:], v)
		return push(b[:])
	}

	addrs := make([]uint32, len(args)+1)
	for i := len(args) - 1; i >= 0; i-- {
		if err := push(append([]byte(args[i]), 0)); err != nil {
			return 0, err
		}
		addrs[i] = uint32(upage) + uint32(sp)
	}
	if err := push(make([]byte, sp%wordSize)); err != nil {
		return 0, err
	}
	for i := len(args); i >= 0; i-- {
		if err := word(addrs[i]); err != nil {
			return 0, err
		}
	}
	argv := uint32(upage) + uint32(sp)
	for _, v := range []uint32{argv, uint32(len(args)), 0} {
		if err := word(v); err != nil {
			return 0, err
		}
	}

	p.table.MarkDirty(upage)
	esp := upage + types.Vaddr(sp)
	p.SetStackPointer(esp)
	p.log.WithField("esp", esp).WithField("argc", len(args)).Debug("stack ready")
	return esp, nil
}

// SetStackPointer records the user stack pointer, as a kernel does on every
// entry from user mode.
func (p *Process) SetStackPointer(sp types.Vaddr) {
	p.stackPointer.Store(uintptr(sp))
}

func (p *Process) StackPointer() types.Vaddr {
	return types.Vaddr(p.stackPointer.Load())
}

// Exit tears down the address space. Safe to call more than once.
func (p *Process) Exit() error {
	if !p.exited.CompareAndSwap(false, true) {
		return nil
	}
	stats := p.table.Stats()
	if err := p.table.Destroy(); err != nil {
		return fmt.Errorf("failed to tear down process %d: %w", p.pid, err)
	}
	p.log.WithField("mappings", stats.Mappings).WithField("present", stats.Present).Info("process exited")
	return nil
}

// Stats counts the process's mappings.
func (p *Process) Stats() pagetable.TableStats {
	return p.table.Stats()
}

// stackLimit is the lowest address the stack may grow to.
func (p *Process) stackLimit() types.Vaddr {
	return types.UserStackTop - types.Vaddr(p.stackMaxPages*types.PageSize)
}
