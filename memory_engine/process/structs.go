package process

import (
	frametable "DemandVM/memory_engine/frame_table"
	pagetable "DemandVM/memory_engine/page_table"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ############################################# PROCESS #############################################

// Options are the per-process limits.
type Options struct {
	MaxMappings   int // described pages, 0 is unlimited
	StackMaxPages int // how far below UserStackTop the stack may grow
}

// Process is one user address space and the glue a kernel puts around it:
// program loading, the stack, mmap and user memory access with faults.
type Process struct {
	pid           int
	table         *pagetable.Table
	frames        *frametable.FrameTable
	stackPointer  atomic.Uintptr // user stack pointer as of the last kernel entry
	stackMaxPages int
	exited        atomic.Bool
	log           *logrus.Entry
}
