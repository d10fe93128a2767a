package process

import (
	blockdevice "DemandVM/memory_engine/block_device"
	filemanager "DemandVM/memory_engine/file_manager"
	frametable "DemandVM/memory_engine/frame_table"
	pagetable "DemandVM/memory_engine/page_table"
	"DemandVM/memory_engine/physmem"
	swaptable "DemandVM/memory_engine/swap_table"
	"DemandVM/types"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

const mmapBase = types.Vaddr(0x20000000)

var defaultOpts = Options{StackMaxPages: 16}

func newShared(t *testing.T, frames int) *pagetable.Shared {
	t.Helper()
	mem, err := physmem.New(frames)
	if err != nil {
		t.Fatalf("Failed to create memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return &pagetable.Shared{
		Frames: frametable.New(mem),
		Swap:   swaptable.New(blockdevice.NewMemDevice(512 * types.SectorsPerPage)),
	}
}

func openFile(t *testing.T, content []byte) (*filemanager.File, string) {
	t.Helper()
	files, err := filemanager.NewManager(0)
	if err != nil {
		t.Fatalf("Failed to create file manager: %v", err)
	}
	path := filepath.Join(t.TempDir(), "file.dat")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	f, err := files.Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestLoadSegment(t *testing.T) {
	content := pattern(5000, 1)
	f, _ := openFile(t, content)
	p := New(1, newShared(t, 4), defaultOpts)
	defer p.Exit()

	code := types.Vaddr(0x08048000)
	if err := p.LoadSegment(f, 0, code, 5000, 2*types.PageSize-5000+types.PageSize, false); err != nil {
		t.Fatalf("LoadSegment: %v", err)
	}
	if n := p.Table().Len(); n != 3 {
		t.Fatalf("segment described %d pages, want 3", n)
	}

	got := make([]byte, 3*types.PageSize)
	if err := p.Read(code, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := append(content, make([]byte, 3*types.PageSize-5000)...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("segment contents (-want +got):\n%s", diff)
	}

	if err := p.Write(code+10, []byte{1}); !errors.Is(err, ErrSegfault) {
		t.Errorf("write to read-only segment: got %v, want ErrSegfault", err)
	}
}

func TestSetupStackLaysOutArguments(t *testing.T) {
	p := New(1, newShared(t, 4), defaultOpts)
	defer p.Exit()

	esp, err := p.SetupStack([]string{"echo", "hello"})
	if err != nil {
		t.Fatalf("SetupStack: %v", err)
	}
	if esp%wordSize != 0 || esp >= types.UserStackTop || esp < types.UserStackTop-types.PageSize {
		t.Fatalf("esp %s out of the top stack page", esp)
	}

	frame := make([]byte, 3*wordSize)
	if err := p.Read(esp, frame); err != nil {
		t.Fatalf("Read: %v", err)
	}
	argc := binary.LittleEndian.Uint32(frame[wordSize:])
	argv := types.Vaddr(binary.LittleEndian.Uint32(frame[2*wordSize:]))
	if argc != 2 {
		t.Fatalf("argc = %d, want 2", argc)
	}

	for i, want := range []string{"echo", "hello"} {
		ptr := make([]byte, wordSize)
		if err := p.Read(argv+types.Vaddr(i*wordSize), ptr); err != nil {
			t.Fatalf("Read argv[%d]: %v", i, err)
		}
		str := make([]byte, len(want)+1)
		if err := p.Read(types.Vaddr(binary.LittleEndian.Uint32(ptr)), str); err != nil {
			t.Fatalf("Read string %d: %v", i, err)
		}
		if string(str) != want+"\x00" {
			t.Errorf("argv[%d] = %q, want %q", i, str, want)
		}
	}
}

func TestSetupStackRejectsHugeArguments(t *testing.T) {
	p := New(1, newShared(t, 2), defaultOpts)
	defer p.Exit()

	if _, err := p.SetupStack([]string{string(bytes.Repeat([]byte{'a'}, types.PageSize))}); !errors.Is(err, ErrArgsTooLong) {
		t.Errorf("got %v, want ErrArgsTooLong", err)
	}
}

func TestStackGrowth(t *testing.T) {
	p := New(1, newShared(t, 4), defaultOpts)
	defer p.Exit()

	if _, err := p.SetupStack(nil); err != nil {
		t.Fatalf("SetupStack: %v", err)
	}
	sp := types.UserStackTop - types.PageSize
	p.SetStackPointer(sp)

	// a push just below the stack pointer grows the stack
	if err := p.Write(sp-4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("push below sp: %v", err)
	}
	if !p.Table().IsStack(sp - types.PageSize) {
		t.Error("stack page was not added")
	}

	// too far below the stack pointer
	if err := p.Write(sp-types.PageSize-100, []byte{1}); !errors.Is(err, ErrSegfault) {
		t.Errorf("far below sp: got %v, want ErrSegfault", err)
	}

	// beyond the stack limit
	p.SetStackPointer(p.stackLimit())
	if err := p.Write(p.stackLimit()-4, []byte{1}); !errors.Is(err, ErrSegfault) {
		t.Errorf("below stack limit: got %v, want ErrSegfault", err)
	}
}

func TestUnmappedAccessSegfaults(t *testing.T) {
	p := New(1, newShared(t, 2), defaultOpts)
	defer p.Exit()

	for _, va := range []types.Vaddr{0, 0x100, mmapBase, types.PhysBase, types.PhysBase - 2} {
		if err := p.Read(va, make([]byte, 4)); !errors.Is(err, ErrSegfault) {
			t.Errorf("read at %s: got %v, want ErrSegfault", va, err)
		}
	}
}

func TestMmapWriteBackOnMunmap(t *testing.T) {
	content := pattern(2*types.PageSize+500, 7)
	f, path := openFile(t, content)
	p := New(1, newShared(t, 2), defaultOpts)
	defer p.Exit()

	id, err := p.Mmap(f, mmapBase)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if id != mmapBase {
		t.Errorf("mapping id = %s, want %s", id, mmapBase)
	}
	if n := p.Table().Len(); n != 3 {
		t.Errorf("mmap described %d pages, want 3", n)
	}

	got := make([]byte, len(content))
	if err := p.Read(mmapBase, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("mapped contents differ from the file")
	}

	if err := p.Write(mmapBase+types.PageSize-2, []byte("HELLO")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Write(mmapBase+2*types.PageSize+490, []byte("TAIL")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Munmap(id); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
	if p.Table().Len() != 0 {
		t.Errorf("%d pages left after munmap", p.Table().Len())
	}

	want := bytes.Clone(content)
	copy(want[types.PageSize-2:], "HELLO")
	copy(want[2*types.PageSize+490:], "TAIL")
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if diff := cmp.Diff(want, onDisk); diff != "" {
		t.Errorf("file after munmap (-want +got):\n%s", diff)
	}

	if err := p.Munmap(id); !errors.Is(err, ErrInvalidMmap) {
		t.Errorf("second munmap: got %v, want ErrInvalidMmap", err)
	}
}

func TestMmapValidation(t *testing.T) {
	f, _ := openFile(t, pattern(3*types.PageSize, 0))
	empty, _ := openFile(t, nil)
	p := New(1, newShared(t, 2), defaultOpts)
	defer p.Exit()

	if err := p.Table().SetPage(mmapBase+2*types.PageSize, types.MapWrite, nil, 0, 0); err != nil {
		t.Fatalf("SetPage: %v", err)
	}

	tests := []struct {
		name string
		file *filemanager.File
		addr types.Vaddr
	}{
		{"null", f, 0},
		{"unaligned", f, mmapBase + 1},
		{"empty file", empty, mmapBase + 16*types.PageSize},
		{"overlaps mapping", f, mmapBase},
		{"reaches stack", f, p.stackLimit() - types.PageSize},
	}
	for _, tc := range tests {
		if _, err := p.Mmap(tc.file, tc.addr); !errors.Is(err, ErrInvalidMmap) {
			t.Errorf("%s: got %v, want ErrInvalidMmap", tc.name, err)
		}
	}
	if n := p.Table().Len(); n != 1 {
		t.Errorf("failed mmaps left %d pages, want 1", n)
	}
}

func TestMmapRollsBackOnQuota(t *testing.T) {
	f, _ := openFile(t, pattern(3*types.PageSize, 0))
	p := New(1, newShared(t, 2), Options{MaxMappings: 2, StackMaxPages: 16})
	defer p.Exit()

	_, err := p.Mmap(f, mmapBase)
	if !errors.Is(err, pagetable.ErrNoMemory) {
		t.Fatalf("got %v, want ErrNoMemory", err)
	}
	if errors.Is(err, pagetable.ErrNotMapped) {
		t.Errorf("rollback failed to clear a page it described: %v", err)
	}
	if n := p.Table().Len(); n != 0 {
		t.Errorf("partial mmap left %d pages", n)
	}
}

func TestPinBuffer(t *testing.T) {
	shared := newShared(t, 3)
	p := New(1, shared, defaultOpts)
	defer p.Exit()

	for i := 0; i < 6; i++ {
		if err := p.Table().SetPage(mmapBase+types.Vaddr(i*types.PageSize), types.MapWrite, nil, 0, 0); err != nil {
			t.Fatalf("SetPage: %v", err)
		}
	}

	buf := mmapBase + types.PageSize - 10
	if err := p.PinBuffer(buf, 20); err != nil {
		t.Fatalf("PinBuffer: %v", err)
	}
	if pinned := shared.Frames.Stats().PinnedFrames; pinned != 2 {
		t.Errorf("PinnedFrames = %d, want 2", pinned)
	}

	// the one remaining frame serves everything else
	for i := 3; i < 6; i++ {
		if err := p.Write(mmapBase+types.Vaddr(i*types.PageSize), []byte{byte(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	p.UnpinBuffer(buf, 20)
	if pinned := shared.Frames.Stats().PinnedFrames; pinned != 0 {
		t.Errorf("PinnedFrames = %d after unpin", pinned)
	}

	if err := p.PinBuffer(0x1000, 4); !errors.Is(err, ErrSegfault) {
		t.Errorf("pin of unmapped buffer: got %v, want ErrSegfault", err)
	}
}

func TestProcessesUnderPressure(t *testing.T) {
	shared := newShared(t, 4)
	const procs, pages = 4, 8

	var g errgroup.Group
	for pid := 1; pid <= procs; pid++ {
		pid := pid
		g.Go(func() error {
			p := New(pid, shared, defaultOpts)
			defer p.Exit()
			if _, err := p.SetupStack([]string{fmt.Sprint(pid)}); err != nil {
				return err
			}
			for i := 0; i < pages; i++ {
				if err := p.Table().SetPage(mmapBase+types.Vaddr(i*types.PageSize), types.MapWrite, nil, 0, 0); err != nil {
					return err
				}
			}
			data := pattern(pages*types.PageSize, byte(pid))
			if err := p.Write(mmapBase, data); err != nil {
				return err
			}
			got := make([]byte, len(data))
			if err := p.Read(mmapBase, got); err != nil {
				return err
			}
			if !bytes.Equal(got, data) {
				return fmt.Errorf("process %d read back different data", pid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if used := shared.Swap.Stats().UsedSlots; used != 0 {
		t.Errorf("exited processes left %d swap slots", used)
	}
}

func TestExitTwice(t *testing.T) {
	shared := newShared(t, 1)
	p := New(1, shared, defaultOpts)
	if _, err := p.SetupStack(nil); err != nil {
		t.Fatalf("SetupStack: %v", err)
	}
	if err := p.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if err := p.Exit(); err != nil {
		t.Errorf("second Exit: %v", err)
	}

	// the orphaned stack frame is reclaimed by the next process
	q := New(2, shared, defaultOpts)
	defer q.Exit()
	if _, err := q.SetupStack(nil); err != nil {
		t.Fatalf("SetupStack after exit: %v", err)
	}
}

func TestReadWriteFileUnderPressure(t *testing.T) {
	shared := newShared(t, 4)
	p := New(1, shared, defaultOpts)
	defer p.Exit()
	for i := 0; i < 8; i++ {
		if err := p.Table().SetPage(mmapBase+types.Vaddr(i*types.PageSize), types.MapWrite, nil, 0, 0); err != nil {
			t.Fatalf("SetPage: %v", err)
		}
	}

	content := pattern(2*types.PageSize+300, 9)
	src, _ := openFile(t, content)

	// unaligned, spans three pages, file ends 100 bytes before the buffer does
	buf := mmapBase + 200
	n, err := p.ReadFile(src, 0, buf, len(content)+100)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n != len(content) {
		t.Errorf("ReadFile = %d bytes, want %d", n, len(content))
	}
	if pinned := shared.Frames.Stats().PinnedFrames; pinned != 0 {
		t.Errorf("PinnedFrames = %d after ReadFile", pinned)
	}

	// push the buffer out to swap; the pages must have been marked dirty
	for i := 4; i < 8; i++ {
		if err := p.Write(mmapBase+types.Vaddr(i*types.PageSize), pattern(types.PageSize, byte(i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	got := make([]byte, len(content))
	if err := p.Read(buf, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("data read from the file did not survive eviction")
	}

	dst, path := openFile(t, nil)
	n, err = p.WriteFile(dst, 10, buf, len(content))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if n != len(content) {
		t.Errorf("WriteFile = %d bytes, want %d", n, len(content))
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if want := append(make([]byte, 10), content...); !bytes.Equal(onDisk, want) {
		t.Error("WriteFile did not copy user memory to the file")
	}
}

func TestFileSyscallsRejectBadBuffers(t *testing.T) {
	shared := newShared(t, 2)
	p := New(1, shared, defaultOpts)
	defer p.Exit()
	if err := p.Table().SetPage(mmapBase, 0, nil, 0, 0); err != nil {
		t.Fatalf("SetPage: %v", err)
	}
	for i := 1; i < 3; i++ {
		if err := p.Table().SetPage(mmapBase+types.Vaddr(i*types.PageSize), types.MapWrite, nil, 0, 0); err != nil {
			t.Fatalf("SetPage: %v", err)
		}
	}
	f, _ := openFile(t, []byte("data"))

	if _, err := p.ReadFile(f, 0, mmapBase, 4); !errors.Is(err, ErrSegfault) {
		t.Errorf("ReadFile into read-only page: got %v, want ErrSegfault", err)
	}
	if _, err := p.WriteFile(f, 0, mmapBase, 4); err != nil {
		t.Errorf("WriteFile from read-only page: %v", err)
	}
	if _, err := p.ReadFile(f, 0, mmapBase+4*types.PageSize, 4); !errors.Is(err, ErrSegfault) {
		t.Errorf("ReadFile into unmapped page: got %v, want ErrSegfault", err)
	}
	// two frames cannot hold a buffer of two pages pinned
	if _, err := p.ReadFile(f, 0, mmapBase+types.PageSize, types.PageSize+1); !errors.Is(err, ErrBufferSize) {
		t.Errorf("ReadFile into oversized buffer: got %v, want ErrBufferSize", err)
	}
	if pinned := shared.Frames.Stats().PinnedFrames; pinned != 0 {
		t.Errorf("PinnedFrames = %d after rejected calls", pinned)
	}
}

// finishes fails the test if fn does not return within a few seconds.
func finishes(t *testing.T, what string, fn func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestAccessToPinnedBuffer(t *testing.T) {
	shared := newShared(t, 2)
	p := New(1, shared, defaultOpts)
	defer p.Exit()
	for i := 0; i < 4; i++ {
		if err := p.Table().SetPage(mmapBase+types.Vaddr(i*types.PageSize), types.MapWrite, nil, 0, 0); err != nil {
			t.Fatalf("SetPage: %v", err)
		}
	}

	if err := p.PinBuffer(mmapBase, 16); err != nil {
		t.Fatalf("PinBuffer: %v", err)
	}
	finishes(t, "Write into pinned buffer", func() error {
		return p.Write(mmapBase, []byte("pinned"))
	})
	got := make([]byte, 6)
	finishes(t, "Read from pinned buffer", func() error {
		return p.Read(mmapBase, got)
	})
	if string(got) != "pinned" {
		t.Errorf("Read = %q, want %q", got, "pinned")
	}
	if pinned := shared.Frames.Stats().PinnedFrames; pinned != 1 {
		t.Errorf("PinnedFrames = %d, want the buffer's single pin", pinned)
	}

	defer func() {
		if recover() == nil {
			t.Error("pinning a pinned buffer again should panic")
		}
		p.UnpinBuffer(mmapBase, 16)

		// the write through the held pin dirtied the page
		for i := 1; i < 4; i++ {
			if err := p.Write(mmapBase+types.Vaddr(i*types.PageSize), []byte{1}); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
		if err := p.Read(mmapBase, got); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != "pinned" {
			t.Errorf("after eviction Read = %q, want %q", got, "pinned")
		}
	}()
	p.PinBuffer(mmapBase+8, 4)
}
