package main

import (
	"DemandVM/config"
	"DemandVM/logger"
	memoryengine "DemandVM/memory_engine"
	filemanager "DemandVM/memory_engine/file_manager"
	"DemandVM/memory_engine/process"
	"DemandVM/types"
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

const (
	anonBase = types.Vaddr(0x10000000)
	mmapBase = types.Vaddr(0x40000000)
	// mmapPages is the size of each process's mapped file.
	mmapPages = 2
	// ioChunk is the buffer size of one file syscall; it straddles a page.
	ioChunk = types.PageSize + 512
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	configPath string
	procs      int
	pages      int
	rounds     int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run processes that write and verify more memory than there are frames"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags]

Every process writes a distinct pattern over its anonymous pages and an
mmapped file each round, then reads everything back. The anonymous pages
also go out to a file and back in through pinned file I/O. Any mismatch
fails the run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "TOML configuration file; defaults when empty")
	f.IntVar(&r.procs, "procs", 4, "number of concurrent processes")
	f.IntVar(&r.pages, "pages", 64, "anonymous pages per process")
	f.IntVar(&r.rounds, "rounds", 3, "write/verify rounds per process")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitUsageError
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		return subcommands.ExitUsageError
	}

	me, err := memoryengine.NewMemoryEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	defer me.Close()

	dir, err := os.MkdirTemp("", "vmsim")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create work dir: %v\n", err)
		return subcommands.ExitFailure
	}
	defer os.RemoveAll(dir)

	start := time.Now()
	if err := runWorkload(ctx, me, dir, r.procs, r.pages, r.rounds); err != nil {
		fmt.Fprintf(os.Stderr, "workload failed: %v\n", err)
		return subcommands.ExitFailure
	}

	touched := uint64(r.procs) * uint64(r.pages+mmapPages) * types.PageSize
	fmt.Printf("%d processes touched %s with %s of frames in %v\n",
		r.procs, humanize.IBytes(touched), humanize.IBytes(uint64(cfg.Frames)*types.PageSize),
		time.Since(start).Round(time.Millisecond))
	me.Stats().WriteStats(os.Stdout)
	return subcommands.ExitSuccess
}

// runWorkload runs procs processes to completion and reports the first
// verification failure.
func runWorkload(ctx context.Context, me *memoryengine.MemoryEngine, dir string, procs, pages, rounds int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < procs; i++ {
		p, err := me.NewProcess()
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		g.Go(func() error {
			defer me.Exit(p)
			return worker(ctx, me, p, dir, pages, rounds)
		})
	}
	return g.Wait()
}

func worker(ctx context.Context, me *memoryengine.MemoryEngine, p *process.Process, dir string, pages, rounds int) error {
	pid := p.PID()
	if _, err := p.SetupStack([]string{"worker", fmt.Sprint(pid)}); err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	for i := 0; i < pages; i++ {
		if err := p.Table().SetPage(anonBase+types.Vaddr(i*types.PageSize), types.MapWrite, nil, 0, 0); err != nil {
			return fmt.Errorf("pid %d: %w", pid, err)
		}
	}

	path := filepath.Join(dir, fmt.Sprintf("proc-%d.dat", pid))
	if err := os.WriteFile(path, make([]byte, mmapPages*types.PageSize), 0644); err != nil {
		return fmt.Errorf("pid %d: failed to create mapped file: %w", pid, err)
	}
	file, err := me.OpenFile(path)
	if err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	defer file.Close()
	id, err := p.Mmap(file, mmapBase)
	if err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}

	dump, err := me.CreateFile(filepath.Join(dir, fmt.Sprintf("proc-%d.dump", pid)))
	if err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	defer dump.Close()

	var last []byte
	for r := 0; r < rounds; r++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		anon := fill(pages*types.PageSize, pid, r)
		mapped := fill(mmapPages*types.PageSize, pid, r+rounds)
		if err := p.Write(anonBase, anon); err != nil {
			return fmt.Errorf("pid %d round %d: %w", pid, r, err)
		}
		if err := p.Write(mmapBase, mapped); err != nil {
			return fmt.Errorf("pid %d round %d: %w", pid, r, err)
		}
		if err := verify(p, anonBase, anon); err != nil {
			return fmt.Errorf("pid %d round %d: %w", pid, r, err)
		}
		if err := verify(p, mmapBase, mapped); err != nil {
			return fmt.Errorf("pid %d round %d: %w", pid, r, err)
		}
		if err := roundTrip(p, dump, anon); err != nil {
			return fmt.Errorf("pid %d round %d: %w", pid, r, err)
		}
		last = mapped
	}

	if err := p.Munmap(id); err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	if last != nil {
		onDisk, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("pid %d: %w", pid, err)
		}
		if !bytes.Equal(onDisk, last) {
			return fmt.Errorf("pid %d: mapped file not written back", pid)
		}
	}
	return nil
}

// roundTrip writes the anonymous region to dump through file syscalls,
// scrubs it, reads it back the same way and checks it still holds want.
// Each call moves at most ioChunk bytes so a process never pins more than
// two frames at once.
func roundTrip(p *process.Process, dump *filemanager.File, want []byte) error {
	for off := 0; off < len(want); off += ioChunk {
		n := min(ioChunk, len(want)-off)
		if _, err := p.WriteFile(dump, int64(off), anonBase+types.Vaddr(off), n); err != nil {
			return err
		}
	}
	if err := p.Write(anonBase, make([]byte, len(want))); err != nil {
		return err
	}
	for off := 0; off < len(want); off += ioChunk {
		n := min(ioChunk, len(want)-off)
		got, err := p.ReadFile(dump, int64(off), anonBase+types.Vaddr(off), n)
		if err != nil {
			return err
		}
		if got != n {
			return fmt.Errorf("short read of %d bytes from dump at %d", got, off)
		}
	}
	return verify(p, anonBase, want)
}

func verify(p *process.Process, addr types.Vaddr, want []byte) error {
	got := make([]byte, len(want))
	if err := p.Read(addr, got); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("memory at %s does not hold what was written", addr)
	}
	return nil
}

// fill returns n bytes that differ per process, round and page.
func fill(n, pid, round int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(pid*31 + round*7 + i/types.PageSize + i%13)
	}
	return b
}
