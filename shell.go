package main

import (
	memoryengine "DemandVM/memory_engine"
	"DemandVM/memory_engine/process"
	"DemandVM/types"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

/*
Commands understood by the vm> prompt:

	spawn [args...]                       new process with a stack, prints its pid
	map <pid> <addr> <pages> [ro]         describe anonymous pages
	mmap <pid> <path> <addr>              map a whole file
	munmap <pid> <addr>
	write <pid> <addr> <text>
	read <pid> <addr> <n>
	fread <pid> <path> <off> <addr> <n>   read a file into memory
	fwrite <pid> <path> <off> <addr> <n>  write memory to a file
	kill <pid>                            exit a process
	ps
	stats
	help
*/

var errUsage = errors.New("bad arguments, try help")

type shell struct {
	me  *memoryengine.MemoryEngine
	out io.Writer
}

func newShell(me *memoryengine.MemoryEngine, out io.Writer) *shell {
	return &shell{me: me, out: out}
}

func (sh *shell) exec(line string) error {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(sh.out, "spawn, map, mmap, munmap, write, read, fread, fwrite, kill, ps, stats, exit")
		return nil
	case "spawn":
		p, err := sh.me.NewProcess()
		if err != nil {
			return err
		}
		esp, err := p.SetupStack(append([]string{"proc"}, args...))
		if err != nil {
			sh.me.Exit(p)
			return err
		}
		fmt.Fprintf(sh.out, "pid %d, esp %s\n", p.PID(), esp)
		return nil
	case "ps":
		for _, p := range sh.me.Processes() {
			st := p.Stats()
			fmt.Fprintf(sh.out, "%5d  %d pages, %d present, %d swapped\n", p.PID(), st.Mappings, st.Present, st.Swapped)
		}
		return nil
	case "stats":
		sh.me.Stats().WriteStats(sh.out)
		return nil
	}

	if len(args) < 1 {
		return errUsage
	}
	p, err := sh.process(args[0])
	if err != nil {
		return err
	}
	args = args[1:]

	switch cmd {
	case "map":
		if len(args) < 2 {
			return errUsage
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return errUsage
		}
		flags := types.MapWrite
		if len(args) > 2 && args[2] == "ro" {
			flags = 0
		}
		if addr.PageOffset() != 0 {
			return fmt.Errorf("map at %s: address is not page aligned", addr)
		}
		tbl := p.Table()
		for i := 0; i < n; i++ {
			if upage := addr + types.Vaddr(i*types.PageSize); !tbl.IsMappable(upage) {
				return fmt.Errorf("map at %s: %s cannot be mapped", addr, upage)
			}
		}
		for i := 0; i < n; i++ {
			if err := tbl.SetPage(addr+types.Vaddr(i*types.PageSize), flags, nil, 0, 0); err != nil {
				for j := 0; j < i; j++ {
					if cerr := tbl.ClearPage(addr + types.Vaddr(j*types.PageSize)); cerr != nil {
						err = errors.Join(err, cerr)
					}
				}
				return fmt.Errorf("map at %s: %w", addr, err)
			}
		}
		fmt.Fprintf(sh.out, "mapped %s at %s\n", humanize.IBytes(uint64(n)*types.PageSize), addr)
	case "mmap":
		if len(args) != 2 {
			return errUsage
		}
		addr, err := parseAddr(args[1])
		if err != nil {
			return err
		}
		f, err := sh.me.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		id, err := p.Mmap(f, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "mapping %s\n", id)
	case "munmap":
		if len(args) != 1 {
			return errUsage
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		return p.Munmap(addr)
	case "write":
		if len(args) < 2 {
			return errUsage
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		if err := p.Write(addr, []byte(text)); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "wrote %d bytes\n", len(text))
	case "read":
		if len(args) != 2 {
			return errUsage
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return errUsage
		}
		buf := make([]byte, n)
		if err := p.Read(addr, buf); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%q\n", buf)
	case "fread", "fwrite":
		if len(args) != 4 {
			return errUsage
		}
		offset, err := strconv.ParseInt(args[1], 0, 64)
		if err != nil || offset < 0 {
			return errUsage
		}
		addr, err := parseAddr(args[2])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[3])
		if err != nil || n <= 0 {
			return errUsage
		}
		return sh.fileIO(p, cmd == "fread", args[0], offset, addr, n)
	case "kill":
		return sh.me.Exit(p)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// fileIO moves n bytes between the file at path and the process's memory.
// fwrite creates the file if it does not exist.
func (sh *shell) fileIO(p *process.Process, read bool, path string, offset int64, addr types.Vaddr, n int) error {
	open := sh.me.CreateFile
	if read {
		open = sh.me.OpenFile
	}
	f, err := open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if read {
		got, err := p.ReadFile(f, offset, addr, n)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "read %d bytes\n", got)
		return nil
	}
	put, err := p.WriteFile(f, offset, addr, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "wrote %d bytes\n", put)
	return nil
}

func (sh *shell) process(arg string) (*process.Process, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil {
		return nil, errUsage
	}
	p, ok := sh.me.Process(pid)
	if !ok {
		return nil, fmt.Errorf("no process %d", pid)
	}
	return p, nil
}

func parseAddr(s string) (types.Vaddr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return types.Vaddr(v), nil
}
