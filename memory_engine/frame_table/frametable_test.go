package frametable

import (
	"DemandVM/memory_engine/physmem"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fakeOccupant struct {
	ft       *FrameTable
	accessed atomic.Bool
	busy     atomic.Bool
	resets   atomic.Int32
	evicted  atomic.Int32
}

func (o *fakeOccupant) Evict(fr *Frame) {
	o.evicted.Add(1)
	o.ft.Reclaim(fr)
}

func (o *fakeOccupant) TryResetAccessed() (bool, bool) {
	if o.busy.Load() {
		return false, false
	}
	o.resets.Add(1)
	return o.accessed.Swap(false), true
}

func newTable(t *testing.T, frames int) *FrameTable {
	t.Helper()
	mem, err := physmem.New(frames)
	if err != nil {
		t.Fatalf("Failed to create memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return New(mem)
}

// fill occupies every frame and leaves them unpinned.
func fill(ft *FrameTable) []*fakeOccupant {
	occs := make([]*fakeOccupant, ft.Len())
	for range occs {
		fr := ft.GetFrame()
		occs[fr.Index()] = &fakeOccupant{ft: ft}
		ft.Install(occs[fr.Index()], fr)
		fr.Unpin()
	}
	return occs
}

func TestGetFrameFromFreeList(t *testing.T) {
	ft := newTable(t, 4)

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		fr := ft.GetFrame()
		if !fr.IsPinned() {
			t.Fatalf("frame %d returned unpinned", fr.Index())
		}
		if seen[fr.Index()] {
			t.Fatalf("frame %d handed out twice", fr.Index())
		}
		seen[fr.Index()] = true
		ft.Install(&fakeOccupant{ft: ft}, fr)
	}

	stats := ft.Stats()
	if stats.FreeFrames != 0 || stats.PinnedFrames != 4 || stats.OccupiedFrames != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReclaimReturnsFrameToFreeList(t *testing.T) {
	ft := newTable(t, 1)

	fr := ft.GetFrame()
	ft.Install(&fakeOccupant{ft: ft}, fr)
	ft.Reclaim(fr)

	if fr.IsPinned() || fr.Occupant() != nil {
		t.Fatal("reclaimed frame should be unpinned and empty")
	}
	if got := ft.GetFrame(); got != fr {
		t.Errorf("expected reclaimed frame %d back, got %d", fr.Index(), got.Index())
	}
}

func TestEvictsLowestAge(t *testing.T) {
	ft := newTable(t, 3)
	occs := fill(ft)

	// age every frame, then give all but frame 1 a fresh access
	for i, o := range occs {
		o.accessed.Store(i != 1)
	}
	ft.Tick(0, 1)
	for i, o := range occs {
		o.accessed.Store(i != 1)
	}
	ft.Tick(0, 1)

	fr := ft.GetFrame()
	if fr.Index() != 1 {
		t.Errorf("victim = frame %d, want frame 1 (lowest age)", fr.Index())
	}
	if occs[1].evicted.Load() != 1 {
		t.Error("victim occupant was not asked to evict")
	}
	if ft.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", ft.Stats().Evictions)
	}
}

func TestPinnedFrameNeverVictim(t *testing.T) {
	ft := newTable(t, 2)
	occs := fill(ft)

	pinned := ft.Frame(0)
	if !pinned.TryPin() {
		t.Fatal("failed to pin frame 0")
	}

	for i := 0; i < 10; i++ {
		fr := ft.GetFrame()
		if fr == pinned {
			t.Fatal("pinned frame chosen as victim")
		}
		ft.Install(&fakeOccupant{ft: ft}, fr)
		fr.Unpin()
	}
	if occs[0].evicted.Load() != 0 {
		t.Error("occupant of pinned frame was evicted")
	}
	pinned.Unpin()
}

func TestTickAgesAndSkipsBusy(t *testing.T) {
	ft := newTable(t, 2)
	occs := fill(ft)

	occs[0].accessed.Store(true)
	occs[1].accessed.Store(true)
	occs[1].busy.Store(true)
	before := ft.Frame(1).Age()

	ft.Tick(0, 1)

	if got := ft.Frame(0).Age(); got != ageNew>>1|0x80 {
		t.Errorf("frame 0 age = %#x, want %#x", got, ageNew>>1|0x80)
	}
	if got := ft.Frame(1).Age(); got != before {
		t.Errorf("busy frame aged: %#x -> %#x", before, got)
	}
	if occs[1].resets.Load() != 0 {
		t.Error("busy occupant should not have been reset")
	}
}

func TestTickSkipsPinnedFrames(t *testing.T) {
	ft := newTable(t, 2)
	occs := fill(ft)

	ft.Frame(0).TryPin()
	ft.Tick(0, 1)
	ft.Frame(0).Unpin()

	if occs[0].resets.Load() != 0 {
		t.Error("pinned frame was examined")
	}
	if occs[1].resets.Load() != 1 {
		t.Error("unpinned frame was not examined")
	}
}

func TestAgingEventuallyExaminesEveryFrame(t *testing.T) {
	ft := newTable(t, 8)
	occs := fill(ft)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		ft.RunAging(ctx, time.Millisecond, 2)
		return nil
	})

	// keep frames transiently pinned while aging runs
	var stop atomic.Bool
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; !stop.Load(); i++ {
				fr := ft.Frame(i % ft.Len())
				if fr.TryPin() {
					time.Sleep(50 * time.Microsecond)
					fr.Unpin()
				}
			}
		}(w)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		all := true
		for _, o := range occs {
			if o.resets.Load() == 0 {
				all = false
			}
		}
		if all {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("some frame was never examined by aging")
		}
		time.Sleep(time.Millisecond)
	}

	stop.Store(true)
	wg.Wait()
	cancel()
	g.Wait()
}

func TestConcurrentGetFrameNoDoubleHandout(t *testing.T) {
	ft := newTable(t, 4)

	var owners [4]atomic.Int32
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				fr := ft.GetFrame()
				if owners[fr.Index()].Add(1) != 1 {
					t.Errorf("frame %d held by two callers", fr.Index())
				}
				ft.Install(&fakeOccupant{ft: ft}, fr)
				owners[fr.Index()].Add(-1)
				fr.Unpin()
			}
			return nil
		})
	}
	g.Wait()

	stats := ft.Stats()
	if stats.PinnedFrames != 0 {
		t.Errorf("PinnedFrames = %d after all callers finished", stats.PinnedFrames)
	}
	if stats.Evictions == 0 {
		t.Error("expected evictions under pressure")
	}
}

func TestUnpinUnpinnedPanics(t *testing.T) {
	ft := newTable(t, 1)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	ft.Frame(0).Unpin()
}
