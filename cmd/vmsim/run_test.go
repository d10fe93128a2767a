package main

import (
	"DemandVM/config"
	memoryengine "DemandVM/memory_engine"
	"context"
	"testing"
	"time"
)

func TestRunWorkload(t *testing.T) {
	cfg := config.Default()
	cfg.Frames = 16
	cfg.SwapSlots = 512
	cfg.AgingInterval = config.Duration{Duration: time.Millisecond}

	me, err := memoryengine.NewMemoryEngine(cfg)
	if err != nil {
		t.Fatalf("NewMemoryEngine: %v", err)
	}
	defer me.Close()

	if err := runWorkload(context.Background(), me, t.TempDir(), 3, 24, 2); err != nil {
		t.Fatalf("workload failed: %v", err)
	}

	stats := me.Stats()
	if stats.Frames.Evictions == 0 {
		t.Error("workload should have forced evictions")
	}
	if stats.Swap.UsedSlots != 0 {
		t.Errorf("%d swap slots still used after all processes exited", stats.Swap.UsedSlots)
	}
}

func TestFillDiffers(t *testing.T) {
	a, b := fill(64, 1, 0), fill(64, 2, 0)
	if string(a) == string(b) {
		t.Error("patterns of different processes should differ")
	}
}
