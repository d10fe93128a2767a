package physmem

import (
	"DemandVM/types"
	"fmt"
)

/*
Physical memory for the engine: one contiguous, page-aligned region carved
into PageSize frames. Frame i lives at bytes [i*PageSize, (i+1)*PageSize).

On unix the region comes from an anonymous private mmap so it sits outside
the Go heap; elsewhere it falls back to an ordinary slice.
*/

type Memory struct {
	data   []byte
	frames int
}

// New reserves memory for the given number of frames.
func New(frames int) (*Memory, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("physmem: frame count must be positive, got %d", frames)
	}
	data, err := mapRegion(frames * types.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d frames: %w", frames, err)
	}
	return &Memory{data: data, frames: frames}, nil
}

// Frame returns the bytes of frame idx. The slice cannot grow into the next frame.
func (m *Memory) Frame(idx int) []byte {
	if idx < 0 || idx >= m.frames {
		panic(fmt.Sprintf("physmem: frame %d out of range [0, %d)", idx, m.frames))
	}
	start := idx * types.PageSize
	return m.data[start : start+types.PageSize : start+types.PageSize]
}

// Frames returns the number of frames.
func (m *Memory) Frames() int {
	return m.frames
}

// Close releases the region. Frames must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unmapRegion(m.data)
	m.data = nil
	return err
}
