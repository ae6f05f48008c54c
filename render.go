package orbit

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// RenderBuffer holds 3N float32 positions in catalog order, scaled into
// the caller's length unit. Every write bumps Version; consumers compare
// versions to detect new data.
type RenderBuffer struct {
	mu        sync.RWMutex
	positions []float32
	version   atomic.Uint64
}

// NewRenderBuffer allocates a render buffer for n objects.
func NewRenderBuffer(n int) *RenderBuffer {
	if n < 0 {
		n = 0
	}
	return &RenderBuffer{positions: make([]float32, 3*n)}
}

// WrapRenderBuffer uses positions as backing storage. The caller must not
// modify it concurrently with the engine.
func WrapRenderBuffer(positions []float32) (*RenderBuffer, error) {
	if len(positions)%3 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 3", ErrRenderSize, len(positions))
	}
	return &RenderBuffer{positions: positions}, nil
}

// Len returns the number of objects.
func (b *RenderBuffer) Len() int { return len(b.positions) / 3 }

// Version returns the write counter.
func (b *RenderBuffer) Version() uint64 { return b.version.Load() }

// Fill writes the elements' initial positions multiplied by scale.
func (b *RenderBuffer) Fill(elements []Element, scale float64) error {
	if len(elements) != b.Len() {
		return fmt.Errorf("%w: %d elements for %d positions", ErrRenderSize, len(elements), b.Len())
	}
	b.mu.Lock()
	for i, e := range elements {
		b.positions[3*i+0] = float32(e.Position.X * scale)
		b.positions[3*i+1] = float32(e.Position.Y * scale)
		b.positions[3*i+2] = float32(e.Position.Z * scale)
	}
	b.version.Add(1)
	b.mu.Unlock()
	return nil
}

// Snapshot copies the positions into dst and returns it with the version
// the copy corresponds to.
func (b *RenderBuffer) Snapshot(dst []float32) ([]float32, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dst = append(dst[:0], b.positions...)
	return dst, b.version.Load()
}

// Read calls fn with the live positions under the read lock. fn must not
// retain the slice.
func (b *RenderBuffer) Read(fn func(positions []float32, version uint64)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.positions, b.version.Load())
}

// writeRecords copies the positions of n packed records from a
// little-endian byte image, multiplied by scale.
func (b *RenderBuffer) writeRecords(raw []byte, n int, scale float64) {
	b.mu.Lock()
	for i := 0; i < n; i++ {
		base := i * RecordSize
		for j := 0; j < 3; j++ {
			f := math.Float32frombits(binary.LittleEndian.Uint32(raw[base+4*(OffsetPosition+j):]))
			b.positions[3*i+j] = float32(float64(f) * scale)
		}
	}
	b.version.Add(1)
	b.mu.Unlock()
}
