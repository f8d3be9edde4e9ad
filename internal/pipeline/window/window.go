package window

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emperorhan/tbm-forecaster/internal/domain/model"
)

// DefaultSize is the number of timesteps fed to the model.
const DefaultSize = 5

// Window is one immutable generation of the buffer, oldest first.
type Window struct {
	Vectors []model.Vector `json:"vectors"`
	Pushes  int64          `json:"pushes"`
	Ready   bool           `json:"ready"`
	Seeded  bool           `json:"seeded"`
}

// Len is 0 before the first push or seed, and the capacity afterwards.
func (w Window) Len() int { return len(w.Vectors) }

// Newest returns the most recently appended vector.
func (w Window) Newest() (model.Vector, bool) {
	if len(w.Vectors) == 0 {
		return model.Vector{}, false
	}
	return w.Vectors[len(w.Vectors)-1], true
}

// Flatten returns the vectors row-major for model input.
func (w Window) Flatten() [][model.FeatureCount]float64 {
	rows := make([][model.FeatureCount]float64, len(w.Vectors))
	for i, v := range w.Vectors {
		rows[i] = v
	}
	return rows
}

// Buffer is a fixed-capacity FIFO of complete vectors. Writers build a new
// Window per mutation and publish it with an atomic swap, so Snapshot never
// observes a half-shifted buffer.
type Buffer struct {
	size int

	writeMu sync.Mutex
	current atomic.Pointer[Window]
}

func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	b := &Buffer{size: size}
	b.current.Store(&Window{})
	return b
}

func (b *Buffer) Size() int { return b.size }

// Push evicts the oldest vector and appends v. Before any seed the buffer is
// zero-padded so its length is already the capacity; readiness still needs
// size pushes.
func (b *Buffer) Push(v model.Vector) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	cur := b.current.Load()
	next := make([]model.Vector, b.size)
	if len(cur.Vectors) == b.size {
		copy(next, cur.Vectors[1:])
	}
	next[b.size-1] = v

	pushes := cur.Pushes + 1
	b.current.Store(&Window{
		Vectors: next,
		Pushes:  pushes,
		Seeded:  cur.Seeded,
		Ready:   cur.Seeded || pushes >= int64(b.size),
	})
}

// Seed replaces the contents with exactly size vectors, oldest first, and
// marks the buffer ready.
func (b *Buffer) Seed(vectors []model.Vector) error {
	if len(vectors) != b.size {
		return fmt.Errorf("seed window: got %d vectors, want %d", len(vectors), b.size)
	}
	next := make([]model.Vector, b.size)
	copy(next, vectors)

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.current.Store(&Window{Vectors: next, Seeded: true, Ready: true})
	return nil
}

func (b *Buffer) IsReady() bool {
	return b.current.Load().Ready
}

func (b *Buffer) Len() int {
	return len(b.current.Load().Vectors)
}

// Snapshot returns a copy of the current generation.
func (b *Buffer) Snapshot() Window {
	w := *b.current.Load()
	w.Vectors = append([]model.Vector(nil), w.Vectors...)
	return w
}
