package entry

import (
	"sync"

	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

// ringCapacity bounds the intention ring. It only needs to cover the gap
// between a local append and its replay, so a handful of entries suffices;
// misses fall back to the log.
const ringCapacity = 16

func newRing() *ring {
	return &ring{
		entries: map[types.Position]wire.Intention{},
	}
}

// ring is a small FIFO cache of recently appended intentions. It exists to
// spare the intention reader a log read for entries this process just
// produced.
type ring struct {
	mu      sync.Mutex
	entries map[types.Position]wire.Intention
	order   []types.Position
}

func (r *ring) insert(i *wire.Intention) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) >= ringCapacity {
		delete(r.entries, r.order[0])
		r.order = r.order[1:]
	}
	r.entries[i.Position] = *i
	r.order = append(r.order, i.Position)
}

func (r *ring) find(pos types.Position) (*wire.Intention, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.entries[pos]
	if !ok {
		return nil, false
	}
	c := i
	return &c, true
}
