package entry

import (
	"sort"
	"sync"

	"github.com/outofforest/sequoia/tree"
	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

// Match pairs a committed transaction's delta with the position of its
// primary after-image on the log.
type Match struct {
	Delta []*tree.Node
	Tree  *tree.Tree
	Pos   types.Position
}

// NewMatcher creates a new matcher.
func NewMatcher() *Matcher {
	return &Matcher{
		entries: map[types.Position]*pending{},
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),

		watermark: -1,
	}
}

// Matcher pairs locally replayed intentions with their primary after-images:
// the first after-image observed on the log for each intention. Watches must
// be registered in strict intention log order; that is what lets the
// watermark garbage-collect the index from the leading edge.
type Matcher struct {
	mu sync.Mutex

	// watermark is the largest intention position at or below which every
	// watch has been matched and delivered. After-images at or below it are stale
	// duplicates.
	watermark int64

	// entries is the rendezvous and de-duplication index, keyed by intention
	// position.
	entries map[types.Position]*pending
	// order holds the keys of entries in ascending order.
	order []types.Position

	matched []Match

	signal   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// pending is one side of a rendezvous: an after-image with no watcher yet, a
// watcher with no after-image yet, or a matched pair awaiting gc.
type pending struct {
	pos     types.Position
	hasPos  bool
	tree    *tree.Tree
	delta   []*tree.Node
	hasTree bool
}

func (p *pending) matched() bool {
	return !p.hasPos && !p.hasTree
}

// Watch registers the delta and tree of a locally replayed intention. If the
// after-image has already been observed the pair is delivered immediately.
func (m *Matcher) Watch(delta []*tree.Node, tr *tree.Tree) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ipos := tr.Intention()

	p, ok := m.entries[ipos]
	switch {
	case !ok:
		m.addEntry(ipos, &pending{tree: tr, delta: delta, hasTree: true})
	case p.hasPos:
		m.matched = append(m.matched, Match{Delta: delta, Tree: tr, Pos: p.pos})
		p.hasPos = false
		m.notify()
	}

	m.gc()
}

// Push records an after-image observed on the log. Duplicates at or below
// the watermark and non-primary after-images are ignored.
func (m *Matcher) Push(ai *wire.AfterImage, pos types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ipos := ai.Intention
	if int64(ipos) <= m.watermark {
		return
	}

	p, ok := m.entries[ipos]
	switch {
	case !ok:
		m.addEntry(ipos, &pending{pos: pos, hasPos: true})
	case !p.hasPos && p.hasTree:
		m.matched = append(m.matched, Match{Delta: p.delta, Tree: p.tree, Pos: pos})
		p.tree = nil
		p.delta = nil
		p.hasTree = false
		m.notify()
	}

	m.gc()
}

// Wait blocks until the next matched pair is available. The second return
// value is false on shutdown.
func (m *Matcher) Wait() (Match, bool) {
	for {
		m.mu.Lock()
		if len(m.matched) > 0 {
			match := m.matched[0]
			m.matched = m.matched[1:]
			m.mu.Unlock()
			return match, true
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-m.stopCh:
			return Match{}, false
		}
	}
}

// Stop unblocks all waiters.
func (m *Matcher) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Watermark returns the current matched watermark.
func (m *Matcher) Watermark() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

func (m *Matcher) addEntry(ipos types.Position, p *pending) {
	m.entries[ipos] = p
	idx := sort.Search(len(m.order), func(i int) bool { return m.order[i] >= ipos })
	m.order = append(m.order, 0)
	copy(m.order[idx+1:], m.order[idx:])
	m.order[idx] = ipos
}

// gc removes leading fully-matched entries and advances the watermark. Gaps
// stall the watermark, never the matching itself.
func (m *Matcher) gc() {
	for len(m.order) > 0 {
		ipos := m.order[0]
		p := m.entries[ipos]
		if !p.matched() {
			break
		}
		m.watermark = int64(ipos)
		delete(m.entries, ipos)
		m.order = m.order[1:]
	}
}

func (m *Matcher) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
