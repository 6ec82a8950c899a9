package cache

import (
	"container/list"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/logger"
	"github.com/outofforest/sequoia/seqlog"
	"github.com/outofforest/sequoia/tree"
	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

// Defaults.
const (
	DefaultShards    = 128
	DefaultLowMarker = 128 * 1024 * 1024
)

const readBackoff = 100 * time.Microsecond

// Config stores cache configuration.
type Config struct {
	Log seqlog.Log

	// Shards is the number of cache shards. Must be a power of two.
	Shards int

	// LowMarker is the memory budget in bytes. The vacuum evicts down to it.
	LowMarker int64
}

// New creates a new node cache.
func New(config Config) *Cache {
	if config.Shards == 0 {
		config.Shards = DefaultShards
	}
	if config.LowMarker == 0 {
		config.LowMarker = DefaultLowMarker
	}

	c := &Cache{
		config: config,
		shards: make([]*shard, config.Shards),
		imap:   haxmap.New[uint64, uint64](),
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			nodes: map[key]*entry{},
			lru:   list.New(),
		}
	}
	return c
}

// Cache maps after-image node addresses to materialized nodes. It is sharded,
// memory-bounded, and safe for concurrent use. Eviction is memory-only: log
// addresses stay valid and evicted nodes are refetched on demand.
type Cache struct {
	config Config

	shards    []*shard
	usedBytes atomic.Int64

	// imap maps committed intention positions to the positions of their
	// primary after-images.
	imap *haxmap.Map[uint64, uint64]

	mu     sync.Mutex
	traces []tree.Trace
	signal chan struct{}
	stopCh chan struct{}
}

type key struct {
	pos types.Position
	off types.Offset
}

type entry struct {
	node *tree.Node
	elem *list.Element
}

type shard struct {
	mu    sync.Mutex
	nodes map[key]*entry
	lru   *list.List
}

// Resolve materializes the node stored at the address, reading the log on a
// miss. Intention-kinded addresses are first upgraded through the
// intention-to-after-image index, waiting for the after-image to be
// discovered if necessary.
func (c *Cache) Resolve(trace *tree.Trace, addr types.NodeAddress) (*tree.Node, error) {
	pos := addr.Pos
	if addr.Kind == types.KindIntention {
		var err error
		if pos, err = c.waitAfterImage(addr.Pos); err != nil {
			return nil, err
		}
	}

	k := key{pos: pos, off: addr.Off}
	aiAddr := types.AfterImageAddress(pos, addr.Off)

	sh := c.shardFor(k)
	sh.mu.Lock()
	if e, ok := sh.nodes[k]; ok {
		sh.lru.MoveToFront(e.elem)
		sh.mu.Unlock()
		trace.Add(aiAddr)
		return e.node, nil
	}
	sh.mu.Unlock()

	// Publish the trace before blocking on the log so it does not go stale
	// while the read is in flight.
	c.UpdateLRU(trace)
	trace.Add(aiAddr)

	ai, err := c.readAfterImage(pos)
	if err != nil {
		return nil, err
	}
	if int(k.off) >= len(ai.Nodes) {
		return nil, errors.Wrapf(wire.ErrCorruptEntry,
			"offset %d outside after-image of %d nodes at %d", k.off, len(ai.Nodes), pos)
	}
	node := tree.FromRecord(&ai.Nodes[k.off], pos, ai.Intention)

	// Another fetch may have inserted the node while the lock was dropped.
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.nodes[k]; ok {
		sh.lru.MoveToFront(e.elem)
		return e.node, nil
	}
	c.insert(sh, k, node)
	return node, nil
}

// UpdateLRU hands a finished access trace to the vacuum. The trace is
// consumed.
func (c *Cache) UpdateLRU(trace *tree.Trace) {
	if len(*trace) == 0 {
		return
	}
	t := make(tree.Trace, len(*trace))
	copy(t, *trace)
	*trace = (*trace)[:0]

	c.mu.Lock()
	c.traces = append(c.traces, t)
	c.mu.Unlock()

	c.notify()
}

// IntentionToAfterImage maps a committed intention position to its primary
// after-image position, if already discovered.
func (c *Cache) IntentionToAfterImage(pos types.Position) (types.Position, bool) {
	ai, ok := c.imap.Get(uint64(pos))
	return types.Position(ai), ok
}

// SetIntentionMapping records the primary after-image of an intention. The
// first after-image in log order is primary; later duplicates are ignored so
// that addresses stay identical across replays.
func (c *Cache) SetIntentionMapping(intention, afterImage types.Position) {
	c.imap.GetOrSet(uint64(intention), uint64(afterImage))
}

// CacheAfterImage materializes and caches every node of an after-image read
// from the log and returns a pointer to its root.
func (c *Cache) CacheAfterImage(ai *wire.AfterImage, pos types.Position) tree.NodePtr {
	if len(ai.Nodes) == 0 {
		return tree.Ptr(tree.Nil())
	}

	var node *tree.Node
	for idx := range ai.Nodes {
		node = tree.FromRecord(&ai.Nodes[idx], pos, ai.Intention)
		k := key{pos: pos, off: types.Offset(idx)}

		sh := c.shardFor(k)
		sh.mu.Lock()
		if e, ok := sh.nodes[k]; ok {
			node = e.node
		} else {
			c.insert(sh, k, node)
		}
		sh.mu.Unlock()
	}

	ptr := tree.Ptr(node)
	ptr.SetAddress(types.AfterImageAddress(pos, types.Offset(len(ai.Nodes)-1)))
	return ptr
}

// ApplyAfterImageDelta publishes a committed transaction's delta at its
// after-image position: every node becomes read-only and is inserted into the
// cache, avoiding a log read on the write path. The returned pointer
// references the new root with its final address.
func (c *Cache) ApplyAfterImageDelta(delta []*tree.Node, pos types.Position) tree.NodePtr {
	if len(delta) == 0 {
		return tree.Ptr(tree.Nil())
	}

	for idx, node := range delta {
		node.SetReadOnly()
		k := key{pos: pos, off: types.Offset(idx)}

		sh := c.shardFor(k)
		sh.mu.Lock()
		if _, ok := sh.nodes[k]; !ok {
			c.insert(sh, k, node)
		}
		sh.mu.Unlock()
	}

	ptr := tree.Ptr(delta[len(delta)-1])
	ptr.SetAddress(types.AfterImageAddress(pos, types.Offset(len(delta)-1)))
	return ptr
}

// UsedBytes returns the current memory accounting of the cache.
func (c *Cache) UsedBytes() int64 {
	return c.usedBytes.Load()
}

// Run runs the vacuum loop: it drains pending traces into LRU updates and,
// when the memory budget is exceeded, evicts LRU tails shard by shard.
func (c *Cache) Run(ctx context.Context) error {
	log := logger.Get(ctx)
	for {
		select {
		case <-ctx.Done():
			close(c.stopCh)
			return errors.WithStack(ctx.Err())
		case <-c.signal:
		}

		c.mu.Lock()
		traces := c.traces
		c.traces = nil
		c.mu.Unlock()

		for _, t := range traces {
			for _, addr := range t {
				k := key{pos: addr.Pos, off: addr.Off}
				sh := c.shardFor(k)
				sh.mu.Lock()
				if e, ok := sh.nodes[k]; ok {
					sh.lru.MoveToFront(e.elem)
				}
				sh.mu.Unlock()
			}
		}

		if used := c.usedBytes.Load(); used > c.config.LowMarker {
			target := (used - c.config.LowMarker) / int64(len(c.shards))
			if target == 0 {
				target = 1
			}
			for _, sh := range c.shards {
				c.evict(sh, target)
			}
			log.Debug("cache vacuum pass finished")
		}

		// Per-shard rounding may leave the budget exceeded; keep going.
		if c.usedBytes.Load() > c.config.LowMarker {
			c.notify()
		}
	}
}

func (c *Cache) evict(sh *shard, target int64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	left := target
	for left > 0 && sh.lru.Len() > 0 {
		back := sh.lru.Back()
		k := back.Value.(key)
		e := sh.nodes[k]
		size := e.node.ByteSize()
		c.usedBytes.Add(-size)
		left -= size
		delete(sh.nodes, k)
		sh.lru.Remove(back)
	}
}

// insert adds a node to the shard. Caller holds the shard lock.
func (c *Cache) insert(sh *shard, k key, node *tree.Node) {
	elem := sh.lru.PushFront(k)
	sh.nodes[k] = &entry{node: node, elem: elem}
	if c.usedBytes.Add(node.ByteSize()) > c.config.LowMarker {
		c.notify()
	}
}

func (c *Cache) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Cache) shardFor(k key) *shard {
	var b [10]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k.pos))
	binary.LittleEndian.PutUint16(b[8:], uint16(k.off))
	return c.shards[xxhash.Sum64(b[:])&uint64(len(c.shards)-1)]
}

// waitAfterImage blocks until the primary after-image of the intention is
// discovered. The after-image is guaranteed to arrive: it either exists on
// the log already or the transaction processor is about to append it.
func (c *Cache) waitAfterImage(intention types.Position) (types.Position, error) {
	for {
		if ai, ok := c.imap.Get(uint64(intention)); ok {
			return types.Position(ai), nil
		}
		select {
		case <-c.stopCh:
			return 0, errors.Wrapf(context.Canceled, "shutdown while resolving intention %d", intention)
		case <-time.After(readBackoff):
		}
	}
}

// readAfterImage reads and decodes the after-image at the position, retrying
// transient log errors. Decode failures are fatal: they indicate corruption.
func (c *Cache) readAfterImage(pos types.Position) (*wire.AfterImage, error) {
	for {
		data, err := c.config.Log.Read(pos)
		switch {
		case err == nil:
			_, ai, err := wire.Decode(data)
			if err != nil {
				return nil, err
			}
			if ai == nil {
				return nil, errors.Wrapf(wire.ErrCorruptEntry,
					"expected after-image at %d", pos)
			}
			return ai, nil
		case errors.Is(err, seqlog.ErrNotWritten):
			// The position is referenced by a committed node, so it must
			// exist; wait out the read-after-append race.
		case errors.Is(err, seqlog.ErrFilled):
			return nil, errors.Wrapf(err, "after-image at %d was filled", pos)
		default:
			// Transient log I/O failure: retry after the backoff.
		}

		select {
		case <-c.stopCh:
			return nil, errors.Wrapf(context.Canceled, "shutdown while reading %d", pos)
		case <-time.After(readBackoff):
		}
	}
}
