package sequoia

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/mass"
	"github.com/outofforest/parallel"
	"github.com/outofforest/sequoia/cache"
	"github.com/outofforest/sequoia/entry"
	"github.com/outofforest/sequoia/seqlog"
	"github.com/outofforest/sequoia/tree"
	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

// Database errors.
var (
	// ErrEmptyLog is returned by Open when the log is empty and creation was
	// not requested.
	ErrEmptyLog = errors.New("log is empty")

	// ErrAborted is returned by Commit when the transaction conflicts with a
	// concurrently committed intention. The caller may rebuild and retry.
	ErrAborted = errors.New("transaction aborted")

	// ErrNotFound is returned by Get for absent keys.
	ErrNotFound = tree.ErrNotFound

	// ErrClosed is returned by operations issued after shutdown.
	ErrClosed = errors.New("database closed")
)

// Config stores database configuration.
type Config struct {
	Log seqlog.Log

	// CreateIfEmpty initializes an empty log with the genesis intention.
	CreateIfEmpty bool

	// CacheShards is the number of node cache shards. Power of two.
	CacheShards int

	// CacheLowMarker is the node cache memory budget in bytes.
	CacheLowMarker int64
}

// Open restores a database from the log: it locates the newest consistent
// after-image, installs its root, seeds the intention index, and prepares
// replay of every intention committed past that point. Run must be started
// for the database to make progress.
func Open(config Config) (*DB, error) {
	tail, err := config.Log.CheckTail()
	if err != nil {
		return nil, err
	}
	if tail == 0 {
		if !config.CreateIfEmpty {
			return nil, ErrEmptyLog
		}
		if _, err := config.Log.Append(wire.EncodeIntention(&wire.Intention{Snapshot: -1})); err != nil {
			return nil, err
		}
		tail = 1
	}

	c := cache.New(cache.Config{
		Log:       config.Log,
		Shards:    config.CacheShards,
		LowMarker: config.CacheLowMarker,
	})

	db := &DB{
		config:        config,
		cache:         c,
		root:          tree.Ptr(tree.Nil()),
		rootIntention: -1,
		nextRID:       -1,
		finder:        newTxnFinder(),
		local:         map[uint64]*Transaction{},
		massTxn:       mass.New[Transaction](1000),
		stopCh:        make(chan struct{}),
	}

	if err := db.restore(tail); err != nil {
		return nil, err
	}

	db.service = entry.New(entry.Config{
		Log:   config.Log,
		Cache: c,
		// Every after-image below the tail has been accounted for during
		// restore; the reader picks up the new ones.
		StartPos: tail,
	})
	db.queue = db.service.NewIntentionQueue(types.Position(db.rootIntention + 1))

	return db, nil
}

// DB is an ordered key/value database whose entire state lives on a shared,
// append-only log as a sequence of intentions and after-images.
type DB struct {
	config  Config
	cache   *cache.Cache
	service *entry.Service
	queue   *entry.IntentionQueue
	finder  *txnFinder

	mu            sync.Mutex
	root          tree.NodePtr
	rootIntention int64
	nextRID       int64
	// committed holds the positions of committed intentions in ascending
	// order; the conflict checker consults the range (snapshot, commit).
	committed []types.Position
	// local maps tokens of in-flight local transactions so replay can reuse
	// their in-memory deltas.
	local   map[uint64]*Transaction
	massTxn *mass.Mass[Transaction]

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Run runs the database workers: the entry service readers, the transaction
// processor, the transaction finisher, and the cache vacuum.
func (db *DB) Run(ctx context.Context) error {
	defer db.Close()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("entryService", parallel.Fail, db.service.Run)
		spawn("cacheVacuum", parallel.Fail, db.cache.Run)
		spawn("txProcessor", parallel.Fail, db.runProcessor)
		spawn("txFinisher", parallel.Fail, db.runFinisher)
		return nil
	})
}

// Close unblocks every caller waiting on a commit decision. Workers stop with
// the context passed to Run.
func (db *DB) Close() {
	db.stopOnce.Do(func() {
		close(db.stopCh)
		db.finder.stop()
	})
}

// Get returns the value stored under the key in the current committed state.
func (db *DB) Get(key []byte) ([]byte, error) {
	root, _ := db.snapshotRoot()
	return db.get(root, key)
}

// GetSnapshot captures the current committed root. Snapshots are cheap: they
// pin the root's subgraph in memory but share all nodes.
func (db *DB) GetSnapshot() *Snapshot {
	root, intention := db.snapshotRoot()
	return &Snapshot{
		db:            db,
		root:          root,
		rootIntention: intention,
	}
}

// ReleaseSnapshot releases a snapshot. Present for API symmetry: dropping the
// last reference has the same effect.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	s.db = nil
}

// NewIterator creates an iterator over the snapshot, or over the current
// committed state if snapshot is nil.
func (db *DB) NewIterator(snapshot *Snapshot) *Iterator {
	if snapshot == nil {
		snapshot = db.GetSnapshot()
	}
	return &Iterator{snapshot: snapshot}
}

func (db *DB) snapshotRoot() (tree.NodePtr, int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.root, db.rootIntention
}

func (db *DB) get(root tree.NodePtr, key []byte) ([]byte, error) {
	var trace tree.Trace
	defer db.cache.UpdateLRU(&trace)

	cur, err := root.Ref(db.cache, &trace)
	if err != nil {
		return nil, err
	}
	for cur != tree.Nil() {
		cmp := bytes.Compare(key, cur.Key())
		if cmp == 0 {
			return cur.Val(), nil
		}
		p := &cur.Right
		if cmp < 0 {
			p = &cur.Left
		}
		if cur, err = p.Ref(db.cache, &trace); err != nil {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// restore scans the log and restores the newest consistent state: the
// after-image with the largest intention position wins, every after-image
// seeds the intention index and marks its intention committed. Intentions
// past the restore point are replayed by the transaction processor.
func (db *DB) restore(tail types.Position) error {
	var restoreAI *wire.AfterImage
	var restorePos types.Position

	for pos := types.Position(0); pos < tail; pos++ {
		data, err := db.config.Log.Read(pos)
		switch {
		case err == nil:
		case errors.Is(err, seqlog.ErrNotWritten):
			// A hole below the tail: junk it so replay never stalls on it.
			if err := db.config.Log.Fill(pos); err != nil {
				return err
			}
			continue
		case errors.Is(err, seqlog.ErrFilled):
			continue
		default:
			return errors.Wrapf(err, "restore read at %d failed", pos)
		}

		_, ai, err := wire.Decode(data)
		if err != nil {
			return err
		}
		if ai == nil {
			continue
		}

		if _, ok := db.cache.IntentionToAfterImage(ai.Intention); ok {
			// A non-primary duplicate appended by another process.
			continue
		}
		db.cache.SetIntentionMapping(ai.Intention, pos)
		db.committed = append(db.committed, ai.Intention)
		if int64(ai.Intention) > db.rootIntention {
			db.rootIntention = int64(ai.Intention)
			restoreAI = ai
			restorePos = pos
		}
	}
	sort.Slice(db.committed, func(a, b int) bool { return db.committed[a] < db.committed[b] })

	if restoreAI != nil {
		db.root = db.cache.CacheAfterImage(restoreAI, restorePos)
	}
	return nil
}

// committedIn returns the positions of committed intentions in the exclusive
// range (snapshot, before).
func (db *DB) committedIn(snapshot int64, before types.Position) []types.Position {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []types.Position
	for _, pos := range db.committed {
		if int64(pos) > snapshot && pos < before {
			out = append(out, pos)
		}
	}
	return out
}

func (db *DB) allocRID() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	rid := db.nextRID
	db.nextRID--
	return rid
}
