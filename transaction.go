package sequoia

import (
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/sequoia/tree"
	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

// BeginTransaction starts a transaction on the current committed state. The
// workspace receives a process-unique negative rid; it is relabeled with the
// commit position if the transaction commits.
func (db *DB) BeginTransaction() *Transaction {
	root, rootIntention := db.snapshotRoot()
	t := db.massTxn.New()
	*t = Transaction{
		db:        db,
		tree:      tree.New(db.cache, root, rootIntention, db.allocRID()),
		intention: &wire.Intention{Snapshot: rootIntention},
		token:     rand.Uint64(),
	}
	return t
}

// Transaction is an optimistic transaction: mutations apply to a private
// copy-on-write workspace, and the recorded intention is arbitrated against
// concurrent committers at commit time.
type Transaction struct {
	db        *DB
	tree      *tree.Tree
	intention *wire.Intention
	token     uint64
	done      bool
}

// Get returns the value stored under the key, observing the transaction's
// own writes. The read is recorded in the read set.
func (t *Transaction) Get(key []byte) ([]byte, error) {
	t.intention.Ops = append(t.intention.Ops, wire.Op{Kind: types.OpGet, Key: key})
	return t.tree.Get(key)
}

// Put inserts or updates the key.
func (t *Transaction) Put(key, value []byte) error {
	if err := t.tree.Put(key, value); err != nil {
		return err
	}
	t.intention.Ops = append(t.intention.Ops, wire.Op{Kind: types.OpPut, Key: key, Val: value})
	return nil
}

// Delete removes the key.
func (t *Transaction) Delete(key []byte) error {
	if err := t.tree.Delete(key); err != nil {
		return err
	}
	t.intention.Ops = append(t.intention.Ops, wire.Op{Kind: types.OpDelete, Key: key})
	return nil
}

// Copy path-copies the key without changing it, promoting the read into the
// write set so that concurrent writers of the key conflict with this
// transaction.
func (t *Transaction) Copy(key []byte) error {
	if err := t.tree.Copy(key); err != nil {
		return err
	}
	t.intention.Ops = append(t.intention.Ops, wire.Op{Kind: types.OpCopy, Key: key})
	return nil
}

// Commit appends the intention and blocks until the replay worker decides
// its fate. ErrAborted means a conflicting intention committed first; the
// transaction had no effect and may be retried from a fresh snapshot.
func (t *Transaction) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true

	token := t.token
	w := t.db.finder.register(token)

	// Register before appending: the processor may pick the intention up the
	// moment it lands.
	t.db.mu.Lock()
	t.db.local[token] = t
	t.db.mu.Unlock()

	pos, err := t.db.service.AppendIntention(t.intention)
	if err != nil {
		t.db.mu.Lock()
		delete(t.db.local, token)
		t.db.mu.Unlock()
		t.db.finder.drop(token)
		return err
	}

	committed, err := t.db.finder.wait(w, pos)

	t.db.mu.Lock()
	delete(t.db.local, token)
	t.db.mu.Unlock()

	if err != nil {
		return err
	}
	if !committed {
		return ErrAborted
	}
	return nil
}

func newTxnFinder() *txnFinder {
	return &txnFinder{
		waiters: map[uint64]*tokenWaiter{},
		stopCh:  make(chan struct{}),
	}
}

// txnFinder is the rendezvous between committing transactions and the replay
// worker. The waiter registers its token before the intention is appended;
// the worker notifies the decision under the token and position.
type txnFinder struct {
	mu       sync.Mutex
	waiters  map[uint64]*tokenWaiter
	stopCh   chan struct{}
	stopOnce sync.Once
}

type tokenWaiter struct {
	token   uint64
	results map[types.Position]bool
	signal  chan struct{}
}

func (f *txnFinder) register(token uint64) *tokenWaiter {
	w := &tokenWaiter{
		token:   token,
		results: map[types.Position]bool{},
		signal:  make(chan struct{}, 1),
	}
	f.mu.Lock()
	f.waiters[token] = w
	f.mu.Unlock()
	return w
}

func (f *txnFinder) drop(token uint64) {
	f.mu.Lock()
	delete(f.waiters, token)
	f.mu.Unlock()
}

// notify records the decision for the intention at pos. Tokens of foreign
// processes have no waiter here and are ignored.
func (f *txnFinder) notify(token uint64, pos types.Position, committed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.waiters[token]
	if !ok {
		return
	}
	w.results[pos] = committed
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (f *txnFinder) wait(w *tokenWaiter, pos types.Position) (bool, error) {
	for {
		f.mu.Lock()
		if committed, ok := w.results[pos]; ok {
			delete(f.waiters, w.token)
			f.mu.Unlock()
			return committed, nil
		}
		f.mu.Unlock()

		select {
		case <-w.signal:
		case <-f.stopCh:
			return false, ErrClosed
		}
	}
}

func (f *txnFinder) stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
}
