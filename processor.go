package sequoia

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/sequoia/tree"
	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

// runProcessor is the replay worker. It consumes intentions in strict log
// order, arbitrates each against the last committed state, applies committed
// ones to the canonical tree, and publishes their after-images.
func (db *DB) runProcessor(ctx context.Context) error {
	log := logger.Get(ctx)
	for {
		i, ok := db.queue.Wait()
		if !ok {
			return errors.WithStack(ctx.Err())
		}
		if err := db.processIntention(i); err != nil {
			return err
		}
		log.Debug("intention processed", zap.Uint64("position", uint64(i.Position)))
	}
}

func (db *DB) processIntention(i *wire.Intention) error {
	db.mu.Lock()
	root := db.root
	rootIntention := db.rootIntention
	localTxn := db.local[i.Token]
	db.mu.Unlock()

	// Conflict check: a transaction whose op keys (reads and writes) overlap
	// the write set of any intention committed between its snapshot and
	// itself aborts.
	if i.Snapshot < rootIntention {
		positions := db.committedIn(i.Snapshot, i.Position)
		if len(positions) > 0 {
			others, err := db.service.ReadIntentions(positions)
			if err != nil {
				return err
			}
			if conflicts(i, others) {
				db.finder.notify(i.Token, i.Position, false)
				return nil
			}
		}
	}

	var t *tree.Tree
	if localTxn != nil && i.Snapshot == rootIntention {
		// The intention is ours and its workspace is still fresh: reuse the
		// in-memory delta instead of replaying from scratch.
		t = localTxn.tree
	} else {
		t = tree.New(db.cache, root, rootIntention, db.allocRID())
		if err := replayOps(t, i); err != nil {
			return err
		}
	}

	if err := t.SetSelfPointers(i.Position); err != nil {
		return err
	}
	ai, delta, err := t.SerializeAfterImage()
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.root = tree.Ptr(t.RootNode())
	db.rootIntention = int64(i.Position)
	db.committed = append(db.committed, i.Position)
	delete(db.local, i.Token)
	db.mu.Unlock()

	db.finder.notify(i.Token, i.Position, true)

	if _, err := db.service.AppendAfterImage(ai); err != nil {
		return err
	}

	// The matcher pairs the delta with the primary after-image observed by
	// the log reader, which is not necessarily the one appended above.
	db.service.Matcher().Watch(delta, t)
	return nil
}

// runFinisher consumes matched (delta, after-image) pairs: it rewrites the
// delta's self addresses to the primary after-image position and folds the
// nodes into the cache, sparing the read path a log round trip.
func (db *DB) runFinisher(ctx context.Context) error {
	for {
		match, ok := db.service.Matcher().Wait()
		if !ok {
			return errors.WithStack(ctx.Err())
		}

		// Fold the delta into the cache before releasing the in-memory
		// references, so traversals switch over without a spurious log read.
		rootPtr := db.cache.ApplyAfterImageDelta(match.Delta, match.Pos)
		match.Tree.ConvertToAfterImage(match.Delta, match.Pos)

		// Give the canonical root its final address if it still is the root.
		db.mu.Lock()
		if db.rootIntention == int64(match.Tree.Intention()) && len(match.Delta) > 0 {
			db.root = rootPtr
		}
		db.mu.Unlock()
	}
}

func replayOps(t *tree.Tree, i *wire.Intention) error {
	for idx := range i.Ops {
		op := &i.Ops[idx]
		var err error
		switch op.Kind {
		case types.OpPut:
			err = t.Put(op.Key, op.Val)
		case types.OpDelete:
			err = t.Delete(op.Key)
		case types.OpCopy:
			err = t.Copy(op.Key)
		case types.OpGet:
			// Reads shape the read set only.
		default:
			err = errors.Wrapf(wire.ErrCorruptEntry, "unknown op kind %d", op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// conflicts reports whether any key the intention depends on was written by
// one of the given committed intentions. Writes depend on the state they
// replace, so the dependency set covers every op key.
func conflicts(i *wire.Intention, others []*wire.Intention) bool {
	deps := make(map[string]struct{}, len(i.Ops))
	for idx := range i.Ops {
		deps[string(i.Ops[idx].Key)] = struct{}{}
	}
	for _, other := range others {
		for _, key := range other.WriteSet() {
			if _, ok := deps[string(key)]; ok {
				return true
			}
		}
	}
	return false
}
