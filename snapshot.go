package sequoia

import (
	"github.com/outofforest/sequoia/tree"
)

// Snapshot is a handle to a particular committed root. It keeps the root's
// subgraph reachable in memory; nodes may still be evicted from the cache and
// are refetched from the log on demand.
type Snapshot struct {
	db            *DB
	root          tree.NodePtr
	rootIntention int64
}

// Get returns the value stored under the key in the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return s.db.get(s.root, key)
}
