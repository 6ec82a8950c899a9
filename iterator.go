package sequoia

import (
	"bytes"

	"github.com/outofforest/sequoia/tree"
)

// Iterator walks a snapshot in key order, in both directions. It keeps the
// stack of ancestors of the current node; switching direction re-seeks on the
// current key.
type Iterator struct {
	snapshot *Snapshot
	stack    []*tree.Node
	reverse  bool
	err      error
}

// Valid reports whether the iterator is positioned on a key.
func (it *Iterator) Valid() bool {
	return it.err == nil && len(it.stack) > 0
}

// Err returns the first resolution error the iterator hit, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Key returns the current key. Valid must hold.
func (it *Iterator) Key() []byte {
	return it.top().Key()
}

// Value returns the current value. Valid must hold.
func (it *Iterator) Value() []byte {
	return it.top().Val()
}

// SeekToFirst positions the iterator on the smallest key.
func (it *Iterator) SeekToFirst() {
	it.walk(func(trace *tree.Trace) error {
		it.reset()
		node, err := it.root(trace)
		if err != nil {
			return err
		}
		return it.descend(trace, node, func(n *tree.Node) *tree.NodePtr { return &n.Left })
	})
	it.reverse = false
}

// SeekToLast positions the iterator on the largest key.
func (it *Iterator) SeekToLast() {
	it.walk(func(trace *tree.Trace) error {
		it.reset()
		node, err := it.root(trace)
		if err != nil {
			return err
		}
		return it.descend(trace, node, func(n *tree.Node) *tree.NodePtr { return &n.Right })
	})
	it.reverse = true
}

// Seek positions the iterator on the smallest key greater than or equal to
// the target.
func (it *Iterator) Seek(key []byte) {
	it.walk(func(trace *tree.Trace) error {
		it.reset()
		node, err := it.root(trace)
		if err != nil {
			return err
		}
		for node != tree.Nil() {
			cmp := bytes.Compare(key, node.Key())
			switch {
			case cmp == 0:
				it.stack = append(it.stack, node)
				return nil
			case cmp < 0:
				it.stack = append(it.stack, node)
				if node, err = node.Left.Ref(it.snapshot.db.cache, trace); err != nil {
					return err
				}
			default:
				if node, err = node.Right.Ref(it.snapshot.db.cache, trace); err != nil {
					return err
				}
			}
		}
		return nil
	})
	it.reverse = false
}

// Next advances to the next key in ascending order.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	if it.reverse {
		// The stack is oriented for descending traversal; rebuild it forward
		// on the current key.
		it.Seek(it.Key())
		if !it.Valid() {
			return
		}
	}
	it.walk(func(trace *tree.Trace) error {
		node, err := it.top().Right.Ref(it.snapshot.db.cache, trace)
		if err != nil {
			return err
		}
		it.stack = it.stack[:len(it.stack)-1]
		return it.descend(trace, node, func(n *tree.Node) *tree.NodePtr { return &n.Left })
	})
}

// Prev advances to the next key in descending order.
func (it *Iterator) Prev() {
	if !it.Valid() {
		return
	}
	if !it.reverse {
		it.seekPrevious(it.Key())
		if !it.Valid() {
			return
		}
	}
	it.walk(func(trace *tree.Trace) error {
		node, err := it.top().Left.Ref(it.snapshot.db.cache, trace)
		if err != nil {
			return err
		}
		it.stack = it.stack[:len(it.stack)-1]
		return it.descend(trace, node, func(n *tree.Node) *tree.NodePtr { return &n.Right })
	})
}

// seekPrevious rebuilds the stack oriented for descending traversal,
// positioned on the key. The key must exist in the snapshot.
func (it *Iterator) seekPrevious(key []byte) {
	it.walk(func(trace *tree.Trace) error {
		it.reset()
		node, err := it.root(trace)
		if err != nil {
			return err
		}
		for node != tree.Nil() {
			cmp := bytes.Compare(key, node.Key())
			switch {
			case cmp == 0:
				it.stack = append(it.stack, node)
				return nil
			case cmp < 0:
				if node, err = node.Left.Ref(it.snapshot.db.cache, trace); err != nil {
					return err
				}
			default:
				it.stack = append(it.stack, node)
				if node, err = node.Right.Ref(it.snapshot.db.cache, trace); err != nil {
					return err
				}
			}
		}
		return nil
	})
	it.reverse = true
}

func (it *Iterator) top() *tree.Node {
	return it.stack[len(it.stack)-1]
}

func (it *Iterator) reset() {
	it.stack = it.stack[:0]
	it.err = nil
}

func (it *Iterator) root(trace *tree.Trace) (*tree.Node, error) {
	return it.snapshot.root.Ref(it.snapshot.db.cache, trace)
}

// descend pushes node and all its children along the chosen side onto the
// stack.
func (it *Iterator) descend(trace *tree.Trace, node *tree.Node, side func(*tree.Node) *tree.NodePtr) error {
	for node != tree.Nil() {
		it.stack = append(it.stack, node)
		var err error
		if node, err = side(node).Ref(it.snapshot.db.cache, trace); err != nil {
			return err
		}
	}
	return nil
}

// walk runs a traversal step and hands its access trace to the cache.
func (it *Iterator) walk(fn func(trace *tree.Trace) error) {
	var trace tree.Trace
	defer it.snapshot.db.cache.UpdateLRU(&trace)

	if err := fn(&trace); err != nil {
		it.err = err
	}
}
