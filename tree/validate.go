package tree

import (
	"bytes"

	"github.com/pkg/errors"
)

// Validate checks the red-black invariants of the tree rooted at root: the
// root is black, no red node has a red child, every root-to-Nil path carries
// the same number of black nodes, and keys are in ascending order.
func Validate(res Resolver, root *Node) error {
	var trace Trace
	defer res.UpdateLRU(&trace)

	if root != nilNode && root.red {
		return errors.New("root is red")
	}
	_, err := blackHeight(res, &trace, root)
	return err
}

func blackHeight(res Resolver, trace *Trace, n *Node) (int, error) {
	if n == nilNode {
		return 1, nil
	}

	left, err := n.Left.Ref(res, trace)
	if err != nil {
		return 0, err
	}
	right, err := n.Right.Ref(res, trace)
	if err != nil {
		return 0, err
	}

	if n.red && (left.red || right.red) {
		return 0, errors.Errorf("red node %q has a red child", n.key)
	}
	if left != nilNode && bytes.Compare(left.key, n.key) >= 0 {
		return 0, errors.Errorf("left child of %q out of order", n.key)
	}
	if right != nilNode && bytes.Compare(right.key, n.key) <= 0 {
		return 0, errors.Errorf("right child of %q out of order", n.key)
	}

	lh, err := blackHeight(res, trace, left)
	if err != nil {
		return 0, err
	}
	rh, err := blackHeight(res, trace, right)
	if err != nil {
		return 0, err
	}
	if lh != rh {
		return 0, errors.Errorf("black height mismatch at %q: %d != %d", n.key, lh, rh)
	}

	if n.red {
		return lh, nil
	}
	return lh + 1, nil
}
