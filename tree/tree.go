package tree

import (
	"bytes"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("key not found")

// childFn selects one of a node's child pointers. Insertion and deletion
// rebalancing are written once and instantiated for both directions by
// swapping the selectors.
type childFn func(*Node) *NodePtr

func leftOf(n *Node) *NodePtr  { return &n.Left }
func rightOf(n *Node) *NodePtr { return &n.Right }

// New creates a transaction workspace on top of the snapshot root. rid must
// be negative and unique among live workspaces, for local transactions and
// replay alike; SetSelfPointers relabels it with the intention position.
func New(res Resolver, srcRoot NodePtr, rootIntention int64, rid int64) *Tree {
	return &Tree{
		res:           res,
		srcRoot:       srcRoot,
		rootIntention: rootIntention,
		rid:           rid,
	}
}

// Tree is a copy-on-write workspace over a committed snapshot. Mutations
// clone shared nodes into the workspace and produce a new root plus the set
// of freshly allocated nodes.
type Tree struct {
	res           Resolver
	srcRoot       NodePtr
	rootIntention int64

	root  *Node
	rid   int64
	fresh []*Node

	trace Trace

	intention  int64
	afterImage int64
}

// RootIntention returns the commit position of the snapshot the workspace was
// created on, or -1 for the empty tree.
func (t *Tree) RootIntention() int64 {
	return t.rootIntention
}

// EmptyDelta reports whether the workspace performed no mutation.
func (t *Tree) EmptyDelta() bool {
	return t.root == nil
}

// RootNode returns the workspace root, or nil if nothing was mutated.
func (t *Tree) RootNode() *Node {
	return t.root
}

// Get returns the value stored under the key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	defer t.applyTrace()

	cur, err := t.baseRoot()
	if err != nil {
		return nil, err
	}
	for cur != nilNode {
		cmp := bytes.Compare(key, cur.key)
		if cmp == 0 {
			return cur.val, nil
		}
		p := &cur.Right
		if cmp < 0 {
			p = &cur.Left
		}
		if cur, err = p.Ref(t.res, &t.trace); err != nil {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Put inserts or updates the key. An update is performed as delete followed
// by insert.
func (t *Tree) Put(key, value []byte) error {
	defer t.applyTrace()

	var path nodePath

	base, err := t.baseRoot()
	if err != nil {
		return err
	}
	root, err := t.insertRecursive(&path, key, value, base)
	if err != nil {
		return err
	}
	if root == nil {
		// The key exists. Remove it first, then insert on the fresh root.
		if err := t.deleteLocked(key); err != nil {
			return err
		}
		path.reset()
		root, err = t.insertRecursive(&path, key, value, t.root)
		if err != nil {
			return err
		}
		if root == nil {
			return errors.New("reinsert after delete found the key")
		}
	}

	path.pushBack(nilNode)

	nn := path.popFront()
	parent := path.popFront()
	for parent.red {
		grandParent := path.front()
		gpLeft, err := grandParent.Left.Ref(t.res, &t.trace)
		if err != nil {
			return err
		}
		if gpLeft == parent {
			err = t.insertBalance(&parent, &nn, &path, leftOf, rightOf, &root)
		} else {
			err = t.insertBalance(&parent, &nn, &path, rightOf, leftOf, &root)
		}
		if err != nil {
			return err
		}
	}

	root.SetRed(false)
	t.root = root
	return nil
}

// Delete removes the key. Deleting an absent key is a no-op.
func (t *Tree) Delete(key []byte) error {
	defer t.applyTrace()
	return t.deleteLocked(key)
}

// Copy path-copies the key without modifying it, forcing the read into the
// write set. Copying an absent key is a no-op.
func (t *Tree) Copy(key []byte) error {
	defer t.applyTrace()

	base, err := t.baseRoot()
	if err != nil {
		return err
	}
	root, err := t.copyRecursive(key, base)
	if err != nil {
		return err
	}
	if root != nil {
		// An existing path is replaced, no rebalance necessary.
		t.root = root
	}
	return nil
}

// copyRecursive path-copies the nodes from node down to the key and returns
// the new subtree root, or nil if the key is absent. The descent is the one
// delete uses; nothing is removed here.
func (t *Tree) copyRecursive(key []byte, node *Node) (*Node, error) {
	var path nodePath
	return t.deleteRecursive(&path, key, node)
}

func (t *Tree) baseRoot() (*Node, error) {
	if t.root != nil {
		return t.root, nil
	}
	return t.srcRoot.Ref(t.res, &t.trace)
}

func (t *Tree) applyTrace() {
	t.res.UpdateLRU(&t.trace)
}

// own clones the node into the workspace unless it is already owned by it.
// Nil is read-only and never cloned.
func (t *Tree) own(n *Node) *Node {
	if n == nilNode || n.rid == t.rid {
		return n
	}
	c := Copy(n, t.rid)
	t.fresh = append(t.fresh, c)
	return c
}

func (t *Tree) insertRecursive(path *nodePath, key, value []byte, node *Node) (*Node, error) {
	if node == nilNode {
		nn := NewNode(key, value, t.rid)
		path.pushBack(nn)
		t.fresh = append(t.fresh, nn)
		return nn, nil
	}

	cmp := bytes.Compare(key, node.key)
	if cmp == 0 {
		return nil, nil
	}
	less := cmp < 0

	childPtr := &node.Right
	if less {
		childPtr = &node.Left
	}
	childNode, err := childPtr.Ref(t.res, &t.trace)
	if err != nil {
		return nil, err
	}
	child, err := t.insertRecursive(path, key, value, childNode)
	if err != nil || child == nil {
		return nil, err
	}

	// Cloning carries over the child references and addresses; the reference
	// updated below gets its final address during serialization.
	c := t.own(node)
	if less {
		c.Left.SetRef(child)
	} else {
		c.Right.SetRef(child)
	}
	path.pushBack(c)
	return c, nil
}

// rotate moves child's childB subtree onto child's position. The grand child
// pointer is copied wholesale so that addresses of nodes outside the
// workspace travel with it.
func (t *Tree) rotate(parent, child *Node, childA, childB childFn, root **Node) (*Node, error) {
	grandChild := *childB(child)
	gcNode, err := grandChild.Ref(t.res, &t.trace)
	if err != nil {
		return nil, err
	}
	*childB(child) = *childA(gcNode)

	if *root == child {
		*root = gcNode
	} else {
		pa, err := childA(parent).Ref(t.res, &t.trace)
		if err != nil {
			return nil, err
		}
		if pa == child {
			*childA(parent) = grandChild
		} else {
			*childB(parent) = grandChild
		}
	}

	// child is always owned by the workspace so its address is assigned
	// during serialization, after the shape settles.
	childA(gcNode).SetRef(child)

	return gcNode, nil
}

func (t *Tree) insertBalance(parent, nn **Node, path *nodePath,
	childA, childB childFn, root **Node,
) error {
	uncle := childB(path.front())
	uncleNode, err := uncle.Ref(t.res, &t.trace)
	if err != nil {
		return err
	}
	if uncleNode.red {
		if uncleNode.rid != t.rid {
			n := Copy(uncleNode, t.rid)
			t.fresh = append(t.fresh, n)
			uncle.SetRef(n)
			uncleNode = n
		}
		(*parent).SetRed(false)
		uncleNode.SetRed(false)
		path.front().SetRed(true)
		*nn = path.popFront()
		*parent = path.popFront()
		return nil
	}

	pb, err := childB(*parent).Ref(t.res, &t.trace)
	if err != nil {
		return err
	}
	if *nn == pb {
		*nn, *parent = *parent, *nn
		if _, err := t.rotate(path.front(), *nn, childA, childB, root); err != nil {
			return err
		}
	}
	grandParent := path.popFront()
	grandParent.SwapColor(*parent)
	_, err = t.rotate(path.front(), grandParent, childB, childA, root)
	return err
}

func (t *Tree) deleteLocked(key []byte) error {
	var path nodePath

	base, err := t.baseRoot()
	if err != nil {
		return err
	}
	root, err := t.deleteRecursive(&path, key, base)
	if err != nil {
		return err
	}
	if root == nil {
		return nil
	}

	path.pushBack(nilNode)

	removed := path.front()
	transplanted, err := removed.Right.Ref(t.res, &t.trace)
	if err != nil {
		return err
	}

	removedLeft, err := removed.Left.Ref(t.res, &t.trace)
	if err != nil {
		return err
	}

	switch {
	case removedLeft == nilNode:
		path.popFront()
		t.transplant(path.front(), removed, transplanted, &root)
	case transplanted == nilNode:
		path.popFront()
		transplanted = removedLeft
		t.transplant(path.front(), removed, transplanted, &root)
	default:
		temp := removed
		if transplanted.rid != t.rid {
			n := Copy(transplanted, t.rid)
			t.fresh = append(t.fresh, n)
			removed.Right.SetRef(n)
		}
		succRoot, err := removed.Right.Ref(t.res, &t.trace)
		if err != nil {
			return err
		}
		removed, err = t.buildMinPath(succRoot, &path)
		if err != nil {
			return err
		}
		if transplanted, err = removed.Right.Ref(t.res, &t.trace); err != nil {
			return err
		}

		temp.StealPayload(removed)
		t.transplant(path.front(), removed, transplanted, &root)
	}

	if !removed.red {
		if err := t.balanceDelete(transplanted, &path, &root); err != nil {
			return err
		}
	}

	t.root = root
	return nil
}

func (t *Tree) deleteRecursive(path *nodePath, key []byte, node *Node) (*Node, error) {
	if node == nilNode {
		return nil, nil
	}

	cmp := bytes.Compare(key, node.key)
	if cmp == 0 {
		c := t.own(node)
		path.pushBack(c)
		return c, nil
	}
	less := cmp < 0

	childPtr := &node.Right
	if less {
		childPtr = &node.Left
	}
	childNode, err := childPtr.Ref(t.res, &t.trace)
	if err != nil {
		return nil, err
	}
	child, err := t.deleteRecursive(path, key, childNode)
	if err != nil || child == nil {
		return nil, err
	}

	c := t.own(node)
	if less {
		c.Left.SetRef(child)
	} else {
		c.Right.SetRef(child)
	}
	path.pushBack(c)
	return c, nil
}

func (t *Tree) transplant(parent, removed, transplanted *Node, root **Node) {
	if parent == nilNode {
		*root = transplanted
	} else if parent.Left.ref == removed {
		parent.Left.SetRef(transplanted)
	} else {
		parent.Right.SetRef(transplanted)
	}
}

func (t *Tree) buildMinPath(node *Node, path *nodePath) (*Node, error) {
	for {
		left, err := node.Left.Ref(t.res, &t.trace)
		if err != nil {
			return nil, err
		}
		if left == nilNode {
			return node, nil
		}
		if left.rid != t.rid {
			n := Copy(left, t.rid)
			t.fresh = append(t.fresh, n)
			node.Left.SetRef(n)
			left = n
		}
		path.pushFront(node)
		node = left
	}
}

func (t *Tree) balanceDelete(extraBlack *Node, path *nodePath, root **Node) error {
	parent := path.popFront()

	for extraBlack != *root && !extraBlack.red {
		pl, err := parent.Left.Ref(t.res, &t.trace)
		if err != nil {
			return err
		}
		if pl == extraBlack {
			err = t.mirrorRemoveBalance(&extraBlack, &parent, path, leftOf, rightOf, root)
		} else {
			err = t.mirrorRemoveBalance(&extraBlack, &parent, path, rightOf, leftOf, root)
		}
		if err != nil {
			return err
		}
	}

	newNode := t.own(extraBlack)
	t.transplant(parent, extraBlack, newNode, root)

	// Nil is read-only and already black, so recolor only real nodes.
	if newNode != nilNode {
		newNode.SetRed(false)
	}
	return nil
}

// ownChild makes sure the childB subtree of parent is owned by the workspace
// and returns it.
func (t *Tree) ownChild(parent *Node, childB childFn) (*Node, error) {
	b, err := childB(parent).Ref(t.res, &t.trace)
	if err != nil {
		return nil, err
	}
	if b != nilNode && b.rid != t.rid {
		n := Copy(b, t.rid)
		t.fresh = append(t.fresh, n)
		childB(parent).SetRef(n)
		return n, nil
	}
	childB(parent).SetRef(b)
	return b, nil
}

func (t *Tree) mirrorRemoveBalance(extraBlack, parent **Node, path *nodePath,
	childA, childB childFn, root **Node,
) error {
	brother, err := childB(*parent).Ref(t.res, &t.trace)
	if err != nil {
		return err
	}

	if brother.red {
		if brother, err = t.ownChild(*parent, childB); err != nil {
			return err
		}
		brother.SwapColor(*parent)
		if _, err := t.rotate(path.front(), *parent, childA, childB, root); err != nil {
			return err
		}
		path.pushFront(brother)

		if brother, err = childB(*parent).Ref(t.res, &t.trace); err != nil {
			return err
		}
	}

	bl, err := brother.Left.Ref(t.res, &t.trace)
	if err != nil {
		return err
	}
	br, err := brother.Right.Ref(t.res, &t.trace)
	if err != nil {
		return err
	}

	if !bl.red && !br.red {
		if brother, err = t.ownChild(*parent, childB); err != nil {
			return err
		}
		brother.SetRed(true)
		*extraBlack = *parent
		*parent = path.popFront()
		return nil
	}

	bb, err := childB(brother).Ref(t.res, &t.trace)
	if err != nil {
		return err
	}
	if !bb.red {
		if brother, err = t.ownChild(*parent, childB); err != nil {
			return err
		}
		ba, err := t.ownChild(brother, childA)
		if err != nil {
			return err
		}
		brother.SwapColor(ba)
		if brother, err = t.rotate(*parent, brother, childB, childA, root); err != nil {
			return err
		}
	}

	if brother, err = t.ownChild(*parent, childB); err != nil {
		return err
	}
	bOwned, err := t.ownChild(brother, childB)
	if err != nil {
		return err
	}
	brother.SetRed((*parent).red)
	(*parent).SetRed(false)
	bOwned.SetRed(false)
	if _, err := t.rotate(path.front(), *parent, childA, childB, root); err != nil {
		return err
	}

	*extraBlack = *root
	*parent = nilNode
	return nil
}

// nodePath is the root-to-leaf copy path of an operation, deepest node first.
type nodePath struct {
	nodes []*Node
}

func (p *nodePath) reset() {
	p.nodes = p.nodes[:0]
}

func (p *nodePath) pushBack(n *Node) {
	p.nodes = append(p.nodes, n)
}

func (p *nodePath) pushFront(n *Node) {
	p.nodes = append([]*Node{n}, p.nodes...)
}

func (p *nodePath) popFront() *Node {
	n := p.nodes[0]
	p.nodes = p.nodes[1:]
	return n
}

func (p *nodePath) front() *Node {
	return p.nodes[0]
}
