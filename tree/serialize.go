package tree

import (
	"github.com/pkg/errors"

	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

// SetSelfPointers finalizes the workspace for the commit at the intention
// position: every fresh node is relabeled with the position, and every
// pointer between two fresh nodes receives an intention-kinded address whose
// offset is the child's post-order index. A workspace with an empty delta
// re-roots a copy of the snapshot so that every committed intention produces
// an after-image.
func (t *Tree) SetSelfPointers(intention types.Position) error {
	for _, n := range t.fresh {
		n.SetRID(int64(intention))
	}
	t.rid = int64(intention)
	t.intention = int64(intention)

	if t.root == nil {
		src, err := t.srcRoot.Ref(t.res, &t.trace)
		if err != nil {
			return err
		}
		t.root = Copy(src, t.rid)
		if t.root != nilNode {
			t.fresh = append(t.fresh, t.root)
		}
		if t.root == nilNode {
			return nil
		}
	}

	idx := 0
	t.assignSelfAddrs(t.root, intention, &idx)
	return nil
}

// assignSelfAddrs walks the delta in post-order. Fresh nodes are always held
// in memory, so a pointer without an in-memory reference is external and
// terminates the walk.
func (t *Tree) assignSelfAddrs(n *Node, intention types.Position, idx *int) {
	if n == nilNode || n.rid != t.rid {
		return
	}

	if child := n.Left.ref; child != nil {
		t.assignSelfAddrs(child, intention, idx)
	}
	maybeLeftOff := *idx - 1

	if child := n.Right.ref; child != nil {
		t.assignSelfAddrs(child, intention, idx)
	}
	maybeRightOff := *idx - 1

	if child := n.Left.ref; child != nil && child != nilNode && child.rid == t.rid {
		n.Left.SetAddress(types.IntentionAddress(intention, types.Offset(maybeLeftOff)))
	}
	if child := n.Right.ref; child != nil && child != nilNode && child.rid == t.rid {
		n.Right.SetAddress(types.IntentionAddress(intention, types.Offset(maybeRightOff)))
	}
	*idx++
}

// Intention returns the commit position assigned by SetSelfPointers.
func (t *Tree) Intention() types.Position {
	return types.Position(t.intention)
}

// AfterImage returns the after-image position assigned by
// ConvertToAfterImage.
func (t *Tree) AfterImage() types.Position {
	return types.Position(t.afterImage)
}

// SerializeAfterImage emits the delta as a wire after-image and returns the
// nodes in post-order. Offsets assigned here are the canonical addresses of
// the nodes once the after-image lands on the log.
func (t *Tree) SerializeAfterImage() (*wire.AfterImage, []*Node, error) {
	ai := &wire.AfterImage{Intention: types.Position(t.intention)}
	var delta []*Node
	if err := t.serializeNode(ai, &delta, t.root); err != nil {
		return nil, nil, err
	}
	return ai, delta, nil
}

func (t *Tree) serializeNode(ai *wire.AfterImage, delta *[]*Node, n *Node) error {
	if n == nilNode || n.rid != t.rid {
		return nil
	}

	if child := n.Left.ref; child != nil {
		if err := t.serializeNode(ai, delta, child); err != nil {
			return err
		}
	}
	if child := n.Right.ref; child != nil {
		if err := t.serializeNode(ai, delta, child); err != nil {
			return err
		}
	}

	rec := wire.NodeRecord{
		Red: n.red,
		Key: n.key,
		Val: n.val,
	}
	if err := t.serializePtr(&n.Left, &rec.Left); err != nil {
		return err
	}
	if err := t.serializePtr(&n.Right, &rec.Right); err != nil {
		return err
	}
	ai.Nodes = append(ai.Nodes, rec)
	*delta = append(*delta, n)
	return nil
}

func (t *Tree) serializePtr(p *NodePtr, rec *wire.PtrRecord) error {
	if p.ref == nilNode {
		rec.Nil = true
		return nil
	}
	if p.ref != nil && p.ref.rid == t.rid {
		addr, ok := p.Address()
		if !ok {
			return errors.New("fresh child without a self address")
		}
		rec.Self = true
		rec.Off = addr.Off
		return nil
	}

	// External pointer: keep the known address, upgrading a transient
	// intention address to the primary after-image if it has been discovered.
	addr, ok := p.Address()
	if !ok {
		return errors.New("external child without an address")
	}
	if addr.Kind == types.KindIntention {
		if aiPos, ok := t.res.IntentionToAfterImage(addr.Pos); ok {
			addr = types.AfterImageAddress(aiPos, addr.Off)
		}
	}
	rec.Off = addr.Off
	rec.Kind = addr.Kind
	rec.Pos = addr.Pos
	return nil
}

// ConvertToAfterImage rewrites the delta's self pointers from
// intention-kinded to after-image-kinded addresses once the after-image
// position is known.
func (t *Tree) ConvertToAfterImage(delta []*Node, pos types.Position) {
	t.afterImage = int64(pos)
	for _, n := range delta {
		if child := n.Left.ref; child != nil && child != nilNode && child.rid == t.rid {
			n.Left.ConvertToAfterImage(pos)
		}
		if child := n.Right.ref; child != nil && child != nilNode && child.rid == t.rid {
			n.Right.ConvertToAfterImage(pos)
		}
	}
}

// FromRecord materializes a published node from its wire record. pos is the
// position of the after-image the record was read from, intention the
// position of the intention that committed it.
func FromRecord(rec *wire.NodeRecord, pos, intention types.Position) *Node {
	n := &Node{
		key:      rec.Key,
		val:      rec.Val,
		red:      rec.Red,
		rid:      int64(intention),
		readOnly: true,
	}
	n.Left = ptrFromRecord(&rec.Left, pos)
	n.Right = ptrFromRecord(&rec.Right, pos)
	return n
}

func ptrFromRecord(rec *wire.PtrRecord, pos types.Position) NodePtr {
	switch {
	case rec.Nil:
		return Ptr(nilNode)
	case rec.Self:
		return AddrPtr(types.AfterImageAddress(pos, rec.Off))
	default:
		return AddrPtr(types.NodeAddress{Pos: rec.Pos, Off: rec.Off, Kind: rec.Kind})
	}
}
