package tree

import (
	"sync"

	"github.com/outofforest/sequoia/types"
)

// addrMu guards pointer addresses of published nodes. The transaction
// finisher upgrades intention-kinded addresses to after-image addresses while
// other threads may be cloning the same nodes into new workspaces.
var addrMu sync.RWMutex

// Trace is the ordered list of node addresses materialized from the cache
// during a single tree operation. It is handed back to the cache at operation
// end to refresh the LRU.
type Trace []types.NodeAddress

// Add appends an address to the trace.
func (t *Trace) Add(addr types.NodeAddress) {
	*t = append(*t, addr)
}

// Resolver materializes nodes from their log addresses and consumes access
// traces. The node cache implements it.
type Resolver interface {
	// Resolve returns the node stored at the address, fetching it from the
	// log on a cache miss. Resolved addresses are appended to the trace.
	Resolve(trace *Trace, addr types.NodeAddress) (*Node, error)

	// UpdateLRU hands a finished trace to the cache. The trace is consumed.
	UpdateLRU(trace *Trace)

	// IntentionToAfterImage maps a committed intention position to the
	// position of its primary after-image, if already discovered.
	IntentionToAfterImage(pos types.Position) (types.Position, bool)
}

// NodePtr references a child node. It may hold a materialized in-memory
// reference, a log address, or both. The zero value is an unresolvable null
// pointer and never appears in a well-formed tree.
type NodePtr struct {
	ref     *Node
	addr    types.NodeAddress
	hasAddr bool
}

// Ptr returns a pointer holding an in-memory reference.
func Ptr(n *Node) NodePtr {
	return NodePtr{ref: n}
}

// AddrPtr returns a pointer holding a log address only.
func AddrPtr(addr types.NodeAddress) NodePtr {
	return NodePtr{addr: addr, hasAddr: true}
}

// Ref returns the referenced node, resolving through the cache if the
// in-memory reference is absent. Resolution does not memoize into the
// pointer: after publication the only mutation a pointer sees is the
// finisher's address upgrade.
func (p *NodePtr) Ref(res Resolver, trace *Trace) (*Node, error) {
	addrMu.RLock()
	ref := p.ref
	addr, hasAddr := p.addr, p.hasAddr
	addrMu.RUnlock()

	if ref != nil {
		return ref, nil
	}
	if !hasAddr {
		panic("sequoia: null node pointer")
	}
	return res.Resolve(trace, addr)
}

// SetRef replaces the in-memory reference. Only pointers of unpublished nodes
// may be mutated.
func (p *NodePtr) SetRef(n *Node) {
	p.ref = n
}

// Address returns the pointer's log address if it has one.
func (p *NodePtr) Address() (types.NodeAddress, bool) {
	addrMu.RLock()
	defer addrMu.RUnlock()
	return p.addr, p.hasAddr
}

// SetAddress assigns a log address.
func (p *NodePtr) SetAddress(addr types.NodeAddress) {
	addrMu.Lock()
	p.addr = addr
	p.hasAddr = true
	addrMu.Unlock()
}

// ConvertToAfterImage upgrades an intention-kinded address to the after-image
// position the node was serialized into. The offset is preserved: post-order
// numbering is identical in both schemes. The in-memory reference is released
// at the same time so the cache's eviction actually frees the subtree;
// traversals resolve through the cache from here on.
func (p *NodePtr) ConvertToAfterImage(pos types.Position) {
	addrMu.Lock()
	p.addr = types.AfterImageAddress(pos, p.addr.Off)
	p.hasAddr = true
	p.ref = nil
	addrMu.Unlock()
}

// Node is a tree node. Once published (part of an appended after-image) a
// node is immutable; the readOnly flag is a debug guard, not a synchronization
// mechanism.
type Node struct {
	Left  NodePtr
	Right NodePtr

	key      []byte
	val      []byte
	red      bool
	rid      int64
	readOnly bool
}

var nilNode = func() *Node {
	n := &Node{rid: -1, readOnly: true}
	n.Left = Ptr(n)
	n.Right = Ptr(n)
	return n
}()

// Nil is the process-wide sentinel leaf. It is black, its children refer to
// itself, and it is never assigned an address.
func Nil() *Node {
	return nilNode
}

// NewNode creates a fresh red node with Nil children, owned by the workspace
// identified by rid.
func NewNode(key, val []byte, rid int64) *Node {
	return &Node{
		Left:  Ptr(nilNode),
		Right: Ptr(nilNode),
		key:   key,
		val:   val,
		red:   true,
		rid:   rid,
	}
}

// Copy clones a node into the workspace identified by rid. Child references
// and addresses are carried over; Nil is shared, never cloned.
func Copy(src *Node, rid int64) *Node {
	if src == nilNode {
		return nilNode
	}
	n := &Node{
		key: src.key,
		val: src.val,
		red: src.red,
		rid: rid,
	}

	addrMu.RLock()
	n.Left = src.Left
	n.Right = src.Right
	addrMu.RUnlock()

	return n
}

// Key returns the node's key.
func (n *Node) Key() []byte {
	return n.key
}

// Val returns the node's value.
func (n *Node) Val() []byte {
	return n.val
}

// Red reports the node's color.
func (n *Node) Red() bool {
	return n.red
}

// SetRed recolors the node.
func (n *Node) SetRed(red bool) {
	n.mustBeMutable()
	n.red = red
}

// SwapColor exchanges colors with another node.
func (n *Node) SwapColor(other *Node) {
	n.mustBeMutable()
	other.mustBeMutable()
	n.red, other.red = other.red, n.red
}

// RID returns the id of the commit (non-negative) or local workspace
// (negative) that produced the node.
func (n *Node) RID() int64 {
	return n.rid
}

// SetRID relabels a workspace node with its commit position.
func (n *Node) SetRID(rid int64) {
	n.mustBeMutable()
	if n.rid >= 0 && n.rid != rid {
		panic("sequoia: relabeling a committed node")
	}
	n.rid = rid
}

// StealPayload moves the key and value of another unpublished node into this
// one. Used by delete when replacing a node with its successor.
func (n *Node) StealPayload(other *Node) {
	n.mustBeMutable()
	other.mustBeMutable()
	n.key, n.val = other.key, other.val
}

// ReadOnly reports whether the node has been published.
func (n *Node) ReadOnly() bool {
	return n.readOnly
}

// SetReadOnly marks the node published. Mutation afterwards is forbidden.
func (n *Node) SetReadOnly() {
	n.readOnly = true
}

// ByteSize approximates the node's memory footprint for cache accounting.
func (n *Node) ByteSize() int64 {
	return int64(len(n.key) + len(n.val) + 96)
}

func (n *Node) mustBeMutable() {
	if n.readOnly {
		panic("sequoia: mutating a published node")
	}
}
