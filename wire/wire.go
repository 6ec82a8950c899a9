package wire

import (
	"github.com/outofforest/sequoia/types"
)

// Op is a single operation recorded in an intention. Reads carry no value.
type Op struct {
	Kind types.OpKind
	Key  []byte
	Val  []byte
}

// Intention describes a proposed transaction: the snapshot it was built on,
// a token identifying the appending process, and the ordered list of
// operations. Reads (OpGet) form the read set, everything else the write set.
type Intention struct {
	// Snapshot is the commit position of the root the transaction started
	// from, or -1 for a transaction against the empty tree.
	Snapshot int64

	// Token links the intention back to the local transaction waiting on the
	// commit decision. Foreign intentions carry tokens of other processes.
	Token uint64

	Ops []Op

	// Position is where the intention landed on the log. Assigned after
	// append or read, never serialized.
	Position types.Position
}

// ReadSet returns the keys read by the transaction.
func (i *Intention) ReadSet() [][]byte {
	var keys [][]byte
	for idx := range i.Ops {
		if i.Ops[idx].Kind == types.OpGet {
			keys = append(keys, i.Ops[idx].Key)
		}
	}
	return keys
}

// WriteSet returns the keys written by the transaction. Copies count as
// writes, that is their purpose.
func (i *Intention) WriteSet() [][]byte {
	var keys [][]byte
	for idx := range i.Ops {
		if i.Ops[idx].Kind != types.OpGet {
			keys = append(keys, i.Ops[idx].Key)
		}
	}
	return keys
}

// PtrRecord is a serialized child pointer. Exactly one of Nil, Self or an
// external address applies: Self references another node of the same
// after-image by offset.
type PtrRecord struct {
	Nil  bool
	Self bool
	Off  types.Offset
	Kind types.AddressKind
	Pos  types.Position
}

// NodeRecord is a serialized tree node.
type NodeRecord struct {
	Red   bool
	Key   []byte
	Val   []byte
	Left  PtrRecord
	Right PtrRecord
}

// AfterImage describes the nodes produced by a committed intention, in
// post-order. The post-order numbering is the contract binding in-memory and
// on-log node addressing.
type AfterImage struct {
	Intention types.Position
	Nodes     []NodeRecord
}
