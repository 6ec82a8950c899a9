package wire

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/sequoia/types"
)

func TestIntentionRoundTrip(t *testing.T) {
	i := &Intention{
		Snapshot: 42,
		Token:    0xdeadbeef,
		Ops: []Op{
			{Kind: types.OpPut, Key: []byte("a"), Val: []byte("1")},
			{Kind: types.OpGet, Key: []byte("b")},
			{Kind: types.OpDelete, Key: []byte("c")},
			{Kind: types.OpCopy, Key: []byte("d")},
		},
	}

	decoded, ai, err := Decode(EncodeIntention(i))
	require.NoError(t, err)
	require.Nil(t, ai)
	require.NotNil(t, decoded)

	require.Equal(t, i.Snapshot, decoded.Snapshot)
	require.Equal(t, i.Token, decoded.Token)
	require.Equal(t, len(i.Ops), len(decoded.Ops))
	for idx := range i.Ops {
		require.Equal(t, i.Ops[idx].Kind, decoded.Ops[idx].Kind)
		require.Equal(t, i.Ops[idx].Key, decoded.Ops[idx].Key)
		require.Equal(t, i.Ops[idx].Val, decoded.Ops[idx].Val)
	}
}

func TestReadAndWriteSets(t *testing.T) {
	i := &Intention{
		Ops: []Op{
			{Kind: types.OpGet, Key: []byte("r")},
			{Kind: types.OpPut, Key: []byte("w"), Val: []byte("1")},
			{Kind: types.OpCopy, Key: []byte("c")},
		},
	}

	require.Equal(t, [][]byte{[]byte("r")}, i.ReadSet())
	require.Equal(t, [][]byte{[]byte("w"), []byte("c")}, i.WriteSet())
}

func TestAfterImageRoundTrip(t *testing.T) {
	ai := &AfterImage{
		Intention: 7,
		Nodes: []NodeRecord{
			{
				Red: true,
				Key: []byte("k0"),
				Val: []byte("v0"),
				Left: PtrRecord{
					Nil: true,
				},
				Right: PtrRecord{
					Kind: types.KindAfterImage,
					Pos:  3,
					Off:  1,
				},
			},
			{
				Key: []byte("k1"),
				Val: []byte("v1"),
				Left: PtrRecord{
					Self: true,
					Off:  0,
				},
				Right: PtrRecord{
					Kind: types.KindIntention,
					Pos:  5,
					Off:  2,
				},
			},
		},
	}

	i, decoded, err := Decode(EncodeAfterImage(ai))
	require.NoError(t, err)
	require.Nil(t, i)
	require.Equal(t, ai, decoded)
}

func TestDecodeCorruption(t *testing.T) {
	blob := EncodeAfterImage(&AfterImage{
		Intention: 1,
		Nodes: []NodeRecord{
			{Key: []byte("k"), Val: []byte("v"), Left: PtrRecord{Nil: true}, Right: PtrRecord{Nil: true}},
		},
	})

	// Flipped payload byte breaks the digest.
	corrupt := append([]byte{}, blob...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, _, err := Decode(corrupt)
	require.True(t, errors.Is(err, ErrCorruptEntry))

	// Truncation breaks the length.
	_, _, err = Decode(blob[:len(blob)-1])
	require.True(t, errors.Is(err, ErrCorruptEntry))

	// Bad magic.
	corrupt = append([]byte{}, blob...)
	corrupt[0] ^= 0xff
	_, _, err = Decode(corrupt)
	require.True(t, errors.Is(err, ErrCorruptEntry))

	// Short blob.
	_, _, err = Decode([]byte{0x01})
	require.True(t, errors.Is(err, ErrCorruptEntry))
}

func TestEncodingIsDeterministic(t *testing.T) {
	ai := &AfterImage{
		Intention: 9,
		Nodes: []NodeRecord{
			{Key: []byte("a"), Val: []byte("1"), Left: PtrRecord{Nil: true}, Right: PtrRecord{Nil: true}},
			{Key: []byte("b"), Val: []byte("2"), Left: PtrRecord{Self: true}, Right: PtrRecord{Nil: true}},
		},
	}
	require.Equal(t, EncodeAfterImage(ai), EncodeAfterImage(ai))
}
