package seqlog

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/sequoia/types"
)

func TestMemoryAppendRead(t *testing.T) {
	l := NewMemory()

	tail, err := l.CheckTail()
	require.NoError(t, err)
	require.Equal(t, types.Position(0), tail)

	pos, err := l.Append([]byte("first"))
	require.NoError(t, err)
	require.Equal(t, types.Position(0), pos)

	pos, err = l.Append([]byte("second"))
	require.NoError(t, err)
	require.Equal(t, types.Position(1), pos)

	data, err := l.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)

	data, err = l.Read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)

	tail, err = l.CheckTail()
	require.NoError(t, err)
	require.Equal(t, types.Position(2), tail)

	_, err = l.Read(2)
	require.True(t, errors.Is(err, ErrNotWritten))
}

func TestMemoryHoleAndFill(t *testing.T) {
	l := NewMemory()

	_, err := l.Append([]byte("a"))
	require.NoError(t, err)

	hole := l.Skip()
	require.Equal(t, types.Position(1), hole)

	_, err = l.Append([]byte("b"))
	require.NoError(t, err)

	_, err = l.Read(hole)
	require.True(t, errors.Is(err, ErrNotWritten))

	require.NoError(t, l.Fill(hole))
	_, err = l.Read(hole)
	require.True(t, errors.Is(err, ErrFilled))

	// Filling a written position is a no-op.
	require.NoError(t, l.Fill(0))
	data, err := l.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), data)
}

func fileConfig(t *testing.T) FileConfig {
	return FileConfig{
		Path:         filepath.Join(t.TempDir(), "log.sequoia"),
		MaxEntries:   128,
		DataCapacity: 64 * 1024,
	}
}

func TestFileAppendRead(t *testing.T) {
	config := fileConfig(t)

	l, closeFn, err := NewFile(config)
	require.NoError(t, err)
	defer closeFn()

	for i, blob := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		pos, err := l.Append(blob)
		require.NoError(t, err)
		require.Equal(t, types.Position(i), pos)
	}

	data, err := l.Read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), data)

	tail, err := l.CheckTail()
	require.NoError(t, err)
	require.Equal(t, types.Position(3), tail)

	_, err = l.Read(3)
	require.True(t, errors.Is(err, ErrNotWritten))
}

func TestFileReopen(t *testing.T) {
	config := fileConfig(t)

	l, closeFn, err := NewFile(config)
	require.NoError(t, err)

	_, err = l.Append([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, l.Fill(3))
	closeFn()

	l, closeFn, err = NewFile(config)
	require.NoError(t, err)
	defer closeFn()

	data, err := l.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), data)

	_, err = l.Read(2)
	require.True(t, errors.Is(err, ErrFilled))

	tail, err := l.CheckTail()
	require.NoError(t, err)
	require.Equal(t, types.Position(4), tail)
}

func TestFileFull(t *testing.T) {
	config := fileConfig(t)
	config.MaxEntries = 2

	l, closeFn, err := NewFile(config)
	require.NoError(t, err)
	defer closeFn()

	_, err = l.Append([]byte("a"))
	require.NoError(t, err)
	_, err = l.Append([]byte("b"))
	require.NoError(t, err)
	_, err = l.Append([]byte("c"))
	require.True(t, errors.Is(err, ErrLogFull))
}
