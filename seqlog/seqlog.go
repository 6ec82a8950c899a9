package seqlog

import (
	"github.com/pkg/errors"

	"github.com/outofforest/sequoia/types"
)

// Log errors.
var (
	// ErrNotWritten is returned by Read when the position has not been
	// written yet. The caller may retry or Fill the hole.
	ErrNotWritten = errors.New("position not written")

	// ErrFilled is returned by Read when the position was junked by Fill.
	// Filled positions carry no payload and are skipped by readers.
	ErrFilled = errors.New("position filled")

	// ErrLogFull is returned by Append when the backing store ran out of
	// capacity.
	ErrLogFull = errors.New("log full")
)

// Log is the shared, strongly-ordered, append-only log the database is built
// on. Positions of successful appends form a total order, reads of committed
// positions are idempotent, and a successful append is durable.
type Log interface {
	// Append appends a blob and returns the position assigned to it.
	Append(data []byte) (types.Position, error)

	// Read returns the blob stored at the position.
	Read(pos types.Position) ([]byte, error)

	// CheckTail returns the next unwritten position.
	CheckTail() (types.Position, error)

	// Fill junks an unwritten position so readers can move past the hole.
	// Filling an already written position is a no-op.
	Fill(pos types.Position) error
}
