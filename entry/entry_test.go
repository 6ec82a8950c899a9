package entry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/sequoia/cache"
	"github.com/outofforest/sequoia/seqlog"
	"github.com/outofforest/sequoia/tree"
	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

func TestIntentionQueueOrder(t *testing.T) {
	q := NewIntentionQueue(0)

	for _, pos := range []types.Position{0, 1, 2} {
		q.Push(&wire.Intention{Position: pos})
	}
	require.Equal(t, types.Position(3), q.Position())

	for _, want := range []types.Position{0, 1, 2} {
		i, ok := q.Wait()
		require.True(t, ok)
		require.Equal(t, want, i.Position)
	}
}

func TestIntentionQueueDropsStaleDeliveries(t *testing.T) {
	q := NewIntentionQueue(5)

	q.Push(&wire.Intention{Position: 3})
	require.Equal(t, types.Position(5), q.Position())

	q.Push(&wire.Intention{Position: 7})
	i, ok := q.Wait()
	require.True(t, ok)
	require.Equal(t, types.Position(7), i.Position)
	require.Equal(t, types.Position(8), q.Position())
}

func TestIntentionQueueStopUnblocksWaiter(t *testing.T) {
	q := NewIntentionQueue(0)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Wait()
		done <- ok
	}()

	q.Stop()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not unblocked")
	}
}

func testTree(t *testing.T, intention types.Position) ([]*tree.Node, *tree.Tree, *wire.AfterImage) {
	t.Helper()

	tr := tree.New(nopResolver{}, tree.Ptr(tree.Nil()), -1, -int64(intention)-1)
	require.NoError(t, tr.Put([]byte(fmt.Sprintf("k%d", intention)), []byte("v")))
	require.NoError(t, tr.SetSelfPointers(intention))
	ai, delta, err := tr.SerializeAfterImage()
	require.NoError(t, err)
	return delta, tr, ai
}

type nopResolver struct{}

func (nopResolver) Resolve(trace *tree.Trace, addr types.NodeAddress) (*tree.Node, error) {
	return nil, errors.Errorf("unexpected resolution of %s", addr)
}

func (nopResolver) UpdateLRU(trace *tree.Trace) {
	*trace = (*trace)[:0]
}

func (nopResolver) IntentionToAfterImage(pos types.Position) (types.Position, bool) {
	return 0, false
}

func TestMatcherWatchThenPush(t *testing.T) {
	m := NewMatcher()

	delta, tr, ai := testTree(t, 0)
	m.Watch(delta, tr)
	require.Equal(t, int64(-1), m.Watermark())

	m.Push(ai, 1)

	match, ok := m.Wait()
	require.True(t, ok)
	require.Equal(t, types.Position(1), match.Pos)
	require.Equal(t, tr, match.Tree)
	require.Equal(t, int64(0), m.Watermark())
}

func TestMatcherPushThenWatch(t *testing.T) {
	m := NewMatcher()

	delta, tr, ai := testTree(t, 0)
	m.Push(ai, 1)
	m.Watch(delta, tr)

	match, ok := m.Wait()
	require.True(t, ok)
	require.Equal(t, types.Position(1), match.Pos)
}

func TestMatcherIgnoresDuplicateAfterImages(t *testing.T) {
	m := NewMatcher()

	delta, tr, ai := testTree(t, 0)
	m.Push(ai, 1)
	m.Watch(delta, tr)

	match, ok := m.Wait()
	require.True(t, ok)
	require.Equal(t, types.Position(1), match.Pos)

	// A late duplicate for a matched intention is below the watermark.
	m.Push(ai, 5)
	require.Equal(t, int64(0), m.Watermark())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := m.Wait()
		require.False(t, ok)
	}()
	m.Stop()
	<-done
}

func TestMatcherWatermarkStallsOnGap(t *testing.T) {
	m := NewMatcher()

	delta0, tr0, ai0 := testTree(t, 0)
	delta2, tr2, ai2 := testTree(t, 2)

	m.Watch(delta0, tr0)
	m.Watch(delta2, tr2)

	// Intention 2 matches first: delivered, but the watermark waits for 0.
	m.Push(ai2, 3)
	match, ok := m.Wait()
	require.True(t, ok)
	require.Equal(t, types.Position(3), match.Pos)
	require.Equal(t, int64(-1), m.Watermark())

	m.Push(ai0, 4)
	match, ok = m.Wait()
	require.True(t, ok)
	require.Equal(t, types.Position(4), match.Pos)
	require.Equal(t, int64(2), m.Watermark())
}

func newTestService(t *testing.T, log seqlog.Log, startPos types.Position) (*Service, *cache.Cache) {
	t.Helper()

	c := cache.New(cache.Config{Log: log, Shards: 8})
	s := New(Config{Log: log, Cache: c, StartPos: startPos})

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(),
		logger.New(logger.DefaultConfig)))
	group := parallel.NewGroup(ctx)
	group.Spawn("service", parallel.Continue, s.Run)
	t.Cleanup(func() {
		cancel()
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	})

	return s, c
}

func TestServiceDispatchesIntentions(t *testing.T) {
	log := seqlog.NewMemory()
	s, _ := newTestService(t, log, 0)

	q := s.NewIntentionQueue(0)

	var positions []types.Position
	for i := range 5 {
		pos, err := s.AppendIntention(&wire.Intention{
			Snapshot: -1,
			Token:    uint64(i),
		})
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	for idx, want := range positions {
		i, ok := q.Wait()
		require.True(t, ok)
		require.Equal(t, want, i.Position)
		require.Equal(t, uint64(idx), i.Token)
	}
}

func TestServiceDispatchesForeignIntentions(t *testing.T) {
	log := seqlog.NewMemory()

	// Entries appended outside the service miss the ring and are read from
	// the log.
	_, err := log.Append(wire.EncodeIntention(&wire.Intention{Snapshot: -1, Token: 99}))
	require.NoError(t, err)

	s, _ := newTestService(t, log, 0)
	q := s.NewIntentionQueue(0)

	i, ok := q.Wait()
	require.True(t, ok)
	require.Equal(t, types.Position(0), i.Position)
	require.Equal(t, uint64(99), i.Token)
}

func TestServiceMatchesAfterImages(t *testing.T) {
	log := seqlog.NewMemory()
	s, c := newTestService(t, log, 0)

	delta, tr, ai := testTree(t, 0)
	s.Matcher().Watch(delta, tr)

	aiPos, err := s.AppendAfterImage(ai)
	require.NoError(t, err)

	match, ok := s.Matcher().Wait()
	require.True(t, ok)
	require.Equal(t, aiPos, match.Pos)

	// The log reader also filled the intention index.
	require.Eventually(t, func() bool {
		pos, ok := c.IntentionToAfterImage(0)
		return ok && pos == aiPos
	}, 5*time.Second, time.Millisecond)
}

func TestServiceFillsHoles(t *testing.T) {
	log := seqlog.NewMemory()
	s, _ := newTestService(t, log, 0)

	log.Skip()
	delta, tr, ai := testTree(t, 0)
	s.Matcher().Watch(delta, tr)
	aiPos, err := s.AppendAfterImage(ai)
	require.NoError(t, err)

	// The log reader waits the hole out, fills it, and reaches the
	// after-image behind it.
	match, ok := s.Matcher().Wait()
	require.True(t, ok)
	require.Equal(t, aiPos, match.Pos)
}

func TestReadIntentionsFallsBackToLog(t *testing.T) {
	log := seqlog.NewMemory()
	s, _ := newTestService(t, log, 0)

	var positions []types.Position
	for i := range ringCapacity + 5 {
		pos, err := s.AppendIntention(&wire.Intention{Snapshot: -1, Token: uint64(i)})
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	// The first few dropped out of the ring; all must still resolve.
	intentions, err := s.ReadIntentions(positions)
	require.NoError(t, err)
	require.Len(t, intentions, len(positions))
	for idx, i := range intentions {
		require.Equal(t, positions[idx], i.Position)
		require.Equal(t, uint64(idx), i.Token)
	}
}
