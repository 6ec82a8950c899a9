package sequoia

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/sequoia/seqlog"
	"github.com/outofforest/sequoia/tree"
)

func startDB(t *testing.T, config Config) *DB {
	t.Helper()

	db, err := Open(config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(),
		logger.New(logger.DefaultConfig)))
	group := parallel.NewGroup(ctx)
	group.Spawn("db", parallel.Continue, db.Run)
	t.Cleanup(func() {
		cancel()
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	})

	return db
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	return startDB(t, Config{Log: seqlog.NewMemory(), CreateIfEmpty: true})
}

func put(t *testing.T, db *DB, key, val string) {
	t.Helper()
	txn := db.BeginTransaction()
	require.NoError(t, txn.Put([]byte(key), []byte(val)))
	require.NoError(t, txn.Commit())
}

func TestOpenRequiresCreateOnEmptyLog(t *testing.T) {
	_, err := Open(Config{Log: seqlog.NewMemory()})
	require.True(t, errors.Is(err, ErrEmptyLog))
}

func TestEmptyDatabase(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Get([]byte("a"))
	require.True(t, errors.Is(err, ErrNotFound))

	it := db.NewIterator(nil)
	it.SeekToFirst()
	require.False(t, it.Valid())
	require.NoError(t, it.Err())
}

func TestSinglePut(t *testing.T) {
	db := newTestDB(t)

	put(t, db, "k", "v")

	val, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	it := db.NewIterator(nil)
	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, []byte("k"), it.Key())
	require.Equal(t, []byte("v"), it.Value())

	it.Next()
	require.False(t, it.Valid())
}

func TestReadYourOwnWrites(t *testing.T) {
	db := newTestDB(t)

	txn := db.BeginTransaction()
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))
	val, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	// Not visible outside before commit.
	_, err = db.Get([]byte("k"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, txn.Commit())
	_, err = db.Get([]byte("k"))
	require.NoError(t, err)
}

func TestConflictAborts(t *testing.T) {
	db := newTestDB(t)
	put(t, db, "seed", "1")

	txnA := db.BeginTransaction()
	txnB := db.BeginTransaction()

	require.NoError(t, txnA.Put([]byte("x"), []byte("a")))
	require.NoError(t, txnB.Put([]byte("x"), []byte("b")))

	require.NoError(t, txnA.Commit())
	require.True(t, errors.Is(txnB.Commit(), ErrAborted))

	val, err := db.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), val)
}

func TestDisjointTransactionsBothCommit(t *testing.T) {
	db := newTestDB(t)
	put(t, db, "seed", "1")

	txnA := db.BeginTransaction()
	txnB := db.BeginTransaction()

	require.NoError(t, txnA.Put([]byte("a"), []byte("1")))
	require.NoError(t, txnB.Put([]byte("b"), []byte("2")))

	require.NoError(t, txnA.Commit())
	require.NoError(t, txnB.Commit())

	for _, key := range []string{"a", "b"} {
		_, err := db.Get([]byte(key))
		require.NoError(t, err)
	}
}

func TestReadConflictsWithWrite(t *testing.T) {
	db := newTestDB(t)
	put(t, db, "x", "0")

	reader := db.BeginTransaction()
	writer := db.BeginTransaction()

	_, err := reader.Get([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, reader.Put([]byte("y"), []byte("derived")))

	require.NoError(t, writer.Put([]byte("x"), []byte("1")))
	require.NoError(t, writer.Commit())

	// The reader's read set overlaps the writer's write set.
	require.True(t, errors.Is(reader.Commit(), ErrAborted))
}

func TestCopyConflictsLikeAWrite(t *testing.T) {
	db := newTestDB(t)
	put(t, db, "x", "0")

	copier := db.BeginTransaction()
	writer := db.BeginTransaction()

	require.NoError(t, copier.Copy([]byte("x")))
	require.NoError(t, writer.Put([]byte("x"), []byte("1")))

	require.NoError(t, copier.Commit())
	require.True(t, errors.Is(writer.Commit(), ErrAborted))

	val, err := db.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("0"), val)
}

func TestDeleteCommits(t *testing.T) {
	db := newTestDB(t)
	put(t, db, "k", "v")

	txn := db.BeginTransaction()
	require.NoError(t, txn.Delete([]byte("k")))
	require.NoError(t, txn.Commit())

	_, err := db.Get([]byte("k"))
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestIteratorStability(t *testing.T) {
	db := newTestDB(t)

	r := rand.New(rand.NewPCG(1, 2))
	keys := map[string]struct{}{}
	for len(keys) < 1000 {
		key := fmt.Sprintf("%08x", r.Uint32())
		if _, ok := keys[key]; ok {
			continue
		}
		keys[key] = struct{}{}
		put(t, db, key, "v")
	}

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	it := db.NewIterator(nil)

	var forward []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		forward = append(forward, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, sorted, forward)

	var backward []string
	for it.SeekToLast(); it.Valid(); it.Prev() {
		backward = append(backward, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Len(t, backward, len(sorted))
	for idx, key := range backward {
		require.Equal(t, sorted[len(sorted)-1-idx], key)
	}
}

func TestIteratorSeekAndDirectionSwitch(t *testing.T) {
	db := newTestDB(t)
	for _, key := range []string{"a", "c", "e", "g"} {
		put(t, db, key, "v-"+key)
	}

	it := db.NewIterator(nil)

	// Seek lands on the smallest key >= target.
	it.Seek([]byte("d"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("e"), it.Key())

	// Prev after a forward seek re-orients.
	it.Prev()
	require.True(t, it.Valid())
	require.Equal(t, []byte("c"), it.Key())

	it.Prev()
	require.True(t, it.Valid())
	require.Equal(t, []byte("a"), it.Key())

	// Next after Prev re-orients again.
	it.Next()
	require.True(t, it.Valid())
	require.Equal(t, []byte("c"), it.Key())

	it.Seek([]byte("h"))
	require.False(t, it.Valid())
	require.NoError(t, it.Err())
}

func TestSnapshotIsolation(t *testing.T) {
	db := newTestDB(t)
	put(t, db, "k", "old")

	snapshot := db.GetSnapshot()
	defer db.ReleaseSnapshot(snapshot)

	put(t, db, "k", "new")
	put(t, db, "other", "x")

	val, err := snapshot.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), val)

	_, err = snapshot.Get([]byte("other"))
	require.True(t, errors.Is(err, ErrNotFound))

	it := db.NewIterator(snapshot)
	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, []byte("k"), it.Key())
	require.Equal(t, []byte("old"), it.Value())
	it.Next()
	require.False(t, it.Valid())
}

func TestTreeInvariantsHoldAcrossCommits(t *testing.T) {
	db := newTestDB(t)

	r := rand.New(rand.NewPCG(3, 4))
	for i := range 200 {
		txn := db.BeginTransaction()
		key := []byte(fmt.Sprintf("%04d", r.IntN(300)))
		if i%3 == 2 {
			require.NoError(t, txn.Delete(key))
		} else {
			require.NoError(t, txn.Put(key, []byte("v")))
		}
		require.NoError(t, txn.Commit())
	}

	root, _ := db.snapshotRoot()
	var trace tree.Trace
	node, err := root.Ref(db.cache, &trace)
	require.NoError(t, err)
	db.cache.UpdateLRU(&trace)
	require.NoError(t, tree.Validate(db.cache, node))
}

func TestReplayAfterReopen(t *testing.T) {
	log := seqlog.NewMemory()

	expected := map[string]string{}
	func() {
		db, err := Open(Config{Log: log, CreateIfEmpty: true})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(),
			logger.New(logger.DefaultConfig)))
		group := parallel.NewGroup(ctx)
		group.Spawn("db", parallel.Continue, db.Run)
		defer func() {
			cancel()
			group.Exit(nil)
			if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				t.Fatal(err)
			}
		}()

		r := rand.New(rand.NewPCG(5, 6))
		for i := range 100 {
			key := fmt.Sprintf("key-%02d", r.IntN(40))
			val := fmt.Sprintf("val-%d", i)
			put(t, db, key, val)
			expected[key] = val
		}
	}()

	db := startDB(t, Config{Log: log, CreateIfEmpty: false})

	for key, val := range expected {
		got, err := db.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, []byte(val), got)
	}

	// The reopened database keeps accepting commits.
	put(t, db, "after-reopen", "1")
	_, err := db.Get([]byte("after-reopen"))
	require.NoError(t, err)
}

func TestCachePressure(t *testing.T) {
	db := startDB(t, Config{
		Log:            seqlog.NewMemory(),
		CreateIfEmpty:  true,
		CacheShards:    2,
		CacheLowMarker: 1024,
	})

	expected := map[string]string{}
	for i := range 150 {
		key := fmt.Sprintf("key-%03d", i)
		val := fmt.Sprintf("val-%064d", i)
		put(t, db, key, val)
		expected[key] = val
	}

	// The budget is far exceeded; the vacuum must get usage back down.
	require.Eventually(t, func() bool {
		return db.cache.UsedBytes() <= 1024
	}, 10*time.Second, 10*time.Millisecond)

	// Every key still resolves, refetched from the log where evicted.
	for key, val := range expected {
		got, err := db.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, []byte(val), got)
	}
}

func TestCloseUnblocksCommit(t *testing.T) {
	// No workers running: the commit decision never arrives and Close must
	// unblock the waiter.
	db, err := Open(Config{Log: seqlog.NewMemory(), CreateIfEmpty: true})
	require.NoError(t, err)

	txn := db.BeginTransaction()
	require.NoError(t, txn.Put([]byte("k"), []byte("v")))

	go func() {
		time.Sleep(50 * time.Millisecond)
		db.Close()
	}()

	require.True(t, errors.Is(txn.Commit(), ErrClosed))
}
