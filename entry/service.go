package entry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/sequoia/cache"
	"github.com/outofforest/sequoia/seqlog"
	"github.com/outofforest/sequoia/types"
	"github.com/outofforest/sequoia/wire"
)

const (
	pollInterval = 200 * time.Microsecond

	// holeRetries is how many times the log reader retries a not-written
	// position before escalating to Fill.
	holeRetries = 256
)

// Config stores entry service configuration.
type Config struct {
	Log   seqlog.Log
	Cache *cache.Cache

	// StartPos is where the log reader begins scanning for after-images.
	StartPos types.Position
}

// New creates a new entry service.
func New(config Config) *Service {
	return &Service{
		config:  config,
		matcher: NewMatcher(),
		ring:    newRing(),
	}
}

// Service streams entries off the log and dispatches them: after-images go to
// the matcher and the intention-to-after-image index, intentions are
// demultiplexed to the registered intention queues.
type Service struct {
	config  Config
	matcher *Matcher
	ring    *ring

	mu     sync.Mutex
	queues []*IntentionQueue
}

// Matcher returns the after-image matcher.
func (s *Service) Matcher() *Matcher {
	return s.matcher
}

// NewIntentionQueue registers a queue consuming intentions at or beyond pos.
func (s *Service) NewIntentionQueue(pos types.Position) *IntentionQueue {
	q := NewIntentionQueue(pos)
	s.mu.Lock()
	s.queues = append(s.queues, q)
	s.mu.Unlock()
	return q
}

// Run runs the log reader and intention reader until the context is
// canceled, then unblocks every waiter.
func (s *Service) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("logReader", parallel.Fail, s.runLogReader)
		spawn("intentionReader", parallel.Fail, s.runIntentionReader)
		spawn("stopper", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			s.matcher.Stop()
			s.mu.Lock()
			for _, q := range s.queues {
				q.Stop()
			}
			s.mu.Unlock()
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}

// AppendIntention serializes and appends an intention, records it in the
// ring for fast local replay, and returns its position.
func (s *Service) AppendIntention(i *wire.Intention) (types.Position, error) {
	pos, err := s.config.Log.Append(wire.EncodeIntention(i))
	if err != nil {
		return 0, err
	}
	i.Position = pos
	s.ring.insert(i)
	return pos, nil
}

// AppendAfterImage serializes and appends an after-image and returns its
// position.
func (s *Service) AppendAfterImage(ai *wire.AfterImage) (types.Position, error) {
	return s.config.Log.Append(wire.EncodeAfterImage(ai))
}

// ReadIntentions fetches the intentions at the given positions, consulting
// the ring before the log. The conflict checker uses it to inspect
// concurrently committed intentions.
func (s *Service) ReadIntentions(positions []types.Position) ([]*wire.Intention, error) {
	intentions := make([]*wire.Intention, 0, len(positions))
	for _, pos := range positions {
		if i, ok := s.ring.find(pos); ok {
			intentions = append(intentions, i)
			continue
		}
		data, err := s.config.Log.Read(pos)
		if err != nil {
			return nil, errors.Wrapf(err, "reading intention at %d", pos)
		}
		i, _, err := wire.Decode(data)
		if err != nil {
			return nil, err
		}
		if i == nil {
			return nil, errors.Wrapf(wire.ErrCorruptEntry, "expected intention at %d", pos)
		}
		i.Position = pos
		intentions = append(intentions, i)
	}
	return intentions, nil
}

// runLogReader advances over the log in order and feeds every after-image to
// the matcher and the intention index. Holes are retried with a bounded
// backoff and then filled so that progress does not stall.
func (s *Service) runLogReader(ctx context.Context) error {
	log := logger.Get(ctx)

	pos := s.config.StartPos
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		data, err := s.config.Log.Read(pos)
		switch {
		case err == nil:
		case errors.Is(err, seqlog.ErrNotWritten):
			attempts++
			if attempts > holeRetries {
				// The hole survived the wait: junk it so readers can pass.
				// A concurrent write wins the race and the next read
				// returns it.
				if err := s.config.Log.Fill(pos); err == nil {
					log.Debug("filled log hole")
				}
				attempts = 0
			}
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
			continue
		case errors.Is(err, seqlog.ErrFilled):
			pos++
			continue
		default:
			return errors.Wrapf(err, "log read at %d failed", pos)
		}
		attempts = 0

		_, ai, err := wire.Decode(data)
		if err != nil {
			return err
		}
		if ai != nil {
			// Primary after-image: the first one in log order wins.
			s.config.Cache.SetIntentionMapping(ai.Intention, pos)
			s.matcher.Push(ai, pos)
		}
		pos++
	}
}

// runIntentionReader reads the log from the minimum position requested by any
// queue and pushes each intention into every queue that wants it.
func (s *Service) runIntentionReader(ctx context.Context) error {
	var pos types.Position
	var lastMin *types.Position

	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		s.mu.Lock()
		queues := make([]*IntentionQueue, len(s.queues))
		copy(queues, s.queues)
		s.mu.Unlock()

		if len(queues) == 0 {
			lastMin = nil
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}

		min := queues[0].Position()
		for _, q := range queues[1:] {
			if p := q.Position(); p < min {
				min = p
			}
		}

		// A newly registered queue may want history the cursor already
		// passed; restart from the minimum.
		if lastMin == nil || min < *lastMin {
			pos = min
		}
		lastMin = lo.ToPtr(min)

		if i, ok := s.ring.find(pos); ok {
			s.dispatch(queues, i)
			pos++
			continue
		}

		data, err := s.config.Log.Read(pos)
		switch {
		case err == nil:
		case errors.Is(err, seqlog.ErrNotWritten):
			if err := sleep(ctx, pollInterval); err != nil {
				return err
			}
			continue
		case errors.Is(err, seqlog.ErrFilled):
			pos++
			continue
		default:
			return errors.Wrapf(err, "log read at %d failed", pos)
		}

		i, _, err := wire.Decode(data)
		if err != nil {
			return err
		}
		if i != nil {
			i.Position = pos
			s.dispatch(queues, i)
		}
		pos++
	}
}

func (s *Service) dispatch(queues []*IntentionQueue, i *wire.Intention) {
	for _, q := range queues {
		if i.Position >= q.Position() {
			q.Push(i)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-time.After(d):
		return nil
	}
}
