package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/petrijr/pubflow/internal/backoff"
)

// DeadLetterFunc receives a record whose redelivery budget is exhausted.
// cause is the last processing error.
type DeadLetterFunc func(ctx context.Context, rec ChangeRecord, attempts int, cause error) error

// SubscriptionConfig configures a Subscription.
type SubscriptionConfig struct {
	// Consumer names the cursor. Required.
	Consumer string

	BatchSize    int           // default 100
	MaxInFlight  int           // concurrent shard batches, default 5
	PollInterval time.Duration // idle wait between empty polls, default 1s

	// RateLimit caps shard batches started per second. Zero disables it.
	RateLimit float64
	Burst     int

	// MaxRedeliveries is how many times a failed record is redelivered
	// before it goes to DeadLetter. Default 3.
	MaxRedeliveries int
	DeadLetter      DeadLetterFunc

	// RedeliveryBackoff spaces the redeliveries of one record; the n-th
	// redelivery is held back for Delay(n). Default exponential from 1s,
	// capped at 1m.
	RedeliveryBackoff backoff.Strategy

	Logger *slog.Logger
}

func (c *SubscriptionConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 3
	}
	if c.RedeliveryBackoff == nil {
		c.RedeliveryBackoff = backoff.Default()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Subscription polls a Feed and hands batches to a Handler.
type Subscription struct {
	feed    Feed
	handler Handler
	cfg     SubscriptionConfig
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewSubscription creates a subscription for cfg.Consumer.
func NewSubscription(feed Feed, handler Handler, cfg SubscriptionConfig) (*Subscription, error) {
	if feed == nil || handler == nil {
		return nil, errors.New("changefeed: feed and handler are required")
	}
	if cfg.Consumer == "" {
		return nil, errors.New("changefeed: consumer name is required")
	}
	cfg.defaults()

	s := &Subscription{
		feed:    feed,
		handler: handler,
		cfg:     cfg,
		log:     cfg.Logger.With("consumer", cfg.Consumer),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.MaxInFlight
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

// Run polls until ctx is cancelled. Any error other than cancellation is
// returned so the caller can restart the worker; uncommitted records are
// redelivered.
func (s *Subscription) Run(ctx context.Context) error {
	for {
		n, err := s.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// Poll runs one fetch, process, commit cycle and returns the number of
// records fetched.
func (s *Subscription) Poll(ctx context.Context) (int, error) {
	batch, err := s.feed.Fetch(ctx, s.cfg.Consumer, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	res, err := s.process(ctx, batch)
	if err != nil {
		return 0, err
	}

	failed, err := s.settle(ctx, batch, res)
	if err != nil {
		return 0, err
	}
	if err := s.feed.Commit(ctx, s.cfg.Consumer, batch, failed); err != nil {
		return 0, err
	}

	s.log.Debug("batch committed", "records", len(batch), "failed", len(failed))
	return len(batch), nil
}

// process splits batch by shard and runs the shard batches concurrently.
// Records of one shard stay in commit order.
func (s *Subscription) process(ctx context.Context, batch []ChangeRecord) (BatchResult, error) {
	var (
		order  []int
		shards = map[int][]ChangeRecord{}
	)
	for _, rec := range batch {
		if _, ok := shards[rec.Shard]; !ok {
			order = append(order, rec.Shard)
		}
		shards[rec.Shard] = append(shards[rec.Shard], rec)
	}

	var (
		mu  sync.Mutex
		res BatchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxInFlight)
	for _, shard := range order {
		part := shards[shard]
		if s.limiter != nil {
			if err := s.limiter.Wait(gctx); err != nil {
				_ = g.Wait()
				return BatchResult{}, err
			}
		}
		g.Go(func() error {
			r := s.handler.HandleBatch(gctx, part)
			mu.Lock()
			res.Merge(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

// settle decides which failures are redelivered, and when, and
// dead-letters the ones whose budget is spent.
func (s *Subscription) settle(ctx context.Context, batch []ChangeRecord, res BatchResult) ([]Retry, error) {
	if len(res.Failures) == 0 {
		return nil, nil
	}
	bySeq := make(map[string]ChangeRecord, len(batch))
	for _, rec := range batch {
		bySeq[rec.Sequence] = rec
	}

	now := time.Now()
	failed := make([]Retry, 0, len(res.Failures))
	for _, f := range res.Failures {
		attempts, err := s.feed.Attempts(ctx, s.cfg.Consumer, f.Sequence)
		if err != nil {
			return nil, err
		}
		retry := Retry{
			Sequence:  f.Sequence,
			NotBefore: now.Add(s.cfg.RedeliveryBackoff.Delay(attempts + 1)),
		}
		if attempts < s.cfg.MaxRedeliveries {
			failed = append(failed, retry)
			continue
		}

		rec := bySeq[f.Sequence]
		s.log.Warn("redelivery budget exhausted",
			"sequence", f.Sequence, "entity_id", rec.EntityID, "attempts", attempts, "error", f.Err)
		if s.cfg.DeadLetter == nil {
			continue
		}
		if err := s.cfg.DeadLetter(ctx, rec, attempts, f.Err); err != nil {
			// Keep it for redelivery rather than lose it.
			s.log.Error("dead-letter failed", "sequence", f.Sequence, "error", err)
			failed = append(failed, retry)
		}
	}
	return failed, nil
}
