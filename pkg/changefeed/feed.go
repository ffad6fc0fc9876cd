package changefeed

import (
	"context"
	"fmt"
	"time"
)

// Feed is the consumer side of a change log. Every consumer name owns an
// independent cursor.
type Feed interface {
	// Fetch returns up to max records: first the redeliveries that are
	// due, then records committed after the consumer's cursor, in commit
	// order.
	Fetch(ctx context.Context, consumer string, max int) ([]ChangeRecord, error)

	// Commit acknowledges batch. The cursor moves past every record in
	// batch; the records listed in failed are scheduled for redelivery
	// and their attempt counter is incremented. Records of batch that were
	// redeliveries and are not in failed are dropped from redelivery.
	Commit(ctx context.Context, consumer string, batch []ChangeRecord, failed []Retry) error

	// Attempts returns how many times seq has been scheduled for
	// redelivery to consumer.
	Attempts(ctx context.Context, consumer, seq string) (int, error)
}

// Retry schedules a failed record for redelivery. Fetch holds it back
// until NotBefore; the zero time makes it due at once.
type Retry struct {
	Sequence  string
	NotBefore time.Time
}

// RetryNow schedules every sequence for immediate redelivery.
func RetryNow(seqs ...string) []Retry {
	out := make([]Retry, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, Retry{Sequence: seq})
	}
	return out
}

// ItemFailure is the outcome of one record that could not be processed.
type ItemFailure struct {
	Sequence string
	Err      error
}

// BatchResult carries per-item outcomes. Records not listed in Failures
// were processed successfully.
type BatchResult struct {
	Failures []ItemFailure
}

// Fail records a failure for seq.
func (r *BatchResult) Fail(seq string, err error) {
	r.Failures = append(r.Failures, ItemFailure{Sequence: seq, Err: err})
}

// Failed returns the failed sequences.
func (r BatchResult) Failed() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Sequence)
	}
	return out
}

// Merge appends other's failures to r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Failures = append(r.Failures, other.Failures...)
}

func (r BatchResult) String() string {
	return fmt.Sprintf("%d failed", len(r.Failures))
}

// Handler processes one batch of change records. It must not fail the
// batch as a whole: every failure is reported per record.
type Handler interface {
	HandleBatch(ctx context.Context, batch []ChangeRecord) BatchResult
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, batch []ChangeRecord) BatchResult

func (f HandlerFunc) HandleBatch(ctx context.Context, batch []ChangeRecord) BatchResult {
	return f(ctx, batch)
}

// Each builds a Handler that runs fn for every record independently,
// marking the records for which fn returns an error as failed.
func Each(fn func(ctx context.Context, rec ChangeRecord) error) Handler {
	return HandlerFunc(func(ctx context.Context, batch []ChangeRecord) BatchResult {
		var res BatchResult
		for _, rec := range batch {
			if err := fn(ctx, rec); err != nil {
				res.Fail(rec.Sequence, err)
			}
		}
		return res
	})
}
