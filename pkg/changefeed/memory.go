package changefeed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process change log implementing Feed. Appends are
// expected to happen under the writer's own lock together with the
// mutation they describe.
type MemoryLog struct {
	mu      sync.Mutex
	shards  int
	next    int64
	records []ChangeRecord

	cursors     map[string]int64
	redelivery  map[string]map[string]*pendingRetry // consumer -> seq
	sequenceIdx map[string]int
	now         func() time.Time
}

type pendingRetry struct {
	attempts  int
	notBefore time.Time
}

var _ Feed = (*MemoryLog)(nil)

// NewMemoryLog creates an empty log distributing entities over shards.
func NewMemoryLog(shards int) *MemoryLog {
	return NewMemoryLogWithClock(shards, nil)
}

// NewMemoryLogWithClock is NewMemoryLog with the clock redelivery times
// are compared against.
func NewMemoryLogWithClock(shards int, now func() time.Time) *MemoryLog {
	if shards <= 0 {
		shards = 1
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLog{
		shards:      shards,
		cursors:     map[string]int64{},
		redelivery:  map[string]map[string]*pendingRetry{},
		sequenceIdx: map[string]int{},
		now:         now,
	}
}

// FormatSequence renders a numeric log position. The fixed width keeps
// lexical and numeric order identical.
func FormatSequence(n int64) string {
	return fmt.Sprintf("%020d", n)
}

// Append assigns the next sequence and shard to rec and stores it.
func (l *MemoryLog) Append(rec ChangeRecord) ChangeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	rec.Sequence = FormatSequence(l.next)
	rec.Shard = ShardOf(rec.EntityID, l.shards)
	l.sequenceIdx[rec.Sequence] = len(l.records)
	l.records = append(l.records, rec)
	return rec
}

// Records returns a copy of the whole log.
func (l *MemoryLog) Records() []ChangeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChangeRecord(nil), l.records...)
}

func (l *MemoryLog) Fetch(_ context.Context, consumer string, max int) ([]ChangeRecord, error) {
	if max <= 0 {
		max = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ChangeRecord, 0, max)
	now := l.now()
	pending := make([]string, 0, len(l.redelivery[consumer]))
	for seq, r := range l.redelivery[consumer] {
		if !r.notBefore.After(now) {
			pending = append(pending, seq)
		}
	}
	sort.Strings(pending)
	for _, seq := range pending {
		if len(out) == max {
			return out, nil
		}
		out = append(out, l.records[l.sequenceIdx[seq]])
	}

	cursor := l.cursors[consumer]
	for i := int(cursor); i < len(l.records) && len(out) < max; i++ {
		out = append(out, l.records[i])
	}
	return out, nil
}

func (l *MemoryLog) Commit(_ context.Context, consumer string, batch []ChangeRecord, failed []Retry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := l.redelivery[consumer]
	if pending == nil {
		pending = map[string]*pendingRetry{}
		l.redelivery[consumer] = pending
	}
	retries := make(map[string]time.Time, len(failed))
	for _, r := range failed {
		retries[r.Sequence] = r.NotBefore
	}

	cursor := l.cursors[consumer]
	for _, rec := range batch {
		idx, ok := l.sequenceIdx[rec.Sequence]
		if !ok {
			return fmt.Errorf("changefeed: unknown sequence %s", rec.Sequence)
		}
		if pos := int64(idx) + 1; pos > cursor {
			cursor = pos
		}
		if notBefore, bad := retries[rec.Sequence]; bad {
			r := pending[rec.Sequence]
			if r == nil {
				r = &pendingRetry{}
				pending[rec.Sequence] = r
			}
			r.attempts++
			r.notBefore = notBefore
			continue
		}
		delete(pending, rec.Sequence)
	}
	l.cursors[consumer] = cursor
	return nil
}

func (l *MemoryLog) Attempts(_ context.Context, consumer, seq string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.redelivery[consumer][seq]; r != nil {
		return r.attempts, nil
	}
	return 0, nil
}
