package statusstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
)

type feedStore interface {
	status.Store
	changefeed.Feed
}

// StoreSuite is run against every backend. newStore must return an empty
// store built with opts.
type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T, opts ...Option) feedStore

	ctx   context.Context
	store feedStore

	mu  sync.Mutex
	now time.Time
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.store = s.newStore(s.T(), WithClock(s.clock))
}

func (s *StoreSuite) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *StoreSuite) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// changes drains everything currently in the log through a throwaway
// consumer.
func (s *StoreSuite) changes() []changefeed.ChangeRecord {
	consumer := "reader-" + time.Now().Format(time.RFC3339Nano)
	recs, err := s.store.Fetch(s.ctx, consumer, 1000)
	s.Require().NoError(err)
	return recs
}

func (s *StoreSuite) TestCreateAndGet() {
	rec, err := s.store.CreateRecord(s.ctx, "p1", map[string]string{"title": "Spring issue"})
	s.Require().NoError(err)
	s.Equal(status.StateDraft, rec.State)
	s.NotEmpty(rec.CorrelationID)
	s.Empty(rec.ResumeToken)

	got, ok, err := s.store.GetRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(rec.CorrelationID, got.CorrelationID)
	s.Equal("Spring issue", got.Attributes["title"])
	s.True(rec.CreatedAt.Equal(got.CreatedAt))

	_, ok, err = s.store.GetRecord(s.ctx, "missing")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *StoreSuite) TestCreateRejectsActiveRecord() {
	_, err := s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)

	_, err = s.store.CreateRecord(s.ctx, "p1", nil)
	rej, ok := status.AsRejection(err)
	s.Require().True(ok, "want rejection, got %v", err)
	s.Equal(status.ReasonAlreadyActive, rej.Reason)
	s.Equal(status.StateDraft, rej.Current)

	_, err = s.store.ApproveRecord(s.ctx, "p1")
	s.Require().NoError(err)
	_, err = s.store.CreateRecord(s.ctx, "p1", nil)
	s.True(status.IsRejected(err, status.ReasonAlreadyActive))
}

func (s *StoreSuite) TestRecreateAfterInactive() {
	first, err := s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.AttachResumeToken(s.ctx, "p1", "tok-old"))

	_, err = s.store.TransitionRecord(s.ctx, "p1", status.StateDraft, status.StateExpired)
	s.Require().NoError(err)

	second, err := s.store.CreateRecord(s.ctx, "p1", map[string]string{"title": "v2"})
	s.Require().NoError(err)
	s.Equal(status.StateDraft, second.State)
	s.NotEqual(first.CorrelationID, second.CorrelationID)
	s.Empty(second.ResumeToken)

	recs := s.changes()
	s.Require().NotEmpty(recs)
	last := recs[len(recs)-1]
	s.Equal(changefeed.KindModify, last.Kind)
	s.Equal(status.StateExpired, last.OldImage.State())
	s.Equal(status.StateDraft, last.NewImage.State())
}

func (s *StoreSuite) TestConcurrentCreateYieldsOneRecord() {
	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
		other    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.CreateRecord(s.ctx, "p1", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case status.IsRejected(err, status.ReasonAlreadyActive):
				rejected++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	s.Empty(other)
	s.Equal(1, ok)
	s.Equal(writers-1, rejected)
	s.Len(s.changes(), 1)
}

func (s *StoreSuite) TestApproveGuard() {
	_, err := s.store.ApproveRecord(s.ctx, "missing")
	s.True(errors.Is(err, status.ErrNotFound))

	created, err := s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)

	approved, err := s.store.ApproveRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal(status.StateApproved, approved.State)
	s.Equal(created.CorrelationID, approved.CorrelationID)

	_, err = s.store.ApproveRecord(s.ctx, "p1")
	rej, ok := status.AsRejection(err)
	s.Require().True(ok)
	s.Equal(status.ReasonNotInDraft, rej.Reason)
	s.Equal(status.StateApproved, rej.Current)

	got, _, err := s.store.GetRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.True(approved.ModifiedAt.Equal(got.ModifiedAt), "rejected approval must not touch the record")
	s.Len(s.changes(), 2)
}

func (s *StoreSuite) TestAttachIsIdempotent() {
	err := s.store.AttachResumeToken(s.ctx, "missing", "tok-1")
	s.True(status.IsRejected(err, status.ReasonNotFound))

	_, err = s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.AttachResumeToken(s.ctx, "p1", "tok-1"))
	s.Require().NoError(s.store.AttachResumeToken(s.ctx, "p1", "tok-1"))

	got, _, err := s.store.GetRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal("tok-1", got.ResumeToken)

	recs := s.changes()
	s.Len(recs, 2, "second attach must not write")
	s.Equal("tok-1", recs[1].NewImage.ResumeToken())
	s.Equal(status.StateDraft, recs[1].Merged().State())

	s.Error(s.store.AttachResumeToken(s.ctx, "p1", ""))
}

func (s *StoreSuite) TestDetachComparesToken() {
	_, err := s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.AttachResumeToken(s.ctx, "p1", "tok-1"))

	err = s.store.DetachResumeToken(s.ctx, "p1", "tok-2")
	s.True(status.IsRejected(err, status.ReasonTokenMismatch))

	s.Require().NoError(s.store.DetachResumeToken(s.ctx, "p1", "tok-1"))
	got, _, err := s.store.GetRecord(s.ctx, "p1")
	s.Require().NoError(err)
	s.Empty(got.ResumeToken)

	recs := s.changes()
	last := recs[len(recs)-1]
	s.Empty(last.Merged().ResumeToken(), "detach must clear the token in the merged image")
}

func (s *StoreSuite) TestTransition() {
	_, err := s.store.TransitionRecord(s.ctx, "p1", status.StateDraft, status.StateCancelled)
	s.True(status.IsRejected(err, status.ReasonNotFound))

	_, err = s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)

	_, err = s.store.TransitionRecord(s.ctx, "p1", status.StateApproved, status.StateClosed)
	rej, ok := status.AsRejection(err)
	s.Require().True(ok)
	s.Equal(status.ReasonInvalidTransition, rej.Reason)
	s.Equal(status.StateDraft, rej.Current)

	_, err = s.store.TransitionRecord(s.ctx, "p1", status.StateDraft, status.StateApproved)
	s.Error(err)
	_, isRej := status.AsRejection(err)
	s.False(isRej)

	rec, err := s.store.TransitionRecord(s.ctx, "p1", status.StateDraft, status.StateCancelled)
	s.Require().NoError(err)
	s.Equal(status.StateCancelled, rec.State)
}

func (s *StoreSuite) TestFeedCursorAndRedelivery() {
	_, err := s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)
	_, err = s.store.CreateRecord(s.ctx, "p2", nil)
	s.Require().NoError(err)
	_, err = s.store.ApproveRecord(s.ctx, "p1")
	s.Require().NoError(err)

	batch, err := s.store.Fetch(s.ctx, "bridge", 10)
	s.Require().NoError(err)
	s.Require().Len(batch, 3)
	s.Equal(changefeed.KindInsert, batch[0].Kind)
	s.Equal("p1", batch[0].EntityID)
	s.Nil(batch[0].OldImage)
	s.Equal(changefeed.KindModify, batch[2].Kind)
	s.Equal(status.StateApproved, batch[2].NewImage.State())
	s.Equal(status.StateDraft, batch[2].OldImage.State())

	s.Require().NoError(s.store.Commit(s.ctx, "bridge", batch, changefeed.RetryNow(batch[1].Sequence)))

	attempts, err := s.store.Attempts(s.ctx, "bridge", batch[1].Sequence)
	s.Require().NoError(err)
	s.Equal(1, attempts)

	again, err := s.store.Fetch(s.ctx, "bridge", 10)
	s.Require().NoError(err)
	s.Require().Len(again, 1)
	s.Equal(batch[1].Sequence, again[0].Sequence)
	s.Equal("p2", again[0].EntityID)

	s.Require().NoError(s.store.Commit(s.ctx, "bridge", again, nil))
	empty, err := s.store.Fetch(s.ctx, "bridge", 10)
	s.Require().NoError(err)
	s.Empty(empty)

	// Another consumer still sees everything.
	relay, err := s.store.Fetch(s.ctx, "relay", 10)
	s.Require().NoError(err)
	s.Len(relay, 3)

	// New writes show up after the cursor.
	s.Require().NoError(s.store.AttachResumeToken(s.ctx, "p2", "tok-2"))
	next, err := s.store.Fetch(s.ctx, "bridge", 10)
	s.Require().NoError(err)
	s.Require().Len(next, 1)
	s.Equal("tok-2", next[0].NewImage.ResumeToken())
}

func (s *StoreSuite) TestFetchHonoursMax() {
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := s.store.CreateRecord(s.ctx, id, nil)
		s.Require().NoError(err)
	}
	batch, err := s.store.Fetch(s.ctx, "relay", 2)
	s.Require().NoError(err)
	s.Len(batch, 2)
	s.Require().NoError(s.store.Commit(s.ctx, "relay", batch, nil))

	rest, err := s.store.Fetch(s.ctx, "relay", 2)
	s.Require().NoError(err)
	s.Require().Len(rest, 1)
	s.Equal("p3", rest[0].EntityID)
}

func (s *StoreSuite) TestRedeliveryWaitsForNotBefore() {
	_, err := s.store.CreateRecord(s.ctx, "p1", nil)
	s.Require().NoError(err)

	batch, err := s.store.Fetch(s.ctx, "bridge", 10)
	s.Require().NoError(err)
	s.Require().Len(batch, 1)

	retry := changefeed.Retry{Sequence: batch[0].Sequence, NotBefore: s.clock().Add(time.Minute)}
	s.Require().NoError(s.store.Commit(s.ctx, "bridge", batch, []changefeed.Retry{retry}))

	early, err := s.store.Fetch(s.ctx, "bridge", 10)
	s.Require().NoError(err)
	s.Empty(early, "redelivery must wait for its not-before time")

	attempts, err := s.store.Attempts(s.ctx, "bridge", batch[0].Sequence)
	s.Require().NoError(err)
	s.Equal(1, attempts)

	s.advance(time.Minute + time.Second)
	due, err := s.store.Fetch(s.ctx, "bridge", 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(batch[0].Sequence, due[0].Sequence)

	s.Require().NoError(s.store.Commit(s.ctx, "bridge", due, nil))
	attempts, err = s.store.Attempts(s.ctx, "bridge", batch[0].Sequence)
	s.Require().NoError(err)
	s.Zero(attempts)
}

// A follower polling while writers append must see every change exactly
// once, even though sequence numbers are handed out before commit.
func (s *StoreSuite) TestFollowerSeesEveryConcurrentChange() {
	const writers, perWriter = 8, 25
	total := writers * perWriter

	var wg sync.WaitGroup
	errs := make(chan error, total)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.store.CreateRecord(s.ctx, fmt.Sprintf("w%d-%d", w, i), nil); err != nil {
					errs <- err
				}
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	seen := make(map[string]int, total)
	deadline := time.Now().Add(30 * time.Second)
	for len(seen) < total && time.Now().Before(deadline) {
		batch, err := s.store.Fetch(s.ctx, "follower", 16)
		s.Require().NoError(err)
		for _, rec := range batch {
			seen[rec.EntityID]++
		}
		s.Require().NoError(s.store.Commit(s.ctx, "follower", batch, nil))
		if len(batch) == 0 {
			select {
			case <-done:
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}
	<-done
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	rest, err := s.store.Fetch(s.ctx, "follower", total)
	s.Require().NoError(err)
	s.Empty(rest)
	s.Len(seen, total)
	for id, n := range seen {
		s.Equal(1, n, "entity %s delivered %d times", id, n)
	}
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(_ *testing.T, opts ...Option) feedStore {
		return NewMemoryStore(opts...)
	}})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T, opts ...Option) feedStore {
		store, err := NewSQLiteStore(openSQLite(t), opts...)
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		return store
	}})
}
