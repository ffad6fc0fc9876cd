// Package bridge resumes suspended workflow instances when the status
// record they wait on is approved.
package bridge

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/pubflow/pkg/api"
	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
)

func init() {
	gob.Register(Approval{})
}

// Consumer is the feed cursor name the bridge reads with.
const Consumer = "resumption-bridge"

// Resumer delivers a resume signal to the instance waiting on token.
type Resumer interface {
	ResumeWorkflow(ctx context.Context, token string, payload any) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, token string, payload any) error

func (f ResumerFunc) ResumeWorkflow(ctx context.Context, token string, payload any) error {
	return f(ctx, token, payload)
}

// EngineResumer adapts an api.Engine to Resumer.
func EngineResumer(eng api.Engine) Resumer {
	return ResumerFunc(func(ctx context.Context, token string, payload any) error {
		_, err := eng.ResumeWorkflow(ctx, token, payload)
		return err
	})
}

// Approval is the payload handed to the resumed instance.
type Approval struct {
	EntityID      string
	CorrelationID string
	State         status.LifecycleState
	ApprovedAt    time.Time
}

// Bridge is a changefeed.Handler. Every record is handled on its own; a
// record whose resumption failed is reported back for redelivery and never
// stops the rest of the batch.
type Bridge struct {
	resumer Resumer
	log     *slog.Logger
}

var _ changefeed.Handler = (*Bridge)(nil)

func New(resumer Resumer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{resumer: resumer, log: logger}
}

func (b *Bridge) HandleBatch(ctx context.Context, batch []changefeed.ChangeRecord) changefeed.BatchResult {
	var res changefeed.BatchResult
	for _, rec := range batch {
		if err := b.handle(ctx, rec); err != nil {
			res.Fail(rec.Sequence, err)
		}
	}
	if len(res.Failures) > 0 {
		b.log.Warn("bridge batch partially failed",
			"records", len(batch),
			"failed", res.Failed(),
		)
	}
	return res
}

func (b *Bridge) handle(ctx context.Context, rec changefeed.ChangeRecord) error {
	if rec.Kind == changefeed.KindRemove {
		return nil
	}

	// The token may have been attached by an earlier write and be missing
	// from this change's new image.
	img := rec.Merged()
	token := img.ResumeToken()
	if token == "" {
		return nil
	}

	state := img.State()
	if state != status.StateApproved {
		b.log.Info("record has a waiting workflow but is not approved",
			"entity_id", rec.EntityID,
			"state", string(state),
			"sequence", rec.Sequence,
		)
		return nil
	}

	approval, err := approvalOf(rec.EntityID, img)
	if err != nil {
		return err
	}

	err = b.resumer.ResumeWorkflow(ctx, token, approval)
	switch {
	case err == nil:
		b.log.Info("workflow resumed",
			"entity_id", rec.EntityID,
			"token", token,
			"sequence", rec.Sequence,
		)
		return nil
	case api.IsHandledResumeError(err):
		b.log.Warn("resume rejected",
			"entity_id", rec.EntityID,
			"token", token,
			"sequence", rec.Sequence,
			"error", err,
		)
		return err
	default:
		b.log.Error("resume failed",
			"entity_id", rec.EntityID,
			"token", token,
			"sequence", rec.Sequence,
			"error", err,
		)
		return fmt.Errorf("resume %s: %w", rec.EntityID, err)
	}
}

func approvalOf(entityID string, img changefeed.Image) (Approval, error) {
	a := Approval{
		EntityID:      img[changefeed.FieldEntityID],
		CorrelationID: img[changefeed.FieldCorrelationID],
		State:         img.State(),
	}
	if a.EntityID == "" {
		a.EntityID = entityID
	}
	if v := img[changefeed.FieldModifiedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return a, fmt.Errorf("parse %s: %w", changefeed.FieldModifiedAt, err)
		}
		a.ApprovedAt = t
	}
	return a, nil
}
