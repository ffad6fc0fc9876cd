package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/petrijr/pubflow/pkg/api"
	"github.com/petrijr/pubflow/pkg/events"
	"github.com/petrijr/pubflow/pkg/status"
)

// ErrAlreadyAwaiting fails an instance started for an entity another
// instance is already waiting on.
var ErrAlreadyAwaiting = errors.New("orchestrator: entity already has a waiting workflow")

// RequiredAttribute must be present and non-empty for content to pass.
const RequiredAttribute = "title"

// imageAttrPrefix marks attributes holding image references.
const imageAttrPrefix = "image"

// Deps are the collaborators of the step implementations.
type Deps struct {
	Store     status.Store
	Publisher events.Publisher

	// Text and Images default to a KeywordModerator without blocked terms.
	Text   TextModerator
	Images ImageModerator

	// Instances, when set, lets a new evaluation release a token left on
	// the record by an instance that already ended.
	Instances TokenOwners

	Logger *slog.Logger
}

// TokenOwners finds the instance that minted a resume token.
// api.Engine implements it.
type TokenOwners interface {
	FindByToken(ctx context.Context, token string) (*api.WorkflowInstance, error)
}

// Steps holds the step implementations of the publication-approval
// workflow.
type Steps struct {
	store     status.Store
	publisher events.Publisher
	text      TextModerator
	images    ImageModerator
	owners    TokenOwners
	log       *slog.Logger
}

func NewSteps(d Deps) (*Steps, error) {
	if d.Store == nil {
		return nil, errors.New("orchestrator: status store is required")
	}
	if d.Publisher == nil {
		return nil, errors.New("orchestrator: event publisher is required")
	}
	if d.Text == nil || d.Images == nil {
		m := NewKeywordModerator()
		if d.Text == nil {
			d.Text = m
		}
		if d.Images == nil {
			d.Images = m
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Steps{
		store:     d.Store,
		publisher: d.Publisher,
		text:      d.Text,
		images:    d.Images,
		owners:    d.Instances,
		log:       d.Logger,
	}, nil
}

// Catalog returns the steps under their logical names.
func (s *Steps) Catalog() Catalog {
	return Catalog{
		StepCheckExists:      s.CheckEntityExists,
		StepAttachAndSuspend: s.AttachTokenAndSuspend(),
		StepValidateContent:  s.ValidateContent,
		StepPublish:          s.PublishEvaluation,
	}
}

// Definition loads the definition at path (embedded default when empty)
// against the step catalog.
func (s *Steps) Definition(path string) (api.WorkflowDefinition, error) {
	return LoadDefinition(path, s.Catalog())
}

// CheckEntityExists branches on whether the entity has an active status
// record. Missing or inactive entities are rejected.
func (s *Steps) CheckEntityExists(ctx context.Context, input any) (any, error) {
	req, err := requestOf(input)
	if err != nil {
		return nil, err
	}

	rec, found, err := s.store.GetRecord(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	if !found || rec.State.IsInactive() {
		reason := "entity is not registered"
		if found {
			reason = fmt.Sprintf("entity is %s", rec.State)
		}
		s.log.Info("rejecting evaluation", "entity_id", req.EntityID, "reason", reason)
		return api.Choice{Branch: BranchMissing, Output: Evaluation{
			Request: req,
			Result:  events.ResultFail,
			Reason:  reason,
		}}, nil
	}
	if rec.ResumeToken != "" {
		released, err := s.releaseOrphanToken(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !released {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyAwaiting, req.EntityID)
		}
	}

	req.CorrelationID = rec.CorrelationID
	req.Attributes = rec.Clone().Attributes
	return api.Choice{Branch: BranchExists, Output: req}, nil
}

// releaseOrphanToken detaches rec's token when the instance that minted it
// is gone or already ended, for example after it failed past its
// suspension. It reports whether the record is free again.
func (s *Steps) releaseOrphanToken(ctx context.Context, rec *status.Record) (bool, error) {
	if s.owners == nil {
		return false, nil
	}
	inst, err := s.owners.FindByToken(ctx, rec.ResumeToken)
	switch {
	case errors.Is(err, api.ErrTokenNotFound):
	case err != nil:
		return false, err
	case inst.Status != api.StatusCompleted && inst.Status != api.StatusFailed:
		return false, nil
	}

	err = s.store.DetachResumeToken(ctx, rec.EntityID, rec.ResumeToken)
	switch {
	case err == nil:
	case status.IsRejected(err, status.ReasonTokenMismatch):
		// Someone else attached a new token meanwhile.
		return false, nil
	default:
		return false, err
	}
	s.log.Warn("released resume token of ended instance",
		"entity_id", rec.EntityID,
		"token", rec.ResumeToken,
	)
	return true, nil
}

// AttachTokenAndSuspend parks the instance until the bridge resumes it.
// The minted token is written onto the status record only after the engine
// has stored the instance as WAITING.
func (s *Steps) AttachTokenAndSuspend() api.StepFunc {
	return api.AwaitResumeStep(
		func(ctx context.Context, token string, input any) error {
			req, err := requestOf(input)
			if err != nil {
				return err
			}
			if err := s.store.AttachResumeToken(ctx, req.EntityID, token); err != nil {
				return err
			}
			s.log.Info("awaiting approval", "entity_id", req.EntityID, "token", token)
			return nil
		},
		func(ctx context.Context, p api.ResumePayload) (any, error) {
			req, err := requestOf(p.Input)
			if err != nil {
				return nil, err
			}
			return Evaluation{Request: req, Token: p.Token}, nil
		},
	)
}

// ValidateContent checks the current attributes of the record: the
// required attribute must be set, text attributes go through the text
// moderator and image attributes through the image moderator.
func (s *Steps) ValidateContent(ctx context.Context, input any) (any, error) {
	ev, err := evaluationOf(input)
	if err != nil {
		return nil, err
	}

	attrs := ev.Attributes
	if rec, found, err := s.store.GetRecord(ctx, ev.EntityID); err != nil {
		return nil, err
	} else if found && rec.CorrelationID == ev.CorrelationID {
		attrs = rec.Attributes
	}

	verdict, err := s.moderate(ctx, attrs)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		ev.Result = events.ResultFail
		ev.Reason = verdict.Reason
		return api.Choice{Branch: BranchFail, Output: ev}, nil
	}
	ev.Result = events.ResultPass
	return api.Choice{Branch: BranchPass, Output: ev}, nil
}

func (s *Steps) moderate(ctx context.Context, attrs map[string]string) (Verdict, error) {
	if strings.TrimSpace(attrs[RequiredAttribute]) == "" {
		return denied("%s is required", RequiredAttribute), nil
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var (
			v   Verdict
			err error
		)
		if strings.HasPrefix(k, imageAttrPrefix) {
			v, err = s.images.ModerateImage(ctx, k, attrs[k])
		} else {
			v, err = s.text.ModerateText(ctx, k, attrs[k])
		}
		if err != nil {
			return Verdict{}, fmt.Errorf("moderate %s: %w", k, err)
		}
		if !v.Allowed {
			return v, nil
		}
	}
	return Allowed, nil
}

// PublishEvaluation emits EvaluationCompleted for the instance and, when
// it suspended, detaches its token so a replayed approval cannot reach it.
// The event id is derived from the instance id, so a retried publish is a
// duplicate consumers can drop.
func (s *Steps) PublishEvaluation(ctx context.Context, input any) (any, error) {
	ev, err := evaluationOf(input)
	if err != nil {
		return nil, err
	}
	info, ok := api.StepInfoFromContext(ctx)
	if !ok {
		return nil, errors.New("orchestrator: publish step needs an instance id")
	}

	if err := s.publisher.Publish(ctx, events.EvaluationCompleted{
		EntityID:   ev.EntityID,
		InstanceID: info.InstanceID,
		Result:     ev.Result,
		Reason:     ev.Reason,
	}); err != nil {
		return nil, fmt.Errorf("publish evaluation for %s: %w", ev.EntityID, err)
	}
	s.log.Info("evaluation completed",
		"entity_id", ev.EntityID,
		"instance_id", info.InstanceID,
		"result", string(ev.Result),
		"reason", ev.Reason,
	)

	if ev.Token != "" {
		err := s.store.DetachResumeToken(ctx, ev.EntityID, ev.Token)
		switch {
		case err == nil:
		case status.IsRejected(err, status.ReasonTokenMismatch), errors.Is(err, status.ErrNotFound):
			// Already detached or the record was re-drafted.
		default:
			// The engine rejects late resumptions anyway.
			s.log.Warn("detach resume token failed",
				"entity_id", ev.EntityID,
				"token", ev.Token,
				"error", err,
			)
		}
	}
	return ev, nil
}
