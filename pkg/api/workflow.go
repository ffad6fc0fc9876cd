package api

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func init() {
	gob.Register(ResumePayload{})
	gob.Register(Choice{})
}

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Outcome is the terminal result recorded on a completed instance.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSucceed Outcome = "succeed"
	OutcomeFail    Outcome = "fail"
	OutcomeReject  Outcome = "reject"
)

// ParseOutcome accepts the lower-case outcome names used in definitions.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeSucceed, OutcomeFail, OutcomeReject:
		return Outcome(s), nil
	case OutcomeNone:
		return OutcomeNone, nil
	}
	return OutcomeNone, fmt.Errorf("unknown outcome %q", s)
}

// StepFunc is a single step in a workflow.
type StepFunc func(ctx context.Context, input any) (any, error)

// Choice is returned by a step that selects one of its named branches.
// Output becomes the input of the branch target.
type Choice struct {
	Branch string
	Output any
}

// StepDefinition describes a named state of the workflow state machine.
//
// Exactly one of Next, Choices or End must be set:
//   - Next moves to the named step unconditionally.
//   - Choices maps the Branch of a returned Choice to the next step.
//   - End marks a terminal step; the instance completes with that Outcome.
type StepDefinition struct {
	Name    string
	Fn      StepFunc
	Retry   *RetryPolicy
	Next    string
	Choices map[string]string
	End     Outcome
}

// WorkflowDefinition describes a workflow as a graph of named steps.
// StartAt defaults to the first step.
type WorkflowDefinition struct {
	Name    string
	Version string
	StartAt string
	Steps   []StepDefinition
}

// Step looks up a step by name.
func (d WorkflowDefinition) Step(name string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Entry returns the name of the first step to execute.
func (d WorkflowDefinition) Entry() string {
	if d.StartAt != "" {
		return d.StartAt
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].Name
	}
	return ""
}

// Validate checks that the step graph is closed: every transition target
// exists and every step has exactly one kind of exit.
func (d WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("workflow must have at least one step")
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: step name is required", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", d.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Fn == nil {
			return fmt.Errorf("workflow %s: step %q has no function", d.Name, s.Name)
		}
	}

	if !seen[d.Entry()] {
		return fmt.Errorf("workflow %s: start step %q not found", d.Name, d.Entry())
	}

	for _, s := range d.Steps {
		exits := 0
		if s.Next != "" {
			exits++
			if !seen[s.Next] {
				return fmt.Errorf("workflow %s: step %q: next step %q not found", d.Name, s.Name, s.Next)
			}
		}
		if len(s.Choices) > 0 {
			exits++
			for branch, target := range s.Choices {
				if !seen[target] {
					return fmt.Errorf("workflow %s: step %q: branch %q targets unknown step %q", d.Name, s.Name, branch, target)
				}
			}
		}
		if s.End != OutcomeNone {
			exits++
		}
		if exits != 1 {
			return fmt.Errorf("workflow %s: step %q must have exactly one of next, choices or end", d.Name, s.Name)
		}
	}
	return nil
}

// WorkflowInstance holds the persisted state of one workflow run.
type WorkflowInstance struct {
	ID      string
	Name    string
	Version string
	Status  Status

	// CurrentStep is the name of the step being executed, the step the
	// instance is waiting in, or the terminal step after completion.
	CurrentStep string

	// Input is the original input provided to Start.
	Input  any
	Output any

	// Pending is the input the waiting step received before it suspended.
	// It is handed back to the step inside ResumePayload and cleared once
	// the resumed step returns.
	Pending any

	// ResumeToken is the token minted by the last suspension. It stays set
	// after the instance is resumed so late resumptions can be recognised.
	ResumeToken string

	Outcome Outcome
	Err     error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	WorkflowName string
	Status       Status
}

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. Each further delay is
// multiplied by BackoffMultiplier (2.0 when unset) and capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// ResumePayload is the input handed to a suspended step when the engine
// resumes it.
type ResumePayload struct {
	Token string
	Data  any

	// Input is what the step received before it suspended.
	Input any
}

// suspendError is returned by steps that want to park the workflow until
// ResumeWorkflow is called with the given token.
type suspendError struct {
	Token string

	// afterSave runs once the WAITING instance is stored.
	afterSave func(ctx context.Context) error
}

func (e *suspendError) Error() string {
	return "suspended awaiting resume token " + e.Token
}

// NewSuspendError builds the error a step returns to suspend the instance.
func NewSuspendError(token string) error {
	return &suspendError{Token: token}
}

// NewSuspendErrorWithHook is NewSuspendError plus a hook the engine calls
// after it has stored the instance as WAITING with token. A failing hook
// fails the instance.
func NewSuspendErrorWithHook(token string, afterSave func(ctx context.Context) error) error {
	return &suspendError{Token: token, afterSave: afterSave}
}

// IsSuspendError returns (token, true) if err asks the engine to suspend.
func IsSuspendError(err error) (string, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s.Token, true
	}
	return "", false
}

// SuspendHook returns the hook carried by a suspend error, or nil.
func SuspendHook(err error) func(ctx context.Context) error {
	var s *suspendError
	if errors.As(err, &s) {
		return s.afterSave
	}
	return nil
}

// SuspendFunc is invoked with the minted token once the engine has stored
// the instance as WAITING. It must make the token discoverable by whoever
// will resume the instance; a resume may arrive before it returns.
type SuspendFunc func(ctx context.Context, token string, input any) error

// ResumeFunc computes the step output once the instance is resumed.
type ResumeFunc func(ctx context.Context, p ResumePayload) (any, error)

// AwaitResumeStep returns a step that parks the workflow until
// Engine.ResumeWorkflow is called with the token it minted.
//
// Semantics:
//   - First invocation: mints a token and returns a suspend error. The
//     engine stores the instance as WAITING, then calls onSuspend, and
//     releases it; nothing is held in memory.
//   - Resumed invocation: input is a ResumePayload carrying the token, the
//     resume data and the original step input. onResume computes the
//     output; when nil, the resume data is passed through.
func AwaitResumeStep(onSuspend SuspendFunc, onResume ResumeFunc) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		if p, ok := input.(ResumePayload); ok {
			if onResume == nil {
				return p.Data, nil
			}
			return onResume(ctx, p)
		}

		token := uuid.NewString()
		if onSuspend == nil {
			return nil, NewSuspendError(token)
		}
		return nil, NewSuspendErrorWithHook(token, func(ctx context.Context) error {
			if err := onSuspend(ctx, token, input); err != nil {
				return fmt.Errorf("attach resume token: %w", err)
			}
			return nil
		})
	}
}
