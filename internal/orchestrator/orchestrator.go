// Package orchestrator implements the publication-approval workflow: the
// named steps it is built from, the declarative definition that wires them
// together and the triggers that start it.
//
// An instance checks that the entity is registered, attaches a fresh resume
// token to its status record and suspends. Nothing is held while it waits.
// When the record is approved the resumption bridge resumes it, the content
// is validated and an EvaluationCompleted event is published.
package orchestrator

import (
	"encoding/gob"
	"fmt"

	"github.com/petrijr/pubflow/pkg/events"
)

// WorkflowName is the name of the embedded default definition.
const WorkflowName = "publication-approval"

// Logical step names referenced by definitions.
const (
	StepCheckExists      = "entity.check-exists"
	StepAttachAndSuspend = "token.attach-and-suspend"
	StepValidateContent  = "content.validate"
	StepPublish          = "evaluation.publish"
)

// Branches returned by the choice steps.
const (
	BranchExists  = "exists"
	BranchMissing = "missing"
	BranchPass    = "pass"
	BranchFail    = "fail"
)

func init() {
	gob.Register(Request{})
	gob.Register(Evaluation{})
}

// Request is the workflow input: the entity to evaluate.
type Request struct {
	EntityID      string
	CorrelationID string
	Attributes    map[string]string
}

// Evaluation travels from resumption to the terminal step.
type Evaluation struct {
	Request

	// Token is the resume token the instance waited on, empty when it
	// never suspended.
	Token  string
	Result events.Result
	Reason string
}

func requestOf(input any) (Request, error) {
	switch v := input.(type) {
	case Request:
		return v, nil
	case *Request:
		if v != nil {
			return *v, nil
		}
	case events.ApprovalRequested:
		return Request{EntityID: v.EntityID, CorrelationID: v.CorrelationID, Attributes: v.Attributes}, nil
	case string:
		if v != "" {
			return Request{EntityID: v}, nil
		}
	}
	return Request{}, fmt.Errorf("orchestrator: unsupported workflow input %T", input)
}

func evaluationOf(input any) (Evaluation, error) {
	switch v := input.(type) {
	case Evaluation:
		return v, nil
	case *Evaluation:
		if v != nil {
			return *v, nil
		}
	}
	return Evaluation{}, fmt.Errorf("orchestrator: expected Evaluation, got %T", input)
}
