package pubflow

import (
	"fmt"
	"maps"

	"github.com/petrijr/pubflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflow state machines:
//
//	flow := pubflow.New("onboard-user").
//	    Step("create-account", createAccount).
//	    Await("wait-activation", attachToken, nil).
//	    Choice("check-profile", checkProfile, map[string]string{
//	        "complete":   "welcome",
//	        "incomplete": "remind",
//	    }).
//	    End("welcome", sendWelcome, pubflow.OutcomeSucceed).
//	    End("remind", sendReminder, pubflow.OutcomeFail)
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Steps added with Step or Await continue with the step added after them.
// A trailing Step or Await completes the workflow with OutcomeSucceed.
type FlowBuilder struct {
	def api.WorkflowDefinition

	// chained marks steps whose Next is filled in from insertion order.
	chained map[string]bool
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.StepDefinition, 0),
		},
		chained: map[string]bool{},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Version sets the definition version recorded on new instances.
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// StartAt overrides the entry step, which defaults to the first one added.
func (b *FlowBuilder) StartAt(step string) *FlowBuilder {
	b.def.StartAt = step
	return b
}

// Definition returns the underlying WorkflowDefinition with chained
// transitions resolved.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	def := b.def
	def.Steps = make([]api.StepDefinition, len(b.def.Steps))
	for i, s := range b.def.Steps {
		if s.Choices != nil {
			s.Choices = maps.Clone(s.Choices)
		}
		if b.chained[s.Name] {
			if i+1 < len(b.def.Steps) {
				s.Next = b.def.Steps[i+1].Name
			} else {
				s.End = api.OutcomeSucceed
			}
		}
		def.Steps[i] = s
	}
	return def
}

func (b *FlowBuilder) add(step api.StepDefinition, chained bool) *FlowBuilder {
	if step.Name == "" {
		panic("pubflow: step name must not be empty")
	}
	if step.Fn == nil {
		panic(fmt.Sprintf("pubflow: step %q has nil function", step.Name))
	}
	b.def.Steps = append(b.def.Steps, step)
	if chained {
		b.chained[step.Name] = true
	}
	return b
}

// Step appends a step that continues with the next step added.
func (b *FlowBuilder) Step(name string, fn StepFunc) *FlowBuilder {
	return b.add(api.StepDefinition{Name: name, Fn: fn}, true)
}

// StepWithRetry is Step with a retry policy.
func (b *FlowBuilder) StepWithRetry(name string, fn StepFunc, retry RetryPolicy) *FlowBuilder {
	// Copy so callers can reuse their policy value.
	r := retry
	return b.add(api.StepDefinition{Name: name, Fn: fn, Retry: &r}, true)
}

// Then appends a step with an explicit successor.
func (b *FlowBuilder) Then(name string, fn StepFunc, next string) *FlowBuilder {
	return b.add(api.StepDefinition{Name: name, Fn: fn, Next: next}, false)
}

// Choice appends a step that returns a Choice; branches maps each branch
// name to the step it leads to.
func (b *FlowBuilder) Choice(name string, fn StepFunc, branches map[string]string) *FlowBuilder {
	return b.add(api.StepDefinition{Name: name, Fn: fn, Choices: maps.Clone(branches)}, false)
}

// Await appends a step that suspends the instance until ResumeWorkflow is
// called with the token handed to onSuspend.
func (b *FlowBuilder) Await(name string, onSuspend SuspendFunc, onResume ResumeFunc) *FlowBuilder {
	return b.Step(name, api.AwaitResumeStep(onSuspend, onResume))
}

// End appends a terminal step completing the instance with outcome.
func (b *FlowBuilder) End(name string, fn StepFunc, outcome Outcome) *FlowBuilder {
	if outcome == api.OutcomeNone {
		outcome = api.OutcomeSucceed
	}
	return b.add(api.StepDefinition{Name: name, Fn: fn, End: outcome}, false)
}

// Register registers the built workflow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
