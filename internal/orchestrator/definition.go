package orchestrator

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/pubflow/pkg/api"
)

//go:embed publication-approval.yaml
var defaultDefinition []byte

// DefaultDefinitionYAML returns the embedded publication-approval definition.
func DefaultDefinitionYAML() []byte {
	return bytes.Clone(defaultDefinition)
}

// Definition is the YAML form of a workflow.
type Definition struct {
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	StartAt string     `yaml:"start_at"`
	Steps   []StepSpec `yaml:"steps"`
}

// StepSpec is one state of a Definition. Uses names a Catalog entry; the
// same entry may back several states.
type StepSpec struct {
	Name    string            `yaml:"name"`
	Uses    string            `yaml:"uses"`
	Next    string            `yaml:"next,omitempty"`
	Choices map[string]string `yaml:"choices,omitempty"`
	End     string            `yaml:"end,omitempty"`
	Retry   *RetrySpec        `yaml:"retry,omitempty"`
}

// RetrySpec mirrors api.RetryPolicy. Durations use Go syntax ("250ms").
type RetrySpec struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// ParseDefinition decodes a YAML definition. Unknown keys are errors.
func ParseDefinition(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Definition
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("definition: empty document")
		}
		return nil, fmt.Errorf("definition: %w", err)
	}
	return &d, nil
}

// Build resolves every step through c and validates the resulting graph.
func (d *Definition) Build(c Catalog) (api.WorkflowDefinition, error) {
	def := api.WorkflowDefinition{
		Name:    d.Name,
		Version: d.Version,
		StartAt: d.StartAt,
		Steps:   make([]api.StepDefinition, 0, len(d.Steps)),
	}

	for _, s := range d.Steps {
		fn, ok := c.Lookup(s.Uses)
		if !ok {
			return api.WorkflowDefinition{}, fmt.Errorf("definition %s: step %q uses unknown implementation %q", d.Name, s.Name, s.Uses)
		}
		step := api.StepDefinition{
			Name:    s.Name,
			Fn:      fn,
			Next:    s.Next,
			Choices: s.Choices,
		}
		if s.End != "" {
			out, err := api.ParseOutcome(s.End)
			if err != nil {
				return api.WorkflowDefinition{}, fmt.Errorf("definition %s: step %q: %w", d.Name, s.Name, err)
			}
			step.End = out
		}
		if s.Retry != nil {
			step.Retry = &api.RetryPolicy{
				MaxAttempts:       s.Retry.MaxAttempts,
				InitialBackoff:    s.Retry.InitialBackoff,
				MaxBackoff:        s.Retry.MaxBackoff,
				BackoffMultiplier: s.Retry.Multiplier,
			}
		}
		def.Steps = append(def.Steps, step)
	}

	if err := def.Validate(); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

// LoadDefinition reads the definition at path, or the embedded default
// when path is empty, and builds it against c.
func LoadDefinition(path string, c Catalog) (api.WorkflowDefinition, error) {
	data := defaultDefinition
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return api.WorkflowDefinition{}, fmt.Errorf("read definition: %w", err)
		}
	}
	d, err := ParseDefinition(data)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return d.Build(c)
}
