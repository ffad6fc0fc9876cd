package taskqueue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrInvalidTask is wrapped by Validate and the codec when a task cannot
// be executed by the worker.
var ErrInvalidTask = errors.New("taskqueue: invalid task")

// Validate checks that t names the field its type needs.
func (t Task) Validate() error {
	switch t.Type {
	case TaskTypeStartWorkflow:
		if t.WorkflowName == "" {
			return fmt.Errorf("%w: start task %s without workflow name", ErrInvalidTask, t.ID)
		}
	case TaskTypeResume:
		if t.Token == "" {
			return fmt.Errorf("%w: resume task %s without token", ErrInvalidTask, t.ID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTask, t.Type)
	}
	return nil
}

// EncodeTask serialises a valid task for storage. Payload types must be
// registered with gob.
func EncodeTask(t Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
