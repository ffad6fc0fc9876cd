// Package changefeed models the ordered, at-least-once stream of record
// images produced by the status store, and the poll loop consumers use to
// read it in batches with per-item outcomes.
package changefeed

import (
	"strings"
	"time"

	"github.com/petrijr/pubflow/pkg/status"
)

// Kind is the type of mutation a change record describes.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindModify Kind = "MODIFY"
	KindRemove Kind = "REMOVE"
)

// Image attribute names.
const (
	FieldEntityID       = "entity_id"
	FieldCorrelationID  = "correlation_id"
	FieldLifecycleState = "lifecycle_state"
	FieldCreatedAt      = "created_at"
	FieldModifiedAt     = "modified_at"
	FieldResumeToken    = "resume_token"

	attrPrefix = "attr."
)

// Image is a flat snapshot of a record. A field that is present with an
// empty value is distinct from an absent field.
type Image map[string]string

// Get returns the value of field and whether it is present.
func (img Image) Get(field string) (string, bool) {
	v, ok := img[field]
	return v, ok
}

// State returns the lifecycle state stored in the image, or "".
func (img Image) State() status.LifecycleState {
	return status.LifecycleState(img[FieldLifecycleState])
}

// ResumeToken returns the token stored in the image, or "".
func (img Image) ResumeToken() string {
	return img[FieldResumeToken]
}

// ChangeRecord is a single entry of the change feed.
type ChangeRecord struct {
	Sequence    string    `json:"sequence"`
	Kind        Kind      `json:"kind"`
	EntityID    string    `json:"entity_id"`
	Shard       int       `json:"shard"`
	OldImage    Image     `json:"old_image,omitempty"`
	NewImage    Image     `json:"new_image,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// Merged returns the record's logical state after the change.
func (c ChangeRecord) Merged() Image {
	return Merge(c.OldImage, c.NewImage)
}

// Merge reconstructs a complete image field by field: values present in
// newer win, fields absent from newer fall back to older. An empty value
// present in newer clears the field.
func Merge(older, newer Image) Image {
	out := make(Image, len(older)+len(newer))
	for k, v := range older {
		out[k] = v
	}
	for k, v := range newer {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// ImageOf flattens r into an image. A nil record yields a nil image.
// Every field is always written so that a cleared token shows up as an
// explicit empty value.
func ImageOf(r *status.Record) Image {
	if r == nil {
		return nil
	}
	img := Image{
		FieldEntityID:       r.EntityID,
		FieldCorrelationID:  r.CorrelationID,
		FieldLifecycleState: string(r.State),
		FieldCreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldModifiedAt:     r.ModifiedAt.UTC().Format(time.RFC3339Nano),
		FieldResumeToken:    r.ResumeToken,
	}
	for k, v := range r.Attributes {
		img[attrPrefix+k] = v
	}
	return img
}

// RecordOf rebuilds a status record from an image.
func RecordOf(img Image) (*status.Record, error) {
	r := &status.Record{
		EntityID:      img[FieldEntityID],
		CorrelationID: img[FieldCorrelationID],
		ResumeToken:   img[FieldResumeToken],
	}
	if s, ok := img[FieldLifecycleState]; ok && s != "" {
		st, err := status.ParseLifecycleState(s)
		if err != nil {
			return nil, err
		}
		r.State = st
	}
	var err error
	if r.CreatedAt, err = parseTime(img[FieldCreatedAt]); err != nil {
		return nil, err
	}
	if r.ModifiedAt, err = parseTime(img[FieldModifiedAt]); err != nil {
		return nil, err
	}
	for k, v := range img {
		if name, ok := strings.CutPrefix(k, attrPrefix); ok {
			if r.Attributes == nil {
				r.Attributes = map[string]string{}
			}
			r.Attributes[name] = v
		}
	}
	return r, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ShardOf maps an entity id onto one of n shards. Changes to one entity
// always land on the same shard.
func ShardOf(entityID string, n int) int {
	if n <= 1 {
		return 0
	}
	var h uint32 = 2166136261
	for i := 0; i < len(entityID); i++ {
		h ^= uint32(entityID[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}
