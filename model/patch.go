package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrInvalidField = errors.New("invalid field value")
)

// metadataFields travel with client snapshots but are owned by the sync engine.
var metadataFields = map[string]bool{
	"id":             true,
	"updated_at":     true,
	"created_at":     true,
	"deleted":        true,
	"sync_status":    true,
	"last_synced_at": true,
}

// Patch is the closed set of task fields a mutation may change.
// A nil pointer leaves the field alone.
type Patch struct {
	Title       *string
	Description *string
	Completed   *bool

	clearDescription bool
}

// ParsePatch builds a Patch from decoded JSON, checking the type of every
// allowed field and rejecting keys it does not know.
func ParsePatch(data map[string]any) (Patch, error) {
	var p Patch

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := data[key]
		switch key {
		case "title":
			s, ok := v.(string)
			if !ok {
				return Patch{}, fmt.Errorf("%w: title must be a string", ErrInvalidField)
			}
			if strings.TrimSpace(s) == "" {
				return Patch{}, fmt.Errorf("%w: title must not be empty", ErrInvalidField)
			}
			p.Title = &s
		case "description":
			switch d := v.(type) {
			case nil:
				p.clearDescription = true
			case string:
				p.Description = &d
			default:
				return Patch{}, fmt.Errorf("%w: description must be a string or null", ErrInvalidField)
			}
		case "completed":
			b, ok := v.(bool)
			if !ok {
				return Patch{}, fmt.Errorf("%w: completed must be a boolean", ErrInvalidField)
			}
			p.Completed = &b
		default:
			if !metadataFields[key] {
				return Patch{}, fmt.Errorf("%w: %q", ErrUnknownField, key)
			}
		}
	}
	return p, nil
}

// Empty reports whether the patch touches no field.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil && !p.clearDescription
}

// Changes reports whether applying p to t would alter any field.
func (p Patch) Changes(t Task) bool {
	if p.Title != nil && *p.Title != t.Title {
		return true
	}
	if p.Completed != nil && *p.Completed != t.Completed {
		return true
	}
	if p.clearDescription && t.Description != nil {
		return true
	}
	if p.Description != nil && (t.Description == nil || *t.Description != *p.Description) {
		return true
	}
	return false
}

// Apply writes the patched fields onto t.
func (p Patch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.clearDescription {
		t.Description = nil
	}
	if p.Description != nil {
		d := *p.Description
		t.Description = &d
	}
}
