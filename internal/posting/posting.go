// Package posting holds the value types shared by the ledger, the matcher
// and the orchestrator.
package posting

import (
	"errors"
	"fmt"
	"strings"
)

// Target is a named destination. Immutable once discovered.
type Target struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	DestinationRef string `json:"destination_ref,omitempty"`
}

func (t Target) String() string {
	if t.DisplayName == "" {
		return t.ID
	}
	return t.DisplayName + " (" + t.ID + ")"
}

// Subject is the content being distributed.
type Subject struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Body       string            `json:"body,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	MediaRefs  []string          `json:"media_refs,omitempty"`
}

// Field returns a named subject field; attribute keys are matched last.
func (s Subject) Field(name string) (string, bool) {
	switch name {
	case "id":
		return s.ID, true
	case "title":
		return s.Title, true
	case "body":
		return s.Body, true
	}
	v, ok := s.Attributes[name]
	return v, ok
}

type Outcome string

const (
	Success Outcome = "success"
	Fail    Outcome = "fail"
)

// Mode selects how a run delivers content.
type Mode string

const (
	// ModeDirect visits every target's destination and submits there.
	ModeDirect Mode = "direct"
	// ModePicker composes once per batch and ticks targets in a
	// multi-select list before submitting.
	ModePicker Mode = "picker"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDirect, nil
	case ModeDirect, ModePicker:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// ValidateTargets rejects targets without an id or display name.
func ValidateTargets(ts []Target) error {
	var errs []error
	for i, t := range ts {
		if strings.TrimSpace(t.ID) == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: empty id", i))
		}
		if strings.TrimSpace(t.DisplayName) == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: empty display name", i))
		}
	}
	return errors.Join(errs...)
}
