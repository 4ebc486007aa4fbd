// Package session defines the browser session contract and the
// per-identity session registry.
package session

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrSessionLost means the underlying page or browser went away; the
	// handle must be discarded rather than reused.
	ErrSessionLost = errors.New("session: lost")
	ErrUnknown     = errors.New("session: unknown handle")
	ErrClosed      = errors.New("session: registry closed")
)

// Handle identifies one open browser session. Handles are passed explicitly;
// nothing in the engine keeps an ambient "current page".
type Handle struct {
	ID       string    `json:"id"`
	Identity string    `json:"identity"`
	Primary  bool      `json:"primary"`
	OpenedAt time.Time `json:"opened_at"`
}

// Snapshot is what a session can observe about its current page. The risk
// detector classifies it.
type Snapshot struct {
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	Text    string    `json:"text,omitempty"`
	Markers []string  `json:"markers,omitempty"`
	Status  int       `json:"status,omitempty"`
	TakenAt time.Time `json:"taken_at"`
}

func (s Snapshot) HasMarker(name string) bool { return slices.Contains(s.Markers, name) }

type ActionKind string

const (
	ActionClick  ActionKind = "click"
	ActionInput  ActionKind = "input"
	ActionPress  ActionKind = "press"
	ActionUpload ActionKind = "upload"
	ActionWait   ActionKind = "wait"
)

// Action is a primitive UI step addressed by selector.
type Action struct {
	Kind     ActionKind
	Selector string
	Value    string
	Files    []string
}

// Browser is the automation backend. Implementations must be safe for
// concurrent use on distinct handles.
type Browser interface {
	Open(ctx context.Context, identity string, primary bool) (Handle, error)
	Navigate(ctx context.Context, h Handle, ref string, timeout time.Duration) error
	ReadState(ctx context.Context, h Handle) (Snapshot, error)
	Act(ctx context.Context, h Handle, a Action) error
	Close(ctx context.Context, h Handle) error
}
