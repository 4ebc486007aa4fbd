package matcher

import (
	"context"
	"errors"
)

// Entry is one visible row of a virtualized selection list. Key is
// surface-specific (a DOM path, an index) and only meaningful to the
// surface that produced it.
type Entry struct {
	Key  string
	Name string
}

type ScrollStrategy int

const (
	ScrollWheel ScrollStrategy = iota
	ScrollContainer
	ScrollLastIntoView
	ScrollKeyboardEnd
)

// ScrollOrder is the escalation order tried on every scroll.
var ScrollOrder = []ScrollStrategy{ScrollWheel, ScrollContainer, ScrollLastIntoView, ScrollKeyboardEnd}

func (s ScrollStrategy) String() string {
	switch s {
	case ScrollWheel:
		return "wheel"
	case ScrollContainer:
		return "container"
	case ScrollLastIntoView:
		return "last_into_view"
	case ScrollKeyboardEnd:
		return "keyboard_end"
	default:
		return "unknown"
	}
}

// ErrStrategyUnsupported lets a surface skip a scroll strategy.
var ErrStrategyUnsupported = errors.New("matcher: scroll strategy unsupported")

// ListSurface is a scrollable list with per-entry checked state.
type ListSurface interface {
	Visible(ctx context.Context) ([]Entry, error)
	IsSelected(ctx context.Context, e Entry) (bool, error)
	Select(ctx context.Context, e Entry) error
	ScrollPosition(ctx context.Context) (float64, error)
	Scroll(ctx context.Context, s ScrollStrategy) error
}
