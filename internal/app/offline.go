package app

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/content"
	"groupcast/internal/session"
)

// ErrBrowserDisabled is returned by every session operation when
// browser.driver is "none". Ledger, schedule and status commands still work.
var ErrBrowserDisabled = errors.New("browser disabled (browser.driver=none)")

type offlineBrowser struct{}

func (offlineBrowser) Open(context.Context, string, bool) (session.Handle, error) {
	return session.Handle{}, ErrBrowserDisabled
}

func (offlineBrowser) Navigate(context.Context, session.Handle, string, time.Duration) error {
	return ErrBrowserDisabled
}

func (offlineBrowser) ReadState(context.Context, session.Handle) (session.Snapshot, error) {
	return session.Snapshot{}, ErrBrowserDisabled
}

func (offlineBrowser) Act(context.Context, session.Handle, session.Action) error {
	return ErrBrowserDisabled
}

func (offlineBrowser) Close(context.Context, session.Handle) error { return nil }

type offlineFiller struct{}

func (offlineFiller) Fill(context.Context, session.Handle, content.Payload, []string) error {
	return ErrBrowserDisabled
}
