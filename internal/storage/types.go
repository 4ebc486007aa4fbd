package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("storage: document not found")
	ErrClosed     = errors.New("storage: closed")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Document kinds.
const (
	KindLedger   = "ledger"
	KindSchedule = "schedule"
)

// Key addresses one document.
type Key struct {
	Identity string
	Kind     string
}

func (k Key) String() string { return k.Identity + "/" + k.Kind }

// Validate rejects keys that would escape a file-backed layout or collide
// with redis key separators.
func (k Key) Validate() error {
	for _, part := range []string{k.Identity, k.Kind} {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
		}
		if strings.ContainsAny(part, "/\\: \t\n") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
		}
	}
	return nil
}

// AuditEntry summarizes one finished run or job. Keep it compact and
// schema-stable; the sql drivers map it onto columns.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Identity  string    `json:"identity"`
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"` // cli|job
	Outcome   string    `json:"outcome"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Detail    string    `json:"detail,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

// Store is the persistence API used by the ledger, the job scheduler and
// the run audit.
type Store interface {
	// Load returns ErrNotFound when the document was never saved.
	Load(ctx context.Context, key Key) ([]byte, error)
	Save(ctx context.Context, key Key, doc []byte) error
	Delete(ctx context.Context, key Key) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries for identity, newest first.
	RecentAudit(ctx context.Context, identity string, limit int) ([]AuditEntry, error)

	Close() error
}
