package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "groupcast/pkg/logx"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func tableName(raw string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "" {
		return "documents", nil
	}
	if !tableNameRe.MatchString(t) {
		return "", fmt.Errorf("storage.table: invalid table name %q", raw)
	}
	return t, nil
}

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	table string
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, table: table}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			identity   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			body       BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (identity, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS audit (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			at        TEXT NOT NULL,
			identity  TEXT NOT NULL,
			run_id    TEXT NOT NULL,
			source    TEXT NOT NULL,
			outcome   TEXT NOT NULL,
			completed INTEGER NOT NULL,
			failed    INTEGER NOT NULL,
			cancelled INTEGER NOT NULL,
			detail    TEXT,
			took_ms   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_identity_id ON audit(identity, id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM `+s.table+` WHERE identity = ? AND kind = ?`,
		key.Identity, key.Kind,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return body, err
}

func (s *sqliteStore) Save(ctx context.Context, key Key, doc []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+`(identity, kind, body, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(identity, kind) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key.Identity, key.Kind, doc, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE identity = ? AND kind = ?`, key.Identity, key.Kind)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, identity, run_id, source, outcome, completed, failed, cancelled, detail, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Identity, e.RunID, e.Source, e.Outcome,
		e.Completed, e.Failed, e.Cancelled, nullStr(e.Detail), e.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, identity string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, identity, run_id, source, outcome, completed, failed, cancelled, detail, took_ms
		 FROM audit WHERE identity = ? ORDER BY id DESC LIMIT ?`,
		identity, auditLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			at     string
			detail sql.NullString
		)
		if err := rows.Scan(&at, &e.Identity, &e.RunID, &e.Source, &e.Outcome,
			&e.Completed, &e.Failed, &e.Cancelled, &detail, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
