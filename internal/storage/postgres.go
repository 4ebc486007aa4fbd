package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "groupcast/pkg/logx"
)

type postgresStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	table string
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st := &postgresStore{pool: pool, log: log, table: table}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			identity   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			body       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (identity, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS audit (
			id        BIGSERIAL PRIMARY KEY,
			at        TIMESTAMPTZ NOT NULL,
			identity  TEXT NOT NULL,
			run_id    TEXT NOT NULL,
			source    TEXT NOT NULL,
			outcome   TEXT NOT NULL,
			completed INT NOT NULL,
			failed    INT NOT NULL,
			cancelled INT NOT NULL,
			detail    TEXT,
			took_ms   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_identity_id ON audit(identity, id DESC)`,
	} {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body::text FROM `+s.table+` WHERE identity = $1 AND kind = $2`,
		key.Identity, key.Kind,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return body, err
}

func (s *postgresStore) Save(ctx context.Context, key Key, doc []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+`(identity, kind, body, updated_at) VALUES($1, $2, $3::jsonb, now())
		 ON CONFLICT (identity, kind) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		key.Identity, key.Kind, string(doc),
	)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, key Key) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE identity = $1 AND kind = $2`, key.Identity, key.Kind)
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, identity, run_id, source, outcome, completed, failed, cancelled, detail, took_ms)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.At, e.Identity, e.RunID, e.Source, e.Outcome, e.Completed, e.Failed, e.Cancelled, nullStr(e.Detail), e.TookMS,
	)
	return err
}

func (s *postgresStore) RecentAudit(ctx context.Context, identity string, limit int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT at, identity, run_id, source, outcome, completed, failed, cancelled, COALESCE(detail, ''), took_ms
		 FROM audit WHERE identity = $1 ORDER BY id DESC LIMIT $2`,
		identity, auditLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditEntry, error) {
		var e AuditEntry
		err := row.Scan(&e.At, &e.Identity, &e.RunID, &e.Source, &e.Outcome,
			&e.Completed, &e.Failed, &e.Cancelled, &e.Detail, &e.TookMS)
		return e, err
	})
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
