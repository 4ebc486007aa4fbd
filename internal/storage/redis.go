package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	logx "groupcast/pkg/logx"
)

// auditKeep bounds the per-identity audit list in redis.
const auditKeep = 1000

type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "groupcast"
	}
	return newRedisStore(rdb, prefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) docKey(key Key) string {
	return s.prefix + ":doc:" + key.Identity + ":" + key.Kind
}

func (s *redisStore) auditKey(identity string) string {
	return s.prefix + ":audit:" + identity
}

func (s *redisStore) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	b, err := s.rdb.Get(ctx, s.docKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *redisStore) Save(ctx context.Context, key Key, doc []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.docKey(key), doc, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, key Key) error {
	return s.rdb.Del(ctx, s.docKey(key)).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	k := s.auditKey(e.Identity)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, k, b)
	pipe.LTrim(ctx, k, 0, auditKeep-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RecentAudit(ctx context.Context, identity string, limit int) ([]AuditEntry, error) {
	raw, err := s.rdb.LRange(ctx, s.auditKey(identity), 0, int64(auditLimit(limit))-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Debug("skipping malformed audit entry", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
