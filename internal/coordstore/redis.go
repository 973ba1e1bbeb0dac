package coordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session as a JSON value with a TTL under
// "<prefix>:session:<id>" and indexes a document's sessions in the set
// "<prefix>:doc:<id>:sessions".
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("coordination store: redis address is required")
	}
	if prefix == "" {
		prefix = "collab"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisStore) sessionKey(id string) string {
	return r.prefix + ":session:" + id
}

func (r *RedisStore) indexKey(documentID string) string {
	return r.prefix + ":doc:" + documentID + ":sessions"
}

func (r *RedisStore) Put(ctx context.Context, s Session, ttl time.Duration) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.ID), body, ttl)
		pipe.SAdd(ctx, r.indexKey(s.DocumentID), s.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put session %s: %w", s.ID, err)
	}
	return nil
}

// Refresh writes with SET XX so an evicted session is not recreated.
func (r *RedisStore) Refresh(ctx context.Context, s Session, ttl time.Duration) (bool, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	ok, err := r.rdb.SetXX(ctx, r.sessionKey(s.ID), body, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("refresh session %s: %w", s.ID, err)
	}
	return ok, nil
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (Session, bool, error) {
	var s Session
	body, err := r.rdb.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(body, &s); err != nil {
		return s, false, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return s, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, documentID, sessionID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(sessionID))
		pipe.SRem(ctx, r.indexKey(documentID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// List also prunes index entries whose session value has expired.
func (r *RedisStore) List(ctx context.Context, documentID string) ([]Session, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", documentID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions of %s: %w", documentID, err)
	}

	var (
		out   []Session
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, r.indexKey(documentID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune sessions of %s: %w", documentID, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
