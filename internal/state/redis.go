package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 8

// RedisStore keeps the latest state per student as a JSON value. Writers in
// this process queue on a key lock; writers in other processes are detected
// by WATCH and retried.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
	locks  *keyLocks
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, prefix string, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, opts: opts, locks: newKeyLocks()}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, prefix string, opts Options) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, prefix, opts), nil
}

func (r *RedisStore) key(studentID string) string {
	return r.prefix + studentID
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, studentID string) (StudentState, error) {
	key := r.key(studentID)
	st, err := r.read(ctx, r.rdb, key)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, redis.Nil) {
		return StudentState{}, err
	}

	raw, err := json.Marshal(NewDefault(studentID, r.opts.Concepts))
	if err != nil {
		return StudentState{}, fmt.Errorf("encode state: %w", err)
	}
	// Lose the race gracefully: whoever set first wins, everyone reads it.
	if err := r.rdb.SetNX(ctx, key, raw, 0).Err(); err != nil {
		return StudentState{}, fmt.Errorf("create state %s: %w", studentID, err)
	}
	return r.read(ctx, r.rdb, key)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) read(ctx context.Context, c stringGetter, key string) (StudentState, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StudentState{}, err
		}
		return StudentState{}, fmt.Errorf("get %s: %w", key, err)
	}
	var st StudentState
	if err := json.Unmarshal(raw, &st); err != nil {
		return StudentState{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return st, nil
}

// Update implements Store.
func (r *RedisStore) Update(ctx context.Context, studentID string, mutator Mutator) (StudentState, error) {
	unlock, err := r.locks.lock(ctx, studentID)
	if err != nil {
		return StudentState{}, err
	}
	defer unlock()

	key := r.key(studentID)
	var result StudentState

	txf := func(tx *redis.Tx) error {
		cur, err := r.read(ctx, tx, key)
		if errors.Is(err, redis.Nil) {
			cur = NewDefault(studentID, r.opts.Concepts)
		} else if err != nil {
			return err
		}

		next, changed, err := mutate(cur, mutator, r.opts)
		if err != nil {
			return err
		}
		if !changed {
			result = cur
			return nil
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err = r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return StudentState{}, fmt.Errorf("update %s: %w", studentID, err)
	}
	return StudentState{}, fmt.Errorf("update %s: %d conflicting writers: %w", studentID, maxTxRetries, err)
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
