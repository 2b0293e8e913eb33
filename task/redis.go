package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// maxWatchRetries bounds optimistic transaction retries on contention.
const maxWatchRetries = 16

// RedisStore keeps each task as a JSON string and orders them in a sorted
// set scored by an enqueue sequence. Mutations use WATCH/MULTI so a
// concurrent writer aborts the transaction instead of overwriting it.
//
// Key layout (prefix defaults to "courier:"):
//
//	<prefix>task:<id>  JSON task
//	<prefix>order      ZSET id -> seq
//	<prefix>ref:<ref>  id of the active task for a correlation ref
//	<prefix>seq        enqueue counter
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "courier:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) taskKey(id string) string { return s.prefix + "task:" + id }
func (s *RedisStore) refKey(ref string) string { return s.prefix + "ref:" + ref }
func (s *RedisStore) orderKey() string { return s.prefix + "order" }
func (s *RedisStore) seqKey() string { return s.prefix + "seq" }

// watch retries fn while the optimistic transaction keeps losing.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction: %w", redis.TxFailedErr)
}

func getTask(ctx context.Context, c redis.Cmdable, key string) (*Task, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", key, err)
	}
	return &t, nil
}

// Enqueue stores a new pending task unless the correlation ref is active.
func (s *RedisStore) Enqueue(ctx context.Context, t *Task) (string, error) {
	candidate := t.Clone()
	prepare(candidate, s.now())

	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("next seq: %w", err)
	}
	data, err := json.Marshal(candidate)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	keys := []string{}
	if candidate.CorrelationRef != "" {
		keys = append(keys, s.refKey(candidate.CorrelationRef))
	}
	err = s.watch(ctx, func(tx *redis.Tx) error {
		if candidate.CorrelationRef != "" {
			existingID, err := tx.Get(ctx, s.refKey(candidate.CorrelationRef)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if existingID != "" {
				existing, err := getTask(ctx, tx, s.taskKey(existingID))
				if err == nil && !existing.Status.Terminal() {
					return &DuplicateError{ExistingID: existingID, CorrelationRef: candidate.CorrelationRef}
				}
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.taskKey(candidate.ID), data, 0)
			pipe.ZAdd(ctx, s.orderKey(), &redis.Z{Score: float64(seq), Member: candidate.ID})
			if candidate.CorrelationRef != "" {
				pipe.Set(ctx, s.refKey(candidate.CorrelationRef), candidate.ID, 0)
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			return "", dup
		}
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	*t = *candidate
	return t.ID, nil
}

// ListPending returns pending tasks oldest first.
func (s *RedisStore) ListPending(ctx context.Context) ([]*Task, error) {
	st := StatusPending
	return s.List(ctx, Filter{Status: &st})
}

// List walks the order set and filters in memory.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	ids, err := s.rdb.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	var tasks []*Task
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between ZRANGE and MGET
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		if !filter.match(&t) {
			continue
		}
		tasks = append(tasks, &t)
		if filter.Limit > 0 && len(tasks) >= filter.Limit {
			break
		}
	}
	return tasks, nil
}

// Get retrieves a task by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := getTask(ctx, s.rdb, s.taskKey(id))
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	return t, err
}

// UpdateStatus applies tr inside a WATCH on the task key.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, tr Transition) (*Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	key := s.taskKey(id)
	var updated *Task
	err := s.watch(ctx, func(tx *redis.Tx) error {
		t, err := getTask(ctx, tx, key)
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		if !tr.matches(t) {
			return conflict(id, tr)
		}
		tr.apply(t, s.now())
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = t
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	if updated.Status.Terminal() && updated.CorrelationRef != "" {
		s.releaseRef(ctx, updated)
	}
	return updated, nil
}

// releaseRef drops the active-ref pointer if it still names t. Enqueue also
// re-checks the pointed-to status, so a failure here only costs a lookup.
func (s *RedisStore) releaseRef(ctx context.Context, t *Task) {
	ref := s.refKey(t.CorrelationRef)
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, ref).Result()
		if err != nil || cur != t.ID {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, ref)
			return nil
		})
		return err
	}, ref)
}

// MarkNotified flips notified inside a WATCH on the task key.
func (s *RedisStore) MarkNotified(ctx context.Context, id string) (bool, error) {
	key := s.taskKey(id)
	flipped := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		t, err := getTask(ctx, tx, key)
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		if t.Notified {
			return nil
		}
		t.Notified = true
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			flipped = true
		}
		return err
	}, key)
	return flipped, err
}

// Sweep deletes terminal tasks last updated before olderThan.
func (s *RedisStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	tasks, err := s.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range tasks {
		if !t.Status.Terminal() || !t.UpdatedAt.Before(olderThan) {
			continue
		}
		key := s.taskKey(t.ID)
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.orderKey(), t.ID)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("sweep task %s: %w", t.ID, err)
		}
		removed++
	}
	return removed, nil
}
