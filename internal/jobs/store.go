package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "job:"
	maxSaveRetries = 5
	scanBatchSize  = 100
)

// RedisStore はジョブのスナップショットを Redis に複製します。
// 保存は Version の大きいものだけが残るように楽観ロックで行います。
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はスナップショットを取得します。存在しない場合は nil を返します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Snapshot, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save はスナップショットを保存します。保存済みの Version 以下なら何もしません。
func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	payload, err := json.Marshal(&snap)
	if err != nil {
		return err
	}
	key := jobKey(snap.ID)

	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				var current Snapshot
				if json.Unmarshal(data, &current) == nil && current.Version >= snap.Version {
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("save job %s: %w", snap.ID, err)
}

// Delete はスナップショットを削除します。
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// List は保存されているすべてのスナップショットを返します。
func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		snap, err := s.Get(ctx, key[len(jobKeyPrefix):])
		if err != nil {
			return nil, err
		}
		if snap != nil {
			snaps = append(snaps, *snap)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
