package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/redis/go-redis/v9"
)

// DefaultJobTTL is how long a job record stays readable after its last write
const DefaultJobTTL = 24 * time.Hour

// JobStore keeps the bookkeeping record polled by the status endpoint
type JobStore interface {
	Save(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
}

// RedisJobStore stores job records as JSON under job:<id>
type RedisJobStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisJobStore(redisClient *redis.Client, ttl time.Duration) *RedisJobStore {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &RedisJobStore{redis: redisClient, ttl: ttl}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (s *RedisJobStore) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, s.ttl).Err()
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}
