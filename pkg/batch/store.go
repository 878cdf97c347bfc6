package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/docflow/pkg/errs"
)

// ResultStore persists job results. Get returns errs.ErrJobNotFound for unknown jobs.
type ResultStore interface {
	Save(ctx context.Context, r *Result) error
	Get(ctx context.Context, jobID string) (*Result, error)
	Delete(ctx context.Context, jobID string) error
}

// MemoryStore keeps results in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]*Result)}
}

func (s *MemoryStore) Save(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.JobID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, errs.ErrJobNotFound)
	}
	return r, nil
}

func (s *MemoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, jobID)
	return nil
}

// DefaultResultTTL is how long RedisStore keeps a result.
const DefaultResultTTL = 24 * time.Hour

// RedisStore keeps results as JSON strings under "batch:result:{jobID}".
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore stores results in rdb with the given TTL; zero means DefaultResultTTL.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func resultKey(jobID string) string {
	return fmt.Sprintf("batch:result:%s", jobID)
}

func (s *RedisStore) Save(ctx context.Context, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, resultKey(r.JobID), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Result, error) {
	data, err := s.rdb.Get(ctx, resultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", jobID, errs.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result of job %s: %w", jobID, err)
	}
	return &r, nil
}

func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, resultKey(jobID)).Err()
}
