package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WindowStore tracks the start time of open sessions by player
type WindowStore interface {
	// Put records start for id, replacing any stale entry
	Put(ctx context.Context, id uuid.UUID, start time.Time) error

	// Take removes and returns the start for id. ok is false if none exists.
	Take(ctx context.Context, id uuid.UUID) (start time.Time, ok bool, err error)
}

// MemoryWindows implements WindowStore with a mutex-guarded map
type MemoryWindows struct {
	mu      sync.Mutex
	windows map[uuid.UUID]time.Time
}

func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{windows: make(map[uuid.UUID]time.Time)}
}

func (s *MemoryWindows) Put(ctx context.Context, id uuid.UUID, start time.Time) error {
	s.mu.Lock()
	s.windows[id] = start
	s.mu.Unlock()
	return nil
}

func (s *MemoryWindows) Take(ctx context.Context, id uuid.UUID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, ok := s.windows[id]
	if ok {
		delete(s.windows, id)
	}
	return start, ok, nil
}

// Len returns the number of open sessions
func (s *MemoryWindows) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// WindowTTL bounds how long an unmatched session start is kept in Redis
const WindowTTL = 7 * 24 * time.Hour

// RedisWindows implements WindowStore using Redis so open sessions survive a
// restart of the daemon
type RedisWindows struct {
	client redis.Cmdable
	prefix string
}

// NewRedisWindows stores windows under statsaver:<serverName>:session:<id>
func NewRedisWindows(client redis.Cmdable, serverName string) *RedisWindows {
	return &RedisWindows{
		client: client,
		prefix: "statsaver:" + serverName + ":session:",
	}
}

func (s *RedisWindows) key(id uuid.UUID) string {
	return s.prefix + id.String()
}

func (s *RedisWindows) Put(ctx context.Context, id uuid.UUID, start time.Time) error {
	return s.client.Set(ctx, s.key(id), start.UnixMilli(), WindowTTL).Err()
}

func (s *RedisWindows) Take(ctx context.Context, id uuid.UUID) (time.Time, bool, error) {
	raw, err := s.client.GetDel(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
