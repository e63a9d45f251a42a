package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKey = "moemail:settings:snapshot"

// Store persists raw key/value pairs.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
}

// Service serves snapshots from a redis cache backed by the store.
type Service struct {
	store  Store
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewService constructs a Service. A nil cache disables caching.
func NewService(store Store, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{store: store, cache: cache, ttl: ttl, logger: logger}
}

// Snapshot returns the current configuration.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	if snap, ok := s.cached(ctx); ok {
		return snap, nil
	}
	v, err, _ := s.group.Do(cacheKey, func() (any, error) {
		values, err := s.store.Load(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap := fromValues(values)
		s.fill(ctx, snap)
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Update validates and stores patch, then drops the cached snapshot.
func (s *Service) Update(ctx context.Context, patch Patch) (Snapshot, error) {
	values, err := patch.values()
	if err != nil {
		return Snapshot{}, err
	}
	if len(values) > 0 {
		if err := s.store.Save(ctx, values); err != nil {
			return Snapshot{}, err
		}
		s.invalidate(ctx)
	}
	return s.Snapshot(ctx)
}

func (s *Service) cached(ctx context.Context) (Snapshot, bool) {
	if s.cache == nil {
		return Snapshot{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("settings cache get", slog.Any("error", err))
		}
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("settings cache decode", slog.Any("error", err))
		return Snapshot{}, false
	}
	return snap, true
}

func (s *Service) fill(ctx context.Context, snap Snapshot) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, raw, s.ttl).Err(); err != nil {
		s.logger.Warn("settings cache set", slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey).Err(); err != nil {
		s.logger.Warn("settings cache invalidate", slog.Any("error", err))
	}
}
