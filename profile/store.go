// Package profile persists per-principal behavior baselines in the shared
// counter store. Profiles are best-effort: read-modify-write is not
// serialized across instances, and a lost update only delays baseline
// convergence.
package profile

import (
	"context"
	"fmt"
	"time"

	"sentinel/core"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// TTL is how long an idle profile survives in the store.
const TTL = 30 * 24 * time.Hour

const cacheSize = 8192

// Store reads and writes UserBehaviorProfiles. The in-process cache is
// per-instance and safe to lose on restart; profiles rehydrate lazily from
// the counter store.
type Store struct {
	store  *core.CounterStore
	cache  *lru.Cache[string, *core.UserBehaviorProfile]
	logger *zap.SugaredLogger
}

// NewStore creates a profile store backed by the shared counter store.
func NewStore(store *core.CounterStore, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cache, err := lru.New[string, *core.UserBehaviorProfile](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &Store{store: store, cache: cache, logger: logger}, nil
}

// Get returns the profile for a principal, or a fresh empty profile when
// none exists yet. Store errors surface to the caller; detectors treat them
// as a skipped verdict, not a failure.
func (s *Store) Get(ctx context.Context, userID string) (*core.UserBehaviorProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cached, ok := s.cache.Get(userID); ok {
		return cached, nil
	}

	data, found, err := s.store.GetRaw(ctx, core.KeyPrefixProfile+userID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if !found {
		return core.NewUserBehaviorProfile(userID), nil
	}

	var p core.UserBehaviorProfile
	if err := msgpack.Unmarshal(data, &p); err != nil {
		// A corrupt profile is replaced rather than poisoning detection.
		s.logger.Warnw("discarding undecodable behavior profile", "user_id", userID, "error", err)
		return core.NewUserBehaviorProfile(userID), nil
	}
	s.cache.Add(userID, &p)
	return &p, nil
}

// Observe folds an event into the principal's profile and persists it.
// Every event for a principal updates the profile regardless of any detector
// verdict on that event.
func (s *Store) Observe(ctx context.Context, event *core.SecurityEvent) error {
	if event.UserID == "" {
		return nil
	}
	p, err := s.Get(ctx, event.UserID)
	if err != nil {
		return err
	}
	p.Observe(event)
	return s.Save(ctx, p)
}

// Save persists a profile with the rolling TTL and refreshes the cache.
func (s *Store) Save(ctx context.Context, p *core.UserBehaviorProfile) error {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %s: %w", p.UserID, err)
	}
	if err := s.store.SetRaw(ctx, core.KeyPrefixProfile+p.UserID, data, TTL); err != nil {
		return fmt.Errorf("save profile %s: %w", p.UserID, err)
	}
	s.cache.Add(p.UserID, p)
	return nil
}
