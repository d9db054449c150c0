package dialer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"outbound-caller/pkg/utils"
)

// Slots hands out leases on a campaign's concurrency limit. Acquire must be
// atomic: two callers racing for the last slot cannot both win. The lease
// returned by Acquire is what Release gives back.
type Slots interface {
	Acquire(ctx context.Context, campaignID string, limit int) (lease string, ok bool, err error)
	Release(ctx context.Context, campaignID, lease string) error
	Active(ctx context.Context, campaignID string) (int, error)
}

// MemorySlots keeps leases in process. Each Processor gets its own. Leases
// expire after the TTL like RedisSlots, so a hangup that never arrives
// cannot hold a slot forever.
type MemorySlots struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[string]map[string]time.Time
}

func NewMemorySlots(ttl time.Duration) *MemorySlots {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &MemorySlots{ttl: ttl, now: time.Now, leases: map[string]map[string]time.Time{}}
}

// held drops expired leases of a campaign and returns the rest.
// Callers hold s.mu.
func (s *MemorySlots) held(campaignID string) map[string]time.Time {
	held := s.leases[campaignID]
	now := s.now()
	for lease, exp := range held {
		if !now.Before(exp) {
			delete(held, lease)
		}
	}
	if len(held) == 0 {
		delete(s.leases, campaignID)
		return nil
	}
	return held
}

func (s *MemorySlots) Acquire(_ context.Context, campaignID string, limit int) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.held(campaignID)
	if len(held) >= limit {
		return "", false, nil
	}
	if held == nil {
		held = map[string]time.Time{}
		s.leases[campaignID] = held
	}
	lease := uuid.NewString()
	held[lease] = s.now().Add(s.ttl)
	return lease, true, nil
}

func (s *MemorySlots) Release(_ context.Context, campaignID, lease string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.leases[campaignID]
	delete(held, lease)
	if len(held) == 0 {
		delete(s.leases, campaignID)
	}
	return nil
}

func (s *MemorySlots) Active(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held(campaignID)), nil
}

// RedisSlots shares leases across API instances. A lease held by an
// instance that crashed expires after the TTL, so it should exceed the
// longest call a campaign allows.
type RedisSlots struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisSlots(rdb *redis.Client, ttl time.Duration) *RedisSlots {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisSlots{rdb: rdb, ttl: ttl, prefix: "dialer:leases:", now: time.Now}
}

func (s *RedisSlots) key(campaignID string) string { return s.prefix + campaignID }

func (s *RedisSlots) Acquire(ctx context.Context, campaignID string, limit int) (string, bool, error) {
	lease := uuid.NewString()
	ok, err := utils.AcquireLease(ctx, s.rdb, s.key(campaignID), lease, limit, s.ttl, s.now())
	if err != nil || !ok {
		return "", false, err
	}
	return lease, true, nil
}

func (s *RedisSlots) Release(ctx context.Context, campaignID, lease string) error {
	return utils.ReleaseLease(ctx, s.rdb, s.key(campaignID), lease)
}

func (s *RedisSlots) Active(ctx context.Context, campaignID string) (int, error) {
	return utils.CountLeases(ctx, s.rdb, s.key(campaignID), s.now())
}
