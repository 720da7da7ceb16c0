package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rmaia/crm-bridge/internal/models"
)

// Repository defines the read-only storage contract for rule rows
type Repository interface {
	ListOutboundRules(ctx context.Context, integrationID int64) ([]models.OutboundRule, error)
	ListInboundRules(ctx context.Context, integrationID int64) ([]models.InboundRule, error)
}

// Snapshot is an immutable view of one integration's active rules. It is
// loaded as a whole and never mutated, so a single evaluation batch can never
// observe a half-updated rule list
type Snapshot struct {
	IntegrationID int64
	Outbound      []models.OutboundRule // sorted ascending by (priority, id)
	Inbound       []models.InboundRule
	LoadedAt      time.Time
}

// Store serves rule snapshots with a short TTL cache per integration.
// The TTL bounds the staleness window: a rule edit in the admin console takes
// effect on the live pipeline within one TTL
type Store struct {
	repo   Repository
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[int64]*Snapshot
}

func NewStore(repo Repository, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[int64]*Snapshot),
	}
}

// Snapshot returns the cached rule set for the integration, reloading it from
// storage once the TTL has elapsed
func (s *Store) Snapshot(ctx context.Context, integrationID int64) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.cache[integrationID]
	s.mu.RUnlock()

	if ok && time.Since(snap.LoadedAt) < s.ttl {
		return snap, nil
	}

	fresh, err := s.load(ctx, integrationID)
	if err != nil {
		// Serve the stale snapshot if we have one: a transient storage error
		// must not stall the live pipeline
		if ok {
			s.logger.Warn("Rule reload failed, serving stale snapshot",
				"integration_id", integrationID,
				"age", time.Since(snap.LoadedAt),
				"error", err,
			)
			return snap, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[integrationID] = fresh
	s.mu.Unlock()

	return fresh, nil
}

// Invalidate drops the cached snapshot so the next evaluation reloads
func (s *Store) Invalidate(integrationID int64) {
	s.mu.Lock()
	delete(s.cache, integrationID)
	s.mu.Unlock()
}

func (s *Store) load(ctx context.Context, integrationID int64) (*Snapshot, error) {
	outbound, err := s.repo.ListOutboundRules(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbound rules: %w", err)
	}

	inbound, err := s.repo.ListInboundRules(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbound rules: %w", err)
	}

	// Malformed rules are configuration errors. We refuse the whole load
	// instead of silently defaulting a single bad row
	active := outbound[:0:0]
	for _, r := range outbound {
		if !r.IsActive {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("outbound rule rejected: %w", err)
		}
		active = append(active, r)
	}

	activeIn := inbound[:0:0]
	for _, r := range inbound {
		if !r.IsActive {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("inbound rule rejected: %w", err)
		}
		activeIn = append(activeIn, r)
	}

	// Priority values need not be unique; id is the stable tie-breaker that
	// keeps evaluation deterministic
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	return &Snapshot{
		IntegrationID: integrationID,
		Outbound:      active,
		Inbound:       activeIn,
		LoadedAt:      time.Now(),
	}, nil
}
