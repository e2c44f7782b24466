package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGate is an in-process Service. Teams without an explicit quota get
// the default limits on first use.
type MemoryGate struct {
	mu       sync.Mutex
	teams    map[uuid.UUID]*TeamQuota
	defaults Limits
	cost     int64
}

var _ Service = (*MemoryGate)(nil)

// NewMemoryGate creates a gate charging cost points per reservation.
func NewMemoryGate(defaults Limits, cost int64) *MemoryGate {
	return &MemoryGate{
		teams:    make(map[uuid.UUID]*TeamQuota),
		defaults: defaults,
		cost:     cost,
	}
}

func (g *MemoryGate) team(id uuid.UUID) *TeamQuota {
	q, ok := g.teams[id]
	if !ok {
		q = &TeamQuota{
			TeamID:     id,
			AIPoints:   g.defaults.AIPoints,
			IndexLimit: g.defaults.IndexLimit,
		}
		g.teams[id] = q
	}
	return q
}

// SetQuota replaces the stored quota of a team.
func (g *MemoryGate) SetQuota(q TeamQuota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.teams[q.TeamID] = &q
}

// Quota returns the current quota of a team.
func (g *MemoryGate) Quota(teamID uuid.UUID) TeamQuota {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.team(teamID)
}

// CheckAndReserve implements Service.
func (g *MemoryGate) CheckAndReserve(_ context.Context, teamID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.team(teamID)
	if q.AIPointsUsed+g.cost > q.AIPoints {
		return false, nil
	}
	q.AIPointsUsed += g.cost
	q.UpdatedAt = time.Now()
	return true, nil
}

// CheckIndexLimit implements Service.
func (g *MemoryGate) CheckIndexLimit(_ context.Context, teamID uuid.UUID, added int) error {
	if added < 0 {
		return fmt.Errorf("added index count cannot be negative: %d", added)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.team(teamID).CheckIndexLimit(added)
}

// AddIndexes records n new index rows for a team.
func (g *MemoryGate) AddIndexes(teamID uuid.UUID, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.team(teamID).IndexCount += int64(n)
}

// MemoryUsageLog is an in-process UsageRecorder.
type MemoryUsageLog struct {
	mu      sync.Mutex
	records []Usage
}

var _ UsageRecorder = (*MemoryUsageLog)(nil)

// RecordUsage implements UsageRecorder.
func (l *MemoryUsageLog) RecordUsage(_ context.Context, usage Usage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, usage)
	return nil
}

// Records returns a copy of everything recorded.
func (l *MemoryUsageLog) Records() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Usage(nil), l.records...)
}
