// Package ledger keeps an append-only history of observed follow edges.
// An edge is recorded once; later observations never change its
// first_observed_at.
package ledger

import (
	"context"
	"sync"
	"time"

	"followsync/pkg/models"
)

// Ledger records follow edges
type Ledger interface {
	// Record stores edges not seen before and returns how many were new
	Record(ctx context.Context, edges []models.FollowEdge) (int, error)
	// FirstObserved returns when follower was first seen following followed
	FirstObserved(ctx context.Context, follower, followed string) (time.Time, bool, error)
	Close() error
}

// NopLedger discards everything
type NopLedger struct{}

func (NopLedger) Record(ctx context.Context, edges []models.FollowEdge) (int, error) {
	return 0, ctx.Err()
}

func (NopLedger) FirstObserved(ctx context.Context, follower, followed string) (time.Time, bool, error) {
	return time.Time{}, false, ctx.Err()
}

func (NopLedger) Close() error { return nil }

type edgeKey struct{ follower, followed string }

// MemoryLedger keeps edges in process memory
type MemoryLedger struct {
	mu    sync.Mutex
	edges map[edgeKey]time.Time
}

// NewMemory creates an empty in-memory ledger
func NewMemory() *MemoryLedger {
	return &MemoryLedger{edges: make(map[edgeKey]time.Time)}
}

func (m *MemoryLedger) Record(ctx context.Context, edges []models.FollowEdge) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, e := range edges {
		k := edgeKey{models.Normalize(e.Follower), models.Normalize(e.Followed)}
		if _, ok := m.edges[k]; ok {
			continue
		}
		m.edges[k] = e.FirstObservedAt
		added++
	}
	return added, nil
}

func (m *MemoryLedger) FirstObserved(ctx context.Context, follower, followed string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.edges[edgeKey{models.Normalize(follower), models.Normalize(followed)}]
	return t, ok, ctx.Err()
}

// Len returns the number of recorded edges
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges)
}

func (m *MemoryLedger) Close() error { return nil }
