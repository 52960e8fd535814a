package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinchwork/pinchwork/internal/clock"
	"github.com/pinchwork/pinchwork/internal/credential"
)

// MemoryStore is an in-process Store for unit tests and single-node
// development. All mutation happens under a single mutex, so WithTx runs
// fn directly against the receiver — there is no separate transaction log.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	balances map[string]int64
	entries  []*Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk, balances: make(map[string]int64)}
}

// SeedBalance sets an agent's starting balance directly, bypassing the
// ledger (used by tests and by registration's initial_credits grant).
func (m *MemoryStore) SeedBalance(agentID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[agentID] = amount
}

func (m *MemoryStore) AdjustBalance(ctx context.Context, agentID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[agentID]
	if delta < 0 && bal+delta < 0 {
		return ErrInsufficientBalance
	}
	m.balances[agentID] = bal + delta
	return nil
}

func (m *MemoryStore) Balance(ctx context.Context, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[agentID], nil
}

func (m *MemoryStore) AppendEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = credential.NewLedgerID()
	}
	e.CreatedAt = m.clock.Now().Format(time.RFC3339Nano)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Ledger(ctx context.Context, agentID string, offset, limit int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mine []*Entry
	for _, e := range m.entries {
		if e.AgentID == agentID {
			mine = append(mine, e)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt > mine[j].CreatedAt })

	total := len(mine)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total || limit <= 0 {
		end = total
	}
	return mine[offset:end], total, nil
}

// WithTx runs fn directly against m: MemoryStore has no real transaction
// boundary because every mutation already happens under m.mu.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, m)
}
