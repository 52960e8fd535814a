package matching

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/pinchwork/pinchwork/internal/clock"
)

// Store persists TaskMatch rows.
type Store interface {
	CreateMatch(ctx context.Context, m *TaskMatch) error
	// ListMatchesForAgent returns every match row for agentID across all
	// tasks, ordered by rank ascending then created_at — the ordering C7
	// walks when trying the matched queue.
	ListMatchesForAgent(ctx context.Context, agentID string) ([]*TaskMatch, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock

	// keyed by taskID+"\x00"+agentID for the unique-pair constraint.
	byKey   map[string]*TaskMatch
	ordered []*TaskMatch
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk, byKey: make(map[string]*TaskMatch)}
}

func (m *MemoryStore) CreateMatch(ctx context.Context, tm *TaskMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tm.TaskID + "\x00" + tm.AgentID
	if _, exists := m.byKey[key]; exists {
		return nil // unique(task_id, agent_id): re-absorption is a no-op, not an error
	}
	cp := *tm
	cp.CreatedAt = m.clock.Now().Format(time.RFC3339Nano)
	m.byKey[key] = &cp
	m.ordered = append(m.ordered, &cp)
	return nil
}

func (m *MemoryStore) ListMatchesForAgent(ctx context.Context, agentID string) ([]*TaskMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*TaskMatch
	for _, tm := range m.ordered {
		if tm.AgentID == agentID {
			cp := *tm
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank < results[j].Rank
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, m)
}

var _ Store = (*MemoryStore)(nil)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db dbConn
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateMatch(ctx context.Context, tm *TaskMatch) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_matches (task_id, agent_id, rank, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (task_id, agent_id) DO NOTHING
	`, tm.TaskID, tm.AgentID, tm.Rank)
	return err
}

func (p *PostgresStore) ListMatchesForAgent(ctx context.Context, agentID string) ([]*TaskMatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT task_id, agent_id, rank, created_at FROM task_matches
		WHERE agent_id = $1
		ORDER BY rank ASC, created_at ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*TaskMatch
	for rows.Next() {
		var tm TaskMatch
		var createdAt time.Time
		if err := rows.Scan(&tm.TaskID, &tm.AgentID, &tm.Rank, &createdAt); err != nil {
			return nil, err
		}
		tm.CreatedAt = createdAt.Format(time.RFC3339Nano)
		results = append(results, &tm)
	}
	return results, rows.Err()
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	db, ok := p.db.(*sql.DB)
	if !ok {
		// Already inside a transaction scope; run fn against the same store.
		return fn(ctx, p)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, &PostgresStore{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)
