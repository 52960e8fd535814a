package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/pinchwork/pinchwork/internal/credential"
)

// PostgresStore persists agent balances and the credit ledger in Postgres.
type PostgresStore struct {
	db execer
}

// execer is satisfied by both *sql.DB and *sql.Tx, so PostgresStore can
// wrap either the pool or a transaction handed to it by WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewPostgresStore creates a Postgres-backed ledger store over a pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// AdjustBalance runs the conditional compare-and-update that is the
// concurrency control for escrow and every other balance mutation: the
// WHERE clause guard rejects the update (rather than going negative)
// when delta is a debit larger than the current balance.
func (p *PostgresStore) AdjustBalance(ctx context.Context, agentID string, delta int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET credits = credits + $1
		WHERE id = $2 AND credits + $1 >= 0`,
		delta, agentID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Balance(ctx, agentID); errors.Is(err, sql.ErrNoRows) {
			return ErrAgentNotFound
		}
		return ErrInsufficientBalance
	}
	return nil
}

func (p *PostgresStore) Balance(ctx context.Context, agentID string) (int64, error) {
	var credits int64
	err := p.db.QueryRowContext(ctx, `SELECT credits FROM agents WHERE id = $1`, agentID).Scan(&credits)
	if err == sql.ErrNoRows {
		return 0, ErrAgentNotFound
	}
	return credits, err
}

func (p *PostgresStore) AppendEntry(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = credential.NewLedgerID()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, agent_id, amount, reason, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		e.ID, e.AgentID, e.Amount, e.Reason, e.TaskID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil // append already applied by a racing retry of the same operation
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Ledger(ctx context.Context, agentID string, offset, limit int) ([]*Entry, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM credit_ledger WHERE agent_id = $1`, agentID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, amount, reason, task_id, created_at
		FROM credit_ledger
		WHERE agent_id = $1
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3`,
		agentID, offset, limit,
	)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var taskID sql.NullString
		var createdAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Amount, &e.Reason, &taskID, &createdAt); err != nil {
			return nil, 0, err
		}
		if taskID.Valid {
			e.TaskID = &taskID.String
		}
		if createdAt.Valid {
			ts := createdAt.Time.Format(timeLayout)
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// WithTx opens a real Postgres transaction and runs fn against a
// PostgresStore wrapping it, committing on success and rolling back on
// any error fn returns.
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
