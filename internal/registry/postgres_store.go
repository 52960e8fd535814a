package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	tags, err := json.Marshal(agent.CapabilityTags)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, name, key_hash, key_fingerprint, credits, reputation,
			tasks_posted, tasks_completed, accepts_system_tasks, good_at,
			capability_tags, suspended, suspend_reason, abandon_count,
			referral_code, referred_by, referral_source, referral_bonus_paid,
			webhook_url, webhook_secret, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, now(), now()
		)`,
		agent.ID, agent.Name, agent.KeyHash, agent.KeyFingerprint, agent.Credits, agent.Reputation,
		agent.TasksPosted, agent.TasksCompleted, agent.AcceptsSystemTasks, nullString(agent.GoodAt),
		tags, agent.Suspended, nullString(agent.SuspendReason), agent.AbandonCount,
		agent.ReferralCode, nullString(agent.ReferredBy), nullString(agent.ReferralSource), agent.ReferralBonusPaid,
		nullString(agent.WebhookURL), nullString(agent.WebhookSecret),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAgentExists
		}
		return err
	}
	return nil
}

// ErrAgentExists is returned by CreateAgent on an id collision — practically
// unreachable given idgen's entropy, but the unique constraint is real.
var ErrAgentExists = errors.New("registry: agent already exists")

func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return p.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

func (p *PostgresStore) GetAgentByFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	return p.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE key_fingerprint = $1`, fingerprint)
}

func (p *PostgresStore) GetAgentByReferralCode(ctx context.Context, code string) (*Agent, error) {
	return p.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE referral_code = $1`, code)
}

const agentColumns = `
	id, name, key_hash, key_fingerprint, credits, reputation,
	tasks_posted, tasks_completed, accepts_system_tasks, good_at,
	capability_tags, suspended, suspend_reason, abandon_count, last_abandon_at,
	referral_code, referred_by, referral_source, referral_bonus_paid,
	webhook_url, webhook_secret, created_at, updated_at`

func (p *PostgresStore) scanOne(ctx context.Context, query string, arg any) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, query, arg)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return a, err
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var goodAt, suspendReason, referredBy, referralSource, webhookURL, webhookSecret, lastAbandonAt sql.NullString
	var tags []byte
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.Name, &a.KeyHash, &a.KeyFingerprint, &a.Credits, &a.Reputation,
		&a.TasksPosted, &a.TasksCompleted, &a.AcceptsSystemTasks, &goodAt,
		&tags, &a.Suspended, &suspendReason, &a.AbandonCount, &lastAbandonAt,
		&a.ReferralCode, &referredBy, &referralSource, &a.ReferralBonusPaid,
		&webhookURL, &webhookSecret, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.GoodAt = goodAt.String
	a.SuspendReason = suspendReason.String
	a.ReferredBy = referredBy.String
	a.ReferralSource = referralSource.String
	a.WebhookURL = webhookURL.String
	a.WebhookSecret = webhookSecret.String
	if lastAbandonAt.Valid {
		a.LastAbandonAt = &lastAbandonAt.String
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &a.CapabilityTags)
	}
	if createdAt.Valid {
		a.CreatedAt = createdAt.Time.Format(timeLayout)
	}
	if updatedAt.Valid {
		a.UpdatedAt = updatedAt.Time.Format(timeLayout)
	}
	return &a, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func (p *PostgresStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	tags, err := json.Marshal(agent.CapabilityTags)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			name = $2, reputation = $3, tasks_posted = $4, tasks_completed = $5,
			accepts_system_tasks = $6, good_at = $7, capability_tags = $8,
			suspended = $9, suspend_reason = $10, abandon_count = $11, last_abandon_at = $12,
			referral_bonus_paid = $13, webhook_url = $14, webhook_secret = $15,
			updated_at = now()
		WHERE id = $1`,
		agent.ID, agent.Name, agent.Reputation, agent.TasksPosted, agent.TasksCompleted,
		agent.AcceptsSystemTasks, nullString(agent.GoodAt), tags,
		agent.Suspended, nullString(agent.SuspendReason), agent.AbandonCount, nullStringPtr(agent.LastAbandonAt),
		agent.ReferralBonusPaid, nullString(agent.WebhookURL), nullString(agent.WebhookSecret),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, int, error) {
	query = query.normalized()

	where := `WHERE suspended = false`
	args := []any{}
	argN := 1

	if query.Search != "" {
		argN++
		where += ` AND good_at ILIKE $` + strconv.Itoa(argN)
		args = append(args, "%"+query.Search+"%")
	}
	if query.MinReputation != nil {
		argN++
		where += ` AND reputation >= $` + strconv.Itoa(argN)
		args = append(args, *query.MinReputation)
	}
	if len(query.Tags) > 0 {
		argN++
		where += ` AND capability_tags ?| $` + strconv.Itoa(argN)
		args = append(args, pq.Array(query.Tags))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM agents `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := "reputation DESC"
	if query.SortBy == "tasks_completed" {
		order = "tasks_completed DESC"
	}
	args = append(args, query.Limit, query.Offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents `+where+`
		ORDER BY `+order+`
		LIMIT $`+strconv.Itoa(argN+1)+` OFFSET $`+strconv.Itoa(argN+2),
		args...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var results []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, a)
	}
	return results, total, rows.Err()
}

func (p *PostgresStore) ListInfraAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE suspended = false AND accepts_system_tasks = true
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

func scanAgentRows(rows *sql.Rows) (*Agent, error) {
	var a Agent
	var goodAt, suspendReason, referredBy, referralSource, webhookURL, webhookSecret, lastAbandonAt sql.NullString
	var tags []byte
	var createdAt, updatedAt sql.NullTime

	err := rows.Scan(
		&a.ID, &a.Name, &a.KeyHash, &a.KeyFingerprint, &a.Credits, &a.Reputation,
		&a.TasksPosted, &a.TasksCompleted, &a.AcceptsSystemTasks, &goodAt,
		&tags, &a.Suspended, &suspendReason, &a.AbandonCount, &lastAbandonAt,
		&a.ReferralCode, &referredBy, &referralSource, &a.ReferralBonusPaid,
		&webhookURL, &webhookSecret, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.GoodAt = goodAt.String
	a.SuspendReason = suspendReason.String
	a.ReferredBy = referredBy.String
	a.ReferralSource = referralSource.String
	a.WebhookURL = webhookURL.String
	a.WebhookSecret = webhookSecret.String
	if lastAbandonAt.Valid {
		a.LastAbandonAt = &lastAbandonAt.String
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &a.CapabilityTags)
	}
	if createdAt.Valid {
		a.CreatedAt = createdAt.Time.Format(timeLayout)
	}
	if updatedAt.Valid {
		a.UpdatedAt = updatedAt.Time.Format(timeLayout)
	}
	return &a, nil
}

func (p *PostgresStore) ClaimReferralBonus(ctx context.Context, agentID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET referral_bonus_paid = true
		WHERE id = $1 AND referral_bonus_paid = false`,
		agentID,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) CountReferralBonusesPaid(ctx context.Context, referrerCode string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM agents WHERE referred_by = $1 AND referral_bonus_paid = true`,
		referrerCode,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) RecordRating(ctx context.Context, r *Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (task_id, rater_id, rated_id, score, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		r.TaskID, r.RaterID, r.RatedID, r.Score,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrRatingExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) AverageRating(ctx context.Context, ratedID string) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT avg(score), count(*) FROM ratings WHERE rated_id = $1`,
		ratedID,
	).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, n, nil
}

func (p *PostgresStore) FileReport(ctx context.Context, r *Report) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reports (id, task_id, reporter_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, 'open', now())`,
		r.ID, r.TaskID, r.ReporterID, r.Reason,
	)
	return err
}

func (p *PostgresStore) ListReports(ctx context.Context, status string) ([]*Report, error) {
	query := `SELECT id, task_id, reporter_id, reason, status, created_at FROM reports`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*Report
	for rows.Next() {
		r := &Report{}
		var createdAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ReporterID, &r.Reason, &r.Status, &createdAt); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			r.CreatedAt = createdAt.Time.Format(timeLayout)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
