package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pinchwork/pinchwork/internal/pagination"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db dbConn
}

// dbConn is satisfied by both *sql.DB and *sql.Tx, so WithTx can hand
// transaction-scoped callers the same Store implementation.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewPostgresStore creates a Postgres-backed task store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

const taskColumns = `
	id, poster_id, worker_id, need, context, result, status, max_credits, credits_charged, tags,
	is_system, system_task_type, parent_task_id,
	match_status, match_deadline,
	verification_status, verification_result, verification_deadline,
	rejection_count, rejection_reason, rejection_grace_deadline,
	review_timeout_minutes, claim_timeout_minutes, claim_deadline,
	created_at, claimed_at, delivered_at, expires_at`

func (p *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, poster_id, worker_id, need, context, result, status, max_credits, credits_charged, tags,
			is_system, system_task_type, parent_task_id,
			match_status, match_deadline,
			verification_status, verification_result, verification_deadline,
			rejection_count, rejection_reason, rejection_grace_deadline,
			review_timeout_minutes, claim_timeout_minutes, claim_deadline,
			created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24,
			now(), $25
		)`,
		t.ID, t.PosterID, nullStringPtr(t.WorkerID), t.Need, t.Context, t.Result, t.Status, t.MaxCredits, t.CreditsCharged, tags,
		t.IsSystem, nullSystemType(t.SystemTaskType), nullStringPtr(t.ParentTaskID),
		nullMatchStatus(t.MatchStatus), nullStringPtr(t.MatchDeadline),
		nullVerificationStatus(t.VerificationStatus), t.VerificationResult, nullStringPtr(t.VerificationDeadline),
		t.RejectionCount, t.RejectionReason, nullStringPtr(t.RejectionGraceDeadline),
		nullInt64Ptr(t.ReviewTimeoutMinutes), nullInt64Ptr(t.ClaimTimeoutMinutes), nullStringPtr(t.ClaimDeadline),
		parseRFC3339(t.ExpiresAt),
	)
	return err
}

func (p *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) UpdateTask(ctx context.Context, t *Task) error {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tasks SET
			worker_id = $2, result = $3, status = $4, credits_charged = $5, tags = $6,
			match_status = $7, match_deadline = $8,
			verification_status = $9, verification_result = $10, verification_deadline = $11,
			rejection_count = $12, rejection_reason = $13, rejection_grace_deadline = $14,
			claim_deadline = $15, claimed_at = $16, delivered_at = $17
		WHERE id = $1`,
		t.ID, nullStringPtr(t.WorkerID), t.Result, t.Status, t.CreditsCharged, tags,
		nullMatchStatus(t.MatchStatus), nullStringPtr(t.MatchDeadline),
		nullVerificationStatus(t.VerificationStatus), t.VerificationResult, nullStringPtr(t.VerificationDeadline),
		t.RejectionCount, t.RejectionReason, nullStringPtr(t.RejectionGraceDeadline),
		nullStringPtr(t.ClaimDeadline), nullStringPtr(t.ClaimedAt), nullStringPtr(t.DeliveredAt),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ClaimTask(ctx context.Context, taskID, workerID, claimedAt, claimDeadline string, excludeIDs []string) (bool, error) {
	exclude, args := buildExcludeClause([]any{taskID, workerID, parseRFC3339(claimedAt), parseRFC3339(claimDeadline)}, excludeIDs)
	result, err := p.db.ExecContext(ctx, `
		UPDATE tasks SET worker_id = $2, status = 'claimed', claimed_at = $3, claim_deadline = $4
		WHERE id = $1 AND status = 'posted' AND worker_id IS NULL AND poster_id != $2`+exclude,
		args...,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func buildExcludeClause(args []any, excludeIDs []string) (string, []any) {
	if len(excludeIDs) == 0 {
		return "", args
	}
	clause := " AND id NOT IN ("
	for i, id := range excludeIDs {
		if i > 0 {
			clause += ", "
		}
		args = append(args, id)
		clause += "$" + strconv.Itoa(len(args))
	}
	return clause + ")", args
}

func (p *PostgresStore) ListPostedSystemTasks(ctx context.Context, limit int) ([]*Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_system = true AND status = 'posted'
		ORDER BY created_at ASC LIMIT $1`, limit)
}

func (p *PostgresStore) ListPostedByIDsInOrder(ctx context.Context, ids []string, tags []string, excludeIDs []string) ([]*Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]*Task, len(ids))
	rows, err := p.queryTasksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range rows {
		byID[t.ID] = t
	}
	excluded := toSet(excludeIDs)
	var results []*Task
	for _, id := range ids {
		t, ok := byID[id]
		if !ok || excluded[id] || t.Status != StatusPosted || t.IsSystem || !t.hasTag(tags) {
			continue
		}
		results = append(results, t)
	}
	return results, nil
}

func (p *PostgresStore) queryTasksByIDs(ctx context.Context, ids []string) ([]*Task, error) {
	args := make([]any, len(ids))
	placeholders := ""
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	return p.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`)`, args...)
}

func (p *PostgresStore) ListPostedBroadcastOrPending(ctx context.Context, tags []string, excludeIDs []string, limit int) ([]*Task, error) {
	exclude, args := buildExcludeClause(nil, excludeIDs)
	args = append(args, limit)
	rows, err := p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_system = false AND status = 'posted'
		AND match_status IN ('broadcast', 'pending')`+exclude+`
		ORDER BY created_at ASC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	return filterByTags(rows, tags), nil
}

func (p *PostgresStore) ListPostedUnattached(ctx context.Context, tags []string, excludeIDs []string, limit int) ([]*Task, error) {
	exclude, args := buildExcludeClause(nil, excludeIDs)
	args = append(args, limit)
	rows, err := p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_system = false AND status = 'posted' AND match_status IS NULL`+exclude+`
		ORDER BY created_at ASC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	return filterByTags(rows, tags), nil
}

func filterByTags(tasks []*Task, tags []string) []*Task {
	if len(tags) == 0 {
		return tasks
	}
	var out []*Task
	for _, t := range tasks {
		if t.hasTag(tags) {
			out = append(out, t)
		}
	}
	return out
}

func (p *PostgresStore) ConflictTaskIDsForWorker(ctx context.Context, workerID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT parent_task_id FROM tasks
		WHERE is_system = true AND worker_id = $1 AND parent_task_id IS NOT NULL`, workerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) GetSystemTaskByParent(ctx context.Context, parentID string, sysType SystemTaskType) (*Task, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_system = true AND parent_task_id = $1 AND system_task_type = $2
		LIMIT 1`, parentID, string(sysType))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string, asPoster bool, cursor string, limit int) ([]*Task, string, bool, error) {
	col := "worker_id"
	if asPoster {
		col = "poster_id"
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + col + ` = $1`
	args := []any{agentID}
	if cur != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cur.CreatedAt, cur.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	results, err := p.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, "", false, err
	}
	page, next, hasMore := pagination.ComputePage(results, limit, func(t *Task) (time.Time, string) {
		ts, _ := time.Parse(timeLayout, t.CreatedAt)
		return ts, t.ID
	})
	return page, next, hasMore, nil
}

func (p *PostgresStore) ListExpiredPosted(ctx context.Context, now string, limit int) ([]*Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'posted' AND expires_at < $1 LIMIT $2`, parseRFC3339(now), limit)
}

func (p *PostgresStore) ListDeliveredPastReview(ctx context.Context, now string, defaultMinutes int64, limit int) ([]*Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'delivered' AND is_system = false AND delivered_at IS NOT NULL
		AND delivered_at + (coalesce(review_timeout_minutes, $1) || ' minutes')::interval < $2
		LIMIT $3`, defaultMinutes, parseRFC3339(now), limit)
}

func (p *PostgresStore) ListClaimedPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'claimed' AND is_system = false AND claim_deadline < $1
		AND (rejection_grace_deadline IS NULL OR rejection_grace_deadline <= $1)
		LIMIT $2`, parseRFC3339(now), limit)
}

func (p *PostgresStore) ListPendingMatchPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE match_status = 'pending' AND match_deadline < $1 LIMIT $2`, parseRFC3339(now), limit)
}

func (p *PostgresStore) ListPendingVerificationPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE verification_status = 'pending' AND verification_deadline < $1 LIMIT $2`, parseRFC3339(now), limit)
}

func (p *PostgresStore) ListDeliveredSystemPastAutoApprove(ctx context.Context, now string, autoApproveSeconds int64, limit int) ([]*Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'delivered' AND is_system = true AND delivered_at IS NOT NULL
		AND delivered_at + ($1 || ' seconds')::interval < $2
		LIMIT $3`, autoApproveSeconds, parseRFC3339(now), limit)
}

// WithTx runs fn against a PostgresStore scoped to a single *sql.Tx.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	db, ok := p.db.(*sql.DB)
	if !ok {
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

func (p *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	dest, post := taskScanDest(&t)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	post()
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*Task, error) {
	var t Task
	dest, post := taskScanDest(&t)
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	post()
	return &t, nil
}

// taskScanDest builds the Scan() destinations for taskColumns plus a post
// step that converts the nullable intermediates into t's pointer fields.
func taskScanDest(t *Task) ([]any, func()) {
	var workerID, systemTaskType, parentTaskID sql.NullString
	var matchStatus, matchDeadline sql.NullString
	var verificationStatus, verificationDeadline sql.NullString
	var rejectionGraceDeadline sql.NullString
	var reviewTimeoutMinutes, claimTimeoutMinutes sql.NullInt64
	var claimDeadline sql.NullString
	var tags []byte
	var createdAt, claimedAt, deliveredAt, expiresAt sql.NullTime

	dest := []any{
		&t.ID, &t.PosterID, &workerID, &t.Need, &t.Context, &t.Result, &t.Status, &t.MaxCredits, &t.CreditsCharged, &tags,
		&t.IsSystem, &systemTaskType, &parentTaskID,
		&matchStatus, &matchDeadline,
		&verificationStatus, &t.VerificationResult, &verificationDeadline,
		&t.RejectionCount, &t.RejectionReason, &rejectionGraceDeadline,
		&reviewTimeoutMinutes, &claimTimeoutMinutes, &claimDeadline,
		&createdAt, &claimedAt, &deliveredAt, &expiresAt,
	}

	post := func() {
		t.WorkerID = nullStringToPtr(workerID)
		t.ParentTaskID = nullStringToPtr(parentTaskID)
		if systemTaskType.Valid {
			st := SystemTaskType(systemTaskType.String)
			t.SystemTaskType = &st
		}
		if matchStatus.Valid {
			ms := MatchStatus(matchStatus.String)
			t.MatchStatus = &ms
		}
		t.MatchDeadline = nullStringToPtr(matchDeadline)
		if verificationStatus.Valid {
			vs := VerificationStatus(verificationStatus.String)
			t.VerificationStatus = &vs
		}
		t.VerificationDeadline = nullStringToPtr(verificationDeadline)
		t.RejectionGraceDeadline = nullStringToPtr(rejectionGraceDeadline)
		if reviewTimeoutMinutes.Valid {
			t.ReviewTimeoutMinutes = &reviewTimeoutMinutes.Int64
		}
		if claimTimeoutMinutes.Valid {
			t.ClaimTimeoutMinutes = &claimTimeoutMinutes.Int64
		}
		t.ClaimDeadline = nullStringToPtr(claimDeadline)
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &t.Tags)
		}
		if createdAt.Valid {
			t.CreatedAt = createdAt.Time.Format(timeLayout)
		}
		if claimedAt.Valid {
			s := claimedAt.Time.Format(timeLayout)
			t.ClaimedAt = &s
		}
		if deliveredAt.Valid {
			s := deliveredAt.Time.Format(timeLayout)
			t.DeliveredAt = &s
		}
		if expiresAt.Valid {
			t.ExpiresAt = expiresAt.Time.Format(timeLayout)
		}
	}
	return dest, post
}

func nullStringToPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64Ptr(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullSystemType(s *SystemTaskType) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullMatchStatus(s *MatchStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullVerificationStatus(s *VerificationStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func parseRFC3339(s string) any {
	if s == "" {
		return nil
	}
	return s
}
