package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinchwork/pinchwork/internal/pagination"
)

// Store persists tasks. Every status transition funnels through one of
// these methods; ClaimTask is the one conditional, concurrency-bearing
// write — everything else is a plain read-modify-write guarded by the
// caller already having verified the expected state.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error

	// ClaimTask is the pickup commit: WHERE status = posted AND worker_id
	// IS NULL AND poster_id != workerID AND id NOT IN excludeIDs. Returns
	// false (no error) when the conditional guard didn't match — the
	// caller falls through to the next candidate.
	ClaimTask(ctx context.Context, taskID, workerID, claimedAt, claimDeadline string, excludeIDs []string) (bool, error)

	// ListPostedSystemTasks returns is_system=true, status=posted, oldest first (C7 phase 1).
	ListPostedSystemTasks(ctx context.Context, limit int) ([]*Task, error)
	// ListPostedByIDsInOrder returns the still-posted, tag-matching regular
	// tasks among ids, preserving ids' order (C7 phase 2, rank-ordered by caller).
	ListPostedByIDsInOrder(ctx context.Context, ids []string, tags []string, excludeIDs []string) ([]*Task, error)
	// ListPostedBroadcastOrPending returns regular posted tasks with
	// match_status in (broadcast, pending), tag-matching, oldest first (C7 phase 3).
	ListPostedBroadcastOrPending(ctx context.Context, tags []string, excludeIDs []string, limit int) ([]*Task, error)
	// ListPostedUnattached returns regular posted tasks with match_status
	// NULL, tag-matching, oldest first (C7 phase 4).
	ListPostedUnattached(ctx context.Context, tags []string, excludeIDs []string, limit int) ([]*Task, error)

	// ConflictTaskIDsForWorker returns the IDs of tasks that appear as
	// parent_task_id on any system task whose worker_id = workerID —
	// the pickup conflict set (C7).
	ConflictTaskIDsForWorker(ctx context.Context, workerID string) ([]string, error)

	// GetSystemTaskByParent returns the system task of sysType spawned
	// for parentID, regardless of its current status. Used by the C9
	// match/verification timeout sweeps to find a system task to cancel.
	GetSystemTaskByParent(ctx context.Context, parentID string, sysType SystemTaskType) (*Task, error)

	// ListByAgent returns tasks where agentID is poster (asPoster) or
	// worker, newest first, keyset-paginated by an opaque cursor (see
	// internal/pagination). Pass "" for the first page.
	ListByAgent(ctx context.Context, agentID string, asPoster bool, cursor string, limit int) (tasks []*Task, nextCursor string, hasMore bool, err error)

	// Reclaimer sweep queries (C9), each returning candidates in no
	// particular order — the sweep commits each independently.
	ListExpiredPosted(ctx context.Context, now string, limit int) ([]*Task, error)
	ListDeliveredPastReview(ctx context.Context, now string, defaultMinutes int64, limit int) ([]*Task, error)
	ListClaimedPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error)
	ListPendingMatchPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error)
	ListPendingVerificationPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error)
	ListDeliveredSystemPastAutoApprove(ctx context.Context, now string, autoApproveSeconds int64, limit int) ([]*Task, error)

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// MemoryStore is a thread-safe in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimTask(ctx context.Context, taskID, workerID, claimedAt, claimDeadline string, excludeIDs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return false, nil
	}
	if t.Status != StatusPosted || t.WorkerID != nil || t.PosterID == workerID {
		return false, nil
	}
	for _, id := range excludeIDs {
		if id == taskID {
			return false, nil
		}
	}

	worker := workerID
	t.WorkerID = &worker
	t.Status = StatusClaimed
	ca := claimedAt
	t.ClaimedAt = &ca
	cd := claimDeadline
	t.ClaimDeadline = &cd
	return true, nil
}

func (m *MemoryStore) ListPostedSystemTasks(ctx context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*Task
	for _, t := range m.tasks {
		if t.IsSystem && t.Status == StatusPosted {
			cp := *t
			results = append(results, &cp)
		}
	}
	sortByCreatedAtAsc(results)
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ListPostedByIDsInOrder(ctx context.Context, ids []string, tags []string, excludeIDs []string) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := toSet(excludeIDs)
	var results []*Task
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || excluded[id] {
			continue
		}
		if t.Status != StatusPosted || t.IsSystem {
			continue
		}
		if !t.hasTag(tags) {
			continue
		}
		cp := *t
		results = append(results, &cp)
	}
	return results, nil
}

func (m *MemoryStore) ListPostedBroadcastOrPending(ctx context.Context, tags []string, excludeIDs []string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := toSet(excludeIDs)
	var results []*Task
	for _, t := range m.tasks {
		if t.IsSystem || t.Status != StatusPosted || excluded[t.ID] {
			continue
		}
		if t.MatchStatus == nil || (*t.MatchStatus != MatchStatusBroadcast && *t.MatchStatus != MatchStatusPending) {
			continue
		}
		if !t.hasTag(tags) {
			continue
		}
		cp := *t
		results = append(results, &cp)
	}
	sortByCreatedAtAsc(results)
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ListPostedUnattached(ctx context.Context, tags []string, excludeIDs []string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := toSet(excludeIDs)
	var results []*Task
	for _, t := range m.tasks {
		if t.IsSystem || t.Status != StatusPosted || excluded[t.ID] {
			continue
		}
		if t.MatchStatus != nil {
			continue
		}
		if !t.hasTag(tags) {
			continue
		}
		cp := *t
		results = append(results, &cp)
	}
	sortByCreatedAtAsc(results)
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ConflictTaskIDsForWorker(ctx context.Context, workerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, t := range m.tasks {
		if t.IsSystem && t.WorkerID != nil && *t.WorkerID == workerID && t.ParentTaskID != nil {
			ids = append(ids, *t.ParentTaskID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) GetSystemTaskByParent(ctx context.Context, parentID string, sysType SystemTaskType) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.IsSystem && t.ParentTaskID != nil && *t.ParentTaskID == parentID &&
			t.SystemTaskType != nil && *t.SystemTaskType == sysType {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByAgent(ctx context.Context, agentID string, asPoster bool, cursor string, limit int) ([]*Task, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, err
	}
	if limit <= 0 {
		limit = 20
	}

	var results []*Task
	for _, t := range m.tasks {
		if asPoster && t.PosterID == agentID {
			cp := *t
			results = append(results, &cp)
		} else if !asPoster && t.WorkerID != nil && *t.WorkerID == agentID {
			cp := *t
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID > results[j].ID
	})

	if cur != nil {
		var filtered []*Task
		for _, t := range results {
			ts, _ := time.Parse(time.RFC3339Nano, t.CreatedAt)
			if ts.Before(cur.CreatedAt) || (ts.Equal(cur.CreatedAt) && t.ID < cur.ID) {
				filtered = append(filtered, t)
			}
		}
		results = filtered
	}

	page, next, hasMore := pagination.ComputePage(results, limit, func(t *Task) (time.Time, string) {
		ts, _ := time.Parse(time.RFC3339Nano, t.CreatedAt)
		return ts, t.ID
	})
	return page, next, hasMore, nil
}

func (m *MemoryStore) ListExpiredPosted(ctx context.Context, now string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*Task
	for _, t := range m.tasks {
		if t.Status == StatusPosted && timeBefore(t.ExpiresAt, now) {
			cp := *t
			results = append(results, &cp)
		}
	}
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ListDeliveredPastReview(ctx context.Context, now string, defaultMinutes int64, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*Task
	for _, t := range m.tasks {
		if t.Status != StatusDelivered || t.DeliveredAt == nil || t.IsSystem {
			continue
		}
		minutes := defaultMinutes
		if t.ReviewTimeoutMinutes != nil {
			minutes = *t.ReviewTimeoutMinutes
		}
		deadline, err := addMinutes(*t.DeliveredAt, minutes)
		if err != nil {
			continue
		}
		if timeBefore(deadline, now) {
			cp := *t
			results = append(results, &cp)
		}
	}
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ListClaimedPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*Task
	for _, t := range m.tasks {
		if t.Status != StatusClaimed || t.ClaimDeadline == nil || t.IsSystem {
			continue
		}
		if !timeBefore(*t.ClaimDeadline, now) {
			continue
		}
		if t.RejectionGraceDeadline != nil && timeBefore(now, *t.RejectionGraceDeadline) {
			continue
		}
		cp := *t
		results = append(results, &cp)
	}
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ListPendingMatchPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*Task
	for _, t := range m.tasks {
		if t.MatchStatus == nil || *t.MatchStatus != MatchStatusPending {
			continue
		}
		if t.MatchDeadline == nil || !timeBefore(*t.MatchDeadline, now) {
			continue
		}
		cp := *t
		results = append(results, &cp)
	}
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ListPendingVerificationPastDeadline(ctx context.Context, now string, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*Task
	for _, t := range m.tasks {
		if t.VerificationStatus == nil || *t.VerificationStatus != VerificationStatusPending {
			continue
		}
		if t.VerificationDeadline == nil || !timeBefore(*t.VerificationDeadline, now) {
			continue
		}
		cp := *t
		results = append(results, &cp)
	}
	return limitSlice(results, limit), nil
}

func (m *MemoryStore) ListDeliveredSystemPastAutoApprove(ctx context.Context, now string, autoApproveSeconds int64, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*Task
	for _, t := range m.tasks {
		if t.Status != StatusDelivered || !t.IsSystem || t.DeliveredAt == nil {
			continue
		}
		deadline, err := addSeconds(*t.DeliveredAt, autoApproveSeconds)
		if err != nil {
			continue
		}
		if timeBefore(deadline, now) {
			cp := *t
			results = append(results, &cp)
		}
	}
	return limitSlice(results, limit), nil
}

// WithTx runs fn against m, snapshotting the task map first and restoring it
// if fn returns an error — mirroring PostgresStore.WithTx's rollback for
// callers like CreateTask that write a task row and then call out to the
// ledger, which can fail after the row already exists.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	snapshot := make(map[string]*Task, len(m.tasks))
	for id, t := range m.tasks {
		snapshot[id] = t
	}
	m.mu.Unlock()

	if err := fn(ctx, m); err != nil {
		m.mu.Lock()
		m.tasks = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func sortByCreatedAtAsc(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt < tasks[j].CreatedAt })
}

func limitSlice(tasks []*Task, limit int) []*Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// timeBefore reports whether a is chronologically before b. Both are
// RFC3339Nano strings; a plain string comparison breaks across a same-second
// boundary because RFC3339Nano trims trailing-zero fractional digits (e.g.
// "...05Z" sorts after "...05.3Z" lexically despite being earlier in time).
func timeBefore(a, b string) bool {
	ta, err1 := time.Parse(time.RFC3339Nano, a)
	tb, err2 := time.Parse(time.RFC3339Nano, b)
	if err1 != nil || err2 != nil {
		return a < b
	}
	return ta.Before(tb)
}

func addMinutes(rfc3339 string, minutes int64) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, rfc3339)
	if err != nil {
		return "", err
	}
	return t.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339Nano), nil
}

func addSeconds(rfc3339 string, seconds int64) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, rfc3339)
	if err != nil {
		return "", err
	}
	return t.Add(time.Duration(seconds) * time.Second).Format(time.RFC3339Nano), nil
}
