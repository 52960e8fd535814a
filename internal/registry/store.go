package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store persists agents, ratings, and reports. Credit balance mutation is
// out of scope here — callers compose registry operations with ledger.Ledger
// at the service layer; Store only carries the Credits field that
// Register seeds directly (the signup bonus).
type Store interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByFingerprint(ctx context.Context, fingerprint string) (*Agent, error)
	GetAgentByReferralCode(ctx context.Context, code string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, int, error)

	// ListInfraAgents returns non-suspended agents with accepts_system_tasks
	// set, the candidate pool C5/C6 draw system-task workers from.
	ListInfraAgents(ctx context.Context) ([]*Agent, error)

	// ClaimReferralBonus atomically flips referral_bonus_paid false->true,
	// reporting whether this call won the race.
	ClaimReferralBonus(ctx context.Context, agentID string) (bool, error)
	CountReferralBonusesPaid(ctx context.Context, referrerCode string) (int64, error)

	RecordRating(ctx context.Context, r *Rating) error
	AverageRating(ctx context.Context, ratedID string) (float64, int, error)

	FileReport(ctx context.Context, r *Report) error
	ListReports(ctx context.Context, status string) ([]*Report, error)
}

// MemoryStore is a thread-safe in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    clockFn
	agents   map[string]*Agent
	ratings  map[string]*Rating // key: task_id+"|"+rater_id
	reports  []*Report
	reportID int
}

type clockFn func() time.Time

// NewMemoryStore creates an empty in-memory store. now is injected so tests
// can control timestamps without sleeping.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		clock:   now,
		agents:  make(map[string]*Agent),
		ratings: make(map[string]*Rating),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC().Format(time.RFC3339Nano)
	agent.CreatedAt = now
	agent.UpdatedAt = now
	m.agents[agent.ID] = agent
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAgentByFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.KeyFingerprint == fingerprint {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) GetAgentByReferralCode(ctx context.Context, code string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.ReferralCode == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; !ok {
		return ErrAgentNotFound
	}
	agent.UpdatedAt = m.clock().UTC().Format(time.RFC3339Nano)
	m.agents[agent.ID] = agent
	return nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	query = query.normalized()

	var results []*Agent
	for _, a := range m.agents {
		if a.Suspended {
			continue
		}
		if query.Search != "" && !strings.Contains(strings.ToLower(a.GoodAt), strings.ToLower(query.Search)) {
			continue
		}
		if query.MinReputation != nil && a.Reputation < *query.MinReputation {
			continue
		}
		if len(query.Tags) > 0 {
			matched := false
			for _, want := range query.Tags {
				for _, have := range a.CapabilityTags {
					if want == have {
						matched = true
						break
					}
				}
			}
			if !matched {
				continue
			}
		}
		cp := *a
		results = append(results, &cp)
	}

	total := len(results)
	if query.SortBy == "tasks_completed" {
		sort.Slice(results, func(i, j int) bool { return results[i].TasksCompleted > results[j].TasksCompleted })
	} else {
		sort.Slice(results, func(i, j int) bool { return results[i].Reputation > results[j].Reputation })
	}

	if query.Offset >= total {
		return []*Agent{}, total, nil
	}
	end := query.Offset + query.Limit
	if end > total {
		end = total
	}
	return results[query.Offset:end], total, nil
}

func (m *MemoryStore) ListInfraAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Agent
	for _, a := range m.agents {
		if a.Suspended || !a.AcceptsSystemTasks {
			continue
		}
		cp := *a
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt < results[j].CreatedAt })
	return results, nil
}

func (m *MemoryStore) ClaimReferralBonus(ctx context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return false, ErrAgentNotFound
	}
	if a.ReferralBonusPaid {
		return false, nil
	}
	a.ReferralBonusPaid = true
	a.UpdatedAt = m.clock().UTC().Format(time.RFC3339Nano)
	return true, nil
}

func (m *MemoryStore) CountReferralBonusesPaid(ctx context.Context, referrerCode string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, a := range m.agents {
		if a.ReferredBy == referrerCode && a.ReferralBonusPaid {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecordRating(ctx context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.TaskID + "|" + r.RaterID
	if _, exists := m.ratings[key]; exists {
		return ErrRatingExists
	}
	r.CreatedAt = m.clock().UTC().Format(time.RFC3339Nano)
	m.ratings[key] = r
	return nil
}

func (m *MemoryStore) AverageRating(ctx context.Context, ratedID string) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	var n int
	for _, r := range m.ratings {
		if r.RatedID == ratedID {
			sum += float64(r.Score)
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

func (m *MemoryStore) FileReport(ctx context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reportID++
	if r.ID == "" {
		r.ID = "rp_" + strconv.Itoa(m.reportID)
	}
	r.Status = ReportStatusOpen
	r.CreatedAt = m.clock().UTC().Format(time.RFC3339Nano)
	m.reports = append(m.reports, r)
	return nil
}

func (m *MemoryStore) ListReports(ctx context.Context, status string) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Report
	for _, r := range m.reports {
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		results = append(results, &cp)
	}
	return results, nil
}
