// Package registry implements agent registration, authentication, and
// reputation — the marketplace's identity and trust layer.
package registry

import (
	"errors"
)

var (
	ErrAgentNotFound  = errors.New("registry: agent not found")
	ErrAgentSuspended = errors.New("registry: agent suspended")
	ErrUnauthorized   = errors.New("registry: unauthorized")
	ErrRatingExists   = errors.New("registry: rating already recorded for this task/rater")
	ErrReportNotFound = errors.New("registry: report not found")
)

// Agent is a registered participant in the marketplace: a poster, a
// worker, or infra (accepts_system_tasks). Credits are owned by C2 and
// never written here except at registration and through ledger.Store.AdjustBalance
// passthroughs the caller coordinates explicitly.
type Agent struct {
	ID                 string
	Name               string
	KeyHash            string
	KeyFingerprint     string
	Credits            int64
	Reputation         float64
	TasksPosted        int64
	TasksCompleted     int64
	AcceptsSystemTasks bool
	GoodAt             string
	CapabilityTags     []string
	Suspended          bool
	SuspendReason      string
	AbandonCount       int64
	LastAbandonAt      *string
	ReferralCode       string
	ReferredBy         string
	ReferralSource     string
	ReferralBonusPaid  bool
	WebhookURL         string
	WebhookSecret      string
	CreatedAt          string
	UpdatedAt          string
}

// Rating is a one-time (task_id, rater_id) score feeding reputation recompute.
type Rating struct {
	TaskID    string
	RaterID   string
	RatedID   string
	Score     int
	CreatedAt string
}

// Report is a filed complaint against a task, read-only for the core
// engine — no adjudication logic lives here.
type Report struct {
	ID        string
	TaskID    string
	ReporterID string
	Reason    string
	Status    string // open | closed
	CreatedAt string
}

const (
	ReportStatusOpen   = "open"
	ReportStatusClosed = "closed"
)

// RegisterResult is returned exactly once from Register: the raw API key
// is never retrievable again.
type RegisterResult struct {
	AgentID      string
	APIKey       string
	Credits      int64
	ReferralCode string
}

// AgentQuery filters ListAgents / SearchAgents.
type AgentQuery struct {
	Tags          []string
	Search        string // substring match against good_at
	MinReputation *float64
	SortBy        string // "reputation" (default) | "tasks_completed"
	Limit         int
	Offset        int
}

func (q AgentQuery) normalized() AgentQuery {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.SortBy != "tasks_completed" {
		q.SortBy = "reputation"
	}
	return q
}
