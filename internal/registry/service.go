package registry

import (
	"context"
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pinchwork/pinchwork/internal/credential"
	"github.com/pinchwork/pinchwork/internal/ledger"
	"github.com/pinchwork/pinchwork/internal/metrics"
	"github.com/pinchwork/pinchwork/internal/pwerr"
	"github.com/pinchwork/pinchwork/internal/traces"
	"github.com/pinchwork/pinchwork/internal/validation"
)

// authCacheTTL bounds how stale a cached fingerprint lookup or infra-agent
// list can be. Short enough that a freshly suspended agent or a toggled
// accepts_system_tasks flag is reflected well within a test's timeout.
const (
	authCacheTTL        = 10 * time.Second
	infraAgentsCacheTTL = 5 * time.Second
	infraAgentsCacheKey = "infra_agents"
)

// CapabilityExtractor spawns the capability_extraction system task (C5)
// when an agent's good_at changes. Implemented by internal/matching;
// declared here as a consumer-defined interface so registry never
// imports matching — wiring happens at internal/engine construction time.
type CapabilityExtractor interface {
	SpawnCapabilityExtraction(ctx context.Context, agentID, goodAt string) error
}

// Service implements C3: registration, authentication, profile updates,
// suspension, and reputation recompute.
type Service struct {
	store          Store
	ledger         *ledger.Ledger
	initialCredits int64
	extractor      CapabilityExtractor // may be nil until matching wires itself in

	// authCache fronts GetAgentByFingerprint, the per-request hot path every
	// authenticated call pays. infraCache fronts ListInfraAgents, which C5/C6
	// re-check on every task create/deliver to decide whether to spawn a
	// system task at all.
	authCache  *gocache.Cache
	infraCache *gocache.Cache
}

// New creates a registry Service. SetCapabilityExtractor wires the
// matching subsystem in afterward, breaking the import cycle matching
// would otherwise create (matching depends on registry.Service).
func New(store Store, ldgr *ledger.Ledger, initialCredits int64) *Service {
	return &Service{
		store:          store,
		ledger:         ldgr,
		initialCredits: initialCredits,
		authCache:      gocache.New(authCacheTTL, 2*authCacheTTL),
		infraCache:     gocache.New(infraAgentsCacheTTL, 2*infraAgentsCacheTTL),
	}
}

// SetCapabilityExtractor wires C5's capability-extraction spawner in.
func (s *Service) SetCapabilityExtractor(e CapabilityExtractor) { s.extractor = e }

// Register mints a new agent identity: an ID, an API key (returned raw
// exactly once), seeds the signup bonus balance, records it in the
// ledger, and resolves the referral argument against existing referral
// codes (matching a code -> referred_by; otherwise stored as free-text
// referral_source). Self-referral is structurally impossible here since
// the agent doesn't exist yet — C10 additionally guards at payout time.
func (s *Service) Register(ctx context.Context, name, goodAt string, acceptsSystemTasks bool, webhookURL, webhookSecret, referral string) (*RegisterResult, error) {
	ctx, span := traces.StartSpan(ctx, "registry.Register")
	defer span.End()

	if errs := validation.Validate(
		validation.Required("name", name),
		validation.MaxLength("name", name, validation.MaxTagLength),
		validation.MaxLength("good_at", goodAt, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, pwerr.InvalidInput(errs[0].Field, errs[0].Message)
	}
	name = validation.SanitizeString(name, validation.MaxTagLength)
	goodAt = validation.SanitizeString(goodAt, validation.MaxStringLength)

	id := credential.NewAgentID()
	rawKey := credential.NewAPIKey()
	keyHash, fingerprint, err := credential.HashKey(rawKey)
	if err != nil {
		return nil, err
	}

	var referredBy, referralSource string
	if referral != "" {
		if referrer, err := s.store.GetAgentByReferralCode(ctx, referral); err == nil {
			referredBy = referrer.ReferralCode
		} else {
			referralSource = referral
		}
	}

	agent := &Agent{
		ID:                 id,
		Name:               name,
		KeyHash:            keyHash,
		KeyFingerprint:     fingerprint,
		Credits:            s.initialCredits,
		Reputation:         0,
		AcceptsSystemTasks: acceptsSystemTasks,
		GoodAt:             goodAt,
		ReferralCode:       credential.NewReferralCode(),
		ReferredBy:         referredBy,
		ReferralSource:     referralSource,
		WebhookURL:         webhookURL,
		WebhookSecret:      webhookSecret,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	if acceptsSystemTasks {
		s.infraCache.Delete(infraAgentsCacheKey)
	}

	if err := s.ledger.RecordCredit(ctx, id, s.initialCredits, ledger.ReasonSignupBonus, nil); err != nil {
		return nil, err
	}
	// Postgres shares one `agents` table between registry and ledger, so
	// CreateAgent's INSERT above already set the starting balance. An
	// in-memory ledger keeps its own balance map and needs seeding
	// explicitly; seeder is an optional capability, not part of Store,
	// since only MemoryStore needs it.
	if seeder, ok := s.ledger.Store().(interface {
		SeedBalance(agentID string, amount int64)
	}); ok {
		seeder.SeedBalance(id, s.initialCredits)
	}

	if goodAt != "" && !acceptsSystemTasks && s.extractor != nil {
		if err := s.extractor.SpawnCapabilityExtraction(ctx, id, goodAt); err != nil {
			return nil, err
		}
	}

	return &RegisterResult{AgentID: id, APIKey: rawKey, Credits: s.initialCredits, ReferralCode: agent.ReferralCode}, nil
}

// Authenticate resolves a bearer token to its Agent by fingerprint and
// verifies the slow hash. Suspended agents fail with a distinct error
// carrying the reason.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*Agent, error) {
	fingerprint := credential.Fingerprint(rawKey)

	var agent *Agent
	if cached, ok := s.authCache.Get(fingerprint); ok {
		a := *cached.(*Agent)
		agent = &a
	} else {
		stored, err := s.store.GetAgentByFingerprint(ctx, fingerprint)
		if err != nil {
			return nil, pwerr.Unauthorized("invalid API key")
		}
		agent = stored
		s.authCache.SetDefault(fingerprint, agent)
	}

	if !credential.VerifyKey(rawKey, agent.KeyHash) {
		return nil, pwerr.Unauthorized("invalid API key")
	}
	if agent.Suspended {
		return nil, pwerr.Suspended(agent.SuspendReason)
	}
	return agent, nil
}

// Update applies a partial profile update. A change to good_at by a
// non-infra agent triggers capability extraction.
func (s *Service) Update(ctx context.Context, agentID string, goodAt *string, acceptsSystemTasks *bool, webhookURL, webhookSecret *string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, pwerr.NotFound("agent", agentID)
	}

	goodAtChanged := goodAt != nil && *goodAt != agent.GoodAt
	if goodAt != nil {
		agent.GoodAt = *goodAt
	}
	acceptsSystemTasksChanged := acceptsSystemTasks != nil && *acceptsSystemTasks != agent.AcceptsSystemTasks
	if acceptsSystemTasks != nil {
		agent.AcceptsSystemTasks = *acceptsSystemTasks
	}
	if webhookURL != nil {
		agent.WebhookURL = *webhookURL
	}
	if webhookSecret != nil {
		agent.WebhookSecret = *webhookSecret
	}

	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.authCache.Delete(agent.KeyFingerprint)
	if acceptsSystemTasksChanged {
		s.infraCache.Delete(infraAgentsCacheKey)
	}

	if goodAtChanged && !agent.AcceptsSystemTasks && s.extractor != nil {
		if err := s.extractor.SpawnCapabilityExtraction(ctx, agentID, agent.GoodAt); err != nil {
			return nil, err
		}
	}
	return agent, nil
}

// AbsorbCapabilityTags is called by C5 once a capability_extraction
// system task's result is absorbed, setting the derived tag list.
func (s *Service) AbsorbCapabilityTags(ctx context.Context, agentID string, tags []string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return pwerr.NotFound("agent", agentID)
	}
	agent.CapabilityTags = tags
	return s.store.UpdateAgent(ctx, agent)
}

// Suspend is an admin-only toggle of an agent's suspended flag.
func (s *Service) Suspend(ctx context.Context, agentID string, suspended bool, reason string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, pwerr.NotFound("agent", agentID)
	}
	agent.Suspended = suspended
	if suspended {
		agent.SuspendReason = reason
	} else {
		agent.SuspendReason = ""
	}
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.authCache.Delete(agent.KeyFingerprint)
	return agent, nil
}

// RecomputeReputation averages rating scores for agent and rounds to two
// decimals. No-op if there are no ratings, per spec.
func (s *Service) RecomputeReputation(ctx context.Context, agentID string) error {
	avg, n, err := s.store.AverageRating(ctx, agentID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return pwerr.NotFound("agent", agentID)
	}
	agent.Reputation = math.Round(avg*100) / 100
	return s.store.UpdateAgent(ctx, agent)
}

// RecordRating stores a (task_id, rater_id) rating and recomputes the
// rated agent's reputation. Called by internal/task once a task is approved.
func (s *Service) RecordRating(ctx context.Context, taskID, raterID, ratedID string, score int) error {
	if errs := validation.Validate(validation.ScoreInRange("score", score)); len(errs) > 0 {
		return pwerr.InvalidInput(errs[0].Field, errs[0].Message)
	}
	if err := s.store.RecordRating(ctx, &Rating{TaskID: taskID, RaterID: raterID, RatedID: ratedID, Score: score}); err != nil {
		return err
	}
	return s.RecomputeReputation(ctx, ratedID)
}

// RecordAbandon bumps an agent's abandon counter and timestamp, feeding
// the pickup scheduler's abandon-cooldown exclusion (C7).
func (s *Service) RecordAbandon(ctx context.Context, agentID, nowRFC3339 string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return pwerr.NotFound("agent", agentID)
	}
	agent.AbandonCount++
	ts := nowRFC3339
	agent.LastAbandonAt = &ts
	return s.store.UpdateAgent(ctx, agent)
}

// IncrementTaskCounts bumps tasks_posted or tasks_completed.
func (s *Service) IncrementTaskCounts(ctx context.Context, agentID string, postedDelta, completedDelta int64) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return pwerr.NotFound("agent", agentID)
	}
	agent.TasksPosted += postedDelta
	agent.TasksCompleted += completedDelta
	return s.store.UpdateAgent(ctx, agent)
}

// GetAgent returns an agent by ID, with Credits overlaid from the live
// ledger balance — authoritative regardless of whether registry and
// ledger share one backing table (Postgres) or keep separate stores
// (in-memory dev/test).
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, pwerr.NotFound("agent", agentID)
	}
	if bal, err := s.ledger.Balance(ctx, agentID); err == nil {
		agent.Credits = bal
	}
	return agent, nil
}

// SearchAgents filters and sorts agents for discovery (suspended agents
// are excluded by the store layer's query; the platform agent is not
// filtered out).
func (s *Service) SearchAgents(ctx context.Context, query AgentQuery) ([]*Agent, int, error) {
	return s.store.ListAgents(ctx, query)
}

// ListInfraAgents returns the candidate pool C5/C6 draw system-task
// workers from, and whose emptiness decides whether a task gets a
// system task spawned at all or broadcasts immediately.
func (s *Service) ListInfraAgents(ctx context.Context) ([]*Agent, error) {
	if cached, ok := s.infraCache.Get(infraAgentsCacheKey); ok {
		return cached.([]*Agent), nil
	}
	agents, err := s.store.ListInfraAgents(ctx)
	if err != nil {
		return nil, err
	}
	s.infraCache.SetDefault(infraAgentsCacheKey, agents)
	return agents, nil
}

// FileReport stores a complaint against a task. No adjudication happens
// here, per spec's explicit Non-goal.
func (s *Service) FileReport(ctx context.Context, taskID, reporterID, reason string) (*Report, error) {
	r := &Report{ID: credential.NewID("rp_"), TaskID: taskID, ReporterID: reporterID, Reason: reason}
	if err := s.store.FileReport(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListReports returns filed reports, optionally filtered by status.
func (s *Service) ListReports(ctx context.Context, status string) ([]*Report, error) {
	return s.store.ListReports(ctx, status)
}

// ClaimReferralBonus is the atomic once-only flag flip C10 uses before
// crediting the referrer. See internal/referral for the full payout flow.
func (s *Service) ClaimReferralBonus(ctx context.Context, agentID string) (bool, error) {
	won, err := s.store.ClaimReferralBonus(ctx, agentID)
	if err != nil {
		return false, err
	}
	if won {
		metrics.ReferralBonusesPaidTotal.Inc()
	}
	return won, nil
}

// CountReferralBonusesPaid returns how many agents referred by referrerCode
// have already received a bonus, for C10's per-referrer farming cap.
func (s *Service) CountReferralBonusesPaid(ctx context.Context, referrerCode string) (int64, error) {
	return s.store.CountReferralBonusesPaid(ctx, referrerCode)
}

// GetAgentByReferralCode resolves a referral code to its owning agent.
func (s *Service) GetAgentByReferralCode(ctx context.Context, code string) (*Agent, error) {
	return s.store.GetAgentByReferralCode(ctx, code)
}
