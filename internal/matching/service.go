package matching

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pinchwork/pinchwork/internal/clock"
	"github.com/pinchwork/pinchwork/internal/registry"
	"github.com/pinchwork/pinchwork/internal/task"
)

// Params carries the C5 knobs from config.
type Params struct {
	MatchTimeoutSeconds int64
	MatchCredits        int64
	CandidatePoolSize   int
}

// Service implements task.Matcher, task.MatchRanker, and
// registry.CapabilityExtractor — the three interfaces C5 is read through.
// It holds concrete references to task.Service and registry.Service (the
// reverse of the dependencies those packages declare), so wiring happens
// once in internal/engine: task.New / registry.New first, then matching.New,
// then SetMatcher / SetCapabilityExtractor / SetMatchRanker.
type Service struct {
	store    Store
	tasks    *task.Service
	registry *registry.Service
	clock    clock.Clock
	params   Params
}

func New(store Store, tasks *task.Service, reg *registry.Service, clk clock.Clock, params Params) *Service {
	if params.CandidatePoolSize <= 0 {
		params.CandidatePoolSize = 20
	}
	return &Service{store: store, tasks: tasks, registry: reg, clock: clk, params: params}
}

var (
	_ task.Matcher                 = (*Service)(nil)
	_ task.MatchRanker             = (*Service)(nil)
	_ registry.CapabilityExtractor = (*Service)(nil)
)

func (s *Service) now() time.Time { return s.clock.Now() }

// OnTaskCreated implements §4.5: spawn a match_agents system task against
// the current infra-agent pool, or broadcast immediately if there is none.
func (s *Service) OnTaskCreated(ctx context.Context, t *task.Task) error {
	infra, err := s.registry.ListInfraAgents(ctx)
	if err != nil {
		return err
	}
	if len(infra) == 0 {
		return s.tasks.SetMatchStatus(ctx, t.ID, task.MatchStatusBroadcast, nil)
	}

	candidates, err := s.candidatesFor(ctx, t)
	if err != nil {
		return err
	}
	need, err := json.Marshal(matchNeed{ParentNeed: t.Need, Candidates: candidates})
	if err != nil {
		return err
	}

	if _, err := s.tasks.CreateSystemTask(ctx, task.SystemTaskMatch, string(need), t.ID, s.params.MatchCredits); err != nil {
		return err
	}
	deadline := s.now().Add(time.Duration(s.params.MatchTimeoutSeconds) * time.Second)
	return s.tasks.SetMatchStatus(ctx, t.ID, task.MatchStatusPending, &deadline)
}

// candidatesFor picks the pool an infra agent ranks against: agents
// whose capability tags overlap the task's tags, falling back to the
// highest-reputation general pool when the task carries no tags.
func (s *Service) candidatesFor(ctx context.Context, t *task.Task) ([]candidateAgent, error) {
	agents, _, err := s.registry.SearchAgents(ctx, registry.AgentQuery{
		Tags:  t.Tags,
		Limit: s.params.CandidatePoolSize,
	})
	if err != nil {
		return nil, err
	}
	out := make([]candidateAgent, 0, len(agents))
	for _, a := range agents {
		out = append(out, candidateAgent{ID: a.ID, GoodAt: a.GoodAt})
	}
	return out, nil
}

// AbsorbMatchResult implements §4.5's absorber. Malformed JSON or an
// empty ranking falls back to a plain broadcast — the task is never
// left stuck in match_status=pending.
func (s *Service) AbsorbMatchResult(ctx context.Context, systemTask *task.Task) error {
	parentID := parentTaskID(systemTask)
	if parentID == "" {
		return nil
	}

	var result matchResult
	if err := json.Unmarshal([]byte(systemTask.Result), &result); err != nil || len(result.RankedAgents) == 0 {
		return s.tasks.SetMatchStatus(ctx, parentID, task.MatchStatusBroadcast, nil)
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		for i, agentID := range result.RankedAgents {
			if err := tx.CreateMatch(ctx, &TaskMatch{TaskID: parentID, AgentID: agentID, Rank: i}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.tasks.SetMatchStatus(ctx, parentID, task.MatchStatusMatched, nil)
}

// AbsorbCapabilityResult implements the capability_extraction absorption
// path: the derived tags land on the agent whose ID ParentTaskID holds
// (see DESIGN.md's note on this system task type having no parent task).
func (s *Service) AbsorbCapabilityResult(ctx context.Context, systemTask *task.Task) error {
	agentID := parentTaskID(systemTask)
	if agentID == "" {
		return nil
	}

	var result capabilityResult
	if err := json.Unmarshal([]byte(systemTask.Result), &result); err != nil {
		return nil // malformed extraction: leave the agent's existing tags untouched
	}
	return s.registry.AbsorbCapabilityTags(ctx, agentID, result.Tags)
}

// SpawnCapabilityExtraction implements registry.CapabilityExtractor,
// invoked by C3's Update when a non-infra agent's good_at changes.
func (s *Service) SpawnCapabilityExtraction(ctx context.Context, agentID, goodAt string) error {
	infra, err := s.registry.ListInfraAgents(ctx)
	if err != nil {
		return err
	}
	if len(infra) == 0 {
		return nil
	}

	need, err := json.Marshal(capabilityNeed{AgentGoodAt: goodAt})
	if err != nil {
		return err
	}
	_, err = s.tasks.CreateSystemTask(ctx, task.SystemTaskCapability, string(need), agentID, s.params.MatchCredits)
	return err
}

// RankedTaskIDsForAgent implements task.MatchRanker for C7's phase-2
// matched-queue walk.
func (s *Service) RankedTaskIDsForAgent(ctx context.Context, agentID string) ([]string, error) {
	matches, err := s.store.ListMatchesForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.TaskID
	}
	return ids, nil
}

func parentTaskID(systemTask *task.Task) string {
	if systemTask.ParentTaskID == nil {
		return ""
	}
	return *systemTask.ParentTaskID
}
