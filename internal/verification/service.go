package verification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pinchwork/pinchwork/internal/clock"
	"github.com/pinchwork/pinchwork/internal/registry"
	"github.com/pinchwork/pinchwork/internal/task"
)

// Params carries the C6 knobs from config.
type Params struct {
	VerificationTimeoutSeconds int64
	VerifyCredits              int64
}

// Service implements task.Verifier, the only interface C6 is read
// through. It holds a concrete *task.Service the way internal/matching
// does, so wiring happens once in internal/engine after task.New.
type Service struct {
	tasks    *task.Service
	registry *registry.Service
	clock    clock.Clock
	params   Params
}

func New(tasks *task.Service, reg *registry.Service, clk clock.Clock, params Params) *Service {
	return &Service{tasks: tasks, registry: reg, clock: clk, params: params}
}

var _ task.Verifier = (*Service)(nil)

func (s *Service) now() time.Time { return s.clock.Now() }

// OnTaskDelivered implements §4.6: spawn a verify_completion system task
// mirroring matching's shape when at least one infra agent exists;
// otherwise the parent simply stays delivered under the review timeout.
func (s *Service) OnTaskDelivered(ctx context.Context, t *task.Task) error {
	infra, err := s.registry.ListInfraAgents(ctx)
	if err != nil {
		return err
	}
	if len(infra) == 0 {
		return nil
	}

	need, err := json.Marshal(verifyNeed{ParentNeed: t.Need, DeliveredResult: t.Result})
	if err != nil {
		return err
	}
	if _, err := s.tasks.CreateSystemTask(ctx, task.SystemTaskVerify, string(need), t.ID, s.params.VerifyCredits); err != nil {
		return err
	}
	deadline := s.now().Add(time.Duration(s.params.VerificationTimeoutSeconds) * time.Second)
	return s.tasks.SetVerificationStatus(ctx, t.ID, task.VerificationStatusPending, &deadline)
}

// AbsorbVerification implements §4.6's absorber: a pass auto-approves the
// parent (bypassing poster authorization, since this is an internal
// transition); a fail just records the verdict and leaves the parent
// delivered for the poster to decide. Malformed JSON counts as a failed
// verdict with a synthetic explanation — it never leaves verification
// stuck pending.
func (s *Service) AbsorbVerification(ctx context.Context, systemTask *task.Task) error {
	parentID := parentTaskID(systemTask)
	if parentID == "" {
		return nil
	}

	var verdict verifyResult
	raw := systemTask.Result
	if err := json.Unmarshal([]byte(systemTask.Result), &verdict); err != nil {
		verdict = verifyResult{MeetsRequirements: false, Explanation: "malformed verification result"}
		blob, _ := json.Marshal(verdict)
		raw = string(blob)
	}

	if err := s.tasks.SetVerificationResult(ctx, parentID, raw); err != nil {
		return err
	}

	if !verdict.MeetsRequirements {
		return s.tasks.SetVerificationStatus(ctx, parentID, task.VerificationStatusFailed, nil)
	}
	if err := s.tasks.SetVerificationStatus(ctx, parentID, task.VerificationStatusPassed, nil); err != nil {
		return err
	}

	parent, err := s.tasks.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status != task.StatusDelivered {
		return nil
	}
	_, err = s.tasks.AutoApproveInternal(ctx, parentID)
	return err
}

func parentTaskID(systemTask *task.Task) string {
	if systemTask.ParentTaskID == nil {
		return ""
	}
	return *systemTask.ParentTaskID
}
