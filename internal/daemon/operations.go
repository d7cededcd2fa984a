package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/orchestrator"
)

// Staged is a previewed batch waiting for confirmation.
type Staged struct {
	Report orchestrator.Report `json:"report"`
	// Token confirms the batch. Empty when nothing in it can be applied.
	Token string `json:"token,omitempty"`
}

// Stage previews batch and, when any computer would change, keeps it under a
// one-shot token for the same actor.
func (s *Service) Stage(ctx context.Context, batch orchestrator.Batch) (Staged, error) {
	report, err := s.orch.Preview(ctx, batch)
	if err != nil {
		return Staged{}, err
	}
	staged := Staged{Report: report}
	if len(report.Immediate) == 0 && len(report.Deferred) == 0 {
		return staged, nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return Staged{}, fmt.Errorf("encode batch: %w", err)
	}
	if staged.Token, err = s.pending.Put(ctx, batch.Actor, payload, s.cfg.PendingTTL()); err != nil {
		return Staged{}, err
	}
	return staged, nil
}

// Confirm applies the batch held under token. The token is spent even when
// the batch is rejected.
func (s *Service) Confirm(ctx context.Context, actor, token string) (orchestrator.Report, error) {
	rec, err := s.pending.Take(ctx, actor, token)
	if err != nil {
		return orchestrator.Report{}, err
	}
	var batch orchestrator.Batch
	if err := json.Unmarshal(rec.Payload, &batch); err != nil {
		return orchestrator.Report{}, fmt.Errorf("decode pending batch: %w", err)
	}
	batch.Actor = rec.Actor
	return s.orch.Apply(ctx, batch)
}

// Apply runs batch without a preview step.
func (s *Service) Apply(ctx context.Context, batch orchestrator.Batch) (orchestrator.Report, error) {
	return s.orch.Apply(ctx, batch)
}

// Cancel withdraws a scheduled move of computerID to target.
func (s *Service) Cancel(ctx context.Context, actor string, computerID int, target models.ComputerState) (bool, error) {
	return s.orch.CancelScheduled(ctx, actor, computerID, target)
}

// DeleteComputer soft-deletes an idle computer.
func (s *Service) DeleteComputer(ctx context.Context, actor string, computerID int) error {
	return s.orch.DeleteComputer(ctx, actor, computerID)
}
