package expiration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	taskq "loyalty-controlplane/pkg/asynq"
	"loyalty-controlplane/services/ledger"
	"loyalty-controlplane/services/membership"
)

// Task runs the ledger's background batch work: expiration sweeps and
// balance recomputes. Every task is idempotent, so asynq's at-least-once
// delivery needs no dedup on top.
type Task struct {
	manager     *Manager
	projector   *ledger.Projector
	memberships *membership.Service
	client      *asynq.Client
}

type TaskParams struct {
	fx.In

	Manager     *Manager
	Projector   *ledger.Projector
	Memberships *membership.Service
	Client      *asynq.Client `optional:"true"`
}

func NewTask(p TaskParams) *Task {
	return &Task{
		manager:     p.Manager,
		projector:   p.Projector,
		memberships: p.Memberships,
		client:      p.Client,
	}
}

// Register mounts the task handlers on the worker mux.
func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskSweepMembership, t.HandleSweepMembership)
	mux.HandleFunc(TaskSweepTenant, t.HandleSweepTenant)
	mux.HandleFunc(TaskRecomputeTenant, t.HandleRecomputeTenant)
}

func (t *Task) HandleSweepMembership(ctx context.Context, task *asynq.Task) error {
	var payload SweepMembershipPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	log := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("tenant_id", payload.TenantID),
		zap.String("membership_id", payload.MembershipID),
		zap.String("trace_id", payload.TraceID),
	)

	expired, err := t.manager.SweepMembership(ctx, payload.TenantID, payload.MembershipID, payload.AsOf)
	if err != nil {
		log.Error("membership sweep failed", zap.Error(err))
		return err
	}

	if len(expired) > 0 {
		if _, err := t.projector.Recompute(ctx, payload.TenantID, payload.MembershipID); err != nil {
			log.Error("balance recompute after sweep failed", zap.Error(err))
			return err
		}
	}

	log.Info("membership sweep done", zap.Int("expired", len(expired)))
	return nil
}

func (t *Task) HandleSweepTenant(ctx context.Context, task *asynq.Task) error {
	var payload SweepTenantPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	log := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("tenant_id", payload.TenantID),
		zap.String("trace_id", payload.TraceID),
	)

	expired, err := t.manager.SweepTenant(ctx, payload.TenantID, payload.AsOf)
	if err != nil {
		log.Error("tenant sweep failed", zap.Error(err))
		return err
	}

	log.Info("tenant sweep done", zap.Int("expired", len(expired)))
	return nil
}

func (t *Task) HandleRecomputeTenant(ctx context.Context, task *asynq.Task) error {
	var payload RecomputeTenantPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	members, err := t.memberships.ListByTenant(ctx, payload.TenantID, 0)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}

	failed := t.projector.RecomputeBatch(ctx, payload.TenantID, ids)
	if len(failed) > 0 {
		return fmt.Errorf("recompute failed for %d of %d memberships", len(failed), len(ids))
	}
	return nil
}

// EnqueueSweepTenant schedules a tenant-wide sweep on the loyalty queue.
func (t *Task) EnqueueSweepTenant(ctx context.Context, payload SweepTenantPayload) error {
	if t.client == nil {
		return fmt.Errorf("asynq client not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.client.EnqueueContext(ctx, asynq.NewTask(TaskSweepTenant, body), asynq.Queue(taskq.QueueLoyalty))
	return err
}
