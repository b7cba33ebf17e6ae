package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/escalation"
)

// Delivered implements dispatch.Reporter. Instances of rules that need no
// acknowledgement close once their step is delivered.
func (o *Orchestrator) Delivered(ctx context.Context, instanceID string, step int) {
	if _, err := o.machine.Complete(ctx, instanceID, step); err != nil {
		o.logger.Error("Failed to complete delivered instance",
			zap.String("instance", instanceID),
			zap.Int("step", step),
			zap.Error(err))
	}
}

// Undeliverable implements dispatch.Reporter. A step that cannot reach its
// recipients escalates immediately instead of waiting out its window.
func (o *Orchestrator) Undeliverable(ctx context.Context, instanceID string, step int, reason string) {
	o.logger.Warn("Step undeliverable, forcing escalation",
		zap.String("instance", instanceID),
		zap.Int("step", step),
		zap.String("reason", reason))

	if _, err := o.machine.Escalate(ctx, instanceID, step, "delivery failed: "+reason); err != nil {
		o.logger.Error("Failed to escalate undeliverable instance",
			zap.String("instance", instanceID),
			zap.Int("step", step),
			zap.Error(err))
	}
}

// Active implements dispatch.Reporter. A lookup failure other than a missing
// instance keeps the job alive: a duplicate message beats a lost one.
func (o *Orchestrator) Active(ctx context.Context, instanceID string, step int) bool {
	active, err := o.machine.Active(ctx, instanceID, step)
	if err == nil {
		return active
	}
	if errors.Is(err, escalation.ErrNotFound) {
		return false
	}
	o.logger.Error("Failed to check instance before send",
		zap.String("instance", instanceID),
		zap.Int("step", step),
		zap.Error(err))
	return true
}
