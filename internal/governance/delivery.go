package governance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/logging"
)

const EventFindings = "governance.findings"

// Notifier is the webhook side of delivery.
type Notifier interface {
	Enabled() bool
	Dispatch(ctx context.Context, eventType, message string, details map[string]any) bool
}

// Delivery records one audit entry per delivered batch and forwards the batch
// as a single webhook payload. Nothing is retried; the next scheduled run
// re-derives current state.
type Delivery struct {
	Audit   audit.Recorder
	Webhook Notifier
	Logger  *zap.Logger
}

func (d Delivery) Deliver(ctx context.Context, taskKey string, findings []domain.Finding, summary string) error {
	findings = dedupe(findings)
	if len(findings) == 0 {
		return nil
	}
	if summary == "" {
		summary = fmt.Sprintf("%s produced %d findings", taskKey, len(findings))
	}
	if err := d.record(ctx, "governance.findings_delivered", summary, map[string]any{
		"task_key": taskKey,
		"count":    len(findings),
		"summary":  summary,
	}); err != nil {
		return err
	}
	if d.Webhook == nil || !d.Webhook.Enabled() {
		return nil
	}
	ok := d.Webhook.Dispatch(ctx, EventFindings, summary, map[string]any{
		"task_key": taskKey,
		"findings": findings,
		"summary":  summary,
	})
	if ok {
		return nil
	}
	if err := d.record(ctx, "governance.delivery_failed", fmt.Sprintf("webhook delivery for %s failed", taskKey), map[string]any{
		"task_key": taskKey,
		"count":    len(findings),
	}); err != nil {
		logging.OrNop(d.Logger).Error("audit write failed", zap.String("task", taskKey), zap.Error(err))
	}
	return fmt.Errorf("%s: %w", taskKey, domain.ErrDeliveryFailure)
}

func (d Delivery) record(ctx context.Context, eventType, message string, payload map[string]any) error {
	if d.Audit == nil {
		return nil
	}
	_, err := d.Audit.Append(ctx, domain.AuditRecord{
		EventType: eventType,
		Source:    domain.SourceGovernance,
		Message:   message,
		Context:   payload,
	})
	return err
}

// dedupe drops findings whose task and canonical payload repeat an earlier one.
func dedupe(findings []domain.Finding) []domain.Finding {
	seen := make(map[string]bool, len(findings))
	out := make([]domain.Finding, 0, len(findings))
	for _, f := range findings {
		key := f.TaskName + "\x00" + canonical(f.Payload)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

func canonical(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	c, err := jcs.Transform(raw)
	if err != nil {
		return string(raw)
	}
	return string(c)
}
