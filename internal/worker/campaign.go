package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"outreach-engine/internal/ledger"
	"outreach-engine/internal/messaging"
	"outreach-engine/internal/models"
	"outreach-engine/internal/store"
	"outreach-engine/internal/telemetry"
)

// CampaignStore is the slice of the store the campaign handlers consume.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	SetCampaignStatus(ctx context.Context, id, status string, pausedReason *string) error
	MarkCampaignRunning(ctx context.Context, id string, totalRecipients int) error
	ResolveSegment(ctx context.Context, tenant string, criteria map[string]any) ([]string, error)
	SeedProgress(ctx context.Context, campaignID string, recipientIDs []string, now time.Time) error
	DueRecipients(ctx context.Context, campaignID string, now time.Time, limit int) ([]models.RecipientProgress, error)
	AdvanceRecipient(ctx context.Context, campaignID, recipientID string, stepIndex int, nextActionAt time.Time, status string) error
	RecordSendAndAdvance(ctx context.Context, rec models.SendRecord, nextStep int, nextActionAt time.Time, recipientStatus string) error
	LastSend(ctx context.Context, campaignID, recipientID string) (models.SendRecord, bool, error)
	ActiveCounts(ctx context.Context, campaignID string, now time.Time) (active int64, due int64, err error)
	GetRecipient(ctx context.Context, tenant, id string) (models.Recipient, error)
	DueCampaigns(ctx context.Context, now time.Time) ([]store.DueCampaignRef, error)
}

// JobEnqueuer enqueues follow-up jobs.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, tenant, jobType string, payload map[string]any) (models.Job, error)
}

// CreditChecker is the slice of the ledger the scheduler consumes.
type CreditChecker interface {
	CheckAndDecrement(ctx context.Context, tenant string, class models.ResourceClass, amount int64, ref ledger.UsageRef) (ledger.Decision, error)
}

// CampaignWorker advances drip campaigns through their step sequences. All
// per-recipient state lives in campaign_recipient_progress rows; the worker
// holds nothing in memory that a crash would lose.
type CampaignWorker struct {
	store     CampaignStore
	jobs      JobEnqueuer
	credits   CreditChecker
	senders   *messaging.Registry
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

// NewCampaignWorker wires the scheduler.
func NewCampaignWorker(store CampaignStore, jobs JobEnqueuer, credits CreditChecker, senders *messaging.Registry, batchSize int, log *slog.Logger) *CampaignWorker {
	return &CampaignWorker{
		store:     store,
		jobs:      jobs,
		credits:   credits,
		senders:   senders,
		batchSize: batchSize,
		log:       log,
		now:       time.Now,
	}
}

// Register binds the campaign job types on a processor.
func (w *CampaignWorker) Register(p *Processor) {
	p.RegisterHandler(models.JobCampaignStart, w.HandleStart)
	p.RegisterHandler(models.JobCampaignBatch, w.HandleBatch)
	p.RegisterHandler(models.JobCampaignResume, w.HandleResume)
}

// HandleStart seeds per-recipient progress and kicks off the first batch.
// Re-running start resets progress rows via upsert instead of duplicating
// them, so a retried start job cannot double-send.
func (w *CampaignWorker) HandleStart(ctx context.Context, job models.Job) error {
	campaignID, err := payloadString(job.Payload, "campaign_id")
	if err != nil {
		return err
	}
	c, err := w.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if len(c.Steps) == 0 {
		reason := "campaign has no steps"
		_ = w.store.SetCampaignStatus(ctx, campaignID, models.CampaignFailed, &reason)
		return fmt.Errorf("campaign %s has no steps", campaignID)
	}

	recipients, err := w.store.ResolveSegment(ctx, c.Tenant, c.SegmentCriteria)
	if err != nil {
		return fmt.Errorf("resolve segment: %w", err)
	}
	if err := w.store.SeedProgress(ctx, campaignID, recipients, w.now()); err != nil {
		return err
	}
	if err := w.store.MarkCampaignRunning(ctx, campaignID, len(recipients)); err != nil {
		return err
	}

	w.log.Info("campaign started", "campaign", campaignID, "tenant", c.Tenant, "recipients", len(recipients))
	_, err = w.jobs.EnqueueJob(ctx, c.Tenant, models.JobCampaignBatch, map[string]any{
		"campaign_id": campaignID,
		"clinic_id":   c.Tenant,
		"batch_index": 0,
	})
	return err
}

// HandleBatch processes up to batchSize due recipients sequentially. A credit
// denial pauses the whole campaign and abandons the rest of the batch:
// recipients already processed keep their advanced state, the rest stay
// untouched for the resume.
func (w *CampaignWorker) HandleBatch(ctx context.Context, job models.Job) error {
	campaignID, err := payloadString(job.Payload, "campaign_id")
	if err != nil {
		return err
	}
	c, err := w.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignRunning {
		w.log.Info("skipping batch, campaign not running", "campaign", campaignID, "status", c.Status)
		return nil
	}

	now := w.now()
	due, err := w.store.DueRecipients(ctx, campaignID, now, w.batchSize)
	if err != nil {
		return err
	}

	for _, prog := range due {
		paused, err := w.processRecipient(ctx, c, prog)
		if err != nil {
			return err
		}
		if paused {
			return nil
		}
	}

	return w.finishBatch(ctx, c, job)
}

// processRecipient advances one recipient by one step. The returned bool
// reports a deliberate campaign pause.
func (w *CampaignWorker) processRecipient(ctx context.Context, c models.Campaign, prog models.RecipientProgress) (paused bool, err error) {
	now := w.now()
	if prog.StepIndex >= len(c.Steps) {
		// current_step_index never exceeds len(steps); a row at the end just
		// finishes without firing anything.
		return false, w.store.AdvanceRecipient(ctx, c.ID, prog.RecipientID, prog.StepIndex, now, models.RecipientCompleted)
	}
	step := c.Steps[prog.StepIndex]

	if step.FallbackCondition != "" {
		last, found, err := w.store.LastSend(ctx, c.ID, prog.RecipientID)
		if err != nil {
			return false, err
		}
		if found && engaged(last, step.FallbackCondition) {
			// Recipient already responded to the prior touch; skip this step
			// entirely. No credit, no send record.
			next, nextAt, status := w.nextCursor(c, prog.StepIndex, now)
			return false, w.store.AdvanceRecipient(ctx, c.ID, prog.RecipientID, next, nextAt, status)
		}
	}

	recipient, err := w.store.GetRecipient(ctx, c.Tenant, prog.RecipientID)
	if err != nil {
		return false, err
	}
	contact, ok := recipient.ContactFor(step.Channel)
	if !ok {
		next, nextAt, _ := w.nextCursor(c, prog.StepIndex, now)
		return false, w.store.AdvanceRecipient(ctx, c.ID, prog.RecipientID, next, nextAt, models.RecipientSkipped)
	}

	class, ok := models.CreditClassForChannel(step.Channel)
	if !ok {
		return false, fmt.Errorf("campaign %s step %d has unknown channel %q", c.ID, prog.StepIndex, step.Channel)
	}
	decision, err := w.credits.CheckAndDecrement(ctx, c.Tenant, class, 1, ledger.UsageRef{
		Actor:     "campaign_scheduler",
		RelatedID: c.ID,
		Metadata: map[string]any{
			"campaign":  c.ID,
			"recipient": prog.RecipientID,
			"step":      prog.StepIndex,
			"channel":   step.Channel,
		},
	})
	if err != nil {
		return false, err
	}
	if !decision.Allowed {
		reason := fmt.Sprintf("insufficient %s credits", class)
		w.log.Warn("pausing campaign on credit exhaustion", "campaign", c.ID, "tenant", c.Tenant, "class", class)
		telemetry.CampaignPauses.Inc()
		return true, w.store.SetCampaignStatus(ctx, c.ID, models.CampaignPaused, &reason)
	}

	sender, err := w.senders.For(step.Channel)
	if err != nil {
		return false, err
	}
	rec := models.SendRecord{
		Tenant:      c.Tenant,
		CampaignID:  c.ID,
		RecipientID: prog.RecipientID,
		StepIndex:   prog.StepIndex,
		Channel:     step.Channel,
		Status:      "sent",
	}
	sendErr := sender.Send(ctx, messaging.Message{
		Tenant:    c.Tenant,
		Recipient: contact,
		Subject:   c.Name,
		Body:      step.MessageTemplate,
	})
	if sendErr != nil {
		w.log.Warn("send failed", "campaign", c.ID, "recipient", prog.RecipientID, "channel", step.Channel, "error", sendErr)
		rec.Status = "failed"
	} else {
		telemetry.MessagesSent.Inc()
	}

	next, nextAt, status := w.nextCursor(c, prog.StepIndex, now)
	return false, w.store.RecordSendAndAdvance(ctx, rec, next, nextAt, status)
}

// finishBatch re-enqueues when more recipients are due and completes the
// campaign once no active recipients remain.
func (w *CampaignWorker) finishBatch(ctx context.Context, c models.Campaign, job models.Job) error {
	active, due, err := w.store.ActiveCounts(ctx, c.ID, w.now())
	if err != nil {
		return err
	}
	if active == 0 {
		w.log.Info("campaign completed", "campaign", c.ID, "tenant", c.Tenant)
		return w.store.SetCampaignStatus(ctx, c.ID, models.CampaignCompleted, nil)
	}
	if due > 0 {
		batchIndex, _ := job.Payload["batch_index"].(float64)
		_, err := w.jobs.EnqueueJob(ctx, c.Tenant, models.JobCampaignBatch, map[string]any{
			"campaign_id": c.ID,
			"clinic_id":   c.Tenant,
			"batch_index": int(batchIndex) + 1,
		})
		return err
	}
	// Remaining recipients are waiting out their step delays; the due-sweep
	// enqueues the next batch when the first of them comes due.
	return nil
}

// HandleResume re-enqueues a batch for a paused campaign, typically after a
// credit top-up. The batch logic itself is unchanged.
func (w *CampaignWorker) HandleResume(ctx context.Context, job models.Job) error {
	campaignID, err := payloadString(job.Payload, "campaign_id")
	if err != nil {
		return err
	}
	c, err := w.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignPaused {
		w.log.Info("resume requested for non-paused campaign", "campaign", campaignID, "status", c.Status)
		return nil
	}
	if err := w.store.SetCampaignStatus(ctx, campaignID, models.CampaignRunning, nil); err != nil {
		return err
	}
	_, err = w.jobs.EnqueueJob(ctx, c.Tenant, models.JobCampaignBatch, map[string]any{
		"campaign_id": campaignID,
		"clinic_id":   c.Tenant,
	})
	return err
}

// SweepDue enqueues batch jobs for running campaigns whose delayed steps
// have come due while no batch chain was active. Installed as the processor
// tick.
func (w *CampaignWorker) SweepDue(ctx context.Context) {
	refs, err := w.store.DueCampaigns(ctx, w.now())
	if err != nil {
		w.log.Error("due-campaign sweep failed", "error", err)
		return
	}
	for _, ref := range refs {
		if _, err := w.jobs.EnqueueJob(ctx, ref.Tenant, models.JobCampaignBatch, map[string]any{
			"campaign_id": ref.ID,
			"clinic_id":   ref.Tenant,
		}); err != nil {
			w.log.Error("enqueue swept batch failed", "campaign", ref.ID, "error", err)
		}
	}
}

// nextCursor computes the post-step cursor: the following step's index and
// its delay-adjusted due time, or completion when the sequence is exhausted.
func (w *CampaignWorker) nextCursor(c models.Campaign, stepIndex int, now time.Time) (next int, nextAt time.Time, status string) {
	next = stepIndex + 1
	if next >= len(c.Steps) {
		return next, now, models.RecipientCompleted
	}
	return next, now.Add(c.Steps[next].Delay()), models.RecipientActive
}

// engaged reports whether the prior send satisfies the condition that makes
// the current step redundant.
func engaged(last models.SendRecord, condition string) bool {
	switch condition {
	case models.FallbackNoOpen:
		return last.OpenedAt != nil || last.RepliedAt != nil
	case models.FallbackNoReply:
		return last.RepliedAt != nil
	default:
		return false
	}
}

func payloadString(payload map[string]any, key string) (string, error) {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("payload missing %q", key)
	}
	return v, nil
}
