package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/ledger"
	"outreach-engine/internal/messaging"
	"outreach-engine/internal/models"
	"outreach-engine/internal/store"
)

type fakeCampaignStore struct {
	campaigns  map[string]*models.Campaign
	recipients map[string]models.Recipient
	progress   map[string]*models.RecipientProgress
	order      []string
	sends      []models.SendRecord
	lastSends  map[string]models.SendRecord
	dueRefs    []store.DueCampaignRef
	segment    []string
	seedCalls  int
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{
		campaigns:  make(map[string]*models.Campaign),
		recipients: make(map[string]models.Recipient),
		progress:   make(map[string]*models.RecipientProgress),
		lastSends:  make(map[string]models.SendRecord),
	}
}

func (s *fakeCampaignStore) GetCampaign(_ context.Context, id string) (models.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return models.Campaign{}, store.ErrCampaignNotFound
	}
	return *c, nil
}

func (s *fakeCampaignStore) SetCampaignStatus(_ context.Context, id, status string, pausedReason *string) error {
	c := s.campaigns[id]
	c.Status = status
	c.PausedReason = pausedReason
	return nil
}

func (s *fakeCampaignStore) MarkCampaignRunning(_ context.Context, id string, totalRecipients int) error {
	c := s.campaigns[id]
	c.Status = models.CampaignRunning
	c.TotalRecipients = totalRecipients
	return nil
}

func (s *fakeCampaignStore) ResolveSegment(_ context.Context, _ string, _ map[string]any) ([]string, error) {
	return s.segment, nil
}

func (s *fakeCampaignStore) SeedProgress(_ context.Context, campaignID string, recipientIDs []string, now time.Time) error {
	s.seedCalls++
	for _, id := range recipientIDs {
		if _, exists := s.progress[id]; !exists {
			s.order = append(s.order, id)
		}
		s.progress[id] = &models.RecipientProgress{
			CampaignID:   campaignID,
			RecipientID:  id,
			StepIndex:    0,
			NextActionAt: now,
			Status:       models.RecipientActive,
		}
	}
	return nil
}

func (s *fakeCampaignStore) DueRecipients(_ context.Context, campaignID string, now time.Time, limit int) ([]models.RecipientProgress, error) {
	var due []models.RecipientProgress
	for _, id := range s.order {
		p := s.progress[id]
		if p.CampaignID == campaignID && p.Status == models.RecipientActive && !p.NextActionAt.After(now) {
			due = append(due, *p)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *fakeCampaignStore) AdvanceRecipient(_ context.Context, _ string, recipientID string, stepIndex int, nextActionAt time.Time, status string) error {
	p := s.progress[recipientID]
	p.StepIndex = stepIndex
	p.NextActionAt = nextActionAt
	p.Status = status
	return nil
}

func (s *fakeCampaignStore) RecordSendAndAdvance(_ context.Context, rec models.SendRecord, nextStep int, nextActionAt time.Time, recipientStatus string) error {
	s.sends = append(s.sends, rec)
	s.lastSends[rec.CampaignID+"/"+rec.RecipientID] = rec
	c := s.campaigns[rec.CampaignID]
	if rec.Status == "sent" {
		c.SentCount++
	} else {
		c.FailedCount++
	}
	p := s.progress[rec.RecipientID]
	p.StepIndex = nextStep
	p.NextActionAt = nextActionAt
	p.Status = recipientStatus
	return nil
}

func (s *fakeCampaignStore) LastSend(_ context.Context, campaignID, recipientID string) (models.SendRecord, bool, error) {
	rec, ok := s.lastSends[campaignID+"/"+recipientID]
	return rec, ok, nil
}

func (s *fakeCampaignStore) ActiveCounts(_ context.Context, campaignID string, now time.Time) (int64, int64, error) {
	var active, due int64
	for _, p := range s.progress {
		if p.CampaignID != campaignID || p.Status != models.RecipientActive {
			continue
		}
		active++
		if !p.NextActionAt.After(now) {
			due++
		}
	}
	return active, due, nil
}

func (s *fakeCampaignStore) GetRecipient(_ context.Context, tenant, id string) (models.Recipient, error) {
	r, ok := s.recipients[id]
	if !ok || r.Tenant != tenant {
		return models.Recipient{}, store.ErrRecipientNotFound
	}
	return r, nil
}

func (s *fakeCampaignStore) DueCampaigns(_ context.Context, _ time.Time) ([]store.DueCampaignRef, error) {
	return s.dueRefs, nil
}

type fakeEnqueuer struct {
	jobs []models.Job
}

func (f *fakeEnqueuer) EnqueueJob(_ context.Context, tenant, jobType string, payload map[string]any) (models.Job, error) {
	job := models.Job{ID: fmt.Sprintf("job-%d", len(f.jobs)+1), Tenant: tenant, Type: jobType, Payload: payload, Status: models.JobPending}
	f.jobs = append(f.jobs, job)
	return job, nil
}

type fakeCredits struct {
	balances map[models.ResourceClass]int64
	spent    int
}

func (f *fakeCredits) CheckAndDecrement(_ context.Context, _ string, class models.ResourceClass, amount int64, _ ledger.UsageRef) (ledger.Decision, error) {
	if f.balances[class] < amount {
		return ledger.Decision{Allowed: false, Remaining: f.balances[class]}, nil
	}
	f.balances[class] -= amount
	f.spent++
	return ledger.Decision{Allowed: true, Remaining: f.balances[class]}, nil
}

type failingSender struct {
	channel string
}

func (s *failingSender) Channel() string { return s.channel }
func (s *failingSender) Send(context.Context, messaging.Message) error {
	return errors.New("smtp connection refused")
}

func strPtr(s string) *string { return &s }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func logSenders() *messaging.Registry {
	reg := messaging.NewRegistry()
	reg.Register(messaging.NewLogSender(models.ChannelEmail, discardLogger()))
	reg.Register(messaging.NewLogSender(models.ChannelSMS, discardLogger()))
	return reg
}

func newTestWorker(s *fakeCampaignStore, jobs *fakeEnqueuer, credits *fakeCredits, batchSize int, now time.Time) *CampaignWorker {
	w := NewCampaignWorker(s, jobs, credits, logSenders(), batchSize, discardLogger())
	w.now = func() time.Time { return now }
	return w
}

func seedReactivation(s *fakeCampaignStore, recipients int) *models.Campaign {
	c := &models.Campaign{
		ID:     "camp-1",
		Tenant: "clinic-1",
		Name:   "We miss you",
		Status: models.CampaignDraft,
		Steps: []models.CampaignStep{
			{Channel: models.ChannelEmail, DelaySeconds: 0, MessageTemplate: "hello {{name}}"},
			{Channel: models.ChannelSMS, DelaySeconds: 3 * 24 * 3600, FallbackCondition: models.FallbackNoOpen, MessageTemplate: "still there?"},
		},
	}
	s.campaigns[c.ID] = c
	for i := 0; i < recipients; i++ {
		id := fmt.Sprintf("rec-%03d", i)
		s.recipients[id] = models.Recipient{
			ID: id, Tenant: "clinic-1",
			Email: strPtr(id + "@example.com"),
			Phone: strPtr("+1555000" + fmt.Sprintf("%04d", i)),
		}
		s.segment = append(s.segment, id)
	}
	return c
}

func TestStartSeedsProgressAndEnqueuesFirstBatch(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedReactivation(s, 4)
	w := newTestWorker(s, jobs, &fakeCredits{balances: map[models.ResourceClass]int64{}}, 50, now)

	err := w.HandleStart(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.NoError(t, err)

	assert.Equal(t, models.CampaignRunning, s.campaigns["camp-1"].Status)
	assert.Equal(t, 4, s.campaigns["camp-1"].TotalRecipients)
	assert.Len(t, s.progress, 4)
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, models.JobCampaignBatch, jobs.jobs[0].Type)
	assert.Equal(t, "camp-1", jobs.jobs[0].Payload["campaign_id"])
}

func TestStartIsIdempotent(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedReactivation(s, 3)
	w := newTestWorker(s, jobs, &fakeCredits{balances: map[models.ResourceClass]int64{}}, 50, now)

	job := models.Job{Payload: map[string]any{"campaign_id": "camp-1"}}
	require.NoError(t, w.HandleStart(context.Background(), job))
	require.NoError(t, w.HandleStart(context.Background(), job))

	assert.Len(t, s.progress, 3, "retried start must not duplicate progress rows")
	assert.Equal(t, 2, s.seedCalls)
	for _, p := range s.progress {
		assert.Equal(t, 0, p.StepIndex)
	}
}

func TestBatchPausesOnCreditExhaustion(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 120)
	c.Status = models.CampaignRunning
	require.NoError(t, s.SeedProgress(context.Background(), c.ID, s.segment, now))

	credits := &fakeCredits{balances: map[models.ResourceClass]int64{models.ClassEmail: 100}}
	w := newTestWorker(s, jobs, credits, 200, now)

	err := w.HandleBatch(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1", "batch_index": float64(0)}})
	require.NoError(t, err, "credit exhaustion pauses, it does not fail the job")

	assert.Equal(t, models.CampaignPaused, c.Status)
	require.NotNil(t, c.PausedReason)
	assert.Equal(t, "insufficient reactivation_emails credits", *c.PausedReason)

	assert.Len(t, s.sends, 100)
	advanced, untouched := 0, 0
	for _, p := range s.progress {
		switch p.StepIndex {
		case 1:
			advanced++
			assert.Equal(t, now.Add(3*24*time.Hour), p.NextActionAt)
		case 0:
			untouched++
			assert.Equal(t, now, p.NextActionAt)
		}
	}
	assert.Equal(t, 100, advanced, "exactly the affordable sends advance")
	assert.Equal(t, 20, untouched, "the rest stay at step 0 for the resume")
	assert.Empty(t, jobs.jobs, "an abandoned batch must not chain a follow-up")
}

func TestBatchSkipsStepWhenRecipientEngaged(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 1)
	c.Status = models.CampaignRunning

	opened := now.Add(-24 * time.Hour)
	s.order = []string{"rec-000"}
	s.progress["rec-000"] = &models.RecipientProgress{
		CampaignID: c.ID, RecipientID: "rec-000", StepIndex: 1, NextActionAt: now, Status: models.RecipientActive,
	}
	s.lastSends[c.ID+"/rec-000"] = models.SendRecord{
		CampaignID: c.ID, RecipientID: "rec-000", StepIndex: 0,
		Channel: models.ChannelEmail, Status: "sent", OpenedAt: &opened,
	}

	credits := &fakeCredits{balances: map[models.ResourceClass]int64{models.ClassSMS: 100}}
	w := newTestWorker(s, jobs, credits, 50, now)

	err := w.HandleBatch(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.NoError(t, err)

	assert.Zero(t, credits.spent, "an engaged recipient's fallback step costs nothing")
	assert.Len(t, s.sends, 0)
	p := s.progress["rec-000"]
	assert.Equal(t, 2, p.StepIndex)
	assert.Equal(t, models.RecipientCompleted, p.Status)
}

func TestBatchSkipsRecipientWithoutContact(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 1)
	c.Status = models.CampaignRunning
	s.recipients["rec-000"] = models.Recipient{ID: "rec-000", Tenant: "clinic-1"} // no email, no phone
	require.NoError(t, s.SeedProgress(context.Background(), c.ID, s.segment, now))

	credits := &fakeCredits{balances: map[models.ResourceClass]int64{models.ClassEmail: 100}}
	w := newTestWorker(s, jobs, credits, 50, now)

	err := w.HandleBatch(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.NoError(t, err)

	assert.Zero(t, credits.spent)
	assert.Empty(t, s.sends)
	assert.Equal(t, models.RecipientSkipped, s.progress["rec-000"].Status)
}

func TestBatchRecordsFailedSendAndAdvances(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 1)
	c.Status = models.CampaignRunning
	require.NoError(t, s.SeedProgress(context.Background(), c.ID, s.segment, now))

	reg := messaging.NewRegistry()
	reg.Register(&failingSender{channel: models.ChannelEmail})
	reg.Register(messaging.NewLogSender(models.ChannelSMS, discardLogger()))
	credits := &fakeCredits{balances: map[models.ResourceClass]int64{models.ClassEmail: 100}}
	w := NewCampaignWorker(s, jobs, credits, reg, 50, discardLogger())
	w.now = func() time.Time { return now }

	err := w.HandleBatch(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.NoError(t, err)

	require.Len(t, s.sends, 1)
	assert.Equal(t, "failed", s.sends[0].Status)
	assert.Equal(t, 1, c.FailedCount)
	assert.Equal(t, 0, c.SentCount)
	assert.Equal(t, 1, s.progress["rec-000"].StepIndex, "a failed delivery still advances the cursor")
}

func TestBatchNoOpWhenCampaignPaused(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 2)
	c.Status = models.CampaignPaused
	require.NoError(t, s.SeedProgress(context.Background(), c.ID, s.segment, now))

	credits := &fakeCredits{balances: map[models.ResourceClass]int64{models.ClassEmail: 100}}
	w := newTestWorker(s, jobs, credits, 50, now)

	err := w.HandleBatch(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.NoError(t, err)
	assert.Empty(t, s.sends)
	assert.Zero(t, credits.spent)
}

func TestCampaignCompletesWhenAllRecipientsFinish(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &models.Campaign{
		ID: "camp-1", Tenant: "clinic-1", Name: "One shot", Status: models.CampaignRunning,
		Steps: []models.CampaignStep{{Channel: models.ChannelEmail, MessageTemplate: "bye"}},
	}
	s.campaigns[c.ID] = c
	s.recipients["rec-000"] = models.Recipient{ID: "rec-000", Tenant: "clinic-1", Email: strPtr("a@example.com")}
	s.recipients["rec-001"] = models.Recipient{ID: "rec-001", Tenant: "clinic-1", Email: strPtr("b@example.com")}
	require.NoError(t, s.SeedProgress(context.Background(), c.ID, []string{"rec-000", "rec-001"}, now))

	credits := &fakeCredits{balances: map[models.ResourceClass]int64{models.ClassEmail: 10}}
	w := newTestWorker(s, jobs, credits, 50, now)

	err := w.HandleBatch(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.NoError(t, err)

	assert.Equal(t, models.CampaignCompleted, c.Status)
	assert.Equal(t, 2, c.SentCount)
	assert.Empty(t, jobs.jobs)
}

func TestBatchChainsWhenMoreRecipientsDue(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 5)
	c.Status = models.CampaignRunning
	require.NoError(t, s.SeedProgress(context.Background(), c.ID, s.segment, now))

	credits := &fakeCredits{balances: map[models.ResourceClass]int64{models.ClassEmail: 100}}
	w := newTestWorker(s, jobs, credits, 2, now)

	err := w.HandleBatch(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1", "batch_index": float64(0)}})
	require.NoError(t, err)

	assert.Len(t, s.sends, 2)
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, models.JobCampaignBatch, jobs.jobs[0].Type)
	assert.Equal(t, 1, jobs.jobs[0].Payload["batch_index"])
}

func TestResumeRequeuesPausedCampaign(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 1)
	c.Status = models.CampaignPaused
	c.PausedReason = strPtr("insufficient reactivation_emails credits")

	w := newTestWorker(s, jobs, &fakeCredits{balances: map[models.ResourceClass]int64{}}, 50, now)

	err := w.HandleResume(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.NoError(t, err)

	assert.Equal(t, models.CampaignRunning, c.Status)
	assert.Nil(t, c.PausedReason)
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, models.JobCampaignBatch, jobs.jobs[0].Type)
}

func TestResumeIgnoresRunningCampaign(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := seedReactivation(s, 1)
	c.Status = models.CampaignRunning

	w := newTestWorker(s, jobs, &fakeCredits{balances: map[models.ResourceClass]int64{}}, 50, now)

	require.NoError(t, w.HandleResume(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}}))
	assert.Empty(t, jobs.jobs)
}

func TestSweepDueEnqueuesBatchPerCampaign(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	s.dueRefs = []store.DueCampaignRef{
		{ID: "camp-1", Tenant: "clinic-1"},
		{ID: "camp-2", Tenant: "clinic-2"},
	}
	w := newTestWorker(s, jobs, &fakeCredits{balances: map[models.ResourceClass]int64{}}, 50, now)

	w.SweepDue(context.Background())

	require.Len(t, jobs.jobs, 2)
	assert.Equal(t, "camp-1", jobs.jobs[0].Payload["campaign_id"])
	assert.Equal(t, "clinic-2", jobs.jobs[1].Tenant)
}

func TestStartFailsCampaignWithoutSteps(t *testing.T) {
	s := newFakeCampaignStore()
	jobs := &fakeEnqueuer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.campaigns["camp-1"] = &models.Campaign{ID: "camp-1", Tenant: "clinic-1", Status: models.CampaignDraft}

	w := newTestWorker(s, jobs, &fakeCredits{balances: map[models.ResourceClass]int64{}}, 50, now)

	err := w.HandleStart(context.Background(), models.Job{Payload: map[string]any{"campaign_id": "camp-1"}})
	require.Error(t, err)
	assert.Equal(t, models.CampaignFailed, s.campaigns["camp-1"].Status)
}
