package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func TestEnqueueAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "test-" + uuid.New().String()[:8]

	job, err := s.EnqueueJob(ctx, tenant, models.JobCampaignStart, map[string]any{"campaign_id": "camp-1"})
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant, got.Tenant)
	assert.Equal(t, "camp-1", got.Payload["campaign_id"])
	assert.Nil(t, got.StartedAt)
}

func TestClaimBatchIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "test-" + uuid.New().String()[:8]

	mine := make(map[string]bool)
	for i := 0; i < 10; i++ {
		job, err := s.EnqueueJob(ctx, tenant, models.JobCampaignBatch, nil)
		require.NoError(t, err)
		mine[job.ID] = true
	}

	// Two workers race for the same pending rows; SKIP LOCKED must hand each
	// job to exactly one of them.
	var wg sync.WaitGroup
	claims := make([][]models.Job, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = s.ClaimBatch(ctx, 100)
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	seen := make(map[string]int)
	for _, batch := range claims {
		for _, job := range batch {
			if mine[job.ID] {
				seen[job.ID]++
				assert.Equal(t, models.JobProcessing, job.Status)
			}
		}
	}
	require.Len(t, seen, 10, "every job claimed by someone")
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestCompleteAndFailTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := "test-" + uuid.New().String()[:8]

	job, err := s.EnqueueJob(ctx, tenant, models.JobCampaignResume, nil)
	require.NoError(t, err)

	require.NoError(t, s.CompleteJob(ctx, job.ID))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	job2, err := s.EnqueueJob(ctx, tenant, models.JobCampaignResume, nil)
	require.NoError(t, err)
	require.NoError(t, s.FailJob(ctx, job2.ID, "handler exploded"))
	got2, err := s.GetJob(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got2.Status)
	require.NotNil(t, got2.ErrorMessage)
	assert.Equal(t, "handler exploded", *got2.ErrorMessage)
}
