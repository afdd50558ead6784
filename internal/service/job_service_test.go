package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/model"
)

func testEnhanceConfig() config.EnhanceConfig {
	return config.EnhanceConfig{
		BatchMax:     20,
		Executor:     "direct",
		RetryDelayMS: 1,
		Tiers: map[model.Tier]config.TierPolicy{
			model.Tier1K: {Cost: 2, TargetWidth: 1024, TargetHeight: 1024, TimeoutSeconds: 300},
			model.Tier2K: {Cost: 5, TargetWidth: 2048, TargetHeight: 2048, TimeoutSeconds: 300},
			model.Tier4K: {Cost: 10, TargetWidth: 4096, TargetHeight: 4096, TimeoutSeconds: 300},
		},
	}
}

type testEnv struct {
	db     *gorm.DB
	ledger *LedgerService
	jobs   *JobService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)
	ledger := NewLedgerService(db, testTokenConfig())
	pipelines := NewPipelineService(db)
	jobs := NewJobService(db, ledger, pipelines, testEnhanceConfig())
	return &testEnv{db: db, ledger: ledger, jobs: jobs}
}

func (e *testEnv) fund(t *testing.T, userID string, target int64) {
	t.Helper()
	acct, err := e.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	if acct.Balance < target {
		_, _, err = e.ledger.Credit(context.Background(), userID, target-acct.Balance, "fund-"+userID)
		require.NoError(t, err)
	}
}

func imageIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("img-%03d", i)
	}
	return ids
}

func TestCreateBatchDebitsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "user-1", 100)

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: imageIDs(10),
		Tier:     model.Tier2K,
	})
	require.NoError(t, err)

	assert.Equal(t, 10, resp.Queued)
	assert.Zero(t, resp.Skipped)
	assert.Equal(t, int64(50), resp.TotalCost)
	assert.Equal(t, int64(50), resp.NewBalance)
	assert.Len(t, resp.Jobs, 10)

	// One debit covers the whole batch.
	var debits []model.Transaction
	require.NoError(t, env.db.Where("type = ?", model.TransactionDebit).Find(&debits).Error)
	require.Len(t, debits, 1)
	assert.Equal(t, int64(-50), debits[0].Amount)
	assert.Equal(t, resp.BatchID, debits[0].SourceID)

	var jobs []model.Job
	require.NoError(t, env.db.Where("batch_id = ?", resp.BatchID).Find(&jobs).Error)
	require.Len(t, jobs, 10)
	for _, job := range jobs {
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, int64(5), job.TokensCost)
		assert.True(t, job.Stages.Analysis.Enabled)
	}
}

func TestCreateBatchInsufficientLeavesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Initial balance 10 cannot cover 10 jobs at cost 5.
	_, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: imageIDs(10),
		Tier:     model.Tier2K,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	var jobCount, debitCount int64
	require.NoError(t, env.db.Model(&model.Job{}).Count(&jobCount).Error)
	require.NoError(t, env.db.Model(&model.Transaction{}).Where("type = ?", model.TransactionDebit).Count(&debitCount).Error)
	assert.Zero(t, jobCount)
	assert.Zero(t, debitCount)
}

func TestCreateBatchRejectsOversized(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.jobs.CreateBatch(context.Background(), "user-1", &model.EnhanceStartRequest{
		ImageIDs: imageIDs(21),
		Tier:     model.Tier1K,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateBatchDeduplicatesImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1", "img-1", "img-2"},
		Tier:     model.Tier1K,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Queued)
	assert.Equal(t, int64(4), resp.TotalCost)
}

func TestCreateBatchSkipsAlreadyEnhanced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "user-1", 100)

	first, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: imageIDs(3),
		Tier:     model.Tier2K,
	})
	require.NoError(t, err)
	for _, queued := range first.Jobs {
		_, err = env.jobs.MarkProcessing(ctx, queued.JobID)
		require.NoError(t, err)
		require.NoError(t, env.jobs.Complete(ctx, queued.JobID, &model.JobResult{
			EnhancedURL: "https://cdn.test/" + queued.JobID + ".png",
			Width:       2048,
			Height:      2048,
		}))
	}

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs:            imageIDs(10),
		Tier:                model.Tier2K,
		SkipAlreadyEnhanced: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Queued)
	assert.Equal(t, 3, resp.Skipped)
	assert.Equal(t, int64(35), resp.TotalCost)
}

func TestCreateBatchAllSkippedChargesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "user-1", 100)

	first, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: imageIDs(2),
		Tier:     model.Tier1K,
	})
	require.NoError(t, err)
	for _, queued := range first.Jobs {
		_, err = env.jobs.MarkProcessing(ctx, queued.JobID)
		require.NoError(t, err)
		require.NoError(t, env.jobs.Complete(ctx, queued.JobID, &model.JobResult{
			EnhancedURL: "https://cdn.test/x.png", Width: 1024, Height: 1024,
		}))
	}
	balanceBefore, err := env.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs:            imageIDs(2),
		Tier:                model.Tier1K,
		SkipAlreadyEnhanced: true,
	})
	require.NoError(t, err)
	assert.Zero(t, resp.Queued)
	assert.Equal(t, 2, resp.Skipped)
	assert.Zero(t, resp.TotalCost)
	assert.Equal(t, balanceBefore.Balance, resp.NewBalance)
	assert.Empty(t, resp.BatchID)
}

func TestStateMachineTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     model.Tier1K,
	})
	require.NoError(t, err)
	jobID := resp.Jobs[0].JobID

	job, err := env.jobs.MarkProcessing(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)

	// Redelivery while PROCESSING is accepted.
	job, err = env.jobs.MarkProcessing(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)

	require.NoError(t, env.jobs.Complete(ctx, jobID, &model.JobResult{
		EnhancedURL: "https://cdn.test/done.png", Width: 1024, Height: 1024,
	}))

	// Terminal states reject further transitions.
	_, err = env.jobs.MarkProcessing(ctx, jobID)
	assert.ErrorIs(t, err, ErrConflict)
	err = env.jobs.Complete(ctx, jobID, &model.JobResult{
		EnhancedURL: "https://cdn.test/again.png", Width: 1024, Height: 1024,
	})
	assert.ErrorIs(t, err, ErrConflict)

	job, err = env.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	require.NotNil(t, job.EnhancedURL)
	assert.Equal(t, "https://cdn.test/done.png", *job.EnhancedURL)
}

func TestCompleteRequiresFullResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     model.Tier1K,
	})
	require.NoError(t, err)
	jobID := resp.Jobs[0].JobID
	_, err = env.jobs.MarkProcessing(ctx, jobID)
	require.NoError(t, err)

	err = env.jobs.Complete(ctx, jobID, &model.JobResult{EnhancedURL: "https://cdn.test/x.png"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFailRefundsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     model.Tier2K,
	})
	require.NoError(t, err)
	jobID := resp.Jobs[0].JobID
	assert.Equal(t, int64(5), resp.TotalCost)

	_, err = env.jobs.MarkProcessing(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, env.jobs.Fail(ctx, jobID, "enhancement failed"))

	// A replayed failure path cannot refund again.
	err = env.jobs.Fail(ctx, jobID, "enhancement failed")
	assert.ErrorIs(t, err, ErrConflict)

	acct, err := env.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	var refunds int64
	require.NoError(t, env.db.Model(&model.Transaction{}).
		Where("type = ? AND source_id = ?", model.TransactionRefund, jobID).
		Count(&refunds).Error)
	assert.Equal(t, int64(1), refunds)

	job, err := env.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
}

func TestCancelPendingRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     model.Tier2K,
	})
	require.NoError(t, err)
	jobID := resp.Jobs[0].JobID

	result, err := env.jobs.Cancel(ctx, "user-1", jobID)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, model.JobStatusCancelled, result.Status)

	acct, err := env.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
}

func TestCancelAfterCompleteIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     model.Tier1K,
	})
	require.NoError(t, err)
	jobID := resp.Jobs[0].JobID
	_, err = env.jobs.MarkProcessing(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, env.jobs.Complete(ctx, jobID, &model.JobResult{
		EnhancedURL: "https://cdn.test/x.png", Width: 1024, Height: 1024,
	}))

	result, err := env.jobs.Cancel(ctx, "user-1", jobID)
	require.NoError(t, err)
	assert.False(t, result.Cancelled)
	assert.Equal(t, model.JobStatusCompleted, result.Status)

	// No refund for a delivered result.
	var refunds int64
	require.NoError(t, env.db.Model(&model.Transaction{}).
		Where("type = ?", model.TransactionRefund).Count(&refunds).Error)
	assert.Zero(t, refunds)
}

func TestJobsHiddenAcrossUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     model.Tier1K,
	})
	require.NoError(t, err)
	jobID := resp.Jobs[0].JobID

	_, err = env.jobs.GetForUser(ctx, "user-2", jobID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.jobs.Cancel(ctx, "user-2", jobID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.jobs.GetBatch(ctx, "user-2", resp.BatchID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "user-1", 100)

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: imageIDs(4),
		Tier:     model.Tier2K,
	})
	require.NoError(t, err)

	// One completed, one failed, one cancelled, one left pending.
	_, err = env.jobs.MarkProcessing(ctx, resp.Jobs[0].JobID)
	require.NoError(t, err)
	require.NoError(t, env.jobs.Complete(ctx, resp.Jobs[0].JobID, &model.JobResult{
		EnhancedURL: "https://cdn.test/0.png", Width: 2048, Height: 2048,
	}))
	require.NoError(t, env.jobs.Fail(ctx, resp.Jobs[1].JobID, "boom"))
	_, err = env.jobs.Cancel(ctx, "user-1", resp.Jobs[2].JobID)
	require.NoError(t, err)

	batch, err := env.jobs.GetBatch(ctx, "user-1", resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Total)
	assert.Equal(t, 1, batch.Pending)
	assert.Zero(t, batch.Processing)
	assert.Equal(t, 1, batch.Completed)
	assert.Equal(t, 2, batch.Failed)
	assert.Len(t, batch.Jobs, 4)
}

func TestJobSnapshotCarriesResultOnlyWhenCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.jobs.CreateBatch(ctx, "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     model.Tier1K,
	})
	require.NoError(t, err)
	job, err := env.jobs.Get(ctx, resp.Jobs[0].JobID)
	require.NoError(t, err)
	assert.Nil(t, job.Snapshot().Result)

	_, err = env.jobs.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, env.jobs.Complete(ctx, job.ID, &model.JobResult{
		EnhancedURL: "https://cdn.test/x.png", Width: 1024, Height: 1024,
	}))

	job, err = env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	snap := job.Snapshot()
	require.NotNil(t, snap.Result)
	assert.Equal(t, 1024, snap.Result.Width)
}
