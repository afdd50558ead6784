package worker

import (
	"context"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/enhancr/api/internal/client"
	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/model"
	"github.com/enhancr/api/internal/service"
	"github.com/enhancr/api/internal/storage"
)

// fakeAI scripts the enhancement collaborator per test
type fakeAI struct {
	analyze      func(ctx context.Context, req *client.AnalyzeRequest) (*client.AnalyzeResult, error)
	enhance      func(ctx context.Context, req *client.EnhanceRequest) (*client.EnhanceResult, error)
	enhanceCalls atomic.Int32
}

func (f *fakeAI) AnalyzeImage(ctx context.Context, req *client.AnalyzeRequest) (*client.AnalyzeResult, error) {
	if f.analyze != nil {
		return f.analyze(ctx, req)
	}
	return &client.AnalyzeResult{}, nil
}

func (f *fakeAI) EnhanceImage(ctx context.Context, req *client.EnhanceRequest) (*client.EnhanceResult, error) {
	f.enhanceCalls.Add(1)
	if f.enhance != nil {
		return f.enhance(ctx, req)
	}
	return &client.EnhanceResult{
		EnhancedURL: "https://cdn.test/" + req.ImageID + ".png",
		Width:       req.TargetWidth,
		Height:      req.TargetHeight,
	}, nil
}

func (f *fakeAI) IsConfigured() bool { return true }

type workerEnv struct {
	db     *gorm.DB
	ledger *service.LedgerService
	jobs   *service.JobService
	cfg    config.EnhanceConfig
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	cfg := config.EnhanceConfig{
		BatchMax:     20,
		Executor:     "direct",
		RetryDelayMS: 1,
		Tiers: map[model.Tier]config.TierPolicy{
			model.Tier1K: {Cost: 2, TargetWidth: 1024, TargetHeight: 1024, TimeoutSeconds: 30},
			model.Tier2K: {Cost: 5, TargetWidth: 2048, TargetHeight: 2048, TimeoutSeconds: 30},
		},
	}

	ledger := service.NewLedgerService(db, config.TokenConfig{InitialBalance: 10, MaxBalance: 100, RegenMinutes: 60})
	pipelines := service.NewPipelineService(db)
	jobs := service.NewJobService(db, ledger, pipelines, cfg)
	return &workerEnv{db: db, ledger: ledger, jobs: jobs, cfg: cfg}
}

func (e *workerEnv) createJob(t *testing.T, tier model.Tier) *model.Job {
	t.Helper()
	resp, err := e.jobs.CreateBatch(context.Background(), "user-1", &model.EnhanceStartRequest{
		ImageIDs: []string{"img-1"},
		Tier:     tier,
	})
	require.NoError(t, err)
	job, err := e.jobs.Get(context.Background(), resp.Jobs[0].JobID)
	require.NoError(t, err)
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	env := newWorkerEnv(t)
	job := env.createJob(t, model.Tier2K)
	w := NewEnhanceWorker(env.jobs, &fakeAI{}, nil, env.cfg)

	require.NoError(t, w.Process(context.Background(), job.ID))

	done, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	require.NotNil(t, done.EnhancedURL)
	assert.Equal(t, "https://cdn.test/img-1.png", *done.EnhancedURL)
	require.NotNil(t, done.Width)
	assert.Equal(t, 2048, *done.Width)
}

func TestProcessFailureRefunds(t *testing.T) {
	env := newWorkerEnv(t)
	job := env.createJob(t, model.Tier2K)
	ai := &fakeAI{
		enhance: func(ctx context.Context, req *client.EnhanceRequest) (*client.EnhanceResult, error) {
			return nil, &client.APIError{StatusCode: http.StatusBadRequest, Body: "unsupported image"}
		},
	}
	w := NewEnhanceWorker(env.jobs, ai, nil, env.cfg)

	require.NoError(t, w.Process(context.Background(), job.ID))

	failed, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "enhancement service error", *failed.Error)

	// Permanent errors get no retries.
	assert.Equal(t, int32(1), ai.enhanceCalls.Load())

	// The debit came back.
	acct, err := env.ledger.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	env := newWorkerEnv(t)
	job := env.createJob(t, model.Tier1K)
	ai := &fakeAI{}
	ai.enhance = func(ctx context.Context, req *client.EnhanceRequest) (*client.EnhanceResult, error) {
		if ai.enhanceCalls.Load() == 1 {
			return nil, &client.APIError{StatusCode: http.StatusInternalServerError, Body: "try again"}
		}
		return &client.EnhanceResult{EnhancedURL: "https://cdn.test/ok.png", Width: 1024, Height: 1024}, nil
	}
	w := NewEnhanceWorker(env.jobs, ai, nil, env.cfg)

	require.NoError(t, w.Process(context.Background(), job.ID))

	done, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	assert.Equal(t, int32(2), ai.enhanceCalls.Load())
}

func TestProcessTimeoutFailsWithRefund(t *testing.T) {
	env := newWorkerEnv(t)
	cfg := env.cfg
	cfg.Tiers[model.Tier1K] = config.TierPolicy{Cost: 2, TargetWidth: 1024, TargetHeight: 1024, TimeoutSeconds: 0}
	job := env.createJob(t, model.Tier1K)
	ai := &fakeAI{
		analyze: func(ctx context.Context, req *client.AnalyzeRequest) (*client.AnalyzeResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		enhance: func(ctx context.Context, req *client.EnhanceRequest) (*client.EnhanceResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	w := NewEnhanceWorker(env.jobs, ai, nil, cfg)

	require.NoError(t, w.Process(context.Background(), job.ID))

	failed, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "enhancement timed out", *failed.Error)

	acct, err := env.ledger.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
}

func TestProcessAnalysisFailureFailsJob(t *testing.T) {
	env := newWorkerEnv(t)
	job := env.createJob(t, model.Tier1K)
	ai := &fakeAI{
		analyze: func(ctx context.Context, req *client.AnalyzeRequest) (*client.AnalyzeResult, error) {
			return nil, &client.APIError{StatusCode: http.StatusUnprocessableEntity, Body: "cannot read image"}
		},
	}
	w := NewEnhanceWorker(env.jobs, ai, nil, env.cfg)

	require.NoError(t, w.Process(context.Background(), job.ID))

	failed, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	// Generation never ran.
	assert.Zero(t, ai.enhanceCalls.Load())
}

func TestProcessTerminalJobIsNoOp(t *testing.T) {
	env := newWorkerEnv(t)
	job := env.createJob(t, model.Tier1K)
	_, err := env.jobs.Cancel(context.Background(), "user-1", job.ID)
	require.NoError(t, err)

	ai := &fakeAI{}
	w := NewEnhanceWorker(env.jobs, ai, nil, env.cfg)
	require.NoError(t, w.Process(context.Background(), job.ID))

	still, err := env.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, still.Status)
	assert.Zero(t, ai.enhanceCalls.Load())

	// The cancel refund stayed single.
	acct, err := env.ledger.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
}

func TestProcessUnknownJobIsNoOp(t *testing.T) {
	env := newWorkerEnv(t)
	w := NewEnhanceWorker(env.jobs, &fakeAI{}, nil, env.cfg)
	assert.NoError(t, w.Process(context.Background(), "no-such-job"))
}

func TestBuildInstructions(t *testing.T) {
	defects := []client.Defect{
		{Kind: model.DefectDarkness, Severity: 0.7, Coverage: 0.9},
		{Kind: model.DefectNoise, Severity: 0.4, Coverage: 0.5},
		{Kind: model.DefectNoise, Severity: 0.2, Coverage: 0.1},
		{Kind: model.DefectBlackBars, Severity: 1.0, Coverage: 0.1},
	}

	got := buildInstructions(model.PromptConfig{
		CustomInstructions: "Keep the film grain subtle.",
		SkipCorrections:    []model.DefectKind{model.DefectDarkness},
	}, defects)

	// Skipped and removable kinds produce no corrections; duplicates
	// collapse; custom instructions ride along verbatim.
	assert.NotContains(t, got, "brighten")
	assert.NotContains(t, got, "bars")
	assert.Contains(t, got, "reduce noise")
	assert.Contains(t, got, "Keep the film grain subtle.")
	assert.Equal(t, 1, countOccurrences(got, "reduce noise"))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}

func TestResolveCrop(t *testing.T) {
	region := &client.CropRegion{X: 0, Y: 100, Width: 1920, Height: 880}
	defects := []client.Defect{
		{Kind: model.DefectNoise, Coverage: 0.9},
		{Kind: model.DefectBlackBars, Coverage: 0.12, Region: region},
		{Kind: model.DefectUIOverlay, Coverage: 0.3, Region: region},
	}

	cfg := model.AutoCropConfig{Enabled: true, RemoveBlackBars: true, MinCropRatio: 0.05}
	assert.Equal(t, region, resolveCrop(cfg, defects))

	// Below the minimum ratio nothing is cropped.
	cfg.MinCropRatio = 0.2
	cfg.RemoveUIElements = false
	assert.Nil(t, resolveCrop(cfg, defects))

	// UI overlays crop only when enabled.
	cfg.RemoveUIElements = true
	assert.Equal(t, region, resolveCrop(cfg, defects))

	cfg.Enabled = false
	assert.Nil(t, resolveCrop(cfg, defects))

	// A removable defect without a region cannot be cropped.
	assert.Nil(t, resolveCrop(model.AutoCropConfig{Enabled: true, RemoveBlackBars: true},
		[]client.Defect{{Kind: model.DefectBlackBars, Coverage: 0.5}}))
}
