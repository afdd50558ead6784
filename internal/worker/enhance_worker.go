package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/enhancr/api/internal/client"
	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/model"
	"github.com/enhancr/api/internal/service"
)

// EnhanceWorker drives one job through the four pipeline stages. It owns
// the per-tier wall clock: when it expires, in-flight AI calls get a
// best-effort cancel and the job fails with a refund. The worker decides
// when each stage runs; the AI service only answers calls.
type EnhanceWorker struct {
	jobs  *service.JobService
	ai    client.AIService
	store client.StorageClient
	cfg   config.EnhanceConfig
}

func NewEnhanceWorker(jobs *service.JobService, ai client.AIService, store client.StorageClient, cfg config.EnhanceConfig) *EnhanceWorker {
	return &EnhanceWorker{
		jobs:  jobs,
		ai:    ai,
		store: store,
		cfg:   cfg,
	}
}

// ProcessTask handles an asynq enhance task
func (w *EnhanceWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.EnhanceTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	return w.Process(ctx, payload.JobID)
}

// Process runs one job to a terminal state. Safe under at-least-once
// delivery: a job already terminal (completed, cancelled or failed by an
// earlier attempt) is a no-op.
func (w *EnhanceWorker) Process(ctx context.Context, jobID string) error {
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			zap.L().Warn("Enhance task for unknown job", zap.String("jobId", jobID))
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		zap.L().Debug("Skipping terminal job", zap.String("jobId", jobID), zap.String("status", string(job.Status)))
		return nil
	}

	job, err = w.jobs.MarkProcessing(ctx, jobID)
	if err != nil {
		if errors.Is(err, service.ErrConflict) {
			return nil
		}
		return err
	}

	policy, err := w.cfg.TierPolicy(job.Tier)
	if err != nil {
		return w.fail(ctx, job, err, "unknown resolution tier")
	}

	zap.L().Info("Processing enhancement job",
		zap.String("jobId", job.ID),
		zap.String("imageId", job.ImageID),
		zap.String("tier", string(job.Tier)))

	// One wall clock over all stages of this job.
	stageCtx, cancel := context.WithTimeout(ctx, policy.Timeout())
	defer cancel()

	result, err := w.runPipeline(stageCtx, job, policy)
	if err != nil {
		// Commit the failure on the parent context: the stage clock may
		// be the very thing that expired.
		return w.fail(ctx, job, err, userMessage(err))
	}

	if err := w.jobs.Complete(ctx, job.ID, result); err != nil {
		if errors.Is(err, service.ErrConflict) {
			// Cancelled while we were finishing; the cancel already refunded.
			zap.L().Info("Job finished after cancellation, discarding result", zap.String("jobId", job.ID))
			return nil
		}
		return err
	}

	zap.L().Info("Enhancement job completed",
		zap.String("jobId", job.ID),
		zap.String("url", result.EnhancedURL))
	return nil
}

// runPipeline executes analysis, auto-crop, prompt construction and
// generation against one job's stage snapshot.
func (w *EnhanceWorker) runPipeline(ctx context.Context, job *model.Job, policy config.TierPolicy) (*model.JobResult, error) {
	stages := job.Stages

	var defects []client.Defect
	if stages.Analysis.Enabled {
		analysis, err := w.callAnalyze(ctx, &client.AnalyzeRequest{
			ImageID:     job.ImageID,
			Temperature: stages.Analysis.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("analysis failed: %w", err)
		}
		defects = analysis.Defects
	}

	crop := resolveCrop(stages.AutoCrop, defects)
	instructions := buildInstructions(stages.Prompt, defects)

	res, err := w.generateWithRetry(ctx, &client.EnhanceRequest{
		ImageID:      job.ImageID,
		Instructions: instructions,
		TargetWidth:  policy.TargetWidth,
		TargetHeight: policy.TargetHeight,
		Temperature:  stages.Generation.Temperature,
		Crop:         crop,
	}, stages.Generation.RetryAttempts)
	if err != nil {
		return nil, err
	}

	url := res.EnhancedURL
	if w.store != nil {
		key := fmt.Sprintf("enhanced/%s/%s.png", job.UserID, job.ID)
		hosted, err := w.store.CopyFromURL(ctx, key, res.EnhancedURL)
		if err != nil {
			// Keep the provider URL rather than failing a finished job.
			zap.L().Warn("Failed to re-host enhanced image",
				zap.String("jobId", job.ID),
				zap.Error(err))
		} else {
			url = hosted
		}
	}

	return &model.JobResult{
		EnhancedURL: url,
		Width:       res.Width,
		Height:      res.Height,
	}, nil
}

// generateWithRetry retries the generation call on transient errors only,
// up to the pipeline's configured attempt count, all under the same wall
// clock.
func (w *EnhanceWorker) generateWithRetry(ctx context.Context, req *client.EnhanceRequest, attempts int) (*client.EnhanceResult, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := w.callEnhance(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !client.IsTransient(err) || attempt == attempts {
			break
		}
		zap.L().Warn("Generation attempt failed, retrying",
			zap.String("imageId", req.ImageID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.cfg.RetryDelay()):
		}
	}
	return nil, fmt.Errorf("generation failed: %w", lastErr)
}

// callAnalyze runs the analysis call in its own goroutine so an expired
// wall clock returns immediately with a best-effort cancel of the call.
func (w *EnhanceWorker) callAnalyze(ctx context.Context, req *client.AnalyzeRequest) (*client.AnalyzeResult, error) {
	type outcome struct {
		res *client.AnalyzeResult
		err error
	}
	callCtx, cancel := context.WithCancel(ctx)
	ch := make(chan outcome, 1)
	go func() {
		res, err := w.ai.AnalyzeImage(callCtx, req)
		ch <- outcome{res, err}
	}()
	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case o := <-ch:
		cancel()
		return o.res, o.err
	}
}

func (w *EnhanceWorker) callEnhance(ctx context.Context, req *client.EnhanceRequest) (*client.EnhanceResult, error) {
	type outcome struct {
		res *client.EnhanceResult
		err error
	}
	callCtx, cancel := context.WithCancel(ctx)
	ch := make(chan outcome, 1)
	go func() {
		res, err := w.ai.EnhanceImage(callCtx, req)
		ch <- outcome{res, err}
	}()
	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case o := <-ch:
		cancel()
		return o.res, o.err
	}
}

// fail commits FAILED plus the refund. A conflict means another path
// (cancel, an earlier attempt) already reached a terminal state and
// refunded; that is not an error here.
func (w *EnhanceWorker) fail(ctx context.Context, job *model.Job, cause error, message string) error {
	zap.L().Error("Enhancement job failed",
		zap.String("jobId", job.ID),
		zap.Error(cause))
	if err := w.jobs.Fail(ctx, job.ID, message); err != nil {
		if errors.Is(err, service.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

// resolveCrop picks a crop region from the classified defects: only
// removable border defects, only kinds the config enables, and only when
// the covered area clears the minimum ratio.
func resolveCrop(cfg model.AutoCropConfig, defects []client.Defect) *client.CropRegion {
	if !cfg.Enabled {
		return nil
	}
	for i := range defects {
		d := &defects[i]
		if !d.Kind.Removable() || d.Region == nil {
			continue
		}
		if d.Kind == model.DefectBlackBars && !cfg.RemoveBlackBars {
			continue
		}
		if d.Kind == model.DefectUIOverlay && !cfg.RemoveUIElements {
			continue
		}
		if d.Coverage < cfg.MinCropRatio {
			continue
		}
		return d.Region
	}
	return nil
}

// corrections maps quality defects to generation instructions. Removable
// border defects are handled by cropping, not by prompt.
var corrections = map[model.DefectKind]string{
	model.DefectDarkness:      "brighten underexposed regions and recover shadow detail",
	model.DefectBlur:          "sharpen the image and restore edge definition",
	model.DefectNoise:         "reduce noise and grain while preserving texture",
	model.DefectTapeArtifact:  "remove tape artifacts and analog scan damage",
	model.DefectLowResolution: "reconstruct fine detail lost to low resolution",
	model.DefectOverexposure:  "recover blown-out highlights and balance exposure",
	model.DefectColorCast:     "correct the color cast and neutralize white balance",
}

// buildInstructions assembles the generation prompt: the base
// instruction, one correction per detected quality defect not on the
// skip list, then the user's custom instructions verbatim.
func buildInstructions(cfg model.PromptConfig, defects []client.Defect) string {
	skip := make(map[model.DefectKind]bool, len(cfg.SkipCorrections))
	for _, kind := range cfg.SkipCorrections {
		skip[kind] = true
	}

	parts := []string{"Enhance image quality while preserving the original content and composition."}
	seen := make(map[model.DefectKind]bool)
	for _, d := range defects {
		if d.Kind.Removable() || skip[d.Kind] || seen[d.Kind] {
			continue
		}
		if correction, ok := corrections[d.Kind]; ok {
			parts = append(parts, correction)
			seen[d.Kind] = true
		}
	}
	if cfg.CustomInstructions != "" {
		parts = append(parts, cfg.CustomInstructions)
	}
	return strings.Join(parts, " ")
}

// userMessage maps an internal failure to the message stored on the job.
func userMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "enhancement timed out"
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return "enhancement service error"
	}
	if strings.Contains(err.Error(), "analysis failed") {
		return "image analysis failed"
	}
	return "enhancement failed"
}
