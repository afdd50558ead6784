package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/model"
)

// StatusNotifier receives every committed job state change. The WebSocket
// hub implements it.
type StatusNotifier interface {
	NotifyStatus(job *model.Job)
}

// JobService is the job store and state machine. All transitions are
// preconditioned updates ("only from expected prior state"), so a race
// between cancel and completion resolves to exactly one winner and the
// loser becomes a no-op.
type JobService struct {
	db        *gorm.DB
	ledger    *LedgerService
	pipelines *PipelineService
	cfg       config.EnhanceConfig
	executor  JobExecutor
	notifier  StatusNotifier
}

func NewJobService(db *gorm.DB, ledger *LedgerService, pipelines *PipelineService, cfg config.EnhanceConfig) *JobService {
	return &JobService{
		db:        db,
		ledger:    ledger,
		pipelines: pipelines,
		cfg:       cfg,
	}
}

// SetExecutor wires the dispatch strategy. Called once at startup.
func (s *JobService) SetExecutor(executor JobExecutor) {
	s.executor = executor
}

// SetNotifier wires the status broadcaster. Called once at startup.
func (s *JobService) SetNotifier(notifier StatusNotifier) {
	s.notifier = notifier
}

// CreateBatch creates N jobs billed by exactly one atomic debit. If the
// upfront balance check fails, zero job rows and zero ledger transactions
// exist afterwards. Per-job dispatch failures fail (and refund) only that
// job, never the batch total.
func (s *JobService) CreateBatch(ctx context.Context, userID string, req *model.EnhanceStartRequest) (*model.EnhanceStartResponse, error) {
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("%w: invalid tier %q", ErrValidation, req.Tier)
	}
	if len(req.ImageIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one image is required", ErrValidation)
	}
	if len(req.ImageIDs) > s.cfg.BatchMax {
		return nil, fmt.Errorf("%w: batch size %d exceeds maximum %d", ErrValidation, len(req.ImageIDs), s.cfg.BatchMax)
	}

	policy, err := s.cfg.TierPolicy(req.Tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	pipeline, err := s.pipelines.Resolve(ctx, req.PipelineID, userID)
	if err != nil {
		return nil, err
	}

	targets := dedupe(req.ImageIDs)
	skipped := 0
	if req.SkipAlreadyEnhanced {
		targets, skipped, err = s.filterEnhanced(ctx, userID, req.Tier, targets)
		if err != nil {
			return nil, err
		}
	}

	if len(targets) == 0 {
		acct, err := s.ledger.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &model.EnhanceStartResponse{
			BatchID:    "",
			Jobs:       []model.QueuedJob{},
			Queued:     0,
			Skipped:    skipped,
			TotalCost:  0,
			NewBalance: acct.Balance,
		}, nil
	}

	totalCost := policy.Cost * int64(len(targets))
	batchID := uuid.New().String()

	var jobs []*model.Job
	var newBalance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = s.ledger.ConsumeTx(ctx, tx, userID, totalCost, model.SourceBatch, batchID)
		if err != nil {
			return err
		}

		for _, imageID := range targets {
			job := &model.Job{
				ID:         uuid.New().String(),
				BatchID:    batchID,
				UserID:     userID,
				ImageID:    imageID,
				Tier:       req.Tier,
				PipelineID: pipeline.ID,
				Stages:     pipeline.Stages,
				Status:     model.JobStatusPending,
				TokensCost: policy.Cost,
			}
			if err := tx.Create(job).Error; err != nil {
				return fmt.Errorf("failed to create job: %w", err)
			}
			jobs = append(jobs, job)
		}

		return s.pipelines.IncrementUsageTx(ctx, tx, pipeline.ID, len(targets))
	})
	if err != nil {
		return nil, err
	}

	resp := &model.EnhanceStartResponse{
		BatchID:    batchID,
		Queued:     len(jobs),
		Skipped:    skipped,
		TotalCost:  totalCost,
		NewBalance: newBalance,
	}
	for _, job := range jobs {
		s.notify(job)
		if err := s.dispatch(ctx, job); err != nil {
			zap.L().Error("Failed to dispatch job",
				zap.String("jobId", job.ID),
				zap.Error(err))
			if failErr := s.Fail(ctx, job.ID, "failed to queue job for processing"); failErr != nil {
				zap.L().Error("Failed to fail undispatched job",
					zap.String("jobId", job.ID),
					zap.Error(failErr))
			}
		}
		resp.Jobs = append(resp.Jobs, model.QueuedJob{JobID: job.ID, ImageID: job.ImageID})
	}
	return resp, nil
}

// Get loads a job without ownership checks. Worker-side use.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	return &job, nil
}

// GetForUser loads a job and hides other users' jobs as not found.
func (s *JobService) GetForUser(ctx context.Context, userID, jobID string) (*model.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, nil
}

// GetBatch returns all jobs of a batch with live aggregate counts.
// Failed aggregates FAILED, CANCELLED and REFUNDED.
func (s *JobService) GetBatch(ctx context.Context, userID, batchID string) (*model.BatchStatusResponse, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("batch_id = ? AND user_id = ?", batchID, userID).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}

	resp := &model.BatchStatusResponse{
		BatchID: batchID,
		Total:   len(jobs),
	}
	for i := range jobs {
		switch jobs[i].Status {
		case model.JobStatusPending:
			resp.Pending++
		case model.JobStatusProcessing:
			resp.Processing++
		case model.JobStatusCompleted:
			resp.Completed++
		default:
			resp.Failed++
		}
		resp.Jobs = append(resp.Jobs, jobs[i].Snapshot())
	}
	return resp, nil
}

// MarkProcessing gates PENDING→PROCESSING. A job already PROCESSING is
// accepted so at-least-once redelivery can resume it; a terminal job is a
// conflict, which callers treat as a no-op.
func (s *JobService) MarkProcessing(ctx context.Context, jobID string) (*model.Job, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     model.JobStatusProcessing,
			"started_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if job.Status == model.JobStatusProcessing {
			return job, nil
		}
		return job, fmt.Errorf("%w: job %s is %s", ErrConflict, jobID, job.Status)
	}

	s.notify(job)
	return job, nil
}

// Complete commits the COMPLETED terminal state with all result fields.
func (s *JobService) Complete(ctx context.Context, jobID string, result *model.JobResult) error {
	if result == nil || result.EnhancedURL == "" || result.Width <= 0 || result.Height <= 0 {
		return fmt.Errorf("%w: completion requires a full result", ErrValidation)
	}

	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Where("id = ? AND status = ?", jobID, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"enhanced_url": result.EnhancedURL,
			"width":        result.Width,
			"height":       result.Height,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s not in PROCESSING", ErrConflict, jobID)
	}

	s.notifyByID(ctx, jobID)
	return nil
}

// Fail commits FAILED and the refund in one transaction; a reader can
// never observe one without the other. Replays are rejected by the status
// precondition, so the refund stays single.
func (s *JobService) Fail(ctx context.Context, jobID, errMsg string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
			}
			return err
		}

		now := time.Now()
		res := tx.Model(&model.Job{}).
			Where("id = ? AND status IN ?", jobID, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}).
			Updates(map[string]interface{}{
				"status":       model.JobStatusFailed,
				"error":        truncate(errMsg, 512),
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s is %s", ErrConflict, jobID, job.Status)
		}

		_, err := s.ledger.RefundTx(ctx, tx, job.UserID, job.TokensCost, jobID)
		return err
	})
	if err != nil {
		return err
	}

	s.notifyByID(ctx, jobID)
	return nil
}

// Cancel honors a cancel request only while the job is PENDING or
// PROCESSING. Racing a natural completion, whichever transition commits
// first wins; the loser is reported as a no-op with the winner's status.
func (s *JobService) Cancel(ctx context.Context, userID, jobID string) (*model.JobCancelResponse, error) {
	job, err := s.GetForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return &model.JobCancelResponse{JobID: jobID, Status: job.Status, Cancelled: false}, nil
	}

	var lostRace bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&model.Job{}).
			Where("id = ? AND status IN ?", jobID, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}).
			Updates(map[string]interface{}{
				"status":       model.JobStatusCancelled,
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			lostRace = true
			return nil
		}

		_, err := s.ledger.RefundTx(ctx, tx, job.UserID, job.TokensCost, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if lostRace {
		current, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return &model.JobCancelResponse{JobID: jobID, Status: current.Status, Cancelled: false}, nil
	}

	s.notifyByID(ctx, jobID)
	return &model.JobCancelResponse{JobID: jobID, Status: model.JobStatusCancelled, Cancelled: true}, nil
}

// filterEnhanced drops images that already have a COMPLETED job at the
// requested tier for this user.
func (s *JobService) filterEnhanced(ctx context.Context, userID string, tier model.Tier, imageIDs []string) ([]string, int, error) {
	var done []string
	err := s.db.WithContext(ctx).
		Model(&model.Job{}).
		Distinct("image_id").
		Where("user_id = ? AND tier = ? AND status = ? AND image_id IN ?", userID, tier, model.JobStatusCompleted, imageIDs).
		Pluck("image_id", &done).Error
	if err != nil {
		return nil, 0, err
	}

	doneSet := make(map[string]bool, len(done))
	for _, id := range done {
		doneSet[id] = true
	}

	var remaining []string
	for _, id := range imageIDs {
		if !doneSet[id] {
			remaining = append(remaining, id)
		}
	}
	return remaining, len(imageIDs) - len(remaining), nil
}

func (s *JobService) dispatch(ctx context.Context, job *model.Job) error {
	if s.executor == nil {
		return nil
	}
	return s.executor.Dispatch(ctx, job)
}

func (s *JobService) notify(job *model.Job) {
	if s.notifier != nil {
		s.notifier.NotifyStatus(job)
	}
}

func (s *JobService) notifyByID(ctx context.Context, jobID string) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		zap.L().Error("Failed to load job for notification",
			zap.String("jobId", jobID),
			zap.Error(err))
		return
	}
	s.notify(job)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
