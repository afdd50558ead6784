package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/enhancr/api/internal/model"
)

const TaskTypeEnhance = "enhance:process"

// JobExecutor dispatches a created job for asynchronous processing. The
// job service and orchestrator depend on this interface only and never
// branch on the strategy behind it.
type JobExecutor interface {
	Dispatch(ctx context.Context, job *model.Job) error
}

// EnhanceTaskPayload is the wire payload of an enhance task.
type EnhanceTaskPayload struct {
	JobID string `json:"jobId"`
}

// NewEnhanceTask builds the asynq task for a job.
func NewEnhanceTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(EnhanceTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeEnhance, data), nil
}

// AsynqExecutor is the durable strategy: Redis-backed, crash-safe,
// at-least-once. Redeliveries are harmless because the orchestrator
// no-ops on terminal jobs.
type AsynqExecutor struct {
	client *asynq.Client
}

func NewAsynqExecutor(client *asynq.Client) *AsynqExecutor {
	return &AsynqExecutor{client: client}
}

func (e *AsynqExecutor) Dispatch(ctx context.Context, job *model.Job) error {
	task, err := NewEnhanceTask(job.ID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue("enhance"),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// ProcessFunc runs one job to a terminal state.
type ProcessFunc func(ctx context.Context, jobID string) error

// DirectExecutor is the synchronous-strategy fallback: each job runs in
// its own goroutine in-process. Not crash-safe; used for development and
// tests.
type DirectExecutor struct {
	process ProcessFunc
	wg      sync.WaitGroup
}

func NewDirectExecutor(process ProcessFunc) *DirectExecutor {
	return &DirectExecutor{process: process}
}

func (e *DirectExecutor) Dispatch(ctx context.Context, job *model.Job) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.process(context.Background(), job.ID); err != nil {
			zap.L().Error("Direct job execution failed",
				zap.String("jobId", job.ID),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until all dispatched jobs finish. Used on shutdown and in
// tests.
func (e *DirectExecutor) Wait() {
	e.wg.Wait()
}
