package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/enhancr/api/internal/model"
)

// PipelineService resolves and manages the four-stage enhancement
// configurations. System defaults (owner = none) are globally readable and
// writable by nobody; the only way to customize one is Fork.
type PipelineService struct {
	db *gorm.DB
}

func NewPipelineService(db *gorm.DB) *PipelineService {
	return &PipelineService{db: db}
}

// Resolve returns the effective pipeline for a request. An empty id
// resolves to the system default. Pipelines that exist but are not visible
// to the caller are reported as not found, not forbidden.
func (s *PipelineService) Resolve(ctx context.Context, pipelineID, userID string) (*model.Pipeline, error) {
	if pipelineID == "" {
		return s.systemDefault(ctx)
	}

	p, err := s.load(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if !s.visible(p, userID) {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, pipelineID)
	}
	if err := ValidateStages(&p.Stages); err != nil {
		return nil, err
	}
	return p, nil
}

// Get is Resolve for a mandatory id.
func (s *PipelineService) Get(ctx context.Context, pipelineID, userID string) (*model.Pipeline, error) {
	if pipelineID == "" {
		return nil, fmt.Errorf("%w: pipeline id is required", ErrValidation)
	}
	return s.Resolve(ctx, pipelineID, userID)
}

// List returns the caller's pipelines plus public ones and system defaults.
func (s *PipelineService) List(ctx context.Context, userID string) ([]model.Pipeline, error) {
	var pipelines []model.Pipeline
	err := s.db.WithContext(ctx).
		Where("owner_id = ? OR owner_id IS NULL OR visibility = ?", userID, model.VisibilityPublic).
		Order("owner_id IS NULL DESC, created_at ASC").
		Find(&pipelines).Error
	return pipelines, err
}

// Create makes a new user-owned pipeline. Omitted stage config falls back
// to the default stage configuration.
func (s *PipelineService) Create(ctx context.Context, userID string, req *model.PipelineCreateRequest) (*model.Pipeline, error) {
	if !req.Visibility.Valid() {
		return nil, fmt.Errorf("%w: invalid visibility %q", ErrValidation, req.Visibility)
	}
	if !req.DefaultTier.Valid() {
		return nil, fmt.Errorf("%w: invalid tier %q", ErrValidation, req.DefaultTier)
	}

	stages := model.DefaultStageConfig()
	if req.Stages != nil {
		stages = *req.Stages
	}
	if err := ValidateStages(&stages); err != nil {
		return nil, err
	}

	owner := userID
	p := &model.Pipeline{
		ID:          uuid.New().String(),
		OwnerID:     &owner,
		Name:        req.Name,
		Visibility:  req.Visibility,
		DefaultTier: req.DefaultTier,
		Stages:      stages,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return p, nil
}

// Update mutates an owned pipeline. System defaults are immutable.
func (s *PipelineService) Update(ctx context.Context, userID, pipelineID string, req *model.PipelineUpdateRequest) (*model.Pipeline, error) {
	p, err := s.load(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if !s.visible(p, userID) {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, pipelineID)
	}
	if err := s.writable(p, userID); err != nil {
		return nil, err
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Visibility != nil {
		if !req.Visibility.Valid() {
			return nil, fmt.Errorf("%w: invalid visibility %q", ErrValidation, *req.Visibility)
		}
		p.Visibility = *req.Visibility
	}
	if req.DefaultTier != nil {
		if !req.DefaultTier.Valid() {
			return nil, fmt.Errorf("%w: invalid tier %q", ErrValidation, *req.DefaultTier)
		}
		p.DefaultTier = *req.DefaultTier
	}
	if req.Stages != nil {
		if err := ValidateStages(req.Stages); err != nil {
			return nil, err
		}
		p.Stages = *req.Stages
	}

	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return nil, fmt.Errorf("failed to update pipeline: %w", err)
	}
	return p, nil
}

// Delete removes an owned pipeline. Jobs keep their resolved snapshots, so
// in-flight work is unaffected.
func (s *PipelineService) Delete(ctx context.Context, userID, pipelineID string) error {
	p, err := s.load(ctx, pipelineID)
	if err != nil {
		return err
	}
	if !s.visible(p, userID) {
		return fmt.Errorf("%w: pipeline %s", ErrNotFound, pipelineID)
	}
	if err := s.writable(p, userID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&model.Pipeline{}, "id = ?", pipelineID).Error
}

// Fork deep-copies a visible pipeline into a new one owned by the caller,
// with usage count reset. The fork is independent of later source edits.
func (s *PipelineService) Fork(ctx context.Context, userID, pipelineID string) (*model.Pipeline, error) {
	src, err := s.Get(ctx, pipelineID, userID)
	if err != nil {
		return nil, err
	}

	stages := src.Stages
	// StageConfig is copied by value except the skip list.
	stages.Prompt.SkipCorrections = append([]model.DefectKind(nil), src.Stages.Prompt.SkipCorrections...)

	owner := userID
	fork := &model.Pipeline{
		ID:          uuid.New().String(),
		OwnerID:     &owner,
		Name:        src.Name + " (fork)",
		Visibility:  model.VisibilityPrivate,
		DefaultTier: src.DefaultTier,
		Stages:      stages,
		UsageCount:  0,
	}
	if err := s.db.WithContext(ctx).Create(fork).Error; err != nil {
		return nil, fmt.Errorf("failed to fork pipeline: %w", err)
	}
	return fork, nil
}

// IncrementUsageTx bumps the usage counter within the caller's transaction.
func (s *PipelineService) IncrementUsageTx(ctx context.Context, tx *gorm.DB, pipelineID string, n int) error {
	return tx.WithContext(ctx).
		Model(&model.Pipeline{}).
		Where("id = ?", pipelineID).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", n)).Error
}

func (s *PipelineService) systemDefault(ctx context.Context) (*model.Pipeline, error) {
	var p model.Pipeline
	err := s.db.WithContext(ctx).Where("owner_id IS NULL").Order("created_at ASC").First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: system default pipeline", ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (s *PipelineService) load(ctx context.Context, pipelineID string) (*model.Pipeline, error) {
	var p model.Pipeline
	err := s.db.WithContext(ctx).Where("id = ?", pipelineID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, pipelineID)
		}
		return nil, err
	}
	return &p, nil
}

// visible: system defaults and PUBLIC/LINK pipelines are readable by
// anyone holding the id; PRIVATE only by the owner.
func (s *PipelineService) visible(p *model.Pipeline, userID string) bool {
	if p.SystemOwned() {
		return true
	}
	if p.OwnerID != nil && *p.OwnerID == userID {
		return true
	}
	return p.Visibility == model.VisibilityPublic || p.Visibility == model.VisibilityLink
}

// writable: owner == none means read-only to all.
func (s *PipelineService) writable(p *model.Pipeline, userID string) error {
	if p.SystemOwned() {
		return fmt.Errorf("%w: system pipelines are read-only", ErrForbidden)
	}
	if p.OwnerID == nil || *p.OwnerID != userID {
		return fmt.Errorf("%w: not the pipeline owner", ErrForbidden)
	}
	return nil
}

// ValidateStages enforces the stage-config ranges: temperatures and
// minCropRatio within [0,1], retryAttempts one of {1,2,3,5}, known defect
// kinds in the skip list.
func ValidateStages(sc *model.StageConfig) error {
	if sc.Analysis.Temperature < 0 || sc.Analysis.Temperature > 1 {
		return fmt.Errorf("%w: analysis temperature must be within [0,1]", ErrValidation)
	}
	if sc.Generation.Temperature < 0 || sc.Generation.Temperature > 1 {
		return fmt.Errorf("%w: generation temperature must be within [0,1]", ErrValidation)
	}
	if sc.AutoCrop.MinCropRatio < 0 || sc.AutoCrop.MinCropRatio > 1 {
		return fmt.Errorf("%w: minCropRatio must be within [0,1]", ErrValidation)
	}
	switch sc.Generation.RetryAttempts {
	case 1, 2, 3, 5:
	default:
		return fmt.Errorf("%w: retryAttempts must be one of 1, 2, 3, 5", ErrValidation)
	}
	for _, kind := range sc.Prompt.SkipCorrections {
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown defect kind %q", ErrValidation, kind)
		}
	}
	return nil
}
