package model

import "time"

// AnalysisConfig controls the defect-classification stage
type AnalysisConfig struct {
	Enabled     bool    `json:"enabled"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=1"`
}

// AutoCropConfig controls the border-removal stage
type AutoCropConfig struct {
	Enabled          bool    `json:"enabled"`
	RemoveBlackBars  bool    `json:"removeBlackBars"`
	RemoveUIElements bool    `json:"removeUIElements"`
	MinCropRatio     float64 `json:"minCropRatio" validate:"gte=0,lte=1"`
}

// PromptConfig controls generation-instruction construction
type PromptConfig struct {
	CustomInstructions string       `json:"customInstructions" validate:"max=2000"`
	SkipCorrections    []DefectKind `json:"skipCorrections"`
}

// GenerationConfig controls the enhancement call itself
type GenerationConfig struct {
	RetryAttempts int     `json:"retryAttempts" validate:"oneof=1 2 3 5"`
	Temperature   float64 `json:"temperature" validate:"gte=0,lte=1"`
}

// StageConfig is the effective four-stage configuration a job is
// processed with. Jobs carry a resolved snapshot of it, so later pipeline
// edits never affect jobs already created.
type StageConfig struct {
	Analysis   AnalysisConfig   `json:"analysis"`
	AutoCrop   AutoCropConfig   `json:"autoCrop"`
	Prompt     PromptConfig     `json:"prompt"`
	Generation GenerationConfig `json:"generation"`
}

// Pipeline is a named stage configuration. OwnerID == nil marks a system
// default: globally readable, writable and deletable by nobody.
type Pipeline struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	OwnerID     *string     `gorm:"size:64;index" json:"ownerId,omitempty"`
	Name        string      `gorm:"size:128;not null" json:"name"`
	Visibility  Visibility  `gorm:"size:16;not null" json:"visibility"`
	DefaultTier Tier        `gorm:"size:16;not null" json:"defaultTier"`
	Stages      StageConfig `gorm:"serializer:json" json:"stages"`
	UsageCount  int64       `gorm:"not null;default:0" json:"usageCount"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// SystemOwned reports whether the pipeline is a system default.
func (p *Pipeline) SystemOwned() bool {
	return p.OwnerID == nil
}

// DefaultStageConfig is the configuration seeded for the system default
// pipeline and used as the base for new pipelines.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		Analysis: AnalysisConfig{Enabled: true, Temperature: 0.2},
		AutoCrop: AutoCropConfig{
			Enabled:          true,
			RemoveBlackBars:  true,
			RemoveUIElements: false,
			MinCropRatio:     0.05,
		},
		Prompt: PromptConfig{},
		Generation: GenerationConfig{
			RetryAttempts: 3,
			Temperature:   0.4,
		},
	}
}

// PipelineCreateRequest creates a user-owned pipeline
type PipelineCreateRequest struct {
	Name        string       `json:"name" validate:"required,max=128"`
	Visibility  Visibility   `json:"visibility" validate:"required"`
	DefaultTier Tier         `json:"defaultTier" validate:"required"`
	Stages      *StageConfig `json:"stages"`
}

// PipelineUpdateRequest mutates an owned pipeline. Nil fields are untouched.
type PipelineUpdateRequest struct {
	Name        *string      `json:"name" validate:"omitempty,max=128"`
	Visibility  *Visibility  `json:"visibility"`
	DefaultTier *Tier        `json:"defaultTier"`
	Stages      *StageConfig `json:"stages"`
}
