package model

// Resolution tiers
type Tier string

const (
	Tier1K Tier = "TIER_1K"
	Tier2K Tier = "TIER_2K"
	Tier4K Tier = "TIER_4K"
)

var ValidTiers = []Tier{Tier1K, Tier2K, Tier4K}

func (t Tier) Valid() bool {
	for _, v := range ValidTiers {
		if t == v {
			return true
		}
	}
	return false
}

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusRefunded   JobStatus = "REFUNDED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusRefunded, JobStatusCancelled:
		return true
	}
	return false
}

// Ledger transaction types
type TransactionType string

const (
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionDebit    TransactionType = "DEBIT"
	TransactionRefund   TransactionType = "REFUND"
	TransactionRegen    TransactionType = "REGEN"
)

// Transaction sources
const (
	SourceJob     = "job"
	SourceBatch   = "batch"
	SourceBilling = "billing"
	SourceRegen   = "regen"
	SourceManual  = "manual"
)

// Pipeline visibility
type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityLink    Visibility = "LINK"
)

var ValidVisibilities = []Visibility{VisibilityPrivate, VisibilityPublic, VisibilityLink}

func (v Visibility) Valid() bool {
	for _, vv := range ValidVisibilities {
		if v == vv {
			return true
		}
	}
	return false
}

// Defect kinds the analysis stage can classify
type DefectKind string

const (
	DefectDarkness      DefectKind = "darkness"
	DefectBlur          DefectKind = "blur"
	DefectNoise         DefectKind = "noise"
	DefectTapeArtifact  DefectKind = "tape_artifact"
	DefectLowResolution DefectKind = "low_resolution"
	DefectOverexposure  DefectKind = "overexposure"
	DefectColorCast     DefectKind = "color_cast"
	DefectBlackBars     DefectKind = "black_bars"
	DefectUIOverlay     DefectKind = "ui_overlay"
)

var ValidDefectKinds = []DefectKind{
	DefectDarkness, DefectBlur, DefectNoise, DefectTapeArtifact,
	DefectLowResolution, DefectOverexposure, DefectColorCast,
	DefectBlackBars, DefectUIOverlay,
}

func (d DefectKind) Valid() bool {
	for _, v := range ValidDefectKinds {
		if d == v {
			return true
		}
	}
	return false
}

// Removable reports whether the defect describes a croppable border
// rather than an image-quality problem.
func (d DefectKind) Removable() bool {
	return d == DefectBlackBars || d == DefectUIOverlay
}
