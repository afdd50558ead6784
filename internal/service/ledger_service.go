package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/model"
)

// LedgerService owns per-user token balances and the immutable transaction
// log. Every balance mutation is a single preconditioned UPDATE inside a
// transaction, so concurrent consumes are linearizable and the balance can
// never go negative.
type LedgerService struct {
	db  *gorm.DB
	cfg config.TokenConfig
	now func() time.Time
}

func NewLedgerService(db *gorm.DB, cfg config.TokenConfig) *LedgerService {
	return &LedgerService{
		db:  db,
		cfg: cfg,
		now: time.Now,
	}
}

// GetBalance applies lazy passive regeneration and returns the account.
// Regeneration is computed at read time from wall clock, never by polling.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	var acct *model.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		acct, err = s.getOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		return s.applyRegen(ctx, tx, acct)
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Consume atomically debits the balance and appends a debit transaction.
func (s *LedgerService) Consume(ctx context.Context, userID string, amount int64, source, sourceID string) (int64, error) {
	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = s.ConsumeTx(ctx, tx, userID, amount, source, sourceID)
		return err
	})
	return newBalance, err
}

// ConsumeTx debits within the caller's transaction so side effects that
// depend on the debit (job-row creation) commit or roll back with it.
// Fails with InsufficientBalanceError when the precondition does not hold.
func (s *LedgerService) ConsumeTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, source, sourceID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: consume amount must be positive", ErrValidation)
	}

	acct, err := s.getOrCreate(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.applyRegen(ctx, tx, acct); err != nil {
		return 0, err
	}

	// Single compare-and-update: no check-then-act across round trips.
	res := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, &InsufficientBalanceError{Required: amount, Available: acct.Balance}
	}

	newBalance, err := s.reload(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	txn := &model.Transaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		Amount:       -amount,
		Type:         model.TransactionDebit,
		Source:       source,
		SourceID:     sourceID,
		BalanceAfter: newBalance,
	}
	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		return 0, fmt.Errorf("failed to record debit: %w", err)
	}
	return newBalance, nil
}

// Refund credits back a job's cost, at most once per job.
func (s *LedgerService) Refund(ctx context.Context, userID string, amount int64, sourceJobID string) (bool, error) {
	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = s.RefundTx(ctx, tx, userID, amount, sourceJobID)
		return err
	})
	return applied, err
}

// RefundTx is the idempotent refund primitive. A second refund for the
// same job is a no-op; the unique (type, source_id) index backs the check
// at the database level.
func (s *LedgerService) RefundTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, sourceJobID string) (bool, error) {
	var existing model.Transaction
	err := tx.WithContext(ctx).
		Where("type = ? AND source_id = ?", model.TransactionRefund, sourceJobID).
		First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	res := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}

	newBalance, err := s.reload(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	txn := &model.Transaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		Amount:       amount,
		Type:         model.TransactionRefund,
		Source:       model.SourceJob,
		SourceID:     sourceJobID,
		BalanceAfter: newBalance,
	}
	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		return false, fmt.Errorf("failed to record refund: %w", err)
	}
	return true, nil
}

// Credit applies an opaque billing credit. Replays of the same billing
// reference are no-ops. Purchased tokens may exceed the regeneration cap.
func (s *LedgerService) Credit(ctx context.Context, userID string, amount int64, reference string) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, fmt.Errorf("%w: credit amount must be positive", ErrValidation)
	}

	var newBalance int64
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.getOrCreate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.applyRegen(ctx, tx, acct); err != nil {
			return err
		}

		var existing model.Transaction
		err = tx.WithContext(ctx).
			Where("type = ? AND source_id = ?", model.TransactionPurchase, reference).
			First(&existing).Error
		if err == nil {
			newBalance = acct.Balance
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		res := tx.WithContext(ctx).
			Model(&model.Balance{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"balance": gorm.Expr("balance + ?", amount),
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}

		newBalance, err = s.reload(ctx, tx, userID)
		if err != nil {
			return err
		}

		txn := &model.Transaction{
			ID:           uuid.New().String(),
			UserID:       userID,
			Amount:       amount,
			Type:         model.TransactionPurchase,
			Source:       model.SourceBilling,
			SourceID:     reference,
			BalanceAfter: newBalance,
		}
		if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
			return fmt.Errorf("failed to record credit: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return newBalance, applied, nil
}

// ListTransactions returns the most recent ledger entries for a user.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var txns []model.Transaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (s *LedgerService) getOrCreate(ctx context.Context, tx *gorm.DB, userID string) (*model.Balance, error) {
	var acct model.Balance
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := model.Balance{
		UserID:      userID,
		Balance:     s.cfg.InitialBalance,
		MaxBalance:  s.cfg.MaxBalance,
		LastRegenAt: s.now(),
	}
	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&fresh).Error
	if err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// applyRegen grants one token per elapsed interval, capped at the account
// maximum. The regeneration timestamp advances even while at cap so capped
// users do not bank intervals. Optimistically versioned: a concurrent
// regeneration simply wins and this one reloads.
func (s *LedgerService) applyRegen(ctx context.Context, tx *gorm.DB, acct *model.Balance) error {
	interval := s.cfg.RegenInterval()
	if interval <= 0 {
		return nil
	}

	elapsed := s.now().Sub(acct.LastRegenAt)
	intervals := int64(elapsed / interval)
	if intervals <= 0 {
		return nil
	}

	grant := intervals
	if room := acct.MaxBalance - acct.Balance; grant > room {
		grant = room
	}
	if grant < 0 {
		grant = 0
	}
	newLast := acct.LastRegenAt.Add(time.Duration(intervals) * interval)

	res := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ? AND version = ?", acct.UserID, acct.Version).
		Updates(map[string]interface{}{
			"balance":       gorm.Expr("balance + ?", grant),
			"last_regen_at": newLast,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the version race; pick up whatever the winner committed.
		return tx.WithContext(ctx).Where("user_id = ?", acct.UserID).First(acct).Error
	}

	acct.Balance += grant
	acct.LastRegenAt = newLast
	acct.Version++

	if grant > 0 {
		txn := &model.Transaction{
			ID:           uuid.New().String(),
			UserID:       acct.UserID,
			Amount:       grant,
			Type:         model.TransactionRegen,
			Source:       model.SourceRegen,
			SourceID:     uuid.New().String(),
			BalanceAfter: acct.Balance,
		}
		if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
			return fmt.Errorf("failed to record regeneration: %w", err)
		}
		zap.L().Debug("Regenerated tokens",
			zap.String("userId", acct.UserID),
			zap.Int64("granted", grant),
			zap.Int64("balance", acct.Balance))
	}
	return nil
}

func (s *LedgerService) reload(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	var acct model.Balance
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error; err != nil {
		return 0, err
	}
	return acct.Balance, nil
}
