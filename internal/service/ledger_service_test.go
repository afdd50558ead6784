package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/model"
	"github.com/enhancr/api/internal/storage"
)

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{
		InitialBalance: 10,
		MaxBalance:     100,
		RegenMinutes:   60,
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func newTestLedger(t *testing.T) (*LedgerService, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewLedgerService(db, testTokenConfig()), db
}

func TestGetBalanceCreatesAccount(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	acct, err := ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
	assert.Equal(t, int64(100), acct.MaxBalance)
}

func TestConsumeDebitsAndRecords(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	newBalance, err := ledger.Consume(ctx, "user-1", 4, model.SourceBatch, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), newBalance)

	var txn model.Transaction
	require.NoError(t, db.Where("type = ? AND source_id = ?", model.TransactionDebit, "batch-1").First(&txn).Error)
	assert.Equal(t, int64(-4), txn.Amount)
	assert.Equal(t, int64(6), txn.BalanceAfter)
}

func TestConsumeInsufficientBalance(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Consume(ctx, "user-1", 11, model.SourceBatch, "batch-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(11), insufficient.Required)
	assert.Equal(t, int64(10), insufficient.Available)

	// Balance untouched, no debit recorded.
	acct, err := ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	var count int64
	require.NoError(t, db.Model(&model.Transaction{}).Where("type = ?", model.TransactionDebit).Count(&count).Error)
	assert.Zero(t, count)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	// Balance 10, ten workers racing to consume 2 each: exactly 5 succeed.
	_, err := ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.Consume(ctx, "user-1", 2, model.SourceBatch, string(rune('a'+n)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 5, succeeded)

	var acct model.Balance
	require.NoError(t, db.Where("user_id = ?", "user-1").First(&acct).Error)
	assert.Equal(t, int64(0), acct.Balance)
	assert.GreaterOrEqual(t, acct.Balance, int64(0))
}

func TestRefundIsIdempotent(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Consume(ctx, "user-1", 5, model.SourceJob, "job-1")
	require.NoError(t, err)

	applied, err := ledger.Refund(ctx, "user-1", 5, "job-1")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = ledger.Refund(ctx, "user-1", 5, "job-1")
	require.NoError(t, err)
	assert.False(t, applied)

	acct, err := ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	var count int64
	require.NoError(t, db.Model(&model.Transaction{}).
		Where("type = ? AND source_id = ?", model.TransactionRefund, "job-1").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreditIdempotentByReference(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	balance, applied, err := ledger.Credit(ctx, "user-1", 40, "pay-123")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(50), balance)

	balance, applied, err = ledger.Credit(ctx, "user-1", 40, "pay-123")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(50), balance)
}

func TestCreditMayExceedRegenCap(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	balance, applied, err := ledger.Credit(ctx, "user-1", 200, "pay-big")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(210), balance)
}

func TestLazyRegeneration(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return current }

	acct, err := ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	// Less than one interval: nothing regenerates.
	current = current.Add(59 * time.Minute)
	acct, err = ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)

	// Two and a half intervals grant exactly two tokens.
	current = current.Add(91 * time.Minute)
	acct, err = ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), acct.Balance)

	// The timestamp advanced by whole intervals, so the half interval
	// still counts toward the next token.
	current = current.Add(30 * time.Minute)
	acct, err = ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(13), acct.Balance)
}

func TestRegenerationStopsAtCap(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return current }

	_, _, err := ledger.Credit(ctx, "user-1", 89, "pay-1")
	require.NoError(t, err)

	// 5 intervals elapsed but only one token of room.
	current = current.Add(5 * time.Hour)
	acct, err := ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)

	// The timestamp still advanced: a capped account does not bank
	// intervals to spend later.
	_, err = ledger.Consume(ctx, "user-1", 50, model.SourceBatch, "batch-1")
	require.NoError(t, err)
	current = current.Add(time.Hour)
	acct, err = ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(51), acct.Balance)
}
