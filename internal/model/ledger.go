package model

import "time"

// Balance is the materialized token balance for one user. The balance
// value is always derivable from the transaction log; it is mutated only
// through preconditioned updates so it can never go negative.
type Balance struct {
	UserID      string    `gorm:"primaryKey;size:64" json:"userId"`
	Balance     int64     `gorm:"not null" json:"balance"`
	MaxBalance  int64     `gorm:"not null" json:"maxBalance"`
	LastRegenAt time.Time `gorm:"not null" json:"lastRegenAt"`
	Version     int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Balance) TableName() string {
	return "balances"
}

// Transaction is an immutable ledger entry. The unique (type, source_id)
// index is what makes refunds idempotent at the database level: at most
// one REFUND row can ever exist for a given job.
type Transaction struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	UserID       string          `gorm:"size:64;index;not null" json:"userId"`
	Amount       int64           `gorm:"not null" json:"amount"`
	Type         TransactionType `gorm:"size:16;not null;uniqueIndex:idx_tx_type_source" json:"type"`
	Source       string          `gorm:"size:16;not null" json:"source"`
	SourceID     string          `gorm:"size:64;not null;uniqueIndex:idx_tx_type_source" json:"sourceId"`
	BalanceAfter int64           `gorm:"not null" json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// BalanceResponse is returned by the balance endpoint
type BalanceResponse struct {
	Balance     int64     `json:"balance"`
	MaxBalance  int64     `json:"maxBalance"`
	LastRegenAt time.Time `json:"lastRegenAt"`
}

// CreditRequest is an opaque credit event from the billing system.
// Authenticity of the payment is the billing system's concern.
type CreditRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reference string `json:"reference" validate:"required,max=64"`
}

// CreditResponse reports the applied credit
type CreditResponse struct {
	Balance int64 `json:"balance"`
	Applied bool  `json:"applied"`
}
