package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountBalance represents the account_balances table. Rows are provisioned
// by the account directory; the ledger only reads and conditionally updates
// them.
type AccountBalance struct {
	AccountID string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	Version   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// ConnectsTransaction mirrors the connects_transactions table. Rows are
// written once and never updated.
type ConnectsTransaction struct {
	TransactionID    string         `gorm:"type:uuid;primaryKey"`
	AccountID        string         `gorm:"not null;index:idx_transactions_account_created,priority:1;index:uniq_transaction_account_idem,unique,priority:1"`
	Type             string         `gorm:"not null"`
	Quantity         int64          `gorm:"not null"`
	SignedDelta      int64          `gorm:"not null"`
	AmountCharged    int64          `gorm:"not null"`
	ResultingBalance int64          `gorm:"not null"`
	IdempotencyKey   *string        `gorm:"index:uniq_transaction_account_idem,unique,priority:2"`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (ConnectsTransaction) TableName() string { return "connects_transactions" }

func (transaction *ConnectsTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
