package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hiregrid/connects/pkg/connects"
)

const (
	constraintAccountIdempotencyKey = "uniq_transaction_account_idem"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	pgConnectionErrorClass          = "08"
	sqliteConstraintCode            = 19
	errorOperationStore             = "store"
	errorSubjectBalance             = "balance"
	errorSubjectTransaction         = "transaction"
	errorCodeAppend                 = "append"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeProvision              = "provision"
	errorCodeSum                    = "sum"
	errorCodeSwap                   = "swap"
)

// Store implements connects.BalanceStore and connects.TransactionLog using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Production postgres deployments migrate
// out of band; sqlite targets use this directly.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&AccountBalance{}, &ConnectsTransaction{})
}

// ProvisionAccount creates a balance row at the given starting balance if
// none exists yet. This stands in for the account directory, which owns
// account creation in production.
func (store *Store) ProvisionAccount(ctx context.Context, accountID connects.AccountID, initialBalance int64) error {
	row := AccountBalance{
		AccountID: accountID.String(),
		Balance:   initialBalance,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeProvision, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID connects.AccountID) (connects.BalanceRecord, error) {
	var row AccountBalance
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return connects.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, connects.ErrAccountNotFound)
		}
		return connects.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, classifyInfraError(err))
	}
	return connects.BalanceRecord{
		AccountID:      accountID,
		Balance:        row.Balance,
		Version:        row.Version,
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

// CompareAndSwapBalance sets the balance in a single conditional statement.
// A false result means another writer bumped the version first.
func (store *Store) CompareAndSwapBalance(ctx context.Context, accountID connects.AccountID, expectedVersion int64, newBalance int64, atUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("account_id = ? AND version = ?", accountID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeSwap, classifyInfraError(result.Error))
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) AppendTransaction(ctx context.Context, input connects.TransactionInput) (connects.Transaction, error) {
	var idempotencyKey *string
	if !input.IdempotencyKey.IsZero() {
		value := input.IdempotencyKey.String()
		idempotencyKey = &value
	}
	row := ConnectsTransaction{
		AccountID:        input.AccountID.String(),
		Type:             input.Type.String(),
		Quantity:         input.Quantity.Int64(),
		SignedDelta:      input.SignedDelta,
		AmountCharged:    input.AmountCharged.Int64(),
		ResultingBalance: input.ResultingBalance,
		IdempotencyKey:   idempotencyKey,
		Metadata:         datatypesJSON(input.Metadata.String()),
		CreatedAt:        time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, connects.ErrDuplicateTransaction)
	}
	if err != nil {
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeAppend, classifyInfraError(err))
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) GetByIdempotencyKey(ctx context.Context, accountID connects.AccountID, key connects.IdempotencyKey) (connects.Transaction, error) {
	var row ConnectsTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, connects.ErrTransactionNotFound)
		}
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, classifyInfraError(err))
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

// ListTransactions pages ascending by (created_at, transaction_id) starting
// after the given anchor transaction id.
func (store *Store) ListTransactions(ctx context.Context, accountID connects.AccountID, afterTransactionID string, limit int) ([]connects.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String())

	if afterTransactionID != "" {
		var anchor ConnectsTransaction
		err := store.db.WithContext(ctx).
			Where("account_id = ? AND transaction_id = ?", accountID.String(), afterTransactionID).
			Take(&anchor).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, connects.ErrInvalidCursor)
			}
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyInfraError(err))
		}
		query = query.Where(
			"(created_at > ? OR (created_at = ? AND transaction_id > ?))",
			anchor.CreatedAt, anchor.CreatedAt, anchor.TransactionID,
		)
	}

	var rows []ConnectsTransaction
	err := query.
		Order("created_at ASC").
		Order("transaction_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyInfraError(err))
	}

	transactions := make([]connects.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumSignedDeltas(ctx context.Context, accountID connects.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&ConnectsTransaction{}).
		Select("coalesce(sum(signed_delta),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, classifyInfraError(err))
	}
	return sum.Total, nil
}

type sqlSum struct {
	Total int64
}

func wrapStoreError(subject string, code string, err error) error {
	return connects.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(row ConnectsTransaction) (connects.Transaction, error) {
	transactionID, err := connects.NewTransactionID(row.TransactionID)
	if err != nil {
		return connects.Transaction{}, err
	}
	accountID, err := connects.NewAccountID(row.AccountID)
	if err != nil {
		return connects.Transaction{}, err
	}
	transactionType, err := connects.ParseTransactionType(row.Type)
	if err != nil {
		return connects.Transaction{}, err
	}
	quantity, err := connects.NewQuantity(row.Quantity)
	if err != nil {
		return connects.Transaction{}, err
	}
	var idempotencyKey connects.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = connects.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return connects.Transaction{}, err
		}
	}
	metadata, err := connects.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return connects.Transaction{}, err
	}
	return connects.Transaction{
		TransactionID:    transactionID,
		AccountID:        accountID,
		Type:             transactionType,
		Quantity:         quantity,
		SignedDelta:      row.SignedDelta,
		AmountCharged:    connects.AmountCents(row.AmountCharged),
		ResultingBalance: row.ResultingBalance,
		IdempotencyKey:   idempotencyKey,
		Metadata:         metadata,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// classifyInfraError marks connection-level failures as transient so the
// service retries them with backoff.
func classifyInfraError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgConnectionErrorClass {
		return errors.Join(connects.ErrStorageUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(connects.ErrStorageUnavailable, err)
	}
	return err
}
