package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiregrid/connects/pkg/connects"
)

const (
	constraintAccountIdempotencyKey = "uniq_transaction_account_idem"
	pgUniqueViolationCode           = "23505"
	pgConnectionErrorClass          = "08"
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

	sqlProvisionAccount = `
		insert into account_balances(account_id, balance, version, updated_at)
		values($1, $2, 1, now())
		on conflict (account_id) do nothing
	`

	sqlSelectBalance = `
		select balance, version, extract(epoch from updated_at)::bigint
		from account_balances
		where account_id = $1
	`

	sqlSwapBalance = `
		update account_balances
		set balance = $3, version = version + 1, updated_at = to_timestamp($4)
		where account_id = $1 and version = $2
	`

	sqlInsertTransaction = `
		insert into connects_transactions(
			transaction_id, account_id, type, quantity, signed_delta,
			amount_charged, resulting_balance, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, $6,
			nullif($7,''),
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning transaction_id::text
	`

	sqlSelectByIdempotencyKey = `
		select
			transaction_id::text, account_id, type, quantity, signed_delta,
			amount_charged, resulting_balance, coalesce(idempotency_key,''),
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from connects_transactions
		where account_id = $1 and idempotency_key = $2
	`

	sqlSelectAnchor = `
		select created_at, transaction_id::text
		from connects_transactions
		where account_id = $1 and transaction_id = $2::uuid
	`

	sqlListTransactionsFirst = `
		select
			transaction_id::text, account_id, type, quantity, signed_delta,
			amount_charged, resulting_balance, coalesce(idempotency_key,''),
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from connects_transactions
		where account_id = $1
		order by created_at asc, transaction_id asc
		limit $2
	`

	sqlListTransactionsAfter = `
		select
			transaction_id::text, account_id, type, quantity, signed_delta,
			amount_charged, resulting_balance, coalesce(idempotency_key,''),
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from connects_transactions
		where account_id = $1
		and (created_at, transaction_id) > ($2::timestamptz, $3::uuid)
		order by created_at asc, transaction_id asc
		limit $4
	`

	sqlSumSignedDeltas = `
		select coalesce(sum(signed_delta),0)
		from connects_transactions
		where account_id = $1
	`
)

// Store implements connects.BalanceStore and connects.TransactionLog using a
// pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ProvisionAccount creates a balance row if absent, standing in for the
// account directory.
func (store *Store) ProvisionAccount(ctx context.Context, accountID connects.AccountID, initialBalance int64) error {
	_, err := store.pool.Exec(ctx, sqlProvisionAccount, accountID.String(), initialBalance)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeProvision, classifyInfraError(err))
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID connects.AccountID) (connects.BalanceRecord, error) {
	var (
		balance        int64
		version        int64
		updatedUnixUTC int64
	)
	err := store.pool.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&balance, &version, &updatedUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connects.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, connects.ErrAccountNotFound)
		}
		return connects.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, classifyInfraError(err))
	}
	return connects.BalanceRecord{
		AccountID:      accountID,
		Balance:        balance,
		Version:        version,
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func (store *Store) CompareAndSwapBalance(ctx context.Context, accountID connects.AccountID, expectedVersion int64, newBalance int64, atUnixUTC int64) (bool, error) {
	tag, err := store.pool.Exec(ctx, sqlSwapBalance, accountID.String(), expectedVersion, newBalance, atUnixUTC)
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeSwap, classifyInfraError(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) AppendTransaction(ctx context.Context, input connects.TransactionInput) (connects.Transaction, error) {
	var transactionIDValue string
	err := store.pool.QueryRow(ctx, sqlInsertTransaction,
		input.AccountID.String(),
		input.Type.String(),
		input.Quantity.Int64(),
		input.SignedDelta,
		input.AmountCharged.Int64(),
		input.ResultingBalance,
		input.IdempotencyKey.String(),
		input.Metadata.String(),
		input.CreatedUnixUTC,
	).Scan(&transactionIDValue)
	if isIdempotencyConflict(err) {
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, connects.ErrDuplicateTransaction)
	}
	if err != nil {
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeAppend, classifyInfraError(err))
	}
	transactionID, err := connects.NewTransactionID(transactionIDValue)
	if err != nil {
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return connects.Transaction{
		TransactionID:    transactionID,
		AccountID:        input.AccountID,
		Type:             input.Type,
		Quantity:         input.Quantity,
		SignedDelta:      input.SignedDelta,
		AmountCharged:    input.AmountCharged,
		ResultingBalance: input.ResultingBalance,
		IdempotencyKey:   input.IdempotencyKey,
		Metadata:         input.Metadata,
		CreatedUnixUTC:   input.CreatedUnixUTC,
	}, nil
}

func (store *Store) GetByIdempotencyKey(ctx context.Context, accountID connects.AccountID, key connects.IdempotencyKey) (connects.Transaction, error) {
	row := store.pool.QueryRow(ctx, sqlSelectByIdempotencyKey, accountID.String(), key.String())
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, connects.ErrTransactionNotFound)
		}
		return connects.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, classifyInfraError(err))
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID connects.AccountID, afterTransactionID string, limit int) ([]connects.Transaction, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if afterTransactionID == "" {
		rows, err = store.pool.Query(ctx, sqlListTransactionsFirst, accountID.String(), limit)
	} else {
		var (
			anchorCreatedAt time.Time
			anchorID        string
		)
		anchorErr := store.pool.QueryRow(ctx, sqlSelectAnchor, accountID.String(), afterTransactionID).Scan(&anchorCreatedAt, &anchorID)
		if anchorErr != nil {
			if errors.Is(anchorErr, pgx.ErrNoRows) {
				return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, connects.ErrInvalidCursor)
			}
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyInfraError(anchorErr))
		}
		rows, err = store.pool.Query(ctx, sqlListTransactionsAfter, accountID.String(), anchorCreatedAt, anchorID, limit)
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyInfraError(err))
	}
	defer rows.Close()

	transactions := make([]connects.Transaction, 0, limit)
	for rows.Next() {
		transaction, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, scanErr)
		}
		transactions = append(transactions, transaction)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyInfraError(rowsErr))
	}
	return transactions, nil
}

func (store *Store) SumSignedDeltas(ctx context.Context, accountID connects.AccountID) (int64, error) {
	var sum int64
	err := store.pool.QueryRow(ctx, sqlSumSignedDeltas, accountID.String()).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, classifyInfraError(err))
	}
	return sum, nil
}

func scanTransaction(row pgx.Row) (connects.Transaction, error) {
	var (
		transactionIDValue  string
		accountIDValue      string
		typeValue           string
		quantityValue       int64
		signedDelta         int64
		amountCharged       int64
		resultingBalance    int64
		idempotencyKeyValue string
		metadataValue       string
		createdUnixUTC      int64
	)
	err := row.Scan(
		&transactionIDValue,
		&accountIDValue,
		&typeValue,
		&quantityValue,
		&signedDelta,
		&amountCharged,
		&resultingBalance,
		&idempotencyKeyValue,
		&metadataValue,
		&createdUnixUTC,
	)
	if err != nil {
		return connects.Transaction{}, err
	}
	transactionID, err := connects.NewTransactionID(transactionIDValue)
	if err != nil {
		return connects.Transaction{}, err
	}
	accountID, err := connects.NewAccountID(accountIDValue)
	if err != nil {
		return connects.Transaction{}, err
	}
	transactionType, err := connects.ParseTransactionType(typeValue)
	if err != nil {
		return connects.Transaction{}, err
	}
	quantity, err := connects.NewQuantity(quantityValue)
	if err != nil {
		return connects.Transaction{}, err
	}
	var idempotencyKey connects.IdempotencyKey
	if idempotencyKeyValue != "" {
		idempotencyKey, err = connects.NewIdempotencyKey(idempotencyKeyValue)
		if err != nil {
			return connects.Transaction{}, err
		}
	}
	metadata, err := connects.NewMetadataJSON(metadataValue)
	if err != nil {
		return connects.Transaction{}, err
	}
	return connects.Transaction{
		TransactionID:    transactionID,
		AccountID:        accountID,
		Type:             transactionType,
		Quantity:         quantity,
		SignedDelta:      signedDelta,
		AmountCharged:    connects.AmountCents(amountCharged),
		ResultingBalance: resultingBalance,
		IdempotencyKey:   idempotencyKey,
		Metadata:         metadata,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return connects.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	return false
}

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
