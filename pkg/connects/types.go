package connects

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AccountID identifies an account owned by the account directory.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// TransactionID identifies a ledger transaction record.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// TransactionType enumerates ledger mutations.
type TransactionType string

const (
	TransactionBuy TransactionType = "buy"
	TransactionAdd TransactionType = "add"
	TransactionUse TransactionType = "use"
)

// ParseTransactionType normalizes a caller-supplied type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToLower(strings.TrimSpace(raw))) {
	case TransactionBuy:
		return TransactionBuy, nil
	case TransactionAdd:
		return TransactionAdd, nil
	case TransactionUse:
		return TransactionUse, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the canonical type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// SignedDelta returns the signed balance change for a quantity of this type.
func (transactionType TransactionType) SignedDelta(quantity Quantity) int64 {
	if transactionType == TransactionUse {
		return -quantity.Int64()
	}
	return quantity.Int64()
}

// Quantity is a strictly positive count of connects.
type Quantity int64

// NewQuantity validates a quantity and ensures it is strictly positive.
func NewQuantity(raw int64) (Quantity, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidQuantity)
	}
	return Quantity(raw), nil
}

// Int64 returns the raw count.
func (quantity Quantity) Int64() int64 {
	return int64(quantity)
}

// AmountCents is an integer monetary amount in cents.
type AmountCents int64

// Int64 returns the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// IdempotencyKey scopes duplicate detection per account. The zero value
// means the caller supplied no key and duplicates are not detected.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// BalanceRecord is the stored balance row for one account. Version is the
// optimistic-concurrency token bumped on every successful mutation.
type BalanceRecord struct {
	AccountID      AccountID
	Balance        int64
	Version        int64
	UpdatedUnixUTC int64
}

// TransactionInput carries the fields of a transaction record before the
// log assigns an id.
type TransactionInput struct {
	AccountID        AccountID
	Type             TransactionType
	Quantity         Quantity
	SignedDelta      int64
	AmountCharged    AmountCents
	ResultingBalance int64
	IdempotencyKey   IdempotencyKey
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// NewTransactionInput validates a transaction record prior to append.
func NewTransactionInput(
	accountID AccountID,
	transactionType TransactionType,
	quantity Quantity,
	amountCharged AmountCents,
	resultingBalance int64,
	idempotencyKey IdempotencyKey,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (TransactionInput, error) {
	if accountID.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if quantity <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidQuantity)
	}
	if resultingBalance < 0 {
		return TransactionInput{}, fmt.Errorf("%w: negative resulting balance", ErrInvalidBalance)
	}
	if amountCharged < 0 {
		return TransactionInput{}, fmt.Errorf("%w: negative amount charged", ErrInvalidBalance)
	}
	return TransactionInput{
		AccountID:        accountID,
		Type:             transactionType,
		Quantity:         quantity,
		SignedDelta:      transactionType.SignedDelta(quantity),
		AmountCharged:    amountCharged,
		ResultingBalance: resultingBalance,
		IdempotencyKey:   idempotencyKey,
		Metadata:         metadata,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}

// Transaction is a single immutable line in the transaction log.
type Transaction struct {
	TransactionID    TransactionID
	AccountID        AccountID
	Type             TransactionType
	Quantity         Quantity
	SignedDelta      int64
	AmountCharged    AmountCents
	ResultingBalance int64
	IdempotencyKey   IdempotencyKey
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// HistoryPage is one page of an account's transaction history in
// ascending chronological order.
type HistoryPage struct {
	Transactions []Transaction
	NextCursor   string
}

// BalanceStore is the durable account-id to balance mapping. The ledger
// never creates balance rows; the account directory provisions them.
type BalanceStore interface {
	GetBalance(ctx context.Context, accountID AccountID) (BalanceRecord, error)
	CompareAndSwapBalance(ctx context.Context, accountID AccountID, expectedVersion int64, newBalance int64, atUnixUTC int64) (bool, error)
}

// TransactionLog is the append-only record of balance mutations.
type TransactionLog interface {
	AppendTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	GetByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, error)
	ListTransactions(ctx context.Context, accountID AccountID, afterTransactionID string, limit int) ([]Transaction, error)
	SumSignedDeltas(ctx context.Context, accountID AccountID) (int64, error)
}

// AccountDirectory answers whether an account id exists. Account creation
// and profile attributes live outside the ledger.
type AccountDirectory interface {
	AccountExists(ctx context.Context, accountID AccountID) (bool, error)
}
