package connects

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const stubAccountIDValue = "recruiter-1"

// stubStore is an in-memory BalanceStore and TransactionLog with the same
// compare-and-swap semantics a real store provides, plus injection points
// for failures and lost races.
type stubStore struct {
	mu           sync.Mutex
	accountID    string
	balance      int64
	version      int64
	updatedAt    int64
	transactions []Transaction
	nextSequence int

	missingAccount             bool
	getBalanceError            error
	swapError                  error
	appendError                error
	transientGetFailures       int
	forcedSwapConflicts        int
	appendFailuresLeft         int
	hideIdempotentRecords      bool
	transientKeyLookupFailures int
}

func newStubStore(test *testing.T, initialBalance int64) *stubStore {
	test.Helper()
	return &stubStore{
		accountID: stubAccountIDValue,
		balance:   initialBalance,
		version:   1,
	}
}

func (store *stubStore) GetBalance(_ context.Context, accountID AccountID) (BalanceRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.transientGetFailures > 0 {
		store.transientGetFailures--
		return BalanceRecord{}, fmt.Errorf("%w: flaky read", ErrStorageUnavailable)
	}
	if store.getBalanceError != nil {
		return BalanceRecord{}, store.getBalanceError
	}
	if store.missingAccount || accountID.String() != store.accountID {
		return BalanceRecord{}, ErrAccountNotFound
	}
	return BalanceRecord{
		AccountID:      accountID,
		Balance:        store.balance,
		Version:        store.version,
		UpdatedUnixUTC: store.updatedAt,
	}, nil
}

func (store *stubStore) CompareAndSwapBalance(_ context.Context, accountID AccountID, expectedVersion int64, newBalance int64, atUnixUTC int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.swapError != nil {
		return false, store.swapError
	}
	if store.missingAccount || accountID.String() != store.accountID {
		return false, nil
	}
	if store.forcedSwapConflicts > 0 {
		store.forcedSwapConflicts--
		store.version++
		return false, nil
	}
	if store.version != expectedVersion {
		return false, nil
	}
	store.balance = newBalance
	store.version++
	store.updatedAt = atUnixUTC
	return true, nil
}

func (store *stubStore) AppendTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.appendFailuresLeft > 0 {
		store.appendFailuresLeft--
		return Transaction{}, fmt.Errorf("%w: flaky append", ErrStorageUnavailable)
	}
	if store.appendError != nil {
		return Transaction{}, store.appendError
	}
	if !input.IdempotencyKey.IsZero() {
		for _, existing := range store.transactions {
			if existing.IdempotencyKey == input.IdempotencyKey {
				return Transaction{}, ErrDuplicateTransaction
			}
		}
	}
	store.nextSequence++
	transactionID, err := NewTransactionID(fmt.Sprintf("txn-%04d", store.nextSequence))
	if err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
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
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) GetByIdempotencyKey(_ context.Context, accountID AccountID, key IdempotencyKey) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.transientKeyLookupFailures > 0 {
		store.transientKeyLookupFailures--
		return Transaction{}, fmt.Errorf("%w: flaky key lookup", ErrStorageUnavailable)
	}
	if store.hideIdempotentRecords {
		return Transaction{}, ErrTransactionNotFound
	}
	for _, existing := range store.transactions {
		if existing.AccountID == accountID && existing.IdempotencyKey == key {
			return existing, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *stubStore) ListTransactions(_ context.Context, accountID AccountID, afterTransactionID string, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	startIndex := 0
	if afterTransactionID != "" {
		startIndex = -1
		for index, existing := range store.transactions {
			if existing.TransactionID.String() == afterTransactionID {
				startIndex = index + 1
				break
			}
		}
		if startIndex == -1 {
			return nil, ErrInvalidCursor
		}
	}
	page := []Transaction{}
	for index := startIndex; index < len(store.transactions) && len(page) < limit; index++ {
		if store.transactions[index].AccountID == accountID {
			page = append(page, store.transactions[index])
		}
	}
	return page, nil
}

func (store *stubStore) SumSignedDeltas(_ context.Context, accountID AccountID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum int64
	for _, existing := range store.transactions {
		if existing.AccountID == accountID {
			sum += existing.SignedDelta
		}
	}
	return sum, nil
}

func mustNewService(test *testing.T, store *stubStore, options ...ServiceOption) *Service {
	test.Helper()
	allOptions := append([]ServiceOption{WithRetryPolicy(4, time.Millisecond)}, options...)
	service, err := NewService(store, store, func() int64 { return 1700000000 }, allOptions...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustQuantity(test *testing.T, raw int64) Quantity {
	test.Helper()
	quantity, err := NewQuantity(raw)
	if err != nil {
		test.Fatalf("quantity: %v", err)
	}
	return quantity
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustApply(test *testing.T, service *Service, accountID AccountID, transactionType TransactionType, quantity int64) ApplyResult {
	test.Helper()
	result, err := service.Apply(context.Background(), accountID, transactionType, mustQuantity(test, quantity), IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("apply %s %d: %v", transactionType, quantity, err)
	}
	return result
}
