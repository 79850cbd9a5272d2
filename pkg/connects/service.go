package connects

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
)

// Service applies balance mutations with optimistic concurrency and keeps
// the balance store and the transaction log consistent.
type Service struct {
	balances        BalanceStore
	transactions    TransactionLog
	pricing         PricingPolicy
	nowFn           func() int64
	logger          OperationLogger
	maxSwapAttempts int
	storageAttempts int
	backoffBase     time.Duration
}

// ApplyResult is the outcome of a successful mutation.
type ApplyResult struct {
	NewBalance  int64
	Transaction Transaction
}

// NewService wires a Service.
func NewService(balances BalanceStore, transactions TransactionLog, now func() int64, options ...ServiceOption) (*Service, error) {
	if balances == nil {
		return nil, fmt.Errorf("%w: balance store dependency is nil", ErrInvalidServiceConfig)
	}
	if transactions == nil {
		return nil, fmt.Errorf("%w: transaction log dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	defaultPricing, err := NewFixedRatePolicy(defaultPriceCentsPerUnit)
	if err != nil {
		return nil, err
	}
	service := &Service{
		balances:        balances,
		transactions:    transactions,
		pricing:         defaultPricing,
		nowFn:           now,
		maxSwapAttempts: defaultMaxSwapAttempts,
		storageAttempts: defaultStorageAttempts,
		backoffBase:     defaultRetryBackoffBase,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.maxSwapAttempts <= 0 {
		return nil, fmt.Errorf("%w: swap attempts must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Apply validates the request, computes the target balance, swaps it in
// conditionally, and appends a transaction record. Lost swaps are retried up
// to the configured bound; exhaustion surfaces ErrContention. Every failure
// except a partial one leaves both stores untouched.
func (service *Service) Apply(ctx context.Context, accountID AccountID, transactionType TransactionType, quantity Quantity, idempotencyKey IdempotencyKey, metadata MetadataJSON) (ApplyResult, error) {
	result, attempts, operationError := service.apply(ctx, accountID, transactionType, quantity, idempotencyKey, metadata)
	logEntry := OperationLog{
		Operation:     operationApply,
		AccountID:     accountID,
		Type:          transactionType,
		Quantity:      quantity,
		NewBalance:    result.NewBalance,
		TransactionID: result.Transaction.TransactionID,
		Attempts:      attempts,
		Error:         operationError,
	}
	var partialFailure *PartialFailureError
	if errors.As(operationError, &partialFailure) {
		logEntry.Status = OperationStatusPartialFailure
	}
	service.logOperation(ctx, logEntry)
	return result, operationError
}

func (service *Service) apply(ctx context.Context, accountID AccountID, transactionType TransactionType, quantity Quantity, idempotencyKey IdempotencyKey, metadata MetadataJSON) (ApplyResult, int, error) {
	if !idempotencyKey.IsZero() {
		if _, err := service.getByIdempotencyKeyWithRetry(ctx, accountID, idempotencyKey); err == nil {
			return ApplyResult{}, 0, WrapError(operationApply, "transaction", "duplicate", ErrDuplicateTransaction)
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return ApplyResult{}, 0, err
		}
	}

	for attempt := 1; attempt <= service.maxSwapAttempts; attempt++ {
		if attempt > 1 {
			if err := service.waitBeforeRetry(ctx, attempt-1); err != nil {
				return ApplyResult{}, attempt, WrapError(operationApply, "retry", "canceled", err)
			}
		}

		record, err := service.getBalanceWithRetry(ctx, accountID)
		if err != nil {
			return ApplyResult{}, attempt, err
		}
		if transactionType == TransactionUse && quantity.Int64() > record.Balance {
			return ApplyResult{}, attempt, ErrInsufficientConnects
		}
		delta := transactionType.SignedDelta(quantity)
		if delta > 0 && record.Balance > math.MaxInt64-delta {
			// A wrapped sum would land a negative balance in the store.
			return ApplyResult{}, attempt, WrapError(operationApply, "balance", "overflow", ErrInvalidQuantity)
		}
		newBalance := record.Balance + delta

		amountCharged := AmountCents(0)
		if transactionType == TransactionBuy {
			amountCharged = service.pricing.Price(quantity)
		}

		nowUnixUTC := service.nowFn()
		swapped, err := service.swapBalanceWithRetry(ctx, accountID, record.Version, newBalance, nowUnixUTC)
		if err != nil {
			return ApplyResult{}, attempt, err
		}
		if !swapped {
			continue
		}

		input, err := NewTransactionInput(accountID, transactionType, quantity, amountCharged, newBalance, idempotencyKey, metadata, nowUnixUTC)
		if err != nil {
			// The swap already committed; surface the gap, never swallow it.
			return ApplyResult{NewBalance: newBalance}, attempt, &PartialFailureError{
				AccountID:  accountID,
				NewBalance: newBalance,
				err:        err,
			}
		}
		transaction, err := service.appendWithRetry(ctx, input)
		if err != nil {
			if errors.Is(err, ErrDuplicateTransaction) {
				// A concurrent request with the same key appended between the
				// pre-check and this append. The swap bumped the version once,
				// so undo it against that token; only if the revert also loses
				// is the store actually inconsistent.
				reverted, revertErr := service.swapBalanceWithRetry(ctx, accountID, record.Version+1, record.Balance, service.nowFn())
				if revertErr == nil && reverted {
					return ApplyResult{}, attempt, WrapError(operationApply, "transaction", "duplicate", ErrDuplicateTransaction)
				}
			}
			return ApplyResult{NewBalance: newBalance}, attempt, &PartialFailureError{
				AccountID:  accountID,
				NewBalance: newBalance,
				Input:      input,
				err:        err,
			}
		}
		return ApplyResult{NewBalance: newBalance, Transaction: transaction}, attempt, nil
	}
	return ApplyResult{}, service.maxSwapAttempts, WrapError(operationApply, "balance", "contention", ErrContention)
}

// Balance returns the current balance record for an account.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (BalanceRecord, error) {
	record, err := service.getBalanceWithRetry(ctx, accountID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationBalance, AccountID: accountID, Error: err})
		return BalanceRecord{}, err
	}
	return record, nil
}

func (service *Service) getBalanceWithRetry(ctx context.Context, accountID AccountID) (BalanceRecord, error) {
	var record BalanceRecord
	err := service.withStorageRetry(ctx, func() error {
		var getErr error
		record, getErr = service.balances.GetBalance(ctx, accountID)
		return getErr
	})
	return record, err
}

func (service *Service) swapBalanceWithRetry(ctx context.Context, accountID AccountID, expectedVersion int64, newBalance int64, atUnixUTC int64) (bool, error) {
	var swapped bool
	err := service.withStorageRetry(ctx, func() error {
		var swapErr error
		swapped, swapErr = service.balances.CompareAndSwapBalance(ctx, accountID, expectedVersion, newBalance, atUnixUTC)
		return swapErr
	})
	return swapped, err
}

func (service *Service) getByIdempotencyKeyWithRetry(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, error) {
	var transaction Transaction
	err := service.withStorageRetry(ctx, func() error {
		var getErr error
		transaction, getErr = service.transactions.GetByIdempotencyKey(ctx, accountID, key)
		return getErr
	})
	return transaction, err
}

func (service *Service) appendWithRetry(ctx context.Context, input TransactionInput) (Transaction, error) {
	var transaction Transaction
	err := service.withStorageRetry(ctx, func() error {
		var appendErr error
		transaction, appendErr = service.transactions.AppendTransaction(ctx, input)
		return appendErr
	})
	return transaction, err
}

// withStorageRetry re-runs fn with backoff while it reports a transient
// storage failure. Deterministic errors pass through on the first attempt.
func (service *Service) withStorageRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < service.storageAttempts; attempt++ {
		if attempt > 0 {
			if err := service.waitBeforeRetry(ctx, attempt); err != nil {
				return WrapError(operationApply, "storage", "canceled", err)
			}
		}
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, ErrStorageUnavailable) {
			return lastErr
		}
	}
	return lastErr
}

func (service *Service) waitBeforeRetry(ctx context.Context, attempt int) error {
	delay := backoff.FullJitter(backoff.Exponential(service.backoffBase, attempt-1))
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
