package connects

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func mustNewReconciler(test *testing.T, store *stubStore) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(store, store, func() int64 { return 1700000000 }, nil)
	if err != nil {
		test.Fatalf("reconciler init failed: %v", err)
	}
	return reconciler
}

func TestReconcileCleanAccountIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, stubAccountIDValue)
	mustApply(test, service, accountID, TransactionAdd, 40)
	mustApply(test, service, accountID, TransactionUse, 15)

	reconciler := mustNewReconciler(test, store)
	report, err := reconciler.ReconcileAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if report.Drift != 0 {
		test.Fatalf("expected zero drift, got %d", report.Drift)
	}
	if report.RepairTransactionID.String() != "" {
		test.Fatalf("unexpected repair record %s", report.RepairTransactionID)
	}
	if len(store.transactions) != 2 {
		test.Fatalf("expected 2 records, got %d", len(store.transactions))
	}
}

func TestReconcileRepairsPositiveDrift(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, stubAccountIDValue)
	mustApply(test, service, accountID, TransactionAdd, 20)

	// Simulate a partial failure: the balance moved but the record was lost.
	store.appendError = errors.New("append rejected")
	_, err := service.Apply(context.Background(), accountID, TransactionAdd, mustQuantity(test, 5), IdempotencyKey{}, MetadataJSON{})
	var partial *PartialFailureError
	if !errors.As(err, &partial) {
		test.Fatalf("expected partial failure, got %v", err)
	}
	store.appendError = nil

	reconciler := mustNewReconciler(test, store)
	report, err := reconciler.ReconcileAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if report.Drift != 5 {
		test.Fatalf("expected drift 5, got %d", report.Drift)
	}
	if report.RepairTransactionID.String() == "" {
		test.Fatalf("expected a repair record")
	}

	repair := store.transactions[len(store.transactions)-1]
	if repair.Type != TransactionAdd || repair.SignedDelta != 5 {
		test.Fatalf("unexpected repair record %+v", repair)
	}
	if repair.ResultingBalance != 25 {
		test.Fatalf("expected repair balance 25, got %d", repair.ResultingBalance)
	}

	sum, err := store.SumSignedDeltas(context.Background(), accountID)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != store.balance {
		test.Fatalf("ledger %d still disagrees with balance %d", sum, store.balance)
	}
}

func TestReconcileRepairsNegativeDrift(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, stubAccountIDValue)
	mustApply(test, service, accountID, TransactionAdd, 30)

	store.appendError = errors.New("append rejected")
	if _, err := service.Apply(context.Background(), accountID, TransactionUse, mustQuantity(test, 12), IdempotencyKey{}, MetadataJSON{}); err == nil {
		test.Fatalf("expected partial failure")
	}
	store.appendError = nil

	reconciler := mustNewReconciler(test, store)
	report, err := reconciler.ReconcileAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if report.Drift != -12 {
		test.Fatalf("expected drift -12, got %d", report.Drift)
	}
	repair := store.transactions[len(store.transactions)-1]
	if repair.Type != TransactionUse || repair.SignedDelta != -12 {
		test.Fatalf("unexpected repair record %+v", repair)
	}
}

func TestReconcileRepairIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, stubAccountIDValue)

	store.appendError = errors.New("append rejected")
	if _, err := service.Apply(context.Background(), accountID, TransactionAdd, mustQuantity(test, 8), IdempotencyKey{}, MetadataJSON{}); err == nil {
		test.Fatalf("expected partial failure")
	}
	store.appendError = nil

	reconciler := mustNewReconciler(test, store)
	if _, err := reconciler.ReconcileAccount(context.Background(), accountID); err != nil {
		test.Fatalf("first reconcile: %v", err)
	}

	// A second pass over the same balance version reuses the repair key and
	// must not append another record.
	expectedKey := mustIdempotencyKey(test, fmt.Sprintf("reconcile:%s:%d", accountID, store.version))
	if store.transactions[len(store.transactions)-1].IdempotencyKey != expectedKey {
		test.Fatalf("repair key mismatch: %s", store.transactions[len(store.transactions)-1].IdempotencyKey)
	}
	if _, err := reconciler.ReconcileAccount(context.Background(), accountID); err != nil {
		test.Fatalf("second reconcile: %v", err)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected a single repair record, got %d", len(store.transactions))
	}
}

func TestNewReconcilerRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	clock := func() int64 { return 0 }
	if _, err := NewReconciler(nil, store, clock, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil balance store, got %v", err)
	}
	if _, err := NewReconciler(store, nil, clock, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil transaction log, got %v", err)
	}
	if _, err := NewReconciler(store, store, nil, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
}
