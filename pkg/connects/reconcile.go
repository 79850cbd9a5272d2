package connects

import (
	"context"
	"fmt"
)

// Reconciler repairs the gap a partial failure leaves behind: a committed
// balance with no matching transaction record. It compares the stored
// balance against the sum of signed deltas and appends a correcting record
// when they drift apart.
type Reconciler struct {
	balances     BalanceStore
	transactions TransactionLog
	nowFn        func() int64
	logger       OperationLogger
}

// ReconcileReport describes the outcome for one account.
type ReconcileReport struct {
	AccountID           AccountID
	Balance             int64
	LedgerSum           int64
	Drift               int64
	RepairTransactionID TransactionID
}

// NewReconciler wires a Reconciler.
func NewReconciler(balances BalanceStore, transactions TransactionLog, now func() int64, logger OperationLogger) (*Reconciler, error) {
	if balances == nil {
		return nil, fmt.Errorf("%w: balance store dependency is nil", ErrInvalidServiceConfig)
	}
	if transactions == nil {
		return nil, fmt.Errorf("%w: transaction log dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Reconciler{balances: balances, transactions: transactions, nowFn: now, logger: logger}, nil
}

// ReconcileAccount reconstructs a missing record from the balance delta.
// Accounts are provisioned at balance zero, so the ledger sum and the stored
// balance agree unless an append was lost. The repair record is keyed on the
// balance version so a concurrent or repeated reconcile cannot double-apply.
func (reconciler *Reconciler) ReconcileAccount(ctx context.Context, accountID AccountID) (ReconcileReport, error) {
	record, err := reconciler.balances.GetBalance(ctx, accountID)
	if err != nil {
		return ReconcileReport{}, err
	}
	ledgerSum, err := reconciler.transactions.SumSignedDeltas(ctx, accountID)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{
		AccountID: accountID,
		Balance:   record.Balance,
		LedgerSum: ledgerSum,
		Drift:     record.Balance - ledgerSum,
	}
	if report.Drift == 0 {
		return report, nil
	}

	repairType := TransactionAdd
	driftMagnitude := report.Drift
	if driftMagnitude < 0 {
		repairType = TransactionUse
		driftMagnitude = -driftMagnitude
	}
	quantity, err := NewQuantity(driftMagnitude)
	if err != nil {
		return report, err
	}
	repairKey, err := NewIdempotencyKey(fmt.Sprintf("reconcile:%s:%d", accountID, record.Version))
	if err != nil {
		return report, err
	}
	metadata, err := NewMetadataJSON(fmt.Sprintf(reconcileMetadataTemplate, report.Drift))
	if err != nil {
		return report, err
	}
	input, err := NewTransactionInput(accountID, repairType, quantity, 0, record.Balance, repairKey, metadata, reconciler.nowFn())
	if err != nil {
		return report, err
	}
	transaction, err := reconciler.transactions.AppendTransaction(ctx, input)
	if err != nil {
		reconciler.logReconcile(ctx, report, err)
		return report, err
	}
	report.RepairTransactionID = transaction.TransactionID
	reconciler.logReconcile(ctx, report, nil)
	return report, nil
}

func (reconciler *Reconciler) logReconcile(ctx context.Context, report ReconcileReport, operationError error) {
	if reconciler.logger == nil {
		return
	}
	status := OperationStatusOK
	if operationError != nil {
		status = OperationStatusError
	}
	reconciler.logger.LogOperation(ctx, OperationLog{
		Operation:     operationReconcile,
		AccountID:     report.AccountID,
		NewBalance:    report.Balance,
		TransactionID: report.RepairTransactionID,
		Status:        status,
		Error:         operationError,
	})
}
