package connects

import "time"

const (
	operationApply     = "apply"
	operationBalance   = "balance"
	operationHistory   = "history"
	operationReconcile = "reconcile"

	// OperationStatus values reported through OperationLog entries.
	OperationStatusOK             = "ok"
	OperationStatusError          = "error"
	OperationStatusPartialFailure = "partial_failure"

	defaultMaxSwapAttempts    = 4
	defaultStorageAttempts    = 3
	defaultRetryBackoffBase   = 10 * time.Millisecond
	defaultHistoryPageSize    = 50
	maxHistoryPageSize        = 200
	defaultPriceCentsPerUnit  = 10
	reconcileMetadataTemplate = `{"source":"reconciler","drift":%d}`
)
