package connects

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the connects ledger.
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrInsufficientConnects   = errors.New("insufficient connects")
	ErrContention             = errors.New("balance update contention")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidIdempotencyKey  = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidCursor          = errors.New("invalid history cursor")
	ErrInvalidBalance         = errors.New("invalid balance")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// PartialFailureError reports a committed balance update whose transaction
// record append did not complete. The balance store and the transaction log
// disagree until a reconciliation pass repairs the gap.
type PartialFailureError struct {
	AccountID  AccountID
	NewBalance int64
	Input      TransactionInput
	err        error
}

// Error returns the formatted error message.
func (partialFailure *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure: balance for account %s committed at %d but transaction append failed: %v",
		partialFailure.AccountID, partialFailure.NewBalance, partialFailure.err)
}

// Unwrap returns the append failure.
func (partialFailure *PartialFailureError) Unwrap() error {
	return partialFailure.err
}
