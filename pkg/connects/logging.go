package connects

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation outcome.
type OperationLog struct {
	Operation     string
	AccountID     AccountID
	Type          TransactionType
	Quantity      Quantity
	NewBalance    int64
	TransactionID TransactionID
	Attempts      int
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPricingPolicy overrides the default fixed-rate pricing.
func WithPricingPolicy(policy PricingPolicy) ServiceOption {
	return func(service *Service) {
		service.pricing = policy
	}
}

// WithRetryPolicy bounds the optimistic-swap loop and sets the backoff base
// between attempts. A zero base disables sleeping (useful in tests).
func WithRetryPolicy(maxSwapAttempts int, backoffBase time.Duration) ServiceOption {
	return func(service *Service) {
		service.maxSwapAttempts = maxSwapAttempts
		service.backoffBase = backoffBase
	}
}
