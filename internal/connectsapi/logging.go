package connectsapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/hiregrid/connects/pkg/connects"
)

// ZapOperationLogger emits domain operation logs through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger for the domain callback.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation writes one structured line per ledger operation. Partial
// failures log at error level so they alert; everything else is info.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry connects.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("status", entry.Status),
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if entry.Quantity > 0 {
		fields = append(fields, zap.Int64("quantity", entry.Quantity.Int64()))
	}
	if entry.TransactionID.String() != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", entry.Attempts))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	switch entry.Status {
	case connects.OperationStatusPartialFailure:
		operationLogger.logger.Error("ledger operation", fields...)
	case connects.OperationStatusError:
		operationLogger.logger.Warn("ledger operation", fields...)
	default:
		operationLogger.logger.Info("ledger operation", fields...)
	}
}
