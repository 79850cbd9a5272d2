package connects

import (
	"context"
	"fmt"

	libhttp "github.com/LerianStudio/lib-uncommons/v2/uncommons/net/http"
)

// History returns one ascending page of an account's transaction records.
// The cursor token is opaque to callers; an empty token starts from the
// oldest record. Unknown accounts fail with ErrAccountNotFound, matching
// the mutation path.
func (service *Service) History(ctx context.Context, accountID AccountID, cursorToken string, limit int) (HistoryPage, error) {
	if _, err := service.getBalanceWithRetry(ctx, accountID); err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationHistory, AccountID: accountID, Error: err})
		return HistoryPage{}, err
	}

	if limit <= 0 {
		limit = defaultHistoryPageSize
	}
	if limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}

	afterTransactionID := ""
	if cursorToken != "" {
		cursor, err := libhttp.DecodeCursor(cursorToken)
		if err != nil {
			return HistoryPage{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		afterTransactionID = cursor.ID
	}

	// Fetch one extra row to learn whether another page exists.
	rows, err := service.transactions.ListTransactions(ctx, accountID, afterTransactionID, limit+1)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationHistory, AccountID: accountID, Error: err})
		return HistoryPage{}, err
	}

	page := HistoryPage{Transactions: rows}
	if len(rows) > limit {
		page.Transactions = rows[:limit]
		lastID := page.Transactions[limit-1].TransactionID.String()
		nextCursor, err := libhttp.EncodeCursor(libhttp.Cursor{ID: lastID, Direction: libhttp.CursorDirectionNext})
		if err != nil {
			return HistoryPage{}, WrapError(operationHistory, "cursor", "encode", err)
		}
		page.NextCursor = nextCursor
	}
	return page, nil
}
