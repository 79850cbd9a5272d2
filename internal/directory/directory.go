// Package directory adapts the balance store into the account-directory
// contract the ledger consumes. Real deployments point this at the account
// service instead; a balance row existing is equivalent here because the
// directory provisions one per account.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/hiregrid/connects/pkg/connects"
)

// BalanceDirectory answers existence checks from the balance store.
type BalanceDirectory struct {
	balances connects.BalanceStore
}

// NewBalanceDirectory wires a BalanceDirectory.
func NewBalanceDirectory(balances connects.BalanceStore) (*BalanceDirectory, error) {
	if balances == nil {
		return nil, fmt.Errorf("%w: balance store dependency is nil", connects.ErrInvalidServiceConfig)
	}
	return &BalanceDirectory{balances: balances}, nil
}

// AccountExists reports whether a balance row has been provisioned for the id.
func (directory *BalanceDirectory) AccountExists(ctx context.Context, accountID connects.AccountID) (bool, error) {
	_, err := directory.balances.GetBalance(ctx, accountID)
	if err != nil {
		if errors.Is(err, connects.ErrAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
