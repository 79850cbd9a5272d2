package connects

import (
	"errors"
	"testing"
)

func TestNewAccountID(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		raw       string
		want      string
		expectErr error
	}{
		{name: "plain", raw: "recruiter-1", want: "recruiter-1"},
		{name: "trims whitespace", raw: "  recruiter-1 ", want: "recruiter-1"},
		{name: "empty", raw: "", expectErr: ErrInvalidAccountID},
		{name: "whitespace only", raw: "   ", expectErr: ErrInvalidAccountID},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			accountID, err := NewAccountID(testCase.raw)
			if testCase.expectErr != nil {
				if !errors.Is(err, testCase.expectErr) {
					test.Fatalf("expected %v, got %v", testCase.expectErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if accountID.String() != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, accountID.String())
			}
		})
	}
}

func TestNewQuantity(test *testing.T) {
	test.Parallel()
	if _, err := NewQuantity(0); !errors.Is(err, ErrInvalidQuantity) {
		test.Fatalf("expected rejection of zero, got %v", err)
	}
	if _, err := NewQuantity(-5); !errors.Is(err, ErrInvalidQuantity) {
		test.Fatalf("expected rejection of negative, got %v", err)
	}
	quantity, err := NewQuantity(50)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if quantity.Int64() != 50 {
		test.Fatalf("expected 50, got %d", quantity.Int64())
	}
}

func TestParseTransactionType(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw       string
		want      TransactionType
		expectErr bool
	}{
		{raw: "buy", want: TransactionBuy},
		{raw: "ADD", want: TransactionAdd},
		{raw: " use ", want: TransactionUse},
		{raw: "refund", expectErr: true},
		{raw: "", expectErr: true},
	}
	for _, testCase := range testCases {
		parsed, err := ParseTransactionType(testCase.raw)
		if testCase.expectErr {
			if !errors.Is(err, ErrInvalidTransactionType) {
				test.Fatalf("%q: expected ErrInvalidTransactionType, got %v", testCase.raw, err)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%q: unexpected error %v", testCase.raw, err)
		}
		if parsed != testCase.want {
			test.Fatalf("%q: expected %s, got %s", testCase.raw, testCase.want, parsed)
		}
	}
}

func TestSignedDelta(test *testing.T) {
	test.Parallel()
	quantity := mustQuantity(test, 30)
	if delta := TransactionBuy.SignedDelta(quantity); delta != 30 {
		test.Fatalf("buy delta: expected 30, got %d", delta)
	}
	if delta := TransactionAdd.SignedDelta(quantity); delta != 30 {
		test.Fatalf("add delta: expected 30, got %d", delta)
	}
	if delta := TransactionUse.SignedDelta(quantity); delta != -30 {
		test.Fatalf("use delta: expected -30, got %d", delta)
	}
}

func TestNewMetadataJSON(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected default {}, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON(`{"campaign":"q3"}`); err != nil {
		test.Fatalf("valid metadata rejected: %v", err)
	}
	if _, err := NewMetadataJSON(`{"campaign":`); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestNewIdempotencyKey(test *testing.T) {
	test.Parallel()
	if _, err := NewIdempotencyKey("  "); !errors.Is(err, ErrInvalidIdempotencyKey) {
		test.Fatalf("expected ErrInvalidIdempotencyKey, got %v", err)
	}
	key, err := NewIdempotencyKey("order-77")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if key.IsZero() {
		test.Fatalf("key should not be zero")
	}
	if (IdempotencyKey{}).IsZero() != true {
		test.Fatalf("zero value must report IsZero")
	}
}

func TestNewTransactionInputValidation(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, stubAccountIDValue)
	quantity := mustQuantity(test, 10)

	input, err := NewTransactionInput(accountID, TransactionUse, quantity, 0, 5, IdempotencyKey{}, MetadataJSON{}, 1700000000)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if input.SignedDelta != -10 {
		test.Fatalf("expected signed delta -10, got %d", input.SignedDelta)
	}

	if _, err := NewTransactionInput(AccountID{}, TransactionAdd, quantity, 0, 5, IdempotencyKey{}, MetadataJSON{}, 0); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, TransactionType("refund"), quantity, 0, 5, IdempotencyKey{}, MetadataJSON{}, 0); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, TransactionAdd, 0, 0, 5, IdempotencyKey{}, MetadataJSON{}, 0); !errors.Is(err, ErrInvalidQuantity) {
		test.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, TransactionAdd, quantity, 0, -1, IdempotencyKey{}, MetadataJSON{}, 0); !errors.Is(err, ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance for negative balance, got %v", err)
	}
	if _, err := NewTransactionInput(accountID, TransactionBuy, quantity, -100, 5, IdempotencyKey{}, MetadataJSON{}, 0); !errors.Is(err, ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance for negative charge, got %v", err)
	}
}

func TestFixedRatePolicyPricesBuys(test *testing.T) {
	test.Parallel()
	policy, err := NewFixedRatePolicy(10)
	if err != nil {
		test.Fatalf("policy: %v", err)
	}
	if price := policy.Price(mustQuantity(test, 50)); price.Int64() != 500 {
		test.Fatalf("expected 500 cents, got %d", price.Int64())
	}
	if _, err := NewFixedRatePolicy(-1); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for negative rate, got %v", err)
	}
}
