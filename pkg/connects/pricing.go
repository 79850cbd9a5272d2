package connects

// PricingPolicy maps a purchased quantity to the amount charged. It must be
// pure: the ledger calls it once per attempt and records the result.
type PricingPolicy interface {
	Price(quantity Quantity) AmountCents
}

// FixedRatePolicy charges a flat per-connect rate.
type FixedRatePolicy struct {
	centsPerConnect int64
}

// NewFixedRatePolicy builds a per-unit pricing policy.
func NewFixedRatePolicy(centsPerConnect int64) (FixedRatePolicy, error) {
	if centsPerConnect < 0 {
		return FixedRatePolicy{}, WrapError("pricing", "rate", "negative", ErrInvalidServiceConfig)
	}
	return FixedRatePolicy{centsPerConnect: centsPerConnect}, nil
}

// Price returns quantity times the per-connect rate.
func (policy FixedRatePolicy) Price(quantity Quantity) AmountCents {
	return AmountCents(quantity.Int64() * policy.centsPerConnect)
}
