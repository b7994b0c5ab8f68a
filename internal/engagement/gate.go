package engagement

// PaymentSummary is the payment-derived view of an engagement.
type PaymentSummary struct {
	DepositPaid bool  `json:"depositPaid"`
	FullyPaid   bool  `json:"fullyPaid"`
	TotalPaid   int64 `json:"totalPaid"`
}

// Gate computes payment predicates from persisted payment records. It holds no
// state: callers pass freshly loaded payments on every evaluation.
type Gate struct{}

// TotalCompleted sums the completed payments.
func (Gate) TotalCompleted(payments []*PaymentRecord) int64 {
	var total int64

	for _, p := range payments {
		if p.Status == PaymentCompleted {
			total += p.Amount
		}
	}

	return total
}

// DepositSatisfied is true when no deposit is required or a deposit has completed.
func (g Gate) DepositSatisfied(e *Engagement, payments []*PaymentRecord) bool {
	if !e.DepositRequired {
		return true
	}

	for _, p := range payments {
		if p.Kind == PaymentKindDeposit && p.Status == PaymentCompleted {
			return true
		}
	}

	return false
}

// FullySatisfied is true once completed payments cover the price.
func (g Gate) FullySatisfied(e *Engagement, payments []*PaymentRecord) bool {
	return g.TotalCompleted(payments) >= e.Price
}

// Summary reports all predicates at once.
func (g Gate) Summary(e *Engagement, payments []*PaymentRecord) PaymentSummary {
	return PaymentSummary{
		DepositPaid: g.DepositSatisfied(e, payments),
		FullyPaid:   g.FullySatisfied(e, payments),
		TotalPaid:   g.TotalCompleted(payments),
	}
}

// Require returns the precondition error that blocks a move to target, if any.
func (g Gate) Require(target Status, e *Engagement, payments []*PaymentRecord) error {
	switch target {
	case StatusConfirmed:
		if !g.DepositSatisfied(e, payments) {
			return ErrDepositMissing
		}
	case StatusCompleted:
		if !g.FullySatisfied(e, payments) {
			return ErrBalanceMissing
		}
	case StatusProposed, StatusAccepted, StatusCancelled, StatusRescheduled:
	}

	return nil
}

// Admit rejects a payment that would push completed payments above the price.
func (g Gate) Admit(e *Engagement, payments []*PaymentRecord, amount int64) error {
	if g.TotalCompleted(payments)+amount > e.Price {
		return ErrOverpayment
	}

	return nil
}

// Outstanding is what remains to be paid after completed payments.
func (g Gate) Outstanding(e *Engagement, payments []*PaymentRecord) int64 {
	if left := e.Price - g.TotalCompleted(payments); left > 0 {
		return left
	}

	return 0
}
