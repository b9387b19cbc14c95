package transition

import (
	"github.com/shopfront-labs/fulfillment/internal/domain"
)

var paymentOrder = map[domain.PaymentStatus]int{
	domain.PaymentUnpaid:      0,
	domain.PaymentPartialPaid: 1,
	domain.PaymentPaid:        2,
}

type Payment struct{}

func NewPayment() *Payment {
	return &Payment{}
}

// Validate accepts forward payment transitions unconditionally. A backward
// transition undoes collected money, so it requires a reversal reason
// (refund or chargeback note); without one it is rejected.
func (p *Payment) Validate(current, target domain.PaymentStatus, reason string) error {
	cur, ok := paymentOrder[current]
	if !ok {
		return domain.Errorf(domain.KindInvalidTransition, "unknown payment status %q", current)
	}
	tgt, ok := paymentOrder[target]
	if !ok {
		return domain.Errorf(domain.KindInvalidTransition, "unknown payment status %q", target)
	}
	if tgt < cur && reason == "" {
		return domain.Errorf(domain.KindInvalidTransition,
			"cannot move payment from %s to %s without a reversal reason", current, target)
	}
	return nil
}
