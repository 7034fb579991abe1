package participation

// RefundPolicy computes the refund amount for a cancelled paid
// participation, in the currency's smallest unit. The product rule for
// cancellation fees is not settled, so the policy is injected; the default
// refunds in full.
type RefundPolicy func(paidAmount int64) int64

// FullRefund returns the whole paid amount.
func FullRefund(paidAmount int64) int64 { return paidAmount }

// RetainFlatFee keeps a fixed service fee and refunds the rest, never going
// below zero.
func RetainFlatFee(fee int64) RefundPolicy {
	return func(paidAmount int64) int64 {
		if paidAmount <= fee {
			return 0
		}
		return paidAmount - fee
	}
}
