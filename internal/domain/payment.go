package domain

import "time"

// Phase identifies one of the two collection phases of a paid trip.
type Phase string

const (
	PhaseUpfront Phase = "upfront"
	PhaseFinal   Phase = "final"
)

// PhaseStatus is the lifecycle of a collection phase across the whole group.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseExpired   PhaseStatus = "expired"
)

// PaymentStatus is a member's aggregate payment state across both phases.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPartial   PaymentStatus = "partial"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentPhase is the group-level view of one collection phase.
type PaymentPhase struct {
	Percentage int         `json:"percentage"`
	Amount     int64       `json:"amount"` // per person, minor currency units
	Deadline   time.Time   `json:"deadline"`
	Status     PhaseStatus `json:"status"`
}

// PhasePayment is one member's payment state for a single phase.
type PhasePayment struct {
	Amount    int64      `json:"amount"`
	Paid      bool       `json:"paid"`
	Reference string     `json:"reference,omitempty"` // gateway order id
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	Refunded  bool       `json:"refunded,omitempty"`
}

// MemberPayment tracks one member's upfront and final payments plus the
// derived aggregate fields. OverallStatus and TotalPaid are recomputed on
// every write via Recompute; they are never edited directly.
type MemberPayment struct {
	UserID        string        `json:"user_id"`
	Upfront       PhasePayment  `json:"upfront"`
	Final         PhasePayment  `json:"final"`
	OverallStatus PaymentStatus `json:"overall_status"`
	TotalPaid     int64         `json:"total_paid"`
}

// PhasePaymentFor returns the member's sub-record for the given phase.
func (m *MemberPayment) PhasePaymentFor(phase Phase) *PhasePayment {
	if phase == PhaseFinal {
		return &m.Final
	}
	return &m.Upfront
}

// NextUnsettledPhase returns the first phase the member has not yet paid,
// upfront before final, and false when both are settled.
func (m *MemberPayment) NextUnsettledPhase() (Phase, bool) {
	if !m.Upfront.Paid {
		return PhaseUpfront, true
	}
	if !m.Final.Paid {
		return PhaseFinal, true
	}
	return "", false
}

// Recompute derives OverallStatus and TotalPaid from the two phase
// sub-records. TotalPaid is the sum of the paid phase amounts, which keeps
// the totalPaid invariant by construction.
func (m *MemberPayment) Recompute() {
	m.TotalPaid = 0
	if m.Upfront.Paid {
		m.TotalPaid += m.Upfront.Amount
	}
	if m.Final.Paid {
		m.TotalPaid += m.Final.Amount
	}

	switch {
	case m.Upfront.Refunded || m.Final.Refunded:
		m.OverallStatus = PaymentRefunded
	case m.Upfront.Paid && m.Final.Paid:
		m.OverallStatus = PaymentCompleted
	case m.Upfront.Paid || m.Final.Paid:
		m.OverallStatus = PaymentPartial
	default:
		m.OverallStatus = PaymentPending
	}
}

// PaymentInfo is the payment sub-document of a ConfirmedTrip aggregate.
type PaymentInfo struct {
	TotalAmount    int64  `json:"total_amount"`
	PricePerPerson int64  `json:"price_per_person"`
	Currency       string `json:"currency"`

	Upfront PaymentPhase `json:"upfront"`
	Final   PaymentPhase `json:"final"`

	Members []MemberPayment `json:"members,omitempty"`
}

// Required reports whether this trip collects money at all.
func (p *PaymentInfo) Required() bool {
	return p.PricePerPerson > 0
}

// PhaseFor returns the group-level phase record for the given phase.
func (p *PaymentInfo) PhaseFor(phase Phase) *PaymentPhase {
	if phase == PhaseFinal {
		return &p.Final
	}
	return &p.Upfront
}

// ActivePhase returns the currently active collection phase, or nil when no
// phase is accepting payments.
func (p *PaymentInfo) ActivePhase() *PaymentPhase {
	if p.Upfront.Status == PhaseActive {
		return &p.Upfront
	}
	if p.Final.Status == PhaseActive {
		return &p.Final
	}
	return nil
}

// ActivePhaseName returns which phase ActivePhase points at.
func (p *PaymentInfo) ActivePhaseName() (Phase, bool) {
	switch {
	case p.Upfront.Status == PhaseActive:
		return PhaseUpfront, true
	case p.Final.Status == PhaseActive:
		return PhaseFinal, true
	}
	return "", false
}

// MemberPaymentFor returns the payment record for userID, or nil when the
// user has no record (not a member or payment not opened).
func (p *PaymentInfo) MemberPaymentFor(userID string) *MemberPayment {
	for i := range p.Members {
		if p.Members[i].UserID == userID {
			return &p.Members[i]
		}
	}
	return nil
}

// PaidCount returns how many members have settled the given phase.
func (p *PaymentInfo) PaidCount(phase Phase) int {
	n := 0
	for i := range p.Members {
		if p.Members[i].PhasePaymentFor(phase).Paid {
			n++
		}
	}
	return n
}

// AllPaid reports whether every member has settled the given phase.
func (p *PaymentInfo) AllPaid(phase Phase) bool {
	return len(p.Members) > 0 && p.PaidCount(phase) == len(p.Members)
}

// AllMembersCompleted reports whether every member's overall status is
// completed. The trip may only advance to payment_completed when this holds.
func (p *PaymentInfo) AllMembersCompleted() bool {
	if len(p.Members) == 0 {
		return false
	}
	for i := range p.Members {
		if p.Members[i].OverallStatus != PaymentCompleted {
			return false
		}
	}
	return true
}

// PhaseAmounts splits a per-person price between the upfront and final phases
// using integer math. Any rounding remainder lands in the final phase, so the
// two amounts always sum to pricePerPerson.
func PhaseAmounts(pricePerPerson int64, upfrontPercent int) (upfront, final int64) {
	upfront = pricePerPerson * int64(upfrontPercent) / 100
	final = pricePerPerson - upfront
	return upfront, final
}

// NewPaymentInfo builds the payment sub-document at initiation time. Member
// payment records are created later, when the payment process opens.
func NewPaymentInfo(totalAmount, pricePerPerson int64, currency string, upfrontPercent int, upfrontDeadline, finalDeadline time.Time) PaymentInfo {
	up, fin := PhaseAmounts(pricePerPerson, upfrontPercent)
	return PaymentInfo{
		TotalAmount:    totalAmount,
		PricePerPerson: pricePerPerson,
		Currency:       currency,
		Upfront: PaymentPhase{
			Percentage: upfrontPercent,
			Amount:     up,
			Deadline:   upfrontDeadline,
			Status:     PhasePending,
		},
		Final: PaymentPhase{
			Percentage: 100 - upfrontPercent,
			Amount:     fin,
			Deadline:   finalDeadline,
			Status:     PhasePending,
		},
	}
}

// OpenMembers activates the upfront phase and creates one payment record per
// member, amounts taken from the phase definitions.
func (p *PaymentInfo) OpenMembers(memberIDs []string) {
	p.Upfront.Status = PhaseActive
	p.Members = make([]MemberPayment, 0, len(memberIDs))
	for _, id := range memberIDs {
		m := MemberPayment{
			UserID:  id,
			Upfront: PhasePayment{Amount: p.Upfront.Amount},
			Final:   PhasePayment{Amount: p.Final.Amount},
		}
		m.Recompute()
		p.Members = append(p.Members, m)
	}
}
