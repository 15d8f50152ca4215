package models

import (
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// transitions is the only place allowed status edges are declared.
var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCompleted, PaymentFailed, PaymentCancelled},
	PaymentCompleted: {PaymentRefunded},
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether from -> to is an edge of the transition table.
func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal statuses have no outgoing edges.
func (s PaymentStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

type PaymentMethod string

const (
	MethodBankTransfer   PaymentMethod = "bank_transfer"
	MethodVirtualAccount PaymentMethod = "virtual_account"
	MethodEWallet        PaymentMethod = "ewallet"
	MethodQRIS           PaymentMethod = "qris"
	MethodCreditCard     PaymentMethod = "credit_card"
	MethodManual         PaymentMethod = "manual"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodVirtualAccount, MethodEWallet, MethodQRIS, MethodCreditCard, MethodManual:
		return true
	}
	return false
}

// RequiresGateway is false for offline payments confirmed by an admin.
func (m PaymentMethod) RequiresGateway() bool {
	return m != MethodManual
}

type Fee struct {
	Type  string `json:"type"`
	Value int64  `json:"value"`
}

type Refund struct {
	Amount          int64     `json:"amount"`
	Reason          string    `json:"reason"`
	ProcessedBy     int64     `json:"processed_by,omitempty"`
	GatewayRefundID string    `json:"gateway_refund_id,omitempty"`
	RefundedAt      time.Time `json:"refunded_at"`
}

type Payment struct {
	ID            int64         `json:"id"`
	OrderID       string        `json:"order_id"`
	InvoiceNumber string        `json:"invoice_number"`
	UserID        int64         `json:"user_id"`
	ProductID     int64         `json:"product_id,omitempty"`
	TargetType    ProductKind   `json:"target_type,omitempty"`
	Coins         int64         `json:"coins,omitempty"`
	Amount        int64         `json:"amount"`
	Status        PaymentStatus `json:"status"`
	Method        PaymentMethod `json:"payment_method"`
	GatewayRef    string        `json:"gateway_ref,omitempty"`
	PayURL        string        `json:"pay_url,omitempty"`
	VANumber      string        `json:"va_number,omitempty"`
	Fees          []Fee         `json:"fees,omitempty"`
	AdminNotes    string        `json:"admin_notes,omitempty"`
	Refund        *Refund       `json:"refund,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// GrantsCoins reports whether completing the payment credits coins.
func (p *Payment) GrantsCoins() bool {
	return p.TargetType == ProductCoinPackage && p.Coins > 0
}

// GrantsAccess reports whether completing the payment unlocks content.
func (p *Payment) GrantsAccess() bool {
	return (p.TargetType == ProductCourse || p.TargetType == ProductTryout) && p.ProductID != 0
}

func (p *Payment) Expired(now time.Time) bool {
	return p.Status == PaymentPending && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// CheckInvariants validates the record-level invariants that must hold after every write.
func (p *Payment) CheckInvariants() error {
	if !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if p.Refund != nil && p.Status != PaymentRefunded {
		return fmt.Errorf("refund recorded on %s payment", p.Status)
	}
	if p.Refund != nil && (p.Refund.Amount <= 0 || p.Refund.Amount > p.Amount) {
		return fmt.Errorf("refund amount %d outside (0, %d]", p.Refund.Amount, p.Amount)
	}
	if p.PaidAt != nil && p.Status != PaymentCompleted && p.Status != PaymentRefunded {
		return fmt.Errorf("paid_at set on %s payment", p.Status)
	}
	if p.Status == PaymentCompleted && p.PaidAt == nil {
		return fmt.Errorf("completed payment without paid_at")
	}
	return nil
}

// FormatInvoiceNumber renders prefix + YYYYMMDD + zero-padded daily sequence.
func FormatInvoiceNumber(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s%s%04d", prefix, day.Format("20060102"), seq)
}
