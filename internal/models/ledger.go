package models

import "time"

// LedgerEntry is one immutable coin balance change.
type LedgerEntry struct {
	ID           int64          `json:"id"`
	UserID       int64          `json:"user_id"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	Type         EntryType      `json:"type"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type EntryType string

const (
	EntryPurchase EntryType = "purchase"
	EntrySpend    EntryType = "spend"
	EntryRefund   EntryType = "refund"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryPurchase, EntrySpend, EntryRefund:
		return true
	}
	return false
}
