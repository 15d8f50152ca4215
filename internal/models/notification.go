package models

import "time"

type NotificationKind string

const (
	NotifyPaymentSuccess  NotificationKind = "payment_success"
	NotifyPaymentFailed   NotificationKind = "payment_failed"
	NotifyPaymentRefunded NotificationKind = "payment_refunded"
)

type Notification struct {
	ID        int64            `json:"id"`
	UserID    int64            `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Kind      NotificationKind `json:"kind"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}
