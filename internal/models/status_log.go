package models

import "time"

type ActorType string

const (
	ActorWebhook ActorType = "webhook"
	ActorAdmin   ActorType = "admin"
	ActorSystem  ActorType = "system"
)

// Actor identifies who caused a status transition.
type Actor struct {
	Type ActorType `json:"type"`
	ID   int64     `json:"id,omitempty"`
}

var (
	WebhookActor = Actor{Type: ActorWebhook}
	SystemActor  = Actor{Type: ActorSystem}
)

func AdminActor(id int64) Actor {
	return Actor{Type: ActorAdmin, ID: id}
}

// PaymentStatusLog is an immutable audit row, one per applied transition.
type PaymentStatusLog struct {
	ID        int64         `json:"id"`
	PaymentID int64         `json:"payment_id"`
	OldStatus PaymentStatus `json:"old_status"`
	NewStatus PaymentStatus `json:"new_status"`
	Actor     Actor         `json:"actor"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
