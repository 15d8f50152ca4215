package gateway

import (
	"context"
	"net/http"

	"github.com/honeynil/ZenLearnPayments/internal/models"
)

// Instrument is what the user needs to pay: a hosted page and/or a VA number.
type Instrument struct {
	ExternalRef string
	PayURL      string
	VANumber    string
	Fees        []models.Fee
}

// WebhookEvent is a provider callback reduced to what the reconciler needs.
type WebhookEvent struct {
	EventID     string
	ExternalRef string
	ExternalID  string
	RawStatus   string
	Status      models.PaymentStatus
	PaidAmount  int64
}

type Gateway interface {
	RequestInstrument(ctx context.Context, p *models.Payment) (*Instrument, error)
	QueryStatus(ctx context.Context, externalRef string) (models.PaymentStatus, error)
	Refund(ctx context.Context, externalRef string, amount int64, reason string) (refundID string, err error)
	VerifyWebhook(header http.Header) error
	ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error)
}
