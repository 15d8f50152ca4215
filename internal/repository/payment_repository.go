package repository

import (
	"context"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/models"
)

type PaymentRepository interface {
	NextInvoiceSeq(ctx context.Context, day time.Time) (int64, error)
	Create(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id int64) (*models.Payment, error)
	// GetByIDForUpdate locks the row until the surrounding transaction ends.
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Payment, error)
	GetByGatewayRef(ctx context.Context, ref string) (*models.Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)
	AttachInstrument(ctx context.Context, id int64, gatewayRef, payURL, vaNumber string, fees []models.Fee) error
	UpdateStatus(ctx context.Context, p *models.Payment) error
}

// StatusLogRepository is append-only.
type StatusLogRepository interface {
	Append(ctx context.Context, log *models.PaymentStatusLog) error
	ListByPayment(ctx context.Context, paymentID int64) ([]models.PaymentStatusLog, error)
}

type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id int64) error
}

// Transactor runs fn as one database transaction. Repository calls made with the
// context passed to fn join that transaction; nested calls reuse it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
