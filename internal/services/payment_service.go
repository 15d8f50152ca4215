package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/gateway"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/redis"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	"github.com/honeynil/ZenLearnPayments/internal/repository"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultPaymentTTL = 24 * time.Hour
	paymentListLimit  = 100
)

// ExpiryPolicy maps a payment method to how long the payment may stay pending.
type ExpiryPolicy map[models.PaymentMethod]time.Duration

func (p ExpiryPolicy) TTL(m models.PaymentMethod) time.Duration {
	if ttl, ok := p[m]; ok && ttl > 0 {
		return ttl
	}
	return defaultPaymentTTL
}

type CreatePaymentInput struct {
	UserID     int64
	Amount     int64
	Method     models.PaymentMethod
	ProductID  int64
	TargetType models.ProductKind
	Coins      int64
}

type PaymentService interface {
	Create(ctx context.Context, in CreatePaymentInput) (*models.Payment, error)
	Purchase(ctx context.Context, userID, productID int64, method models.PaymentMethod) (*models.Payment, error)
	Get(ctx context.Context, id int64) (*models.Payment, error)
	ListByUser(ctx context.Context, userID int64) ([]models.Payment, error)
	StatusLogs(ctx context.Context, id int64) ([]models.PaymentStatusLog, error)
}

type PaymentServiceConfig struct {
	InvoicePrefix string
	Expiry        ExpiryPolicy
}

type paymentService struct {
	tx         repository.Transactor
	payments   repository.PaymentRepository
	logs       repository.StatusLogRepository
	catalog    *productCatalog
	gw         gateway.Gateway
	reconciler Reconciler
	prefix     string
	expiry     ExpiryPolicy
	now        func() time.Time
}

func NewPaymentService(
	tx repository.Transactor,
	payments repository.PaymentRepository,
	logs repository.StatusLogRepository,
	products repository.ProductRepository,
	redisClient redis.RedisClient,
	gw gateway.Gateway,
	reconciler Reconciler,
	cfg PaymentServiceConfig,
) *paymentService {
	if cfg.InvoicePrefix == "" {
		cfg.InvoicePrefix = "ZL"
	}
	return &paymentService{
		tx:         tx,
		payments:   payments,
		logs:       logs,
		catalog:    newProductCatalog(products, redisClient),
		gw:         gw,
		reconciler: reconciler,
		prefix:     cfg.InvoicePrefix,
		expiry:     cfg.Expiry,
		now:        time.Now,
	}
}

// Create stores a new pending payment with the next invoice number of the day.
func (s *paymentService) Create(ctx context.Context, in CreatePaymentInput) (*models.Payment, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "Create")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", in.UserID), attribute.Int64("amount", in.Amount))

	if in.Amount <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, pkgerrors.ErrInvalidAmount
	}
	if !in.Method.Valid() {
		span.SetStatus(codes.Error, "invalid method")
		return nil, fmt.Errorf("%w: unknown payment method %q", pkgerrors.ErrInvalidInput, in.Method)
	}

	now := s.now()
	p := &models.Payment{
		OrderID:    uuid.NewString(),
		UserID:     in.UserID,
		ProductID:  in.ProductID,
		TargetType: in.TargetType,
		Coins:      in.Coins,
		Amount:     in.Amount,
		Status:     models.PaymentPending,
		Method:     in.Method,
		ExpiresAt:  now.Add(s.expiry.TTL(in.Method)),
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		seq, err := s.payments.NextInvoiceSeq(ctx, now)
		if err != nil {
			return err
		}
		p.InvoiceNumber = models.FormatInvoiceNumber(s.prefix, now, seq)
		return s.payments.Create(ctx, p)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create payment")
		slog.Error("failed to create payment", "user_id", in.UserID, "amount", in.Amount, "error", err)
		return nil, err
	}

	slog.Info("payment created", "payment_id", p.ID, "invoice_number", p.InvoiceNumber, "user_id", p.UserID, "amount", p.Amount, "method", p.Method)
	return p, nil
}

// Purchase creates a payment for a catalog product and, for gateway methods, obtains
// a payment instrument. If the gateway fails the payment is cancelled.
func (s *paymentService) Purchase(ctx context.Context, userID, productID int64, method models.PaymentMethod) (*models.Payment, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "Purchase")
	defer span.End()

	product, err := s.catalog.Get(ctx, productID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if product.Price <= 0 {
		return nil, fmt.Errorf("%w: product %d is not for sale", pkgerrors.ErrInvalidInput, productID)
	}

	in := CreatePaymentInput{
		UserID:     userID,
		Amount:     product.Price,
		Method:     method,
		ProductID:  product.ID,
		TargetType: product.Kind,
	}
	if product.Kind == models.ProductCoinPackage {
		in.Coins = product.Coins
	}

	p, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if !method.RequiresGateway() {
		return p, nil
	}

	inst, err := s.gw.RequestInstrument(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "instrument request failed")
		slog.Error("failed to request payment instrument", "payment_id", p.ID, "error", err)
		if _, cancelErr := s.reconciler.Apply(ctx, p.ID, models.PaymentCancelled, models.SystemActor, "gateway instrument request failed"); cancelErr != nil {
			slog.Error("failed to cancel payment after gateway failure", "payment_id", p.ID, "error", cancelErr)
		}
		if !errors.Is(err, pkgerrors.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	// The invoice already exists at the gateway, so a failed attach does not fail the
	// purchase. Its callback carries the order id and attaches the reference then.
	if err := s.payments.AttachInstrument(ctx, p.ID, inst.ExternalRef, inst.PayURL, inst.VANumber, inst.Fees); err != nil {
		span.RecordError(err)
		slog.Error("failed to attach instrument", "payment_id", p.ID, "order_id", p.OrderID, "external_ref", inst.ExternalRef, "error", err)
		if current, getErr := s.payments.GetByID(ctx, p.ID); getErr == nil {
			p = current
		}
	}
	p.GatewayRef = inst.ExternalRef
	p.PayURL = inst.PayURL
	p.VANumber = inst.VANumber
	p.Fees = inst.Fees

	slog.Info("payment instrument attached", "payment_id", p.ID, "external_ref", p.GatewayRef)
	return p, nil
}

func (s *paymentService) Get(ctx context.Context, id int64) (*models.Payment, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "Get")
	defer span.End()
	return s.payments.GetByID(ctx, id)
}

func (s *paymentService) ListByUser(ctx context.Context, userID int64) ([]models.Payment, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "ListByUser")
	defer span.End()
	return s.payments.ListByUser(ctx, userID, paymentListLimit)
}

func (s *paymentService) StatusLogs(ctx context.Context, id int64) ([]models.PaymentStatusLog, error) {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "StatusLogs")
	defer span.End()

	if _, err := s.payments.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.ListByPayment(ctx, id)
}
