package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/gateway"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/kafka"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/observability"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/redis"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	"github.com/honeynil/ZenLearnPayments/internal/repository"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	webhookDedupTTL = 24 * time.Hour
	refundClaimTTL  = 24 * time.Hour
)

type Reconciler interface {
	Apply(ctx context.Context, id int64, to models.PaymentStatus, actor models.Actor, note string) (*models.Payment, error)
	UpdateStatus(ctx context.Context, id int64, to models.PaymentStatus, adminNotes string, adminID int64) (*models.Payment, error)
	Refund(ctx context.Context, id, amount int64, reason string, adminID int64) (*models.Payment, error)
	HandleWebhook(ctx context.Context, header http.Header, body []byte) error
	Reconcile(ctx context.Context, id int64) (*models.Payment, error)
	ExpireOverdue(ctx context.Context, limit int) (*ExpiryResult, error)
}

// PaymentEvent is published on every applied transition.
type PaymentEvent struct {
	EventID       string               `json:"event_id"`
	PaymentID     int64                `json:"payment_id"`
	InvoiceNumber string               `json:"invoice_number"`
	UserID        int64                `json:"user_id"`
	OldStatus     models.PaymentStatus `json:"old_status"`
	NewStatus     models.PaymentStatus `json:"new_status"`
	Actor         models.Actor         `json:"actor"`
	Amount        int64                `json:"amount"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

type ExpiryResult struct {
	Cancelled int
	Enqueued  int
}

type ReconcilerConfig struct {
	StatusTimeout time.Duration
}

type reconciler struct {
	tx            repository.Transactor
	payments      repository.PaymentRepository
	logs          repository.StatusLogRepository
	users         repository.UserRepository
	grants        repository.AccessGrantRepository
	ledger        LedgerService
	notifier      NotificationService
	gw            gateway.Gateway
	producer      kafka.KafkaProducer
	redis         redis.RedisClient
	statusTimeout time.Duration
	now           func() time.Time
}

func NewReconciler(
	tx repository.Transactor,
	payments repository.PaymentRepository,
	logs repository.StatusLogRepository,
	users repository.UserRepository,
	grants repository.AccessGrantRepository,
	ledger LedgerService,
	notifier NotificationService,
	gw gateway.Gateway,
	producer kafka.KafkaProducer,
	redisClient redis.RedisClient,
	cfg ReconcilerConfig,
) *reconciler {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 3 * time.Second
	}
	return &reconciler{
		tx:            tx,
		payments:      payments,
		logs:          logs,
		users:         users,
		grants:        grants,
		ledger:        ledger,
		notifier:      notifier,
		gw:            gw,
		producer:      producer,
		redis:         redisClient,
		statusTimeout: cfg.StatusTimeout,
		now:           time.Now,
	}
}

type transitionOpts struct {
	note       string
	adminNotes string
	refund     *models.Refund
}

// transition is the single place a payment status changes. It locks the row, validates
// the edge against the transition table, persists the new state, appends the audit row
// and applies the coin or access side effects in one unit of work. Post-commit effects
// run only when a transition was actually applied.
func (r *reconciler) transition(ctx context.Context, id int64, to models.PaymentStatus, actor models.Actor, opts transitionOpts) (*models.Payment, error) {
	tracer := otel.Tracer("payment-reconciler")
	ctx, span := tracer.Start(ctx, "Transition")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("payment_id", id),
		attribute.String("to", string(to)),
		attribute.String("actor", string(actor.Type)),
	)

	var (
		payment *models.Payment
		from    models.PaymentStatus
		applied bool
	)
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := r.payments.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		payment, from = p, p.Status

		if p.Status == to {
			if opts.refund != nil {
				return fmt.Errorf("%w: payment %d already refunded", pkgerrors.ErrInvalidState, id)
			}
			return nil
		}
		if !p.Status.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", pkgerrors.ErrInvalidTransition, p.Status, to)
		}
		if to == models.PaymentRefunded && (opts.refund == nil || p.Refund != nil) {
			return fmt.Errorf("%w: payment %d cannot be refunded", pkgerrors.ErrInvalidState, id)
		}

		now := r.now()
		p.Status = to
		switch to {
		case models.PaymentCompleted:
			p.PaidAt = &now
		case models.PaymentRefunded:
			p.Refund = opts.refund
		}
		if opts.adminNotes != "" {
			p.AdminNotes = opts.adminNotes
		}

		if err := r.payments.UpdateStatus(ctx, p); err != nil {
			return err
		}
		if err := r.logs.Append(ctx, &models.PaymentStatusLog{
			PaymentID: p.ID,
			OldStatus: from,
			NewStatus: to,
			Actor:     actor,
			Note:      opts.note,
		}); err != nil {
			return err
		}
		if err := r.applySideEffects(ctx, p); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		slog.Error("payment transition failed", "payment_id", id, "to", to, "actor", actor.Type, "error", err)
		return nil, err
	}

	if !applied {
		slog.Info("payment already in target status", "payment_id", id, "status", to, "actor", actor.Type)
		return payment, nil
	}

	observability.PaymentTransitions.WithLabelValues(string(from), string(to), string(actor.Type)).Inc()
	slog.Info("payment transition applied", "payment_id", id, "from", from, "to", to, "actor", actor.Type, "actor_id", actor.ID)
	r.afterCommit(ctx, payment, from, actor)
	return payment, nil
}

func (r *reconciler) applySideEffects(ctx context.Context, p *models.Payment) error {
	switch p.Status {
	case models.PaymentCompleted:
		if p.GrantsCoins() {
			if _, err := r.ledger.Credit(ctx, p.UserID, p.Coins, "payment "+p.InvoiceNumber); err != nil {
				return fmt.Errorf("failed to credit coins: %w", err)
			}
		}
		if p.GrantsAccess() {
			granted, err := r.grants.Grant(ctx, models.AccessGrant{UserID: p.UserID, ProductID: p.ProductID, PaymentID: p.ID})
			if err != nil {
				return fmt.Errorf("failed to grant access: %w", err)
			}
			if !granted {
				slog.Warn("user already had access", "payment_id", p.ID, "user_id", p.UserID, "product_id", p.ProductID)
			}
		}
	case models.PaymentRefunded:
		if p.GrantsCoins() {
			if _, err := r.ledger.Reverse(ctx, p.UserID, p.Coins, "refund "+p.InvoiceNumber); err != nil {
				return fmt.Errorf("failed to reverse coins: %w", err)
			}
		}
	}
	return nil
}

func (r *reconciler) afterCommit(ctx context.Context, p *models.Payment, from models.PaymentStatus, actor models.Actor) {
	if p.GrantsCoins() {
		r.ledger.InvalidateBalance(ctx, p.UserID)
	}

	switch p.Status {
	case models.PaymentCompleted:
		r.notifier.Notify(ctx, p.UserID, models.NotifyPaymentSuccess, "Payment successful",
			fmt.Sprintf("Payment %s of Rp %d has been received.", p.InvoiceNumber, p.Amount))
	case models.PaymentFailed:
		r.notifier.Notify(ctx, p.UserID, models.NotifyPaymentFailed, "Payment failed",
			fmt.Sprintf("Payment %s could not be completed.", p.InvoiceNumber))
	case models.PaymentRefunded:
		r.notifier.Notify(ctx, p.UserID, models.NotifyPaymentRefunded, "Payment refunded",
			fmt.Sprintf("Rp %d of payment %s has been refunded.", p.Refund.Amount, p.InvoiceNumber))
	}

	event := PaymentEvent{
		EventID:       uuid.NewString(),
		PaymentID:     p.ID,
		InvoiceNumber: p.InvoiceNumber,
		UserID:        p.UserID,
		OldStatus:     from,
		NewStatus:     p.Status,
		Actor:         actor,
		Amount:        p.Amount,
		OccurredAt:    r.now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal payment event", "payment_id", p.ID, "error", err)
		return
	}
	if err := r.producer.Send(ctx, kafka.TopicPaymentEvents, strconv.FormatInt(p.ID, 10), payload); err != nil {
		slog.Error("failed to publish payment event", "payment_id", p.ID, "event_id", event.EventID, "error", err)
	}
}

func (r *reconciler) Apply(ctx context.Context, id int64, to models.PaymentStatus, actor models.Actor, note string) (*models.Payment, error) {
	if !to.Valid() {
		return nil, pkgerrors.ErrInvalidStatus
	}
	if to == models.PaymentRefunded {
		return nil, fmt.Errorf("%w: refunds go through Refund", pkgerrors.ErrInvalidState)
	}
	return r.transition(ctx, id, to, actor, transitionOpts{note: note})
}

func (r *reconciler) UpdateStatus(ctx context.Context, id int64, to models.PaymentStatus, adminNotes string, adminID int64) (*models.Payment, error) {
	if !to.Valid() {
		return nil, pkgerrors.ErrInvalidStatus
	}
	if to == models.PaymentRefunded {
		return r.Refund(ctx, id, 0, adminNotes, adminID)
	}
	return r.transition(ctx, id, to, models.AdminActor(adminID), transitionOpts{note: adminNotes, adminNotes: adminNotes})
}

// Refund returns money for a completed payment. amount 0 means the full amount;
// coin packages can only be refunded in full. The gateway is called before any local
// change and outside the row lock, so each payment is claimed in Redis first and only
// one refund at a time can reach the gateway. The claim is kept when the gateway
// refunded but the local update failed. A refunded payment keeps its paid_at.
func (r *reconciler) Refund(ctx context.Context, id, amount int64, reason string, adminID int64) (*models.Payment, error) {
	tracer := otel.Tracer("payment-reconciler")
	ctx, span := tracer.Start(ctx, "Refund")
	defer span.End()
	span.SetAttributes(attribute.Int64("payment_id", id), attribute.Int64("amount", amount))

	claimKey := refundClaimKey(id)
	claimed, err := r.redis.SetNX(ctx, claimKey, strconv.FormatInt(adminID, 10), refundClaimTTL)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to claim refund", "payment_id", id, "error", err)
		return nil, fmt.Errorf("failed to claim refund: %w", err)
	}
	if !claimed {
		span.SetStatus(codes.Error, "refund in progress")
		slog.Warn("refund rejected: another refund holds the claim", "payment_id", id)
		return nil, fmt.Errorf("%w: payment %d", pkgerrors.ErrRefundInProgress, id)
	}

	refund, err := r.refundAtGateway(ctx, id, amount, reason, adminID)
	if err != nil {
		_ = r.redis.Del(ctx, claimKey)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		return nil, err
	}

	updated, err := r.transition(ctx, id, models.PaymentRefunded, models.AdminActor(adminID), transitionOpts{note: reason, refund: refund})
	if err != nil {
		if refund.GatewayRefundID == "" {
			_ = r.redis.Del(ctx, claimKey)
		} else {
			slog.Error("gateway refund succeeded but local update failed", "payment_id", id, "gateway_refund_id", refund.GatewayRefundID, "error", err)
		}
		return nil, err
	}
	_ = r.redis.Del(ctx, claimKey)
	return updated, nil
}

// refundAtGateway checks the refund preconditions and, for gateway payments, asks the
// gateway to return the money. The caller holds the refund claim.
func (r *reconciler) refundAtGateway(ctx context.Context, id, amount int64, reason string, adminID int64) (*models.Refund, error) {
	p, err := r.payments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentCompleted || p.Refund != nil {
		slog.Warn("refund rejected: payment not completed", "payment_id", id, "status", p.Status)
		return nil, fmt.Errorf("%w: payment %d is %s", pkgerrors.ErrInvalidState, id, p.Status)
	}
	if amount == 0 {
		amount = p.Amount
	}
	if amount < 0 || amount > p.Amount {
		return nil, fmt.Errorf("%w: refund %d of %d", pkgerrors.ErrInvalidAmount, amount, p.Amount)
	}
	if p.GrantsCoins() {
		if amount != p.Amount {
			return nil, fmt.Errorf("%w: coin packages are refunded in full", pkgerrors.ErrInvalidAmount)
		}
		balance, err := r.users.GetBalance(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if balance < p.Coins {
			slog.Warn("refund rejected: coins already spent", "payment_id", id, "user_id", p.UserID, "balance", balance, "coins", p.Coins)
			return nil, fmt.Errorf("%w: user holds %d of %d coins", pkgerrors.ErrInsufficientBalance, balance, p.Coins)
		}
	}

	refund := &models.Refund{
		Amount:      amount,
		Reason:      reason,
		ProcessedBy: adminID,
	}
	if p.GatewayRef != "" {
		refundID, err := r.gw.Refund(ctx, p.GatewayRef, amount, reason)
		if err != nil {
			slog.Error("gateway refund failed", "payment_id", id, "gateway_ref", p.GatewayRef, "error", err)
			return nil, err
		}
		refund.GatewayRefundID = refundID
	}
	refund.RefundedAt = r.now()
	return refund, nil
}

func refundClaimKey(id int64) string {
	return fmt.Sprintf("refund:%d", id)
}

func (r *reconciler) HandleWebhook(ctx context.Context, header http.Header, body []byte) error {
	tracer := otel.Tracer("payment-reconciler")
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	if err := r.gw.VerifyWebhook(header); err != nil {
		observability.WebhookEvents.WithLabelValues("unauthorized").Inc()
		span.SetStatus(codes.Error, "webhook authentication failed")
		slog.Warn("webhook authentication failed", "error", err)
		return err
	}

	event, err := r.gw.ParseWebhook(header, body)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("invalid").Inc()
		slog.Error("invalid webhook payload", "error", err)
		return nil
	}
	span.SetAttributes(attribute.String("external_ref", event.ExternalRef), attribute.String("event_id", event.EventID))

	dedupKey := "webhook:" + event.EventID
	first, err := r.redis.SetNX(ctx, dedupKey, "1", webhookDedupTTL)
	if err != nil {
		slog.Warn("webhook de-dup unavailable", "event_id", event.EventID, "error", err)
		first = true
	}
	if !first {
		observability.WebhookEvents.WithLabelValues("duplicate").Inc()
		slog.Info("duplicate webhook ignored", "event_id", event.EventID)
		return nil
	}

	p, err := r.findWebhookPayment(ctx, event)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		observability.WebhookEvents.WithLabelValues("unknown_payment").Inc()
		slog.Warn("webhook for unknown payment", "external_ref", event.ExternalRef, "external_id", event.ExternalID)
		return nil
	}
	if err != nil {
		_ = r.redis.Del(ctx, dedupKey)
		observability.WebhookEvents.WithLabelValues("error").Inc()
		span.RecordError(err)
		return err
	}

	if event.Status == models.PaymentCompleted && event.PaidAmount != 0 && event.PaidAmount != p.Amount {
		slog.Warn("paid amount differs from invoice", "payment_id", p.ID, "paid_amount", event.PaidAmount, "amount", p.Amount)
	}

	_, err = r.transition(ctx, p.ID, event.Status, models.WebhookActor, transitionOpts{note: "gateway status " + event.RawStatus})
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidTransition):
		observability.WebhookEvents.WithLabelValues("rejected").Inc()
		slog.Warn("webhook transition rejected", "payment_id", p.ID, "status", event.Status, "error", err)
		return nil
	case err != nil:
		_ = r.redis.Del(ctx, dedupKey)
		observability.WebhookEvents.WithLabelValues("error").Inc()
		span.RecordError(err)
		return err
	}
	observability.WebhookEvents.WithLabelValues("applied").Inc()
	return nil
}

// findWebhookPayment resolves the payment a callback is about. Callbacks can arrive
// before the instrument was attached, so the order id is tried when the gateway
// reference is unknown and the reference is attached on the way.
func (r *reconciler) findWebhookPayment(ctx context.Context, event *gateway.WebhookEvent) (*models.Payment, error) {
	p, err := r.payments.GetByGatewayRef(ctx, event.ExternalRef)
	if !errors.Is(err, pkgerrors.ErrNotFound) || event.ExternalID == "" {
		return p, err
	}

	p, err = r.payments.GetByOrderID(ctx, event.ExternalID)
	if err != nil {
		return nil, err
	}
	switch {
	case p.GatewayRef == "" && event.ExternalRef != "" && p.Status == models.PaymentPending:
		err := r.payments.AttachInstrument(ctx, p.ID, event.ExternalRef, p.PayURL, p.VANumber, p.Fees)
		if err != nil && !errors.Is(err, pkgerrors.ErrInvalidState) {
			return nil, err
		}
		if err == nil {
			p.GatewayRef = event.ExternalRef
			slog.Info("gateway reference attached from webhook", "payment_id", p.ID, "external_ref", event.ExternalRef)
		}
	case p.GatewayRef != "" && p.GatewayRef != event.ExternalRef:
		slog.Warn("webhook reference differs from stored reference", "payment_id", p.ID, "gateway_ref", p.GatewayRef, "external_ref", event.ExternalRef)
	}
	return p, nil
}

// Reconcile asks the gateway for the current status and applies it. A gateway that
// does not answer within the status timeout leaves the payment untouched.
func (r *reconciler) Reconcile(ctx context.Context, id int64) (*models.Payment, error) {
	tracer := otel.Tracer("payment-reconciler")
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()
	span.SetAttributes(attribute.Int64("payment_id", id))

	p, err := r.payments.GetByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if p.Status != models.PaymentPending {
		return p, nil
	}
	if p.GatewayRef == "" {
		if p.Expired(r.now()) {
			return r.transition(ctx, id, models.PaymentCancelled, models.SystemActor, transitionOpts{note: "payment expired"})
		}
		return p, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.statusTimeout)
	defer cancel()
	status, err := r.gw.QueryStatus(queryCtx, p.GatewayRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status query failed")
		slog.Error("gateway status query failed", "payment_id", id, "gateway_ref", p.GatewayRef, "error", err)
		if !errors.Is(err, pkgerrors.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
		}
		return nil, err
	}
	if status == models.PaymentPending {
		return p, nil
	}
	return r.transition(ctx, id, status, models.SystemActor, transitionOpts{note: "reconciled with gateway"})
}

// ExpireOverdue cancels overdue manual payments and asks the reconcile workers to
// re-check overdue gateway payments.
func (r *reconciler) ExpireOverdue(ctx context.Context, limit int) (*ExpiryResult, error) {
	tracer := otel.Tracer("payment-reconciler")
	ctx, span := tracer.Start(ctx, "ExpireOverdue")
	defer span.End()

	overdue, err := r.payments.ListExpiredPending(ctx, r.now(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &ExpiryResult{}
	for _, p := range overdue {
		if p.GatewayRef == "" {
			_, err := r.transition(ctx, p.ID, models.PaymentCancelled, models.SystemActor, transitionOpts{note: "payment expired"})
			if err != nil {
				slog.Error("failed to expire payment", "payment_id", p.ID, "error", err)
				continue
			}
			res.Cancelled++
			continue
		}

		payload, err := json.Marshal(kafka.ReconcileRequest{PaymentID: p.ID, Reason: "expired"})
		if err != nil {
			continue
		}
		if err := r.producer.Send(ctx, kafka.TopicPaymentReconcile, strconv.FormatInt(p.ID, 10), payload); err != nil {
			slog.Error("failed to enqueue reconcile request", "payment_id", p.ID, "error", err)
			continue
		}
		res.Enqueued++
	}

	if len(overdue) > 0 {
		slog.Info("overdue payments processed", "found", len(overdue), "cancelled", res.Cancelled, "enqueued", res.Enqueued)
	}
	return res, nil
}
