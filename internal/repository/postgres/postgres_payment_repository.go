package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const paymentTracer = "payment-repository"

const paymentColumns = `id, order_id, invoice_number, user_id, product_id, target_type, coins, amount, status, method,
	gateway_ref, pay_url, va_number, fees, admin_notes,
	refund_amount, refund_reason, refund_processed_by, refund_gateway_id, refunded_at,
	paid_at, expires_at, created_at, updated_at`

type PostgresPaymentRepository struct {
	db *sql.DB
}

func NewPostgresPaymentRepository(db *sql.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p                                           models.Payment
		productID, refundAmount, refundProcessedBy  sql.NullInt64
		targetType, gatewayRef, payURL, vaNumber    sql.NullString
		adminNotes, refundReason, refundGatewayID   sql.NullString
		fees                                        []byte
		refundedAt, paidAt                          sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.InvoiceNumber, &p.UserID, &productID, &targetType, &p.Coins, &p.Amount, &p.Status, &p.Method,
		&gatewayRef, &payURL, &vaNumber, &fees, &adminNotes,
		&refundAmount, &refundReason, &refundProcessedBy, &refundGatewayID, &refundedAt,
		&paidAt, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ProductID = productID.Int64
	p.TargetType = models.ProductKind(targetType.String)
	p.GatewayRef = gatewayRef.String
	p.PayURL = payURL.String
	p.VANumber = vaNumber.String
	p.AdminNotes = adminNotes.String
	if len(fees) > 0 {
		if err := json.Unmarshal(fees, &p.Fees); err != nil {
			return nil, fmt.Errorf("failed to decode fees: %w", err)
		}
	}
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	if refundAmount.Valid {
		p.Refund = &models.Refund{
			Amount:          refundAmount.Int64,
			Reason:          refundReason.String,
			ProcessedBy:     refundProcessedBy.Int64,
			GatewayRefundID: refundGatewayID.String,
			RefundedAt:      refundedAt.Time,
		}
	}
	return &p, nil
}

func (r *PostgresPaymentRepository) NextInvoiceSeq(ctx context.Context, day time.Time) (seq int64, err error) {
	ctx, span, done := startOp(ctx, paymentTracer, "NextInvoiceSeq")
	defer done(&err)

	date := day.Format("2006-01-02")
	span.SetAttributes(attribute.String("day", date))

	query := `
		INSERT INTO invoice_sequences (day, last_seq) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_seq = invoice_sequences.last_seq + 1
		RETURNING last_seq`
	err = conn(ctx, r.db).QueryRowContext(ctx, query, date).Scan(&seq)
	if err != nil {
		slog.Error("failed to allocate invoice sequence", "method", "NextInvoiceSeq", "day", date, "error", err)
		return 0, fmt.Errorf("failed to allocate invoice sequence: %w", err)
	}
	return seq, nil
}

func (r *PostgresPaymentRepository) Create(ctx context.Context, p *models.Payment) (err error) {
	ctx, span, done := startOp(ctx, paymentTracer, "CreatePayment")
	defer done(&err)

	if p == nil {
		err = pkgerrors.ErrNilPayment
		slog.Error("failed to create payment", "method", "Create", "error", err)
		return err
	}
	if p.Amount <= 0 {
		err = pkgerrors.ErrInvalidAmount
		slog.Error("amount must be positive", "method", "Create", "amount", p.Amount, "error", err)
		return err
	}
	if p.Status != models.PaymentPending {
		err = fmt.Errorf("%w: new payments must be pending, got %q", pkgerrors.ErrInvalidStatus, p.Status)
		slog.Error("invalid initial status", "method", "Create", "status", p.Status, "error", err)
		return err
	}

	span.SetAttributes(
		attribute.Int64("user_id", p.UserID),
		attribute.Int64("amount", p.Amount),
		attribute.String("method", string(p.Method)),
		attribute.String("invoice_number", p.InvoiceNumber),
	)

	query := `
		INSERT INTO payments (order_id, invoice_number, user_id, product_id, target_type, coins, amount, status, method, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		p.OrderID, p.InvoiceNumber, p.UserID, nullInt64(p.ProductID), nullString(string(p.TargetType)),
		p.Coins, p.Amount, p.Status, p.Method, p.ExpiresAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		slog.Error("failed to create payment", "method", "Create", "user_id", p.UserID, "invoice_number", p.InvoiceNumber, "error", err)
		return fmt.Errorf("failed to create payment: %w", err)
	}

	slog.Info("payment created", "method", "Create", "payment_id", p.ID, "invoice_number", p.InvoiceNumber, "user_id", p.UserID, "amount", p.Amount)
	return nil
}

func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id int64) (*models.Payment, error) {
	return r.getOne(ctx, "GetPaymentByID", `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *PostgresPaymentRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	return r.getOne(ctx, "GetPaymentByIDForUpdate", `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresPaymentRepository) GetByGatewayRef(ctx context.Context, ref string) (*models.Payment, error) {
	if ref == "" {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	return r.getOne(ctx, "GetPaymentByGatewayRef", `SELECT `+paymentColumns+` FROM payments WHERE gateway_ref = $1`, ref)
}

// GetByOrderID looks a payment up by the external id sent to the gateway.
func (r *PostgresPaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	return r.getOne(ctx, "GetPaymentByOrderID", `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
}

func (r *PostgresPaymentRepository) getOne(ctx context.Context, method, query string, arg any) (p *models.Payment, err error) {
	ctx, span, done := startOp(ctx, paymentTracer, method)
	defer done(&err)
	span.SetAttributes(attribute.String("key", fmt.Sprint(arg)))

	p, err = scanPayment(conn(ctx, r.db).QueryRowContext(ctx, query, arg))
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Warn("payment not found", "method", method, "key", arg)
		return nil, pkgerrors.ErrPaymentNotFound
	}
	if err != nil {
		slog.Error("failed to get payment", "method", method, "key", arg, "error", err)
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (r *PostgresPaymentRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	return r.list(ctx, "ListPaymentsByUser", query, userID, limit)
}

func (r *PostgresPaymentRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at LIMIT $2`
	return r.list(ctx, "ListExpiredPending", query, now, limit)
}

func (r *PostgresPaymentRepository) list(ctx context.Context, method, query string, args ...any) (payments []models.Payment, err error) {
	ctx, _, done := startOp(ctx, paymentTracer, method)
	defer done(&err)

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list payments", "method", method, "error", err)
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, scanErr := scanPayment(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan payment: %w", scanErr)
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

func (r *PostgresPaymentRepository) AttachInstrument(ctx context.Context, id int64, gatewayRef, payURL, vaNumber string, fees []models.Fee) (err error) {
	ctx, span, done := startOp(ctx, paymentTracer, "AttachInstrument")
	defer done(&err)
	span.SetAttributes(attribute.Int64("payment_id", id), attribute.String("gateway_ref", gatewayRef))

	feesJSON, err := json.Marshal(fees)
	if err != nil {
		return fmt.Errorf("failed to encode fees: %w", err)
	}

	query := `
		UPDATE payments SET gateway_ref = $2, pay_url = $3, va_number = $4, fees = $5, updated_at = now()
		WHERE id = $1 AND status = 'pending'`
	res, err := conn(ctx, r.db).ExecContext(ctx, query, id, gatewayRef, nullString(payURL), nullString(vaNumber), feesJSON)
	if err != nil {
		slog.Error("failed to attach instrument", "method", "AttachInstrument", "payment_id", id, "error", err)
		return fmt.Errorf("failed to attach instrument: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("%w: payment %d is no longer pending", pkgerrors.ErrInvalidState, id)
		return err
	}

	slog.Info("instrument attached", "method", "AttachInstrument", "payment_id", id, "gateway_ref", gatewayRef)
	return nil
}

// UpdateStatus persists the status-dependent fields. Callers hold the row lock.
func (r *PostgresPaymentRepository) UpdateStatus(ctx context.Context, p *models.Payment) (err error) {
	ctx, span, done := startOp(ctx, paymentTracer, "UpdatePaymentStatus")
	defer done(&err)

	if p == nil {
		err = pkgerrors.ErrNilPayment
		return err
	}
	if err = p.CheckInvariants(); err != nil {
		slog.Error("payment invariant violated", "method", "UpdateStatus", "payment_id", p.ID, "error", err)
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidState, err)
	}
	span.SetAttributes(attribute.Int64("payment_id", p.ID), attribute.String("status", string(p.Status)))

	var (
		refundAmount, refundBy        sql.NullInt64
		refundReason, refundGatewayID sql.NullString
		refundedAt                    sql.NullTime
	)
	if p.Refund != nil {
		refundAmount = sql.NullInt64{Int64: p.Refund.Amount, Valid: true}
		refundBy = nullInt64(p.Refund.ProcessedBy)
		refundReason = nullString(p.Refund.Reason)
		refundGatewayID = nullString(p.Refund.GatewayRefundID)
		refundedAt = nullTime(&p.Refund.RefundedAt)
	}

	query := `
		UPDATE payments
		SET status = $2, paid_at = $3, admin_notes = $4,
			refund_amount = $5, refund_reason = $6, refund_processed_by = $7, refund_gateway_id = $8, refunded_at = $9,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		p.ID, p.Status, nullTime(p.PaidAt), nullString(p.AdminNotes),
		refundAmount, refundReason, refundBy, refundGatewayID, refundedAt,
	).Scan(&p.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return pkgerrors.ErrPaymentNotFound
	}
	if err != nil {
		slog.Error("failed to update payment status", "method", "UpdateStatus", "payment_id", p.ID, "error", err)
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	return nil
}
