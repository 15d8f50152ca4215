package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresStatusLogRepository struct {
	db *sql.DB
}

func NewPostgresStatusLogRepository(db *sql.DB) *PostgresStatusLogRepository {
	return &PostgresStatusLogRepository{db: db}
}

func (r *PostgresStatusLogRepository) Append(ctx context.Context, l *models.PaymentStatusLog) (err error) {
	ctx, span, done := startOp(ctx, "status-log-repository", "AppendStatusLog")
	defer done(&err)

	if l == nil {
		err = pkgerrors.ErrNilStatusLog
		return err
	}
	span.SetAttributes(
		attribute.Int64("payment_id", l.PaymentID),
		attribute.String("old_status", string(l.OldStatus)),
		attribute.String("new_status", string(l.NewStatus)),
		attribute.String("actor", string(l.Actor.Type)),
	)

	query := `
		INSERT INTO payment_status_logs (payment_id, old_status, new_status, actor_type, actor_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		l.PaymentID, l.OldStatus, l.NewStatus, l.Actor.Type, nullInt64(l.Actor.ID), nullString(l.Note),
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		slog.Error("failed to append status log", "method", "Append", "payment_id", l.PaymentID, "error", err)
		return fmt.Errorf("failed to append status log: %w", err)
	}
	return nil
}

func (r *PostgresStatusLogRepository) ListByPayment(ctx context.Context, paymentID int64) (logs []models.PaymentStatusLog, err error) {
	ctx, _, done := startOp(ctx, "status-log-repository", "ListStatusLogs")
	defer done(&err)

	query := `
		SELECT id, payment_id, old_status, new_status, actor_type, actor_id, note, created_at
		FROM payment_status_logs WHERE payment_id = $1 ORDER BY id`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, paymentID)
	if err != nil {
		slog.Error("failed to list status logs", "method", "ListByPayment", "payment_id", paymentID, "error", err)
		return nil, fmt.Errorf("failed to list status logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l       models.PaymentStatusLog
			actorID sql.NullInt64
			note    sql.NullString
		)
		if err = rows.Scan(&l.ID, &l.PaymentID, &l.OldStatus, &l.NewStatus, &l.Actor.Type, &actorID, &note, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status log: %w", err)
		}
		l.Actor.ID = actorID.Int64
		l.Note = note.String
		logs = append(logs, l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status logs: %w", err)
	}
	return logs, nil
}
