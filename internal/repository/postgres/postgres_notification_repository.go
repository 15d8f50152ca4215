package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
)

const notificationTracer = "notification-repository"

type PostgresNotificationRepository struct {
	db *sql.DB
}

func NewPostgresNotificationRepository(db *sql.DB) *PostgresNotificationRepository {
	return &PostgresNotificationRepository{db: db}
}

func (r *PostgresNotificationRepository) Create(ctx context.Context, n *models.Notification) (err error) {
	ctx, _, done := startOp(ctx, notificationTracer, "CreateNotification")
	defer done(&err)

	if n == nil {
		err = pkgerrors.ErrNilNotification
		return err
	}

	query := `INSERT INTO notifications (user_id, title, message, kind) VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query, n.UserID, n.Title, n.Message, n.Kind).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		slog.Error("failed to create notification", "method", "Create", "user_id", n.UserID, "error", err)
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *PostgresNotificationRepository) ListByUser(ctx context.Context, userID int64, limit int) (list []models.Notification, err error) {
	ctx, _, done := startOp(ctx, notificationTracer, "ListNotifications")
	defer done(&err)

	query := `
		SELECT id, user_id, title, message, kind, read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n models.Notification
		if err = rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Kind, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		list = append(list, n)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return list, nil
}

func (r *PostgresNotificationRepository) MarkRead(ctx context.Context, userID, id int64) (err error) {
	ctx, _, done := startOp(ctx, notificationTracer, "MarkNotificationRead")
	defer done(&err)

	res, err := conn(ctx, r.db).ExecContext(ctx, `UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = pkgerrors.ErrNotificationNotFound
		return err
	}
	return nil
}
