package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const ledgerTracer = "ledger-repository"

type PostgresLedgerRepository struct {
	db *sql.DB
}

func NewPostgresLedgerRepository(db *sql.DB) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db}
}

func (r *PostgresLedgerRepository) Create(ctx context.Context, e *models.LedgerEntry) (id int64, err error) {
	ctx, span, done := startOp(ctx, ledgerTracer, "CreateLedgerEntry")
	defer done(&err)

	if e == nil {
		err = pkgerrors.ErrNilLedgerEntry
		slog.Error("failed to create ledger entry", "method", "Create", "error", err)
		return 0, err
	}
	if !e.Type.Valid() {
		err = pkgerrors.ErrInvalidEntryType
		slog.Error("invalid ledger entry type", "method", "Create", "type", e.Type, "error", err)
		return 0, err
	}
	if e.Amount == 0 {
		err = fmt.Errorf("%w: ledger amount must be non-zero", pkgerrors.ErrInvalidAmount)
		return 0, err
	}

	span.SetAttributes(
		attribute.Int64("user_id", e.UserID),
		attribute.Int64("amount", e.Amount),
		attribute.String("type", string(e.Type)),
	)

	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `INSERT INTO coin_transactions (user_id, amount, balance_after, type, metadata) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	var createdAt time.Time
	err = conn(ctx, r.db).QueryRowContext(ctx, query, e.UserID, e.Amount, e.BalanceAfter, e.Type, metadata).Scan(&id, &createdAt)
	if err != nil {
		slog.Error("failed to create ledger entry", "method", "Create", "user_id", e.UserID, "type", e.Type, "error", err)
		return 0, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	e.ID = id
	e.CreatedAt = createdAt
	slog.Info("ledger entry created", "method", "Create", "id", e.ID, "user_id", e.UserID, "amount", e.Amount, "type", e.Type, "balance_after", e.BalanceAfter)
	return id, nil
}

func (r *PostgresLedgerRepository) ListByUser(ctx context.Context, userID int64, limit int) (entries []models.LedgerEntry, err error) {
	ctx, _, done := startOp(ctx, ledgerTracer, "ListLedgerEntries")
	defer done(&err)

	query := `
		SELECT id, user_id, amount, balance_after, type, metadata, created_at
		FROM coin_transactions WHERE user_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, userID, limit)
	if err != nil {
		slog.Error("failed to get ledger history", "method", "ListByUser", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get ledger history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        models.LedgerEntry
			metadata []byte
		)
		if err = rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &e.Type, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if len(metadata) > 0 {
			if err = json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

func (r *PostgresLedgerRepository) SumByUser(ctx context.Context, userID int64) (sum int64, err error) {
	ctx, _, done := startOp(ctx, ledgerTracer, "SumLedgerEntries")
	defer done(&err)

	err = conn(ctx, r.db).QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM coin_transactions WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		slog.Error("failed to sum ledger", "method", "SumByUser", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return sum, nil
}
