package repository

import (
	"context"

	"github.com/honeynil/ZenLearnPayments/internal/models"
)

// LedgerRepository is append-only: there is no update or delete.
type LedgerRepository interface {
	Create(ctx context.Context, entry *models.LedgerEntry) (int64, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
	SumByUser(ctx context.Context, userID int64) (int64, error)
}
