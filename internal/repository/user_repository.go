package repository

import (
	"context"

	"github.com/honeynil/ZenLearnPayments/internal/models"
)

// UserRepository owns the coin balance counter. ChangeBalance is the only writer.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	ChangeBalance(ctx context.Context, userID, delta int64) (newBalance int64, err error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetBalanceForUpdate(ctx context.Context, userID int64) (int64, error)
}
