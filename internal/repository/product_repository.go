package repository

import (
	"context"

	"github.com/honeynil/ZenLearnPayments/internal/models"
)

type ProductRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Product, error)
}

type AccessGrantRepository interface {
	// Grant reports false when the user already had access.
	Grant(ctx context.Context, grant models.AccessGrant) (bool, error)
	Has(ctx context.Context, userID, productID int64) (bool, error)
}
