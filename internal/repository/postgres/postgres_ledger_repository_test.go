package repository_test

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	repository "github.com/honeynil/ZenLearnPayments/internal/repository/postgres"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLedgerRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresLedgerRepository(db)
	ctx := context.Background()

	t.Run("NilEntry", func(t *testing.T) {
		id, err := repo.Create(ctx, nil)
		assert.Zero(t, id)
		assert.ErrorIs(t, err, pkgerrors.ErrNilLedgerEntry)
	})

	t.Run("InvalidType", func(t *testing.T) {
		_, err := repo.Create(ctx, &models.LedgerEntry{UserID: 1, Amount: 10, Type: "gift"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidEntryType)
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		_, err := repo.Create(ctx, &models.LedgerEntry{UserID: 1, Amount: 0, Type: models.EntrySpend})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Success", func(t *testing.T) {
		createdAt := time.Now().UTC()
		e := &models.LedgerEntry{
			UserID:       1,
			Amount:       -30,
			BalanceAfter: 70,
			Type:         models.EntrySpend,
			Metadata:     map[string]any{"product_id": 3},
		}
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO coin_transactions (user_id, amount, balance_after, type, metadata) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`)).
			WithArgs(int64(1), int64(-30), int64(70), "spend", []byte(`{"product_id":3}`)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), createdAt))

		id, err := repo.Create(ctx, e)
		assert.NoError(t, err)
		assert.Equal(t, int64(42), id)
		assert.Equal(t, createdAt, e.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO coin_transactions`)).
			WillReturnError(fmt.Errorf("database error"))

		_, err := repo.Create(ctx, &models.LedgerEntry{UserID: 1, Amount: 5, BalanceAfter: 5, Type: models.EntryPurchase})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create ledger entry")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerRepository_ListByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresLedgerRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM coin_transactions WHERE user_id = $1 ORDER BY id DESC LIMIT $2`)).
		WithArgs(int64(1), 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "balance_after", "type", "metadata", "created_at"}).
			AddRow(int64(2), int64(1), int64(-30), int64(70), "spend", []byte(`{"product_id":3}`), now).
			AddRow(int64(1), int64(1), int64(100), int64(100), "purchase", nil, now))

	entries, err := repo.ListByUser(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntrySpend, entries[0].Type)
	assert.EqualValues(t, 3, entries[0].Metadata["product_id"])
	assert.Nil(t, entries[1].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerRepository_SumByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresLedgerRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM coin_transactions WHERE user_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(70)))

	sum, err := repo.SumByUser(context.Background(), 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(70), sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStatusLogRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresStatusLogRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	assert.ErrorIs(t, repo.Append(ctx, nil), pkgerrors.ErrNilStatusLog)

	l := &models.PaymentStatusLog{
		PaymentID: 5,
		OldStatus: models.PaymentPending,
		NewStatus: models.PaymentCompleted,
		Actor:     models.WebhookActor,
	}
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO payment_status_logs`)).
		WithArgs(int64(5), "pending", "completed", "webhook", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), now))
	require.NoError(t, repo.Append(ctx, l))
	assert.Equal(t, int64(1), l.ID)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM payment_status_logs WHERE payment_id = $1 ORDER BY id`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payment_id", "old_status", "new_status", "actor_type", "actor_id", "note", "created_at"}).
			AddRow(int64(1), int64(5), "pending", "completed", "webhook", nil, nil, now).
			AddRow(int64(2), int64(5), "completed", "refunded", "admin", int64(1), "duplicate", now))

	logs, err := repo.ListByPayment(ctx, 5)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.WebhookActor, logs[0].Actor)
	assert.Equal(t, models.AdminActor(1), logs[1].Actor)
	assert.Equal(t, "duplicate", logs[1].Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresNotificationRepository_MarkRead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresNotificationRepository(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`)).
		WithArgs(int64(4), int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.MarkRead(ctx, 200, 4))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE notifications SET read = true`)).
		WithArgs(int64(4), int64(999)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.MarkRead(ctx, 999, 4), pkgerrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAccessGrantRepository_Grant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresAccessGrantRepository(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_access`)).
		WithArgs(int64(200), int64(1), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := repo.Grant(ctx, models.AccessGrant{UserID: 200, ProductID: 1, PaymentID: 5})
	assert.NoError(t, err)
	assert.True(t, created)

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (user_id, product_id) DO NOTHING`)).
		WithArgs(int64(200), int64(1), nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	created, err = repo.Grant(ctx, models.AccessGrant{UserID: 200, ProductID: 1})
	assert.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
