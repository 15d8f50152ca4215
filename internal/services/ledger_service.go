package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

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
	balanceCacheTTL = 5 * time.Minute
	requestKeyTTL   = 24 * time.Hour
	historyLimit    = 100
)

type LedgerService interface {
	Credit(ctx context.Context, userID, amount int64, reason string) (*models.LedgerEntry, error)
	Debit(ctx context.Context, userID, amount int64, reason string) (*models.LedgerEntry, error)
	Refund(ctx context.Context, userID, amount int64, reason string) (*models.LedgerEntry, error)
	Reverse(ctx context.Context, userID, coins int64, reason string) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetHistory(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error)
	Verify(ctx context.Context, userID int64) (*BalanceReport, error)
	SpendOnProduct(ctx context.Context, userID, productID int64, requestID string) (*models.LedgerEntry, error)
	InvalidateBalance(ctx context.Context, userID int64)
}

// BalanceReport compares the balance counter with the sum of the ledger.
type BalanceReport struct {
	UserID     int64 `json:"user_id"`
	Balance    int64 `json:"balance"`
	LedgerSum  int64 `json:"ledger_sum"`
	Consistent bool  `json:"consistent"`
}

type ledgerService struct {
	tx      repository.Transactor
	users   repository.UserRepository
	ledger  repository.LedgerRepository
	grants  repository.AccessGrantRepository
	catalog *productCatalog
	redis   redis.RedisClient
}

func NewLedgerService(
	tx repository.Transactor,
	users repository.UserRepository,
	ledger repository.LedgerRepository,
	products repository.ProductRepository,
	grants repository.AccessGrantRepository,
	redisClient redis.RedisClient,
) *ledgerService {
	return &ledgerService{
		tx:      tx,
		users:   users,
		ledger:  ledger,
		grants:  grants,
		catalog: newProductCatalog(products, redisClient),
		redis:   redisClient,
	}
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("user:%d:balance", userID)
}

func (s *ledgerService) Credit(ctx context.Context, userID, amount int64, reason string) (*models.LedgerEntry, error) {
	return s.write(ctx, "Credit", userID, amount, models.EntryPurchase, map[string]any{"reason": reason})
}

func (s *ledgerService) Debit(ctx context.Context, userID, amount int64, reason string) (*models.LedgerEntry, error) {
	return s.write(ctx, "Debit", userID, amount, models.EntrySpend, map[string]any{"reason": reason})
}

func (s *ledgerService) Refund(ctx context.Context, userID, amount int64, reason string) (*models.LedgerEntry, error) {
	return s.write(ctx, "Refund", userID, amount, models.EntryRefund, map[string]any{"reason": reason})
}

// write applies one signed balance change and its ledger entry as a single unit of work.
// amount is always positive; spend entries are stored negative.
func (s *ledgerService) write(ctx context.Context, method string, userID, amount int64, typ models.EntryType, meta map[string]any) (*models.LedgerEntry, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, method)
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("amount", amount))

	if amount <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		observability.LedgerOperations.WithLabelValues(string(typ), "rejected").Inc()
		return nil, pkgerrors.ErrInvalidAmount
	}

	delta := amount
	if typ == models.EntrySpend {
		delta = -amount
	}

	var entry *models.LedgerEntry
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.appendEntry(ctx, userID, delta, typ, meta)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		observability.LedgerOperations.WithLabelValues(string(typ), "error").Inc()
		slog.Error("ledger write failed", "method", method, "user_id", userID, "amount", amount, "error", err)
		return nil, err
	}

	s.InvalidateBalance(ctx, userID)
	observability.LedgerOperations.WithLabelValues(string(typ), "success").Inc()
	slog.Info("ledger entry written", "method", method, "user_id", userID, "amount", entry.Amount, "balance_after", entry.BalanceAfter)
	return entry, nil
}

// appendEntry must run inside a unit of work.
func (s *ledgerService) appendEntry(ctx context.Context, userID, delta int64, typ models.EntryType, meta map[string]any) (*models.LedgerEntry, error) {
	balance, err := s.users.ChangeBalance(ctx, userID, delta)
	if err != nil {
		return nil, err
	}
	entry := &models.LedgerEntry{
		UserID:       userID,
		Amount:       delta,
		BalanceAfter: balance,
		Type:         typ,
		Metadata:     meta,
	}
	if _, err := s.ledger.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reverse takes back up to coins from the user as a single refund entry. If the user
// has already spent part of them, only the remaining balance is taken and the
// shortfall is kept in the entry metadata. Returns a nil entry when nothing is left.
func (s *ledgerService) Reverse(ctx context.Context, userID, coins int64, reason string) (*models.LedgerEntry, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Reverse")
	defer span.End()

	if coins <= 0 {
		return nil, pkgerrors.ErrInvalidAmount
	}

	var entry *models.LedgerEntry
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		balance, err := s.users.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		take := min(coins, balance)
		if take == 0 {
			slog.Warn("nothing to reverse", "user_id", userID, "coins", coins)
			return nil
		}
		meta := map[string]any{"reason": reason, "reversed": take}
		if shortfall := coins - take; shortfall > 0 {
			meta["shortfall"] = shortfall
		}
		entry, err = s.appendEntry(ctx, userID, -take, models.EntryRefund, meta)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reverse failed")
		observability.LedgerOperations.WithLabelValues(string(models.EntryRefund), "error").Inc()
		slog.Error("failed to reverse coins", "user_id", userID, "coins", coins, "error", err)
		return nil, err
	}

	s.InvalidateBalance(ctx, userID)
	observability.LedgerOperations.WithLabelValues(string(models.EntryRefund), "success").Inc()
	return entry, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetBalance")
	defer span.End()

	cached, err := s.redis.Get(ctx, balanceKey(userID))
	if err == nil {
		if balance, convErr := strconv.ParseInt(cached, 10, 64); convErr == nil {
			return balance, nil
		}
	} else if !errors.Is(err, redis.ErrKeyNotFound) {
		slog.Warn("failed to read cached balance", "user_id", userID, "error", err)
	}

	balance, err := s.users.GetBalance(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get balance")
		return 0, err
	}

	if err := s.redis.Set(ctx, balanceKey(userID), strconv.FormatInt(balance, 10), balanceCacheTTL); err != nil {
		slog.Warn("failed to cache balance", "user_id", userID, "error", err)
	}
	return balance, nil
}

func (s *ledgerService) InvalidateBalance(ctx context.Context, userID int64) {
	if err := s.redis.Del(ctx, balanceKey(userID)); err != nil {
		slog.Warn("failed to invalidate cached balance", "user_id", userID, "error", err)
	}
}

func (s *ledgerService) GetHistory(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetHistory")
	defer span.End()

	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	entries, err := s.ledger.ListByUser(ctx, userID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get history")
		return nil, err
	}
	return entries, nil
}

func (s *ledgerService) Verify(ctx context.Context, userID int64) (*BalanceReport, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Verify")
	defer span.End()

	report := &BalanceReport{UserID: userID}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if report.Balance, err = s.users.GetBalanceForUpdate(ctx, userID); err != nil {
			return err
		}
		report.LedgerSum, err = s.ledger.SumByUser(ctx, userID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return nil, err
	}

	report.Consistent = report.Balance == report.LedgerSum
	if !report.Consistent {
		slog.Error("coin balance drift detected", "user_id", userID, "balance", report.Balance, "ledger_sum", report.LedgerSum)
	}
	return report, nil
}

// SpendOnProduct unlocks a course or tryout with coins. A request id may be used once.
func (s *ledgerService) SpendOnProduct(ctx context.Context, userID, productID int64, requestID string) (*models.LedgerEntry, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "SpendOnProduct")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("product_id", productID))

	if requestID == "" {
		span.SetStatus(codes.Error, "missing request id")
		return nil, fmt.Errorf("%w: request_id is required", pkgerrors.ErrInvalidInput)
	}

	requestKey := spendRequestKey(userID, requestID)
	ok, err := s.redis.SetNX(ctx, requestKey, "pending", requestKeyTTL)
	if err != nil {
		slog.Error("failed to set request key", "request_id", requestID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set request key")
		return nil, err
	}
	if !ok {
		slog.Warn("request already processed", "request_id", requestID, "user_id", userID)
		span.SetStatus(codes.Error, "request already processed")
		return nil, pkgerrors.ErrRequestAlreadyProcessed
	}

	entry, err := s.spend(ctx, userID, productID, requestID)
	if err != nil {
		_ = s.redis.Del(ctx, requestKey)
		span.RecordError(err)
		span.SetStatus(codes.Error, "spend failed")
		observability.LedgerOperations.WithLabelValues(string(models.EntrySpend), "error").Inc()
		slog.Error("failed to spend coins", "user_id", userID, "product_id", productID, "request_id", requestID, "error", err)
		return nil, err
	}

	if err := s.redis.Set(ctx, requestKey, "done", requestKeyTTL); err != nil {
		slog.Warn("failed to mark request done", "request_id", requestID, "error", err)
	}
	s.InvalidateBalance(ctx, userID)
	observability.LedgerOperations.WithLabelValues(string(models.EntrySpend), "success").Inc()
	slog.Info("product unlocked with coins", "user_id", userID, "product_id", productID, "coins", -entry.Amount, "balance_after", entry.BalanceAfter)
	return entry, nil
}

func (s *ledgerService) spend(ctx context.Context, userID, productID int64, requestID string) (*models.LedgerEntry, error) {
	product, err := s.catalog.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Unlockable() {
		return nil, fmt.Errorf("%w: product %d cannot be bought with coins", pkgerrors.ErrInvalidInput, productID)
	}

	var entry *models.LedgerEntry
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		owned, err := s.grants.Has(ctx, userID, productID)
		if err != nil {
			return err
		}
		if owned {
			return pkgerrors.ErrAlreadyOwned
		}
		entry, err = s.appendEntry(ctx, userID, -product.CoinPrice, models.EntrySpend, map[string]any{
			"reason":     "unlock " + product.Name,
			"product_id": productID,
			"request_id": requestID,
		})
		if err != nil {
			return err
		}
		granted, err := s.grants.Grant(ctx, models.AccessGrant{UserID: userID, ProductID: productID})
		if err != nil {
			return err
		}
		if !granted {
			return pkgerrors.ErrAlreadyOwned
		}
		return nil
	})
	return entry, err
}

func spendRequestKey(userID int64, requestID string) string {
	return fmt.Sprintf("request:%d:%s", userID, requestID)
}
