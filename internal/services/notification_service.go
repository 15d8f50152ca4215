package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/kafka"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/observability"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	"github.com/honeynil/ZenLearnPayments/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const notificationLimit = 50

type NotificationService interface {
	// Notify never fails the caller; errors are logged and counted.
	Notify(ctx context.Context, userID int64, kind models.NotificationKind, title, message string)
	List(ctx context.Context, userID int64) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id int64) error
}

type notificationService struct {
	repo     repository.NotificationRepository
	producer kafka.KafkaProducer
}

func NewNotificationService(repo repository.NotificationRepository, producer kafka.KafkaProducer) *notificationService {
	return &notificationService{repo: repo, producer: producer}
}

func (s *notificationService) Notify(ctx context.Context, userID int64, kind models.NotificationKind, title, message string) {
	tracer := otel.Tracer("notification-service")
	ctx, span := tracer.Start(ctx, "Notify")
	defer span.End()

	n := &models.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
		Kind:    kind,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store notification")
		observability.NotificationFailures.Inc()
		slog.Error("failed to store notification", "user_id", userID, "kind", kind, "error", err)
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		observability.NotificationFailures.Inc()
		slog.Error("failed to marshal notification", "notification_id", n.ID, "error", err)
		return
	}
	if err := s.producer.Send(ctx, kafka.TopicNotifications, strconv.FormatInt(userID, 10), payload); err != nil {
		span.RecordError(err)
		observability.NotificationFailures.Inc()
		slog.Error("failed to publish notification", "notification_id", n.ID, "user_id", userID, "error", err)
		return
	}
	slog.Info("notification sent", "notification_id", n.ID, "user_id", userID, "kind", kind)
}

func (s *notificationService) List(ctx context.Context, userID int64) ([]models.Notification, error) {
	ctx, span := otel.Tracer("notification-service").Start(ctx, "List")
	defer span.End()
	return s.repo.ListByUser(ctx, userID, notificationLimit)
}

func (s *notificationService) MarkRead(ctx context.Context, userID, id int64) error {
	ctx, span := otel.Tracer("notification-service").Start(ctx, "MarkRead")
	defer span.End()
	return s.repo.MarkRead(ctx, userID, id)
}
