package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/models"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// ReconcileRequest asks a worker to re-check a payment against the gateway.
type ReconcileRequest struct {
	PaymentID int64  `json:"payment_id"`
	Reason    string `json:"reason,omitempty"`
}

type PaymentReconciler interface {
	Reconcile(ctx context.Context, paymentID int64) (*models.Payment, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	minFetchBackoff = 500 * time.Millisecond
	maxFetchBackoff = 30 * time.Second
)

type Consumer struct {
	reader     messageReader
	reconciler PaymentReconciler
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, reconciler PaymentReconciler) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), reconciler)
}

func newConsumer(reader messageReader, reconciler PaymentReconciler) *Consumer {
	return &Consumer{
		reader:     reader,
		reconciler: reconciler,
		minBackoff: minFetchBackoff,
		maxBackoff: maxFetchBackoff,
	}
}

// Consume processes reconcile requests until ctx is cancelled. Failed requests are
// committed anyway; the expiry sweeper re-enqueues payments that are still overdue.
// Read errors are retried with a growing delay.
func (c *Consumer) Consume(ctx context.Context) {
	tracer := otel.Tracer("reconcile-consumer")
	backoff := c.minBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("reconcile consumer stopping")
				return
			}
			slog.Error("failed to read Kafka message", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				slog.Info("reconcile consumer stopping")
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff

		slog.Info("Kafka message received", "topic", msg.Topic, "key", string(msg.Key), "offset", msg.Offset)

		var req ReconcileRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil || req.PaymentID == 0 {
			slog.Error("invalid reconcile request", "value", string(msg.Value), "error", err)
			c.commit(ctx, msg)
			continue
		}

		msgCtx, span := tracer.Start(extractHeaders(ctx, msg.Headers), "ConsumeReconcileRequest")
		p, err := c.reconciler.Reconcile(msgCtx, req.PaymentID)
		if err != nil {
			span.RecordError(err)
			slog.Error("reconcile failed", "payment_id", req.PaymentID, "reason", req.Reason, "error", err)
		} else {
			slog.Info("payment reconciled", "payment_id", p.ID, "status", p.Status)
		}
		span.End()
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		slog.Error("failed to commit Kafka message", "offset", msg.Offset, "error", err)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
