package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/kafka"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationService_Notify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.notifier.Notify(ctx, testUserID, models.NotifyPaymentSuccess, "Payment successful", "ok")

	stored := env.store.notificationsFor(testUserID)
	require.Len(t, stored, 1)
	assert.Equal(t, models.NotifyPaymentSuccess, stored[0].Kind)
	assert.False(t, stored[0].Read)

	msgs := env.producer.onTopic(kafka.TopicNotifications)
	require.Len(t, msgs, 1)
	assert.Equal(t, "200", msgs[0].key)
	var published models.Notification
	require.NoError(t, json.Unmarshal(msgs[0].value, &published))
	assert.Equal(t, stored[0].ID, published.ID)

	list, err := env.notifier.List(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, env.notifier.MarkRead(ctx, testUserID, list[0].ID))
	assert.True(t, env.store.notificationsFor(testUserID)[0].Read)
	assert.ErrorIs(t, env.notifier.MarkRead(ctx, 999, list[0].ID), pkgerrors.ErrNotFound)
}

func TestNotificationService_FailuresAreSwallowed(t *testing.T) {
	t.Run("StoreFails", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.failNotifications = errors.New("db down")

		env.notifier.Notify(context.Background(), testUserID, models.NotifyPaymentFailed, "t", "m")
		assert.Empty(t, env.producer.onTopic(kafka.TopicNotifications))
	})

	t.Run("PublishFails", func(t *testing.T) {
		env := newTestEnv(t)
		env.producer.err = errors.New("broker down")

		env.notifier.Notify(context.Background(), testUserID, models.NotifyPaymentFailed, "t", "m")
		assert.Len(t, env.store.notificationsFor(testUserID), 1)
	})
}
