package models

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []PaymentStatus{PaymentPending, PaymentCompleted, PaymentFailed, PaymentCancelled, PaymentRefunded}

func TestPaymentStatus_CanTransitionTo(t *testing.T) {
	allowed := map[[2]PaymentStatus]bool{
		{PaymentPending, PaymentCompleted}:   true,
		{PaymentPending, PaymentFailed}:      true,
		{PaymentPending, PaymentCancelled}:   true,
		{PaymentCompleted, PaymentRefunded}: true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[[2]PaymentStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestPaymentStatus_Terminal(t *testing.T) {
	assert.False(t, PaymentPending.Terminal())
	assert.False(t, PaymentCompleted.Terminal())
	assert.True(t, PaymentFailed.Terminal())
	assert.True(t, PaymentCancelled.Terminal())
	assert.True(t, PaymentRefunded.Terminal())
	assert.False(t, PaymentStatus("paid").Valid())
}

func TestPayment_CheckInvariants(t *testing.T) {
	now := time.Now()

	t.Run("PendingOK", func(t *testing.T) {
		p := &Payment{Amount: 50000, Status: PaymentPending}
		assert.NoError(t, p.CheckInvariants())
	})

	t.Run("RefundOnCompleted", func(t *testing.T) {
		p := &Payment{Amount: 50000, Status: PaymentCompleted, PaidAt: &now, Refund: &Refund{Amount: 1}}
		assert.Error(t, p.CheckInvariants())
	})

	t.Run("PaidAtOnPending", func(t *testing.T) {
		p := &Payment{Amount: 50000, Status: PaymentPending, PaidAt: &now}
		assert.Error(t, p.CheckInvariants())
	})

	t.Run("CompletedWithoutPaidAt", func(t *testing.T) {
		p := &Payment{Amount: 50000, Status: PaymentCompleted}
		assert.Error(t, p.CheckInvariants())
	})

	t.Run("RefundExceedsAmount", func(t *testing.T) {
		p := &Payment{Amount: 50000, Status: PaymentRefunded, PaidAt: &now, Refund: &Refund{Amount: 50001}}
		assert.Error(t, p.CheckInvariants())
	})

	t.Run("RefundedOK", func(t *testing.T) {
		p := &Payment{Amount: 50000, Status: PaymentRefunded, PaidAt: &now, Refund: &Refund{Amount: 50000}}
		assert.NoError(t, p.CheckInvariants())
	})
}

func TestFormatInvoiceNumber(t *testing.T) {
	day := time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC)
	inv := FormatInvoiceNumber("ZL", day, 12)
	assert.Equal(t, "ZL202603070012", inv)
	assert.Regexp(t, regexp.MustCompile(`^ZL\d{8}\d{4}$`), inv)
}

func TestPayment_Grants(t *testing.T) {
	coins := &Payment{TargetType: ProductCoinPackage, Coins: 100}
	assert.True(t, coins.GrantsCoins())
	assert.False(t, coins.GrantsAccess())

	course := &Payment{TargetType: ProductCourse, ProductID: 3}
	assert.True(t, course.GrantsAccess())
	assert.False(t, course.GrantsCoins())
}

func TestPayment_Expired(t *testing.T) {
	now := time.Now()
	p := &Payment{Status: PaymentPending, ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, p.Expired(now))
	p.Status = PaymentCompleted
	assert.False(t, p.Expired(now))
}
