package service

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/gateway"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/redis"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memStore backs every repository with maps. WithinTx serialises units of work the
// way the row locks do in Postgres and rolls the maps back when fn fails.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	nextID        int64
	seq           map[string]int64
	payments      map[int64]models.Payment
	logs          []models.PaymentStatusLog
	balances      map[int64]int64
	ledger        []models.LedgerEntry
	products      map[int64]models.Product
	grants        map[[2]int64]models.AccessGrant
	notifications []models.Notification

	failNotifications error
	failAttach        error
}

type memTxKey struct{}

type memSnapshot struct {
	nextID   int64
	seq      map[string]int64
	payments map[int64]models.Payment
	logs     []models.PaymentStatusLog
	balances map[int64]int64
	ledger   []models.LedgerEntry
	grants   map[[2]int64]models.AccessGrant
}

func newMemStore() *memStore {
	return &memStore{
		seq:      map[string]int64{},
		payments: map[int64]models.Payment{},
		balances: map[int64]int64{},
		products: map[int64]models.Product{},
		grants:   map[[2]int64]models.AccessGrant{},
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		nextID:   s.nextID,
		seq:      map[string]int64{},
		payments: map[int64]models.Payment{},
		logs:     append([]models.PaymentStatusLog(nil), s.logs...),
		balances: map[int64]int64{},
		ledger:   append([]models.LedgerEntry(nil), s.ledger...),
		grants:   map[[2]int64]models.AccessGrant{},
	}
	for k, v := range s.seq {
		snap.seq[k] = v
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	for k, v := range s.grants {
		snap.grants[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = snap.nextID
	s.seq = snap.seq
	s.payments = snap.payments
	s.logs = snap.logs
	s.balances = snap.balances
	s.ledger = snap.ledger
	s.grants = snap.grants
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) payment(t *testing.T, id int64) models.Payment {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	require.True(t, ok, "payment %d missing", id)
	return p
}

func (s *memStore) logsFor(id int64) []models.PaymentStatusLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentStatusLog
	for _, l := range s.logs {
		if l.PaymentID == id {
			out = append(out, l)
		}
	}
	return out
}

func (s *memStore) ledgerFor(userID int64) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) balance(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func (s *memStore) grantCount(userID, productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[[2]int64{userID, productID}]; ok {
		return 1
	}
	return 0
}

func (s *memStore) notificationsFor(userID int64) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (s *memStore) putPayment(p models.Payment) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.payments[p.ID] = p
	return p.ID
}

type memPayments struct{ *memStore }

func (r memPayments) NextInvoiceSeq(_ context.Context, day time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := day.Format("2006-01-02")
	r.seq[key]++
	return r.seq[key], nil
}

func (r memPayments) Create(_ context.Context, p *models.Payment) error {
	if p == nil {
		return pkgerrors.ErrNilPayment
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.InvoiceNumber == p.InvoiceNumber {
			return fmt.Errorf("duplicate invoice number %s", p.InvoiceNumber)
		}
	}
	p.ID = r.id()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	r.payments[p.ID] = *p
	return nil
}

func (r memPayments) GetByID(_ context.Context, id int64) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, pkgerrors.ErrPaymentNotFound
	}
	return &p, nil
}

func (r memPayments) GetByIDForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	return r.GetByID(ctx, id)
}

func (r memPayments) GetByGatewayRef(_ context.Context, ref string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if ref != "" && p.GatewayRef == ref {
			return &p, nil
		}
	}
	return nil, pkgerrors.ErrPaymentNotFound
}

func (r memPayments) GetByOrderID(_ context.Context, orderID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if orderID != "" && p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, pkgerrors.ErrPaymentNotFound
}

func (r memPayments) ListByUser(_ context.Context, userID int64, limit int) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memPayments) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		if p.Status == models.PaymentPending && p.ExpiresAt.Before(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memPayments) AttachInstrument(_ context.Context, id int64, gatewayRef, payURL, vaNumber string, fees []models.Fee) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAttach != nil {
		return r.failAttach
	}
	p, ok := r.payments[id]
	if !ok || p.Status != models.PaymentPending {
		return pkgerrors.ErrInvalidState
	}
	p.GatewayRef, p.PayURL, p.VANumber, p.Fees = gatewayRef, payURL, vaNumber, fees
	r.payments[id] = p
	return nil
}

func (r memPayments) UpdateStatus(_ context.Context, p *models.Payment) error {
	if err := p.CheckInvariants(); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidState, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; !ok {
		return pkgerrors.ErrPaymentNotFound
	}
	p.UpdatedAt = time.Now()
	r.payments[p.ID] = *p
	return nil
}

type memLogs struct{ *memStore }

func (r memLogs) Append(_ context.Context, l *models.PaymentStatusLog) error {
	if l == nil {
		return pkgerrors.ErrNilStatusLog
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l.ID = r.id()
	l.CreatedAt = time.Now()
	r.logs = append(r.logs, *l)
	return nil
}

func (r memLogs) ListByPayment(_ context.Context, paymentID int64) ([]models.PaymentStatusLog, error) {
	return r.logsFor(paymentID), nil
}

type memUsers struct{ *memStore }

func (r memUsers) GetByID(_ context.Context, id int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bal, ok := r.balances[id]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	return &models.User{ID: id, CoinBalance: bal}, nil
}

func (r memUsers) ChangeBalance(_ context.Context, userID, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bal, ok := r.balances[userID]
	if !ok {
		return 0, pkgerrors.ErrUserNotFound
	}
	if bal+delta < 0 {
		return 0, fmt.Errorf("%w: user %d needs %d", pkgerrors.ErrInsufficientBalance, userID, -delta)
	}
	r.balances[userID] = bal + delta
	return bal + delta, nil
}

func (r memUsers) GetBalance(_ context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bal, ok := r.balances[userID]
	if !ok {
		return 0, pkgerrors.ErrUserNotFound
	}
	return bal, nil
}

func (r memUsers) GetBalanceForUpdate(ctx context.Context, userID int64) (int64, error) {
	return r.GetBalance(ctx, userID)
}

type memLedger struct{ *memStore }

func (r memLedger) Create(_ context.Context, e *models.LedgerEntry) (int64, error) {
	if e == nil {
		return 0, pkgerrors.ErrNilLedgerEntry
	}
	if !e.Type.Valid() {
		return 0, pkgerrors.ErrInvalidEntryType
	}
	if e.Amount == 0 {
		return 0, pkgerrors.ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.id()
	e.CreatedAt = time.Now()
	r.ledger = append(r.ledger, *e)
	return e.ID, nil
}

func (r memLedger) ListByUser(_ context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	entries := r.ledgerFor(userID)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r memLedger) SumByUser(_ context.Context, userID int64) (int64, error) {
	var sum int64
	for _, e := range r.ledgerFor(userID) {
		sum += e.Amount
	}
	return sum, nil
}

type memProducts struct{ *memStore }

func (r memProducts) GetByID(_ context.Context, id int64) (*models.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, pkgerrors.ErrProductNotFound
	}
	return &p, nil
}

type memGrants struct{ *memStore }

func (r memGrants) Grant(_ context.Context, g models.AccessGrant) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int64{g.UserID, g.ProductID}
	if _, ok := r.grants[key]; ok {
		return false, nil
	}
	r.grants[key] = g
	return true, nil
}

func (r memGrants) Has(_ context.Context, userID, productID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.grants[[2]int64{userID, productID}]
	return ok, nil
}

type memNotifications struct{ *memStore }

func (r memNotifications) Create(_ context.Context, n *models.Notification) error {
	if n == nil {
		return pkgerrors.ErrNilNotification
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNotifications != nil {
		return r.failNotifications
	}
	n.ID = r.id()
	n.CreatedAt = time.Now()
	r.notifications = append(r.notifications, *n)
	return nil
}

func (r memNotifications) ListByUser(_ context.Context, userID int64, limit int) ([]models.Notification, error) {
	out := r.notificationsFor(userID)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memNotifications) MarkRead(_ context.Context, userID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.notifications {
		if n.ID == id && n.UserID == userID {
			r.notifications[i].Read = true
			return nil
		}
	}
	return pkgerrors.ErrNotificationNotFound
}

type memRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemRedis() *memRedis { return &memRedis{data: map[string]string{}} }

func (m *memRedis) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return v, nil
}

func (m *memRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memRedis) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memRedis) Close() error { return nil }

func (m *memRedis) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (p *fakeProducer) Send(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{topic: topic, key: key, value: value})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) onTopic(topic string) []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sentMessage
	for _, m := range p.sent {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) RequestInstrument(ctx context.Context, p *models.Payment) (*gateway.Instrument, error) {
	args := m.Called(ctx, p)
	inst, _ := args.Get(0).(*gateway.Instrument)
	return inst, args.Error(1)
}

func (m *mockGateway) QueryStatus(ctx context.Context, externalRef string) (models.PaymentStatus, error) {
	args := m.Called(ctx, externalRef)
	return args.Get(0).(models.PaymentStatus), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, externalRef string, amount int64, reason string) (string, error) {
	args := m.Called(ctx, externalRef, amount, reason)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) VerifyWebhook(header http.Header) error {
	return m.Called(header).Error(0)
}

func (m *mockGateway) ParseWebhook(header http.Header, body []byte) (*gateway.WebhookEvent, error) {
	args := m.Called(header, body)
	if fn, ok := args.Get(0).(func(http.Header, []byte) *gateway.WebhookEvent); ok {
		return fn(header, body), args.Error(1)
	}
	ev, _ := args.Get(0).(*gateway.WebhookEvent)
	return ev, args.Error(1)
}

const (
	testUserID     int64 = 200
	testAdminID    int64 = 1
	courseID       int64 = 1
	coinPackageID  int64 = 2
	tryoutID       int64 = 3
	coinsInPackage int64 = 100
)

type testEnv struct {
	store      *memStore
	redis      *memRedis
	producer   *fakeProducer
	gw         *mockGateway
	ledger     *ledgerService
	notifier   *notificationService
	reconciler *reconciler
	payments   *paymentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	store.balances[testUserID] = 0
	store.products[courseID] = models.Product{ID: courseID, Kind: models.ProductCourse, Name: "UTBK Intensive", Price: 100000, CoinPrice: 50}
	store.products[coinPackageID] = models.Product{ID: coinPackageID, Kind: models.ProductCoinPackage, Name: "100 coins", Price: 50000, Coins: coinsInPackage}
	store.products[tryoutID] = models.Product{ID: tryoutID, Kind: models.ProductTryout, Name: "Tryout #1", Price: 25000, CoinPrice: 30}

	env := &testEnv{
		store:    store,
		redis:    newMemRedis(),
		producer: &fakeProducer{},
		gw:       &mockGateway{},
	}
	env.ledger = NewLedgerService(store, memUsers{store}, memLedger{store}, memProducts{store}, memGrants{store}, env.redis)
	env.notifier = NewNotificationService(memNotifications{store}, env.producer)
	env.reconciler = NewReconciler(store, memPayments{store}, memLogs{store}, memUsers{store}, memGrants{store},
		env.ledger, env.notifier, env.gw, env.producer, env.redis, ReconcilerConfig{StatusTimeout: 50 * time.Millisecond})
	env.payments = NewPaymentService(store, memPayments{store}, memLogs{store}, memProducts{store}, env.redis, env.gw, env.reconciler,
		PaymentServiceConfig{InvoicePrefix: "ZL", Expiry: ExpiryPolicy{models.MethodManual: 72 * time.Hour}})
	return env
}

// seedPayment stores a payment already in status, with the fields that status implies.
func (e *testEnv) seedPayment(status models.PaymentStatus, productID int64, gatewayRef string) int64 {
	product := e.store.products[productID]
	now := time.Now()
	p := models.Payment{
		OrderID:       fmt.Sprintf("order-%d", now.UnixNano()),
		InvoiceNumber: fmt.Sprintf("ZL%s%04d", now.Format("20060102"), len(e.store.payments)+1),
		UserID:        testUserID,
		ProductID:     productID,
		TargetType:    product.Kind,
		Amount:        product.Price,
		Status:        status,
		Method:        models.MethodVirtualAccount,
		GatewayRef:    gatewayRef,
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
	}
	if gatewayRef == "" {
		p.Method = models.MethodManual
	}
	if product.Kind == models.ProductCoinPackage {
		p.Coins = product.Coins
	}
	if status == models.PaymentCompleted || status == models.PaymentRefunded {
		p.PaidAt = &now
	}
	if status == models.PaymentRefunded {
		p.Refund = &models.Refund{Amount: p.Amount, Reason: "seed", RefundedAt: now}
	}
	return e.store.putPayment(p)
}
