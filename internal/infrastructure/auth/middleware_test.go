package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/redis"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	m.data[key] = value.(string)
	return nil
}

func (m *memRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return false, nil
}

func (m *memRedis) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memRedis) Close() error { return nil }

func protected(svc *JWTService, admin bool) http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := UserIDFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if admin {
		h = RequireAdmin(h)
	}
	return AuthMiddleware(svc)(h)
}

func TestAuthMiddleware(t *testing.T) {
	svc := NewJWTService("secret", newMemRedis())
	userToken, err := svc.GenerateToken(200, "", time.Hour)
	require.NoError(t, err)
	adminToken, err := svc.GenerateToken(1, models.RoleAdmin, time.Hour)
	require.NoError(t, err)
	expired, err := svc.GenerateToken(200, "", -time.Minute)
	require.NoError(t, err)
	foreign, err := NewJWTService("other", nil).GenerateToken(200, "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		admin  bool
		want   int
	}{
		{"MissingHeader", "", false, http.StatusUnauthorized},
		{"BadScheme", "Token " + userToken, false, http.StatusUnauthorized},
		{"Expired", "Bearer " + expired, false, http.StatusUnauthorized},
		{"WrongSecret", "Bearer " + foreign, false, http.StatusUnauthorized},
		{"User", "Bearer " + userToken, false, http.StatusOK},
		{"UserOnAdminRoute", "Bearer " + userToken, true, http.StatusForbidden},
		{"Admin", "Bearer " + adminToken, true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/payments", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protected(svc, tt.admin).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestJWTService_Revoke(t *testing.T) {
	svc := NewJWTService("secret", newMemRedis())
	token, err := svc.GenerateToken(7, "", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)

	require.NoError(t, svc.Revoke(context.Background(), claims))
	_, err = svc.ValidateToken(context.Background(), token)
	assert.Error(t, err)
}
