package gateway

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := database.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return database
}

// seedKey creates an active user and an API key for it, returning the raw key.
func seedKey(t *testing.T, database *gorm.DB, role string, mutate func(*db.ApiKey)) (string, *db.User) {
	t.Helper()
	ctx := context.Background()

	users := repositories.NewUserRepository(database)
	user := &db.User{
		Email:       role + "-" + time.Now().Format("150405.000000000") + "@test.local",
		DisplayName: "Test User",
		Role:        role,
		IsActive:    true,
	}
	require.NoError(t, users.Create(ctx, user))

	raw := "fc_test_" + user.ID.String()
	key := &db.ApiKey{OwnerUserID: user.ID, Name: "test", Hash: HashKey(raw)}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, repositories.NewApiKeyRepository(database).Create(ctx, key))
	return raw, user
}

func newTestAuthenticator(t *testing.T, database *gorm.DB) *Authenticator {
	t.Helper()
	return NewAuthenticator(
		repositories.NewApiKeyRepository(database),
		repositories.NewUserRepository(database),
		zap.NewNop(),
	)
}

func TestHashKey(t *testing.T) {
	// SHA-256("abc"), lowercase hex.
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashKey("abc"))
	assert.Len(t, HashKey("anything"), 64)
}

func TestAuthenticate_HeaderKey(t *testing.T) {
	database := newTestDB(t)
	raw, user := seedKey(t, database, RoleOperator, nil)
	auth := newTestAuthenticator(t, database)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Api-Key", raw)

	p, err := auth.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.UserID)
	assert.Equal(t, RoleOperator, p.Role)
	assert.Empty(t, p.InstanceID)
	assert.False(t, p.IsAgent())
}

func TestAuthenticate_QueryParamFallback(t *testing.T) {
	database := newTestDB(t)
	raw, _ := seedKey(t, database, RoleViewer, nil)
	auth := newTestAuthenticator(t, database)

	r := httptest.NewRequest("GET", "/ws?apiKey="+raw, nil)

	p, err := auth.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, p.Role)
}

func TestAuthenticate_AgentPrincipal(t *testing.T) {
	database := newTestDB(t)
	raw, _ := seedKey(t, database, RoleOperator, nil)
	auth := newTestAuthenticator(t, database)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Api-Key", raw)
	r.Header.Set("X-Instance-ID", "i-99")

	p, err := auth.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, p.IsAgent())
	assert.Equal(t, "i-99", p.InstanceID)
}

func TestAuthenticate_MissingKey(t *testing.T) {
	auth := newTestAuthenticator(t, newTestDB(t))

	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := auth.Authenticate(context.Background(), r)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.CodeMissingAPIKey, authErr.Code)
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	auth := newTestAuthenticator(t, newTestDB(t))

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Api-Key", "never-issued")

	_, err := auth.Authenticate(context.Background(), r)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.CodeInvalidAPIKey, authErr.Code)
}

func TestAuthenticate_ExpiredKey(t *testing.T) {
	database := newTestDB(t)
	past := time.Now().Add(-time.Hour)
	raw, _ := seedKey(t, database, RoleAdmin, func(k *db.ApiKey) { k.ExpiresAt = &past })
	auth := newTestAuthenticator(t, database)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Api-Key", raw)

	_, err := auth.Authenticate(context.Background(), r)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.CodeExpiredAPIKey, authErr.Code)
}

func TestAuthenticate_RevokedKey(t *testing.T) {
	database := newTestDB(t)
	now := time.Now()
	raw, _ := seedKey(t, database, RoleAdmin, func(k *db.ApiKey) { k.RevokedAt = &now })
	auth := newTestAuthenticator(t, database)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Api-Key", raw)

	_, err := auth.Authenticate(context.Background(), r)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.CodeInvalidAPIKey, authErr.Code)
}

func TestAuthenticate_InactiveUser(t *testing.T) {
	database := newTestDB(t)
	raw, user := seedKey(t, database, RoleAdmin, nil)

	user.IsActive = false
	require.NoError(t, repositories.NewUserRepository(database).Update(context.Background(), user))

	auth := newTestAuthenticator(t, database)
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Api-Key", raw)

	_, err := auth.Authenticate(context.Background(), r)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.CodeInvalidAPIKey, authErr.Code)
}

func TestAuthenticate_TouchesLastUsed(t *testing.T) {
	database := newTestDB(t)
	raw, user := seedKey(t, database, RoleViewer, nil)
	auth := newTestAuthenticator(t, database)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Api-Key", raw)

	p, err := auth.Authenticate(context.Background(), r)
	require.NoError(t, err)

	keys, err := repositories.NewApiKeyRepository(database).ListByOwner(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, p.APIKeyID, keys[0].ID)
	require.NotNil(t, keys[0].LastUsedAt)
	assert.WithinDuration(t, time.Now(), *keys[0].LastUsedAt, 5*time.Second)
}

func TestPrincipalCapabilities(t *testing.T) {
	assert.True(t, (&Principal{Role: RoleAdmin}).CanOperateTerminal())
	assert.True(t, (&Principal{Role: RoleOperator}).CanOperateTerminal())
	assert.False(t, (&Principal{Role: RoleDeveloper}).CanOperateTerminal())
	assert.False(t, (&Principal{Role: RoleViewer}).CanOperateTerminal())

	assert.True(t, (&Principal{Role: RoleDeveloper}).CanDispatchCommands())
	assert.False(t, (&Principal{Role: RoleViewer}).CanDispatchCommands())
}
