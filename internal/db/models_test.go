package db_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
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

// The common Base fields are reached through an embedded struct. GORM only
// promotes fields of exported embedded types into the schema, so this test
// pins that id, created_at and updated_at actually land in the INSERT and
// satisfy the migrations' NOT NULL constraints.
func TestCreatePersistsBaseColumns(t *testing.T) {
	database := newTestDB(t)

	user := &db.User{
		Email:       "dev@fleet.example",
		DisplayName: "Dev",
		Role:        "OPERATOR",
		IsActive:    true,
	}
	require.NoError(t, database.Create(user).Error)
	require.NotEqual(t, uuid.UUID{}, user.ID)
	assert.False(t, user.CreatedAt.IsZero())
	assert.False(t, user.UpdatedAt.IsZero())

	var got db.User
	require.NoError(t, database.First(&got, "id = ?", user.ID).Error)
	assert.Equal(t, user.Email, got.Email)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, uuid.Version(7), got.ID.Version())
}

// A caller-supplied ID survives BeforeCreate untouched.
func TestCreateKeepsExplicitID(t *testing.T) {
	database := newTestDB(t)

	id := uuid.Must(uuid.NewV7())
	inst := &db.Instance{Name: "dev-1", Status: "RUNNING"}
	inst.ID = id
	require.NoError(t, database.Create(inst).Error)
	assert.Equal(t, id, inst.ID)

	var count int64
	require.NoError(t, database.Model(&db.Instance{}).Where("id = ?", id).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

// Every model embeds Base; a representative append-only row must round-trip
// its timestamps through the NOT NULL columns too.
func TestTelemetryRowsCarryTimestamps(t *testing.T) {
	database := newTestDB(t)

	now := time.Now().UTC()
	metric := &db.Metric{
		InstanceID: uuid.Must(uuid.NewV7()),
		Timestamp:  now,
		CPUPercent: 42.5,
	}
	require.NoError(t, database.Create(metric).Error)

	var got db.Metric
	require.NoError(t, database.First(&got, "id = ?", metric.ID).Error)
	assert.False(t, got.CreatedAt.IsZero())
	assert.InDelta(t, 42.5, got.CPUPercent, 0.001)
}
