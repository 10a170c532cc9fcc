package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
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

func newAlert(dedupeKey, status string) *db.Alert {
	return &db.Alert{
		RuleID:    uuid.Must(uuid.NewV7()),
		Severity:  "HIGH",
		Title:     "t",
		Message:   "m",
		Status:    status,
		FiredAt:   time.Now().UTC(),
		DedupeKey: dedupeKey,
	}
}

func TestAlertRepository_CreateConflictOnOpenDedupeKey(t *testing.T) {
	repo := repositories.NewAlertRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newAlert("k", "ACTIVE")))

	err := repo.Create(ctx, newAlert("k", "ACTIVE"))
	assert.ErrorIs(t, err, repositories.ErrConflict, "second open alert for the key is rejected")
}

func TestAlertRepository_TerminalAlertFreesDedupeKey(t *testing.T) {
	repo := repositories.NewAlertRepository(newTestDB(t))
	ctx := context.Background()

	first := newAlert("k", "ACTIVE")
	require.NoError(t, repo.Create(ctx, first))

	first.Status = "RESOLVED"
	require.NoError(t, repo.Update(ctx, first))

	assert.NoError(t, repo.Create(ctx, newAlert("k", "ACTIVE")))
}

func TestAlertRepository_GetOpenByDedupeKey(t *testing.T) {
	repo := repositories.NewAlertRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.GetOpenByDedupeKey(ctx, "missing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	acked := newAlert("k", "ACKNOWLEDGED")
	require.NoError(t, repo.Create(ctx, acked))

	got, err := repo.GetOpenByDedupeKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, acked.ID, got.ID, "acknowledged alerts are still open")

	got.Status = "RESOLVED"
	require.NoError(t, repo.Update(ctx, got))
	_, err = repo.GetOpenByDedupeKey(ctx, "k")
	assert.ErrorIs(t, err, repositories.ErrNotFound, "resolved alerts are not open")
}

func TestAlertRepository_BulkTransition(t *testing.T) {
	repo := repositories.NewAlertRepository(newTestDB(t))
	ctx := context.Background()

	active := newAlert("a", "ACTIVE")
	resolved := newAlert("b", "RESOLVED")
	silenced := newAlert("c", "SILENCED")
	require.NoError(t, repo.Create(ctx, active))
	require.NoError(t, repo.Create(ctx, resolved))
	require.NoError(t, repo.Create(ctx, silenced))

	now := time.Now().UTC()
	n, err := repo.BulkTransition(ctx,
		[]uuid.UUID{active.ID, resolved.ID, silenced.ID},
		[]string{"ACTIVE", "SILENCED"},
		map[string]interface{}{
			"status":      "RESOLVED",
			"resolved_at": now,
			"resolved_by": "user-1",
		})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "only alerts in an allowed source status change")

	got, err := repo.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, "RESOLVED", got.Status)
	assert.Equal(t, "user-1", got.ResolvedBy)

	untouched, err := repo.GetByID(ctx, resolved.ID)
	require.NoError(t, err)
	assert.Empty(t, untouched.ResolvedBy)
}

func TestAlertRepository_ListFilters(t *testing.T) {
	repo := repositories.NewAlertRepository(newTestDB(t))
	ctx := context.Background()

	instA := uuid.Must(uuid.NewV7())
	a := newAlert("a", "ACTIVE")
	a.Severity = "CRITICAL"
	a.InstanceID = &instA
	require.NoError(t, repo.Create(ctx, a))

	b := newAlert("b", "RESOLVED")
	require.NoError(t, repo.Create(ctx, b))

	got, total, err := repo.List(ctx, repositories.AlertFilter{Status: "ACTIVE"}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, total, err = repo.List(ctx, repositories.AlertFilter{InstanceID: &instA}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	_, total, err = repo.List(ctx, repositories.AlertFilter{Severity: "LOW"}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAlertRepository_ListPagination(t *testing.T) {
	repo := repositories.NewAlertRepository(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, newAlert(uuid.NewString(), "ACTIVE")))
	}

	page, total, err := repo.List(ctx, repositories.AlertFilter{}, repositories.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, page, 2)
}

func TestAlertRepository_Counts(t *testing.T) {
	repo := repositories.NewAlertRepository(newTestDB(t))
	ctx := context.Background()

	crit := newAlert("a", "ACTIVE")
	crit.Severity = "CRITICAL"
	require.NoError(t, repo.Create(ctx, crit))

	high := newAlert("b", "ACTIVE")
	require.NoError(t, repo.Create(ctx, high))

	done := newAlert("c", "RESOLVED")
	done.Severity = "CRITICAL"
	require.NoError(t, repo.Create(ctx, done))

	bySeverity, err := repo.CountActiveBySeverity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bySeverity["CRITICAL"], "resolved alerts do not count")
	assert.Equal(t, int64(1), bySeverity["HIGH"])

	byStatus, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byStatus["ACTIVE"])
	assert.Equal(t, int64(1), byStatus["RESOLVED"])
}
