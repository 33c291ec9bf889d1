package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iac-studio/deployengine/internal/models"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Deployment{}))
	return db
}

func seed(t *testing.T, repo DeploymentRepository, id, user string, status models.Status) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &models.Deployment{
		ID:     id,
		Origin: "provision",
		UserID: user,
		Status: status,
	}))
}

func TestDeploymentRepository_CreateAndGet(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	ctx := context.Background()
	seed(t, repo, "DP1712345678ABC123", "u1", models.StatusPending)

	var d models.Deployment
	require.NoError(t, repo.GetByID(ctx, "DP1712345678ABC123", &d))
	require.Equal(t, models.StatusPending, d.Status)
	require.Nil(t, d.ErrorMessage)

	err := repo.GetByID(ctx, "DP0000000000NOPE00", &d)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestDeploymentRepository_UpdateStatusAndRetry(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	ctx := context.Background()
	id := "DP1712345678ABC124"
	seed(t, repo, id, "u1", models.StatusPending)

	require.NoError(t, repo.UpdateStatus(ctx, id, models.StatusPlanning, ""))
	require.NoError(t, repo.UpdateRetry(ctx, id, 2, true))
	require.NoError(t, repo.UpdateStatus(ctx, id, models.StatusFailed, "stage plan failed"))

	var d models.Deployment
	require.NoError(t, repo.GetByID(ctx, id, &d))
	require.Equal(t, models.StatusFailed, d.Status)
	require.Equal(t, 2, d.RetryCount)
	require.True(t, d.AutoFixed)
	require.NotNil(t, d.ErrorMessage)
	require.Equal(t, "stage plan failed", *d.ErrorMessage)

	err := repo.UpdateStatus(ctx, "DP0000000000NOPE00", models.StatusPlanning, "")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestDeploymentRepository_OutputsAndSummary(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	ctx := context.Background()
	id := "DP1712345678ABC125"
	seed(t, repo, id, "u1", models.StatusApplying)

	require.NoError(t, repo.SaveOutputs(ctx, id, map[string]any{"vpc_id": "vpc-123"}))
	done := time.Now().UTC()
	require.NoError(t, repo.SaveSummary(ctx, id, map[string]any{"retry_count": 0}, &done))

	var d models.Deployment
	require.NoError(t, repo.GetByID(ctx, id, &d))
	var outputs map[string]any
	require.NoError(t, json.Unmarshal(d.Outputs, &outputs))
	require.Equal(t, "vpc-123", outputs["vpc_id"])
	require.NotNil(t, d.CompletedAt)
	require.Contains(t, string(d.DeploymentSummary), "retry_count")
}

func TestDeploymentRepository_ListByUser(t *testing.T) {
	repo := NewDeploymentRepository(newTestDB(t))
	seed(t, repo, "DP1712345678AAAAA1", "u1", models.StatusPending)
	seed(t, repo, "DP1712345678AAAAA2", "u2", models.StatusPending)
	seed(t, repo, "DP1712345678AAAAA3", "u1", models.StatusCompleted)

	out, err := repo.ListByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, out, 2)

	all, err := repo.ListByUser(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDeploymentRepository_StaleSweep(t *testing.T) {
	db := newTestDB(t)
	repo := NewDeploymentRepository(db)
	ctx := context.Background()
	seed(t, repo, "DP1712345678STALE1", "u1", models.StatusApplying)
	seed(t, repo, "DP1712345678FRESH1", "u1", models.StatusPlanning)
	seed(t, repo, "DP1712345678DONE01", "u1", models.StatusCompleted)

	old := time.Now().Add(-12 * time.Hour)
	require.NoError(t, db.Model(&models.Deployment{}).
		Where("id IN ?", []string{"DP1712345678STALE1", "DP1712345678DONE01"}).
		UpdateColumn("updated_at", old).Error)

	stale, err := repo.ListStaleActive(ctx, time.Now().Add(-6*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "DP1712345678STALE1", stale[0].ID)

	require.NoError(t, repo.MarkFailed(ctx, stale[0].ID, "orchestrator restarted"))
	var d models.Deployment
	require.NoError(t, repo.GetByID(ctx, stale[0].ID, &d))
	require.Equal(t, models.StatusFailed, d.Status)
	require.NotNil(t, d.CompletedAt)
}

func TestDeploymentRepository_StalePending(t *testing.T) {
	db := newTestDB(t)
	repo := NewDeploymentRepository(db)
	ctx := context.Background()
	seed(t, repo, "DP1712345678QUEUED", "u1", models.StatusPending)
	seed(t, repo, "DP1712345678FRESH2", "u1", models.StatusPending)
	seed(t, repo, "DP1712345678ACTIV1", "u1", models.StatusApplying)

	old := time.Now().Add(-12 * time.Hour)
	require.NoError(t, db.Model(&models.Deployment{}).
		Where("id IN ?", []string{"DP1712345678QUEUED", "DP1712345678ACTIV1"}).
		UpdateColumn("updated_at", old).Error)

	pending, err := repo.ListStalePending(ctx, time.Now().Add(-6*time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "DP1712345678QUEUED", pending[0].ID)

	require.NoError(t, repo.MarkStopped(ctx, pending[0].ID))
	var d models.Deployment
	require.NoError(t, repo.GetByID(ctx, pending[0].ID, &d))
	require.Equal(t, models.StatusStopped, d.Status)
	require.NotNil(t, d.CompletedAt)
}
