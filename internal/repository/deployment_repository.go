package repository

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/iac-studio/deployengine/internal/models"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
)

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Deployment, error)
	ListStaleActive(ctx context.Context, updatedBefore time.Time) ([]models.Deployment, error)
	ListStalePending(ctx context.Context, updatedBefore time.Time) ([]models.Deployment, error)
	UpdateStatus(ctx context.Context, deploymentID string, status models.Status, errMsg string) error
	UpdateRetry(ctx context.Context, deploymentID string, retryCount int, autoFixed bool) error
	SaveOutputs(ctx context.Context, deploymentID string, outputs map[string]any) error
	SaveSummary(ctx context.Context, deploymentID string, summary any, completedAt *time.Time) error
	MarkFailed(ctx context.Context, deploymentID string, errMsg string) error
	MarkStopped(ctx context.Context, deploymentID string) error
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{BaseRepository: NewBaseRepository[models.Deployment](db), db: db}
}

var _ DeploymentRepository = (*deploymentRepository)(nil)

func (r *deploymentRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.Deployment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Deployment
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, nil
}

// ListStaleActive returns rows left in an active status that have not been
// touched since updatedBefore, typically because a worker died mid-run.
func (r *deploymentRepository) ListStaleActive(ctx context.Context, updatedBefore time.Time) ([]models.Deployment, error) {
	var out []models.Deployment
	err := r.db.WithContext(ctx).
		Where("status IN ?", models.ActiveStatuses).
		Where("updated_at < ?", updatedBefore).
		Order("updated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list stale deployments failed")
	}
	return out, nil
}

// ListStalePending returns rows still waiting for a worker since
// updatedBefore.
func (r *deploymentRepository) ListStalePending(ctx context.Context, updatedBefore time.Time) ([]models.Deployment, error) {
	var out []models.Deployment
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusPending).
		Where("updated_at < ?", updatedBefore).
		Order("updated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list stale pending deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) UpdateStatus(ctx context.Context, deploymentID string, status models.Status, errMsg string) error {
	fields := map[string]any{"status": status}
	if errMsg != "" {
		fields["error_message"] = errMsg
	}
	if err := r.UpdateFields(ctx, deploymentID, fields); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return appErr.New(appErr.CodeNotFound, "deployment not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "update deployment status failed")
	}
	return nil
}

func (r *deploymentRepository) UpdateRetry(ctx context.Context, deploymentID string, retryCount int, autoFixed bool) error {
	return r.UpdateFields(ctx, deploymentID, map[string]any{
		"retry_count": retryCount,
		"auto_fixed":  autoFixed,
	})
}

func (r *deploymentRepository) SaveOutputs(ctx context.Context, deploymentID string, outputs map[string]any) error {
	b, err := json.Marshal(outputs)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "marshal outputs failed")
	}
	return r.UpdateFields(ctx, deploymentID, map[string]any{"outputs": datatypes.JSON(b)})
}

func (r *deploymentRepository) SaveSummary(ctx context.Context, deploymentID string, summary any, completedAt *time.Time) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "marshal summary failed")
	}
	fields := map[string]any{"deployment_summary": datatypes.JSON(b)}
	if completedAt != nil {
		fields["completed_at"] = *completedAt
	}
	return r.UpdateFields(ctx, deploymentID, fields)
}

func (r *deploymentRepository) MarkFailed(ctx context.Context, deploymentID string, errMsg string) error {
	now := time.Now().UTC()
	return r.UpdateFields(ctx, deploymentID, map[string]any{
		"status":        models.StatusFailed,
		"error_message": errMsg,
		"completed_at":  now,
	})
}

func (r *deploymentRepository) MarkStopped(ctx context.Context, deploymentID string) error {
	now := time.Now().UTC()
	return r.UpdateFields(ctx, deploymentID, map[string]any{
		"status":       models.StatusStopped,
		"completed_at": now,
	})
}
