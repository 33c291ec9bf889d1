package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/orchestrator"
	"github.com/iac-studio/deployengine/internal/workspace"
	"github.com/iac-studio/deployengine/pkg/config"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
	"github.com/iac-studio/deployengine/pkg/utils"
)

const (
	TypeProvision    = "deployment:provision"
	QueueDeployments = "deployments"
)

// ProvisionPayload is the task payload. Credentials never travel through
// the queue; they are already written into main.tf.
type ProvisionPayload struct {
	DeploymentID string `json:"deployment_id"`
	Cloud        string `json:"cloud,omitempty"`
}

// DefaultTimeout bounds a run when no task timeout is configured. asynq
// would otherwise cancel the handler after 30 minutes.
var DefaultTimeout = config.RunBudget(orchestrator.DefaultMaxRetries, 30*time.Minute, 20*time.Minute, 3*time.Minute)

// ProvisionOptions are the queue options of every provision task. Retries
// are handled inside the run, never by the queue.
func ProvisionOptions(timeout time.Duration) []asynq.Option {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Queue(QueueDeployments),
		asynq.Timeout(timeout),
	}
}

// NewProvisionTask builds the single-shot task for a deployment. timeout
// must cover the whole run including every retry.
func NewProvisionTask(deploymentID, cloud string, timeout time.Duration) (*asynq.Task, error) {
	b, err := json.Marshal(ProvisionPayload{DeploymentID: deploymentID, Cloud: cloud})
	if err != nil {
		return nil, fmt.Errorf("marshal provision payload: %w", err)
	}
	return asynq.NewTask(TypeProvision, b, ProvisionOptions(timeout)...), nil
}

// Runner runs one deployment to a terminal status.
type Runner interface {
	Run(ctx context.Context, job orchestrator.Job) (*orchestrator.Summary, error)
}

// ProvisionTaskHandler handles provisioning tasks.
type ProvisionTaskHandler struct {
	runner  Runner
	baseDir string
}

func NewProvisionTaskHandler(runner Runner, baseDir string) *ProvisionTaskHandler {
	return &ProvisionTaskHandler{runner: runner, baseDir: baseDir}
}

func (h *ProvisionTaskHandler) HandleProvision(ctx context.Context, t *asynq.Task) error {
	var p ProvisionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid provision task payload", zap.Error(err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if !utils.ValidDeploymentID(p.DeploymentID) {
		logger.L().Error("invalid deployment id in task", zap.String("deployment_id", p.DeploymentID))
		return fmt.Errorf("invalid deployment id %q: %w", p.DeploymentID, asynq.SkipRetry)
	}
	log := logger.ForDeployment(p.DeploymentID)

	ws, err := workspace.Open(h.baseDir, p.DeploymentID)
	if err != nil {
		log.Error("open working directory failed", zap.Error(err))
		return fmt.Errorf("open workspace: %v: %w", err, asynq.SkipRetry)
	}

	log.Info("handling provision task", zap.String("dir", ws.Dir()))
	sum, err := h.runner.Run(ctx, orchestrator.Job{DeploymentID: p.DeploymentID, Workspace: ws, CloudHint: p.Cloud})
	switch {
	case appErr.IsCode(err, appErr.CodeConflict):
		log.Warn("deployment already running or finished, dropping task", zap.Error(err))
		return nil
	case appErr.IsCode(err, appErr.CodeStageFailed):
		// The failure is recorded on the row and in status.json.
		return nil
	case err != nil:
		log.Error("provision task failed", zap.Error(err))
		return err
	}
	log.Info("provision task finished", zap.String("status", string(sum.Status)), zap.Int("retry_count", sum.RetryCount))
	return nil
}
