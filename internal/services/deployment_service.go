package services

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/models"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/provisioner/resources"
	"github.com/iac-studio/deployengine/internal/queue/tasks"
	"github.com/iac-studio/deployengine/internal/registry"
	"github.com/iac-studio/deployengine/internal/repository"
	"github.com/iac-studio/deployengine/internal/status"
	"github.com/iac-studio/deployengine/internal/workspace"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
	"github.com/iac-studio/deployengine/pkg/utils"
)

const (
	logTailLines    = 50
	staleRunMessage = "orchestrator restarted"
)

// DeploymentService is the request-path surface: it prepares a deployment,
// hands it to the worker queue and answers status and stop requests.
type DeploymentService interface {
	Submit(ctx context.Context, input *SubmitInput) (*SubmitResult, error)
	Get(ctx context.Context, deploymentID string) (*models.Deployment, error)
	List(ctx context.Context, userID string, limit int) ([]models.Deployment, error)
	GetStatus(ctx context.Context, deploymentID string) (*StatusView, error)
	Stop(ctx context.Context, deploymentID string) (*StopResult, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type SubmitInput struct {
	Config      string              `json:"config" validate:"required"`
	Origin      utils.Origin        `json:"origin"`
	UserID      string              `json:"user_id"`
	Username    string              `json:"username"`
	Project     string              `json:"project"`
	Cloud       string              `json:"cloud"`
	Region      string              `json:"region"`
	Credentials credentials.KeyPair `json:"credentials"`
}

type SubmitResult struct {
	DeploymentID string        `json:"deployment_id"`
	Status       models.Status `json:"status"`
	Provider     string        `json:"provider"`
	Resources    string        `json:"resources"`
}

// StatusView is what a status poll returns.
type StatusView struct {
	DeploymentID string            `json:"deployment_id"`
	Status       models.Status     `json:"status"`
	Progress     int               `json:"progress"`
	Message      string            `json:"message"`
	Resources    []status.Resource `json:"resources"`
	Outputs      map[string]any    `json:"outputs,omitempty"`
	Error        string            `json:"error,omitempty"`
	RetryCount   int               `json:"retry_count"`
	AutoFixed    bool              `json:"auto_fixed"`
	LogTail      []string          `json:"log_tail,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type StopResult struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// DeploymentDeps wires a deployment service. Queue and Registry are
// optional: without a queue deployments are prepared but not started, and
// without a registry stops always go through the marker file.
type DeploymentDeps struct {
	WorkingDir  string
	Repo        repository.DeploymentRepository
	Queue       Enqueuer
	Injector    *credentials.Injector
	Prober      credentials.Prober
	Registry    *registry.Registry
	// TaskTimeout bounds each enqueued run; zero uses tasks.DefaultTimeout.
	TaskTimeout time.Duration
}

type deploymentService struct {
	baseDir  string
	repo     repository.DeploymentRepository
	queue    Enqueuer
	injector *credentials.Injector
	prober   credentials.Prober
	registry *registry.Registry
	timeout  time.Duration
}

func NewDeploymentService(deps DeploymentDeps) DeploymentService {
	s := &deploymentService{
		baseDir:  deps.WorkingDir,
		repo:     deps.Repo,
		queue:    deps.Queue,
		injector: deps.Injector,
		prober:   deps.Prober,
		registry: deps.Registry,
		timeout:  deps.TaskTimeout,
	}
	if s.injector == nil {
		s.injector = credentials.NewInjector(nil)
	}
	if s.prober == nil {
		s.prober = credentials.NopProber{}
	}
	return s
}

var _ DeploymentService = (*deploymentService)(nil)

func (s *deploymentService) Submit(ctx context.Context, in *SubmitInput) (*SubmitResult, error) {
	if in == nil || in.Config == "" {
		return nil, appErr.New(appErr.CodeInvalid, "configuration is required")
	}
	origin := in.Origin
	if origin == "" {
		origin = utils.OriginProvision
	}
	if !utils.ValidOrigin(origin) {
		return nil, appErr.Newf(appErr.CodeInvalid, "unknown origin %q", origin)
	}

	kp := in.Credentials
	if kp.Empty() {
		if ex, err := s.injector.Extract(in.Config); err == nil {
			kp = ex.KeyPair
		}
	}
	det, err := s.injector.Detect(in.Config, in.Cloud)
	if err != nil {
		return nil, err
	}
	injected, err := s.injector.Inject(in.Config, kp, credentials.Target{Cloud: in.Cloud, Region: in.Region})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeCredential, "credential injection failed")
	}
	if err := s.prober.Probe(ctx, det.Provider.Name, kp, in.Region); err != nil {
		return nil, err
	}

	id, err := utils.NewDeploymentID(origin)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "generate deployment id failed")
	}
	log := logger.ForDeployment(id)

	ws, err := workspace.Create(s.baseDir, id)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create working directory failed")
	}
	ws.SetMask(credentials.Masker(kp))
	if err := ws.WriteBackup(in.Config); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "write backup failed")
	}
	if err := ws.WriteConfig(injected); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "write configuration failed")
	}

	declared := resources.Parse(injected)
	if err := status.NewStore(id, ws, nil, declared, models.StatusPending).Flush(); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "write status failed")
	}
	_ = ws.AppendSummary("submitted by %s: %s, provider %s, config %s",
		in.Username, resources.Summarize(declared), det.Provider.Name, utils.Fingerprint(in.Config))

	if s.repo != nil {
		row := &models.Deployment{
			ID:       id,
			Origin:   string(origin),
			UserID:   in.UserID,
			Username: in.Username,
			Project:  in.Project,
			Cloud:    in.Cloud,
			Region:   in.Region,
			Status:   models.StatusPending,
			WorkDir:  ws.Dir(),
		}
		if err := s.repo.Create(ctx, row); err != nil {
			return nil, err
		}
	}

	if s.queue == nil {
		log.Warn("asynq client not configured, skipping enqueue")
	} else {
		task, err := tasks.NewProvisionTask(id, in.Cloud, s.timeout)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "build provision task failed")
		}
		if _, err := s.queue.EnqueueContext(ctx, task); err != nil {
			log.Error("enqueue provision task failed", zap.Error(err))
			if s.repo != nil {
				_ = s.repo.MarkFailed(ctx, id, "enqueue failed: "+err.Error())
			}
			_ = status.Abandon(ws.Path(workspace.StatusFile), "enqueue failed")
			return nil, appErr.Wrap(err, appErr.CodeUnavailable, "enqueue provision task failed")
		}
	}

	log.Info("deployment submitted",
		zap.String("origin", string(origin)),
		zap.String("provider", det.Provider.Name),
		zap.Int("resources", len(declared)),
	)
	return &SubmitResult{
		DeploymentID: id,
		Status:       models.StatusPending,
		Provider:     det.Provider.Name,
		Resources:    resources.Summarize(declared),
	}, nil
}

func (s *deploymentService) Get(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	if !utils.ValidDeploymentID(deploymentID) {
		return nil, appErr.New(appErr.CodeInvalid, "invalid deployment id")
	}
	if s.repo == nil {
		return nil, appErr.New(appErr.CodeUnavailable, "no database configured")
	}
	var d models.Deployment
	if err := s.repo.GetByID(ctx, deploymentID, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deploymentService) List(ctx context.Context, userID string, limit int) ([]models.Deployment, error) {
	if s.repo == nil {
		return nil, appErr.New(appErr.CodeUnavailable, "no database configured")
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// GetStatus reads status.json and the transcript tail. When the row holds a
// terminal status the document never reached, the row wins.
func (s *deploymentService) GetStatus(ctx context.Context, deploymentID string) (*StatusView, error) {
	ws, err := s.open(deploymentID)
	if err != nil {
		return nil, err
	}
	doc, err := status.Read(ws.Path(workspace.StatusFile))
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		DeploymentID: deploymentID,
		Status:       doc.Status,
		Progress:     doc.Progress,
		Message:      doc.Message,
		Resources:    doc.Resources,
		Outputs:      doc.Outputs,
		Error:        doc.Error,
		RetryCount:   doc.RetryCount,
		AutoFixed:    doc.AutoFixed,
		UpdatedAt:    doc.UpdatedAt,
	}
	if s.repo != nil && !doc.Status.IsTerminal() {
		var row models.Deployment
		if err := s.repo.GetByID(ctx, deploymentID, &row); err == nil && row.Status.IsTerminal() {
			view.Status = row.Status
			if row.ErrorMessage != nil {
				view.Error = *row.ErrorMessage
			}
		}
	}
	tail, err := ws.Tail(workspace.TranscriptFile, logTailLines)
	if err != nil {
		logger.ForDeployment(deploymentID).Warn("read log tail failed", zap.Error(err))
	}
	view.LogTail = tail
	return view, nil
}

// Stop asks a running deployment to end before its next stage. The
// subprocess already running is not interrupted.
func (s *deploymentService) Stop(ctx context.Context, deploymentID string) (*StopResult, error) {
	ws, err := s.open(deploymentID)
	if err != nil {
		return nil, err
	}
	log := logger.ForDeployment(deploymentID)
	if doc, err := status.Read(ws.Path(workspace.StatusFile)); err == nil && doc.Status.IsTerminal() {
		return &StopResult{Accepted: false, Message: "deployment already " + string(doc.Status)}, nil
	}

	if s.registry != nil {
		ok, err := s.registry.RequestStop(deploymentID)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "write stop marker failed")
		}
		if ok {
			return &StopResult{Accepted: true, Message: "stop requested; the deployment stops before its next stage"}, nil
		}
	}
	// Running in another process, or not yet picked up.
	if err := registry.NewToken(ws.Dir()).Request(); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "write stop marker failed")
	}
	log.Info("stop marker written")
	return &StopResult{Accepted: true, Message: "stop requested; the deployment stops before its next stage"}, nil
}

// SweepStale fails rows left active by a worker that went away and settles
// stale pending rows whose stop was requested before any worker took them.
// Runs owned by this process are skipped.
func (s *deploymentService) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.repo == nil || olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	swept, err := s.sweepActive(ctx, cutoff)
	if err != nil {
		return swept, err
	}
	stopped, err := s.sweepStoppedPending(ctx, cutoff)
	return swept + stopped, err
}

func (s *deploymentService) sweepActive(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.repo.ListStaleActive(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, d := range rows {
		if s.registry != nil {
			if _, running := s.registry.Lookup(d.ID); running {
				continue
			}
		}
		log := logger.ForDeployment(d.ID)
		if err := s.repo.MarkFailed(ctx, d.ID, staleRunMessage); err != nil {
			log.Warn("mark stale deployment failed", zap.Error(err))
			continue
		}
		if dir, err := workspace.DirFor(s.baseDir, d.ID); err == nil {
			ws := workspace.New(dir)
			if err := status.Abandon(ws.Path(workspace.StatusFile), staleRunMessage); err != nil && !appErr.IsCode(err, appErr.CodeNotFound) {
				log.Warn("update stale status document failed", zap.Error(err))
			}
			if err := registry.NewToken(dir).Clear(); err != nil {
				log.Warn("clear stale stop marker failed", zap.Error(err))
			}
		}
		log.Info("stale deployment marked failed", zap.String("previous_status", string(d.Status)))
		swept++
	}
	return swept, nil
}

// sweepStoppedPending settles pending rows that carry a stop marker. Pending
// rows without one may still be queued and are left alone.
func (s *deploymentService) sweepStoppedPending(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.repo.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, d := range rows {
		if s.registry != nil {
			if _, running := s.registry.Lookup(d.ID); running {
				continue
			}
		}
		dir, err := workspace.DirFor(s.baseDir, d.ID)
		if err != nil {
			continue
		}
		token := registry.NewToken(dir)
		if !token.Requested() {
			continue
		}
		log := logger.ForDeployment(d.ID)
		if err := s.repo.MarkStopped(ctx, d.ID); err != nil {
			log.Warn("mark stopped deployment failed", zap.Error(err))
			continue
		}
		ws := workspace.New(dir)
		if err := status.Settle(ws.Path(workspace.StatusFile), models.StatusStopped, "Deployment stopped", ""); err != nil && !appErr.IsCode(err, appErr.CodeNotFound) {
			log.Warn("update stopped status document failed", zap.Error(err))
		}
		if err := token.Clear(); err != nil {
			log.Warn("clear stop marker failed", zap.Error(err))
		}
		log.Info("queued deployment stopped before it started")
		swept++
	}
	return swept, nil
}

func (s *deploymentService) open(deploymentID string) (*workspace.Workspace, error) {
	if !utils.ValidDeploymentID(deploymentID) {
		return nil, appErr.New(appErr.CodeInvalid, "invalid deployment id")
	}
	return workspace.Open(s.baseDir, deploymentID)
}
