// Package orchestrator drives one deployment through the stage pipeline,
// repairing and retrying failed attempts until they succeed, run out of
// retries or are stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/autofix"
	"github.com/iac-studio/deployengine/internal/metrics"
	"github.com/iac-studio/deployengine/internal/models"
	"github.com/iac-studio/deployengine/internal/provisioner"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/provisioner/resources"
	"github.com/iac-studio/deployengine/internal/provisioner/terraform"
	"github.com/iac-studio/deployengine/internal/registry"
	"github.com/iac-studio/deployengine/internal/status"
	"github.com/iac-studio/deployengine/internal/workspace"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
)

const (
	DefaultMaxRetries = 20
	maxErrorStderr    = 4000
)

// Fixer produces a repaired configuration for a failed stage.
type Fixer interface {
	Fix(ctx context.Context, req autofix.Request) (*autofix.Result, error)
}

// RowStore is the slice of the deployment repository the controller writes.
type RowStore interface {
	status.RowWriter
	SaveSummary(ctx context.Context, deploymentID string, summary any, completedAt *time.Time) error
}

// Job identifies the deployment to run. main.tf must already hold the
// injected configuration.
type Job struct {
	DeploymentID string
	Workspace    *workspace.Workspace
	// KeyPair is optional; it is read back from main.tf when empty.
	KeyPair   credentials.KeyPair
	CloudHint string
}

// FixRecord is one applied repair.
type FixRecord struct {
	Attempt      int    `json:"attempt"`
	Stage        string `json:"stage"`
	Tier         string `json:"tier"`
	Provider     string `json:"provider,omitempty"`
	Restored     bool   `json:"credentials_restored"`
	DocReference string `json:"doc_reference,omitempty"`
}

// Summary is persisted to the row, to status.json and to
// deployment_summary.log when a run ends.
type Summary struct {
	Status           models.Status              `json:"status"`
	Outputs          map[string]any             `json:"outputs"`
	SensitiveOutputs []string                   `json:"sensitive_outputs,omitempty"`
	ApplyOutput      string                     `json:"apply_output"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
	RetryCount       int                        `json:"retry_count"`
	AutoFixed        bool                       `json:"auto_fixed"`
	Attempts         int                        `json:"attempts"`
	Stages           []provisioner.StageSummary `json:"stages"`
	Fixes            []FixRecord                `json:"fixes"`
	Inventory        []terraform.InventoryItem  `json:"inventory,omitempty"`
	Error            string                     `json:"error,omitempty"`
}

// TeardownError reports a destroy that failed between or after attempts.
// It is logged and never ends a run on its own.
type TeardownError struct {
	Attempt int
	Err     error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown after attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

type Controller struct {
	runner          terraform.Runner
	registry        *registry.Registry
	injector        *credentials.Injector
	fixer           Fixer
	rows            RowStore
	metrics         *metrics.Metrics
	maxRetries      int
	stageTimeout    time.Duration
	teardownTimeout time.Duration
	inventory       bool
}

type Option func(*Controller)

func WithFixer(f Fixer) Option { return func(c *Controller) { c.fixer = f } }

func WithRows(r RowStore) Option { return func(c *Controller) { c.rows = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithInjector(inj *credentials.Injector) Option { return func(c *Controller) { c.injector = inj } }

// WithMaxRetries sets how many repaired attempts follow the first one.
func WithMaxRetries(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithTimeouts(stage, teardown time.Duration) Option {
	return func(c *Controller) {
		c.stageTimeout = stage
		c.teardownTimeout = teardown
	}
}

// WithInventory enables the post-apply `show -json` inventory pass.
func WithInventory(on bool) Option { return func(c *Controller) { c.inventory = on } }

func New(runner terraform.Runner, reg *registry.Registry, opts ...Option) *Controller {
	c := &Controller{
		runner:          runner,
		registry:        reg,
		maxRetries:      DefaultMaxRetries,
		stageTimeout:    30 * time.Minute,
		teardownTimeout: 20 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	if c.injector == nil {
		c.injector = credentials.NewInjector(credentials.NewRegistry())
	}
	if c.metrics == nil {
		c.metrics = metrics.New(false)
	}
	return c
}

// Registry returns the registry runs are tracked in.
func (c *Controller) Registry() *registry.Registry { return c.registry }

// Run executes job to a terminal status. A stopped run returns its summary
// and a nil error; a failed run returns the summary and an error describing
// the failure.
func (c *Controller) Run(ctx context.Context, job Job) (sum *Summary, err error) {
	ws := job.Workspace
	if ws == nil {
		return nil, appErr.New(appErr.CodeInvalid, "job has no workspace")
	}
	if doc, err := status.Read(ws.Path(workspace.StatusFile)); err == nil && doc.Status.IsTerminal() {
		return nil, appErr.Newf(appErr.CodeConflict, "deployment already %s", doc.Status).
			WithMeta("deployment_id", job.DeploymentID)
	}
	token, err := c.registry.Register(job.DeploymentID, ws.Dir())
	if err != nil {
		return nil, err
	}

	r := &run{
		c:       c,
		job:     job,
		ws:      ws,
		token:   token,
		log:     logger.ForDeployment(job.DeploymentID),
		summary: &Summary{Status: models.StatusPending, Outputs: map[string]any{}, Fixes: []FixRecord{}},
	}
	c.metrics.DeploymentStarted()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("deployment panicked", zap.Any("panic", p), zap.Stack("stack"))
			msg := fmt.Sprintf("internal error: %v", p)
			r.fail(context.WithoutCancel(ctx), msg, false)
			sum, err = r.summary, appErr.New(appErr.CodeInternal, msg)
		}
		c.registry.Unregister(job.DeploymentID)
		c.metrics.DeploymentFinished(string(r.summary.Status))
	}()

	return r.execute(ctx)
}

// run is the state of one Controller.Run call.
type run struct {
	c       *Controller
	job     Job
	ws      *workspace.Workspace
	token   *registry.CancellationToken
	log     *zap.Logger
	store   *status.Store
	pipe    *provisioner.Pipeline
	kp      credentials.KeyPair
	mask    func(string) string
	config  string
	summary *Summary
}

func (r *run) execute(ctx context.Context) (*Summary, error) {
	config, err := r.ws.ReadConfig()
	if err != nil {
		return r.abort(ctx, fmt.Errorf("read configuration: %w", err))
	}
	r.config = config

	r.kp = r.job.KeyPair
	if r.kp.Empty() {
		if ex, err := r.c.injector.Extract(config); err == nil {
			r.kp = ex.KeyPair
		}
	}
	r.mask = credentials.Masker(r.kp)
	r.ws.SetMask(r.mask)

	var rows status.RowWriter
	if r.c.rows != nil {
		rows = r.c.rows
	}
	r.store = status.NewStore(r.job.DeploymentID, r.ws, rows, resources.Parse(config), models.StatusPending)

	executor := terraform.NewExecutor(r.c.runner, r.ws.Dir(),
		terraform.WithStageTimeout(r.c.stageTimeout),
		terraform.WithTeardownTimeout(r.c.teardownTimeout),
	)
	r.pipe = provisioner.NewPipeline(executor, r.ws, r.c.inventory)

	r.log.Info("deployment started", zap.Int("max_retries", r.c.maxRetries), zap.String("dir", r.ws.Dir()))
	_ = r.ws.AppendSummary("deployment %s started (max %d auto-fix attempts)", r.job.DeploymentID, r.c.maxRetries)

	retries := 0
	for attempt := 1; ; attempt++ {
		r.summary.Attempts = attempt
		if r.token.Requested() {
			return r.stop(ctx)
		}
		if err := r.store.ResetAttempt(resources.Parse(r.config)); err != nil {
			return r.abort(ctx, err)
		}

		res, err := r.pipe.Execute(ctx, attempt, r.hooks(attempt))
		if res != nil {
			r.summary.Stages = append(r.summary.Stages, res.Stages...)
		}
		if err == nil {
			return r.succeed(ctx, res)
		}
		if errors.Is(err, registry.ErrCancellationRequested) {
			return r.stop(ctx)
		}
		se, ok := terraform.AsStageError(err)
		if !ok {
			return r.abort(ctx, err)
		}

		log := r.log.With(zap.Int("attempt", attempt), zap.String("stage", string(se.Stage)), zap.Int("exit_code", se.ExitCode))
		log.Warn("stage failed")

		tornDown := r.teardown(ctx, attempt)

		if retries >= r.c.maxRetries {
			log.Error("auto-fix attempts exhausted", zap.Int("retry_count", retries))
			return r.failStage(ctx, se, retries, tornDown)
		}
		if r.token.Requested() {
			return r.stop(ctx)
		}

		fix, err := r.repair(ctx, attempt, se)
		if err != nil {
			log.Warn("no fix produced", zap.Error(err))
			return r.failStage(ctx, se, retries, tornDown)
		}
		if err := r.apply(attempt, fix); err != nil {
			return r.abort(ctx, err)
		}
		retries++
		r.summary.RetryCount = retries
		r.summary.AutoFixed = true
		if err := r.store.SetRetry(ctx, retries, true); err != nil {
			log.Warn("persist retry count failed", zap.Error(err))
		}
		log.Info("configuration repaired, retrying", zap.String("tier", fix.Tier), zap.Int("retry_count", retries))
	}
}

func (r *run) hooks(attempt int) provisioner.Hooks {
	return provisioner.Hooks{
		BeforeStage: func(ctx context.Context, stage terraform.Stage) error {
			if err := r.token.Err(); err != nil {
				return err
			}
			var err error
			switch stage {
			case terraform.StageInit:
				err = r.store.Transition(ctx, models.StatusInitializing, "")
			case terraform.StagePlan:
				err = r.store.Transition(ctx, models.StatusPlanning, "")
			case terraform.StageApply:
				err = r.store.Transition(ctx, models.StatusApplying, "")
			}
			if err == nil {
				r.c.registry.SetStage(r.job.DeploymentID, string(stage))
			}
			return err
		},
		AfterStage: func(_ context.Context, stage terraform.Stage, res *terraform.StageResult, err error) {
			r.c.registry.ClearStage(r.job.DeploymentID)
			outcome := "ok"
			if err != nil {
				outcome = "failed"
			}
			if res != nil {
				r.c.metrics.StageObserved(string(stage), outcome, res.Duration)
				_ = r.ws.AppendSummary("attempt %d stage %s %s (exit %d, %s)", attempt, stage, outcome, res.ExitCode, res.Duration.Round(time.Millisecond))
			}
			switch {
			case stage == terraform.StagePlan && err == nil:
				_ = r.store.MarkAll(status.ResourcePlanned, "")
			case stage == terraform.StageApply && err == nil:
				_ = r.store.MarkAll(status.ResourceCompleted, "")
			case stage == terraform.StageApply:
				if se, ok := terraform.AsStageError(err); ok {
					_ = r.store.Mark(status.ResourceFailed, "apply failed", baseAddresses(resources.Implicated(se.Stderr))...)
				}
			}
		},
	}
}

// teardown destroys whatever a failed attempt left behind. It reports
// whether a destroy ran.
func (r *run) teardown(ctx context.Context, attempt int) bool {
	if !r.pipe.NeedsTeardown() {
		return false
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Transition(ctx, models.StatusCleaning, "Cleaning up partially created resources"); err != nil {
		r.log.Warn("status transition to cleaning failed", zap.Error(err))
	}
	r.c.registry.SetStage(r.job.DeploymentID, string(terraform.StageDestroy))
	_, err := r.pipe.Teardown(ctx, attempt)
	r.c.registry.ClearStage(r.job.DeploymentID)
	if err != nil {
		te := &TeardownError{Attempt: attempt, Err: err}
		detail := te.Error()
		if se, ok := terraform.AsStageError(err); ok {
			detail = strings.TrimSpace(se.Stderr)
		}
		r.log.Warn("teardown failed", zap.Int("attempt", attempt), zap.Error(te))
		_ = r.ws.AppendCleanup(attempt, "failed", detail)
		r.c.metrics.Teardown("failed")
		return true
	}
	_ = r.ws.AppendCleanup(attempt, "ok", "")
	r.c.metrics.Teardown("ok")
	return true
}

func (r *run) repair(ctx context.Context, attempt int, se *terraform.StageError) (*autofix.Result, error) {
	if r.c.fixer == nil {
		return nil, autofix.ErrNoFix
	}
	return r.c.fixer.Fix(ctx, autofix.Request{
		DeploymentID: r.job.DeploymentID,
		Attempt:      attempt,
		Config:       r.config,
		Stage:        string(se.Stage),
		Stderr:       se.Stderr,
		KeyPair:      r.kp,
		CloudHint:    r.job.CloudHint,
		Audit:        r.ws,
	})
}

// apply writes a repaired configuration and records its diff.
func (r *run) apply(attempt int, fix *autofix.Result) error {
	if err := r.ws.WriteConfig(fix.Config); err != nil {
		return err
	}
	if err := r.ws.AppendDiff(attempt, r.config, fix.Config); err != nil {
		r.log.Warn("diff log write failed", zap.Error(err))
	}
	r.config = fix.Config
	r.summary.Fixes = append(r.summary.Fixes, FixRecord{
		Attempt:      attempt,
		Stage:        r.summary.lastFailedStage(),
		Tier:         fix.Tier,
		Provider:     fix.Provider,
		Restored:     fix.Restored,
		DocReference: fix.DocReference,
	})
	_ = r.ws.AppendSummary("attempt %d repaired by %s", attempt, fix.Tier)
	return nil
}

func (r *run) succeed(ctx context.Context, res *provisioner.Result) (*Summary, error) {
	for _, item := range res.Inventory {
		if item.ID != "" {
			_ = r.store.Mark(status.ResourceCompleted, "id: "+item.ID, terraform.BaseAddress(item.Address))
		}
	}
	if err := r.store.SetOutputs(ctx, res.Outputs); err != nil {
		r.log.Warn("persist outputs failed", zap.Error(err))
	}

	now := time.Now().UTC()
	r.summary.Status = models.StatusCompleted
	r.summary.Outputs = res.Outputs
	r.summary.SensitiveOutputs = res.Sensitive
	r.summary.ApplyOutput = r.mask(res.ApplyOutput)
	r.summary.Inventory = res.Inventory
	r.summary.CompletedAt = &now

	if err := r.store.SetSummary(r.summary); err != nil {
		r.log.Warn("status summary write failed", zap.Error(err))
	}
	if err := r.store.Transition(ctx, models.StatusCompleted, ""); err != nil {
		return r.abort(ctx, err)
	}
	r.persistSummary(ctx, &now)
	_ = r.ws.AppendSummary("deployment completed after %d attempt(s), %d auto-fix(es)", r.summary.Attempts, r.summary.RetryCount)
	r.log.Info("deployment completed", zap.Int("retry_count", r.summary.RetryCount), zap.Bool("auto_fixed", r.summary.AutoFixed))
	return r.summary, nil
}

func (r *run) stop(ctx context.Context) (*Summary, error) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	r.summary.Status = models.StatusStopped
	r.summary.CompletedAt = &now
	if r.store != nil {
		_ = r.store.SetSummary(r.summary)
		if err := r.store.Transition(ctx, models.StatusStopped, "Deployment stopped"); err != nil {
			r.log.Warn("status transition to stopped failed", zap.Error(err))
		}
	}
	r.persistSummary(ctx, &now)
	_ = r.ws.AppendSummary("deployment stopped on request")
	r.log.Info("deployment stopped", zap.Int("attempts", r.summary.Attempts))
	return r.summary, nil
}

func (r *run) failStage(ctx context.Context, se *terraform.StageError, retries int, tornDown bool) (*Summary, error) {
	stderr := strings.TrimSpace(r.mask(se.Stderr))
	if len(stderr) > maxErrorStderr {
		stderr = stderr[:maxErrorStderr] + "..."
	}
	msg := fmt.Sprintf("stage %s failed (exit %d) after %d auto-fix attempt(s): %s", se.Stage, se.ExitCode, retries, stderr)
	r.fail(ctx, msg, tornDown)
	return r.summary, appErr.Wrap(se, appErr.CodeStageFailed, msg).WithMeta("deployment_id", r.job.DeploymentID)
}

// abort ends the run on an error that is not a stage failure.
func (r *run) abort(ctx context.Context, err error) (*Summary, error) {
	r.log.Error("deployment aborted", zap.Error(err))
	r.fail(ctx, err.Error(), false)
	var ae *appErr.AppError
	if errors.As(err, &ae) {
		return r.summary, err
	}
	return r.summary, appErr.Wrap(err, appErr.CodeInternal, "deployment aborted")
}

// fail records msg and moves to failed, running a last teardown when none
// ran in the current iteration.
func (r *run) fail(ctx context.Context, msg string, tornDown bool) {
	ctx = context.WithoutCancel(ctx)
	if !tornDown && r.pipe != nil && r.summary.Attempts > 0 {
		r.teardown(ctx, r.summary.Attempts)
	}
	now := time.Now().UTC()
	r.summary.Status = models.StatusFailed
	r.summary.Error = msg
	r.summary.CompletedAt = &now
	if r.store != nil {
		_ = r.store.SetSummary(r.summary)
		if err := r.store.Fail(ctx, msg); err != nil {
			r.log.Warn("status transition to failed failed", zap.Error(err))
		}
	} else if r.c.rows != nil {
		_ = r.c.rows.UpdateStatus(ctx, r.job.DeploymentID, models.StatusFailed, msg)
	}
	r.persistSummary(ctx, &now)
	_ = r.ws.AppendSummary("deployment failed: %s", msg)
}

func (r *run) persistSummary(ctx context.Context, completedAt *time.Time) {
	if r.c.rows == nil {
		return
	}
	if err := r.c.rows.SaveSummary(ctx, r.job.DeploymentID, r.summary, completedAt); err != nil {
		r.log.Warn("persist summary failed", zap.Error(err))
	}
}

func (s *Summary) lastFailedStage() string {
	for i := len(s.Stages) - 1; i >= 0; i-- {
		if s.Stages[i].ExitCode != 0 {
			return string(s.Stages[i].Stage)
		}
	}
	return ""
}

func baseAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, terraform.BaseAddress(a))
	}
	return out
}
