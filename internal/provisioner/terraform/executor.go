package terraform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PlanFile is the plan artifact written by the plan stage.
const PlanFile = "tfplan"

// Executor issues the fixed Terraform CLI contract against one working
// directory through a Runner.
type Executor struct {
	runner          Runner
	dir             string
	stageTimeout    time.Duration
	teardownTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStageTimeout bounds init, plan, apply, output and inventory calls.
func WithStageTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stageTimeout = d }
}

// WithTeardownTimeout bounds destroy.
func WithTeardownTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.teardownTimeout = d }
}

func NewExecutor(runner Runner, dir string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		runner:          runner,
		dir:             dir,
		stageTimeout:    30 * time.Minute,
		teardownTimeout: 20 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dir returns the working directory.
func (e *Executor) Dir() string { return e.dir }

func (e *Executor) run(ctx context.Context, stage Stage, timeout time.Duration, args ...string) (*StageResult, error) {
	return e.runner.Run(ctx, Request{
		Dir:     e.dir,
		Stage:   stage,
		Args:    args,
		Timeout: timeout,
	})
}

func (e *Executor) Init(ctx context.Context) (*StageResult, error) {
	return e.run(ctx, StageInit, e.stageTimeout, "init", "-no-color", "-input=false")
}

func (e *Executor) Plan(ctx context.Context) (*StageResult, error) {
	return e.run(ctx, StagePlan, e.stageTimeout, "plan", "-no-color", "-input=false", "-out="+PlanFile)
}

func (e *Executor) Apply(ctx context.Context) (*StageResult, error) {
	return e.run(ctx, StageApply, e.stageTimeout, "apply", "-no-color", "-auto-approve", "-input=false", PlanFile)
}

// Output decodes `terraform output -json` into the result's Outputs.
func (e *Executor) Output(ctx context.Context) (*StageResult, error) {
	return e.run(ctx, StageOutput, e.stageTimeout, "output", "-no-color", "-json")
}

// Inventory reads the state with `terraform show -json` and lists the
// managed resources it holds.
func (e *Executor) Inventory(ctx context.Context) (*StageResult, error) {
	return e.run(ctx, StageInventory, e.stageTimeout, "show", "-json", "-no-color")
}

func (e *Executor) Destroy(ctx context.Context) (*StageResult, error) {
	return e.run(ctx, StageDestroy, e.teardownTimeout, "destroy", "-no-color", "-auto-approve", "-input=false")
}

// HasMetadataDir reports whether init has run, meaning a partial apply may
// have left live resources behind.
func (e *Executor) HasMetadataDir() bool {
	return HasMetadataDir(e.dir)
}

// HasMetadataDir reports whether dir contains a .terraform directory.
func HasMetadataDir(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, ".terraform"))
	return err == nil && fi.IsDir()
}

// CommandLine renders a result's invocation for transcripts.
func CommandLine(res *StageResult) string {
	return "terraform " + strings.Join(res.Args, " ")
}
