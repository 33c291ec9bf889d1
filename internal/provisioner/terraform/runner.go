package terraform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"
	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/pkg/logger"
)

// Stage names one CLI invocation within a pipeline attempt.
type Stage string

const (
	StageInit      Stage = "init"
	StagePlan      Stage = "plan"
	StageApply     Stage = "apply"
	StageOutput    Stage = "output"
	StageInventory Stage = "inventory"
	StageDestroy   Stage = "destroy"
)

// Request describes one stage invocation. Args is the command line recorded
// in the transcript.
type Request struct {
	Dir     string
	Stage   Stage
	Args    []string
	Timeout time.Duration
}

// StageResult is the captured outcome of one invocation. Outputs is set by
// the output stage and Inventory by the inventory stage.
type StageResult struct {
	Stage     Stage           `json:"stage"`
	Args      []string        `json:"args"`
	Stdout    string          `json:"-"`
	Stderr    string          `json:"-"`
	ExitCode  int             `json:"exit_code"`
	Duration  time.Duration   `json:"duration"`
	Outputs   Outputs         `json:"-"`
	Inventory []InventoryItem `json:"-"`
}

// StageError reports a stage that exited non-zero or timed out. A timeout
// has ExitCode -1.
type StageError struct {
	Stage    Stage
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StageError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("terraform %s timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("terraform %s exited with code %d", e.Stage, e.ExitCode)
}

func (e *StageError) Unwrap() error { return e.Err }

// AsStageError unwraps err into a *StageError.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Runner executes Terraform stages.
type Runner interface {
	Run(ctx context.Context, req Request) (*StageResult, error)
}

// ExecRunner runs stages through terraform-exec. Every call binds a fresh
// tfexec.Terraform to the request directory and tees stdout and stderr into
// the stage result.
type ExecRunner struct {
	Binary string
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner returns a runner for bin, defaulting to "terraform" on PATH.
func NewExecRunner(bin string) *ExecRunner {
	if bin == "" {
		bin = "terraform"
	}
	return &ExecRunner{Binary: bin}
}

func (r *ExecRunner) Run(ctx context.Context, req Request) (*StageResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	path, err := exec.LookPath(r.Binary)
	if err != nil {
		return nil, fmt.Errorf("terraform not found in PATH: %w", err)
	}
	tf, err := tfexec.NewTerraform(req.Dir, path)
	if err != nil {
		return nil, fmt.Errorf("create terraform executor: %w", err)
	}
	// Resolve the version before attaching the writers so `version -json`
	// stays out of the transcript.
	if _, _, err := tf.Version(ctx, false); err != nil {
		return nil, fmt.Errorf("terraform version: %w", err)
	}

	var stdout, stderr bytes.Buffer
	tf.SetStdout(&stdout)
	tf.SetStderr(&stderr)

	res := &StageResult{Stage: req.Stage, Args: req.Args}
	logger.L().Debug("terraform stage starting", zap.String("stage", string(req.Stage)), zap.String("dir", req.Dir))
	start := time.Now()

	switch req.Stage {
	case StageInit:
		err = tf.Init(ctx)
	case StagePlan:
		_, err = tf.Plan(ctx, tfexec.Out(PlanFile))
	case StageApply:
		err = tf.Apply(ctx, tfexec.DirOrPlan(PlanFile))
	case StageOutput:
		var outs map[string]tfexec.OutputMeta
		if outs, err = tf.Output(ctx); err == nil {
			res.Outputs = Outputs(outs)
		}
	case StageInventory:
		var st *tfjson.State
		if st, err = tf.Show(ctx); err == nil {
			res.Inventory = InventoryFromState(st)
		}
	case StageDestroy:
		err = tf.Destroy(ctx)
	default:
		return nil, fmt.Errorf("unknown terraform stage %q", req.Stage)
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, &StageError{Stage: req.Stage, ExitCode: -1, Stderr: res.Stderr, Err: ctxErr}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &StageError{Stage: req.Stage, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	return res, fmt.Errorf("terraform %s: %w", req.Stage, err)
}
