// Package provisioner runs the Terraform stage pipeline for one working directory.
package provisioner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/provisioner/terraform"
	"github.com/iac-studio/deployengine/internal/workspace"
	"github.com/iac-studio/deployengine/pkg/logger"
)

// Hooks let the caller observe stage boundaries. BeforeStage may return an
// error to stop the pipeline before the stage starts.
type Hooks struct {
	BeforeStage func(ctx context.Context, stage terraform.Stage) error
	AfterStage  func(ctx context.Context, stage terraform.Stage, res *terraform.StageResult, err error)
}

// Transcript receives every stage's captured streams.
type Transcript interface {
	AppendTranscript(e workspace.TranscriptEntry) error
}

// StageSummary is the per-stage record kept in the run summary.
type StageSummary struct {
	Attempt  int             `json:"attempt"`
	Stage    terraform.Stage `json:"stage"`
	ExitCode int             `json:"exit_code"`
	Duration string          `json:"duration"`
}

type Result struct {
	Outputs     map[string]any            `json:"outputs"`
	Sensitive   []string                  `json:"sensitive_outputs,omitempty"`
	Inventory   []terraform.InventoryItem `json:"inventory,omitempty"`
	ApplyOutput string                    `json:"apply_output"`
	Stages      []StageSummary            `json:"stages"`
}

type Pipeline struct {
	executor   *terraform.Executor
	transcript Transcript
	inventory  bool
}

func NewPipeline(executor *terraform.Executor, transcript Transcript, inventory bool) *Pipeline {
	return &Pipeline{executor: executor, transcript: transcript, inventory: inventory}
}

// Execute runs init, plan, apply and output, then the optional inventory.
// Each stage's process exits before the next one starts. The partial result
// is returned alongside any error so its stage records are kept.
func (p *Pipeline) Execute(ctx context.Context, attempt int, hooks Hooks) (*Result, error) {
	result := &Result{Outputs: map[string]any{}}
	steps := []struct {
		stage terraform.Stage
		run   func(context.Context) (*terraform.StageResult, error)
	}{
		{terraform.StageInit, p.executor.Init},
		{terraform.StagePlan, p.executor.Plan},
		{terraform.StageApply, p.executor.Apply},
		{terraform.StageOutput, p.executor.Output},
	}

	for _, step := range steps {
		res, err := p.runStage(ctx, attempt, step.stage, step.run, hooks, result)
		if err != nil {
			return result, err
		}
		switch step.stage {
		case terraform.StageApply:
			result.ApplyOutput = res.Stdout
		case terraform.StageOutput:
			result.Outputs = res.Outputs.Values()
			result.Sensitive = res.Outputs.Sensitive()
		}
	}

	if p.inventory {
		if err := p.collectInventory(ctx, attempt, hooks, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (p *Pipeline) runStage(ctx context.Context, attempt int, stage terraform.Stage, run func(context.Context) (*terraform.StageResult, error), hooks Hooks, result *Result) (*terraform.StageResult, error) {
	if hooks.BeforeStage != nil {
		if err := hooks.BeforeStage(ctx, stage); err != nil {
			return nil, err
		}
	}
	res, err := run(ctx)
	if res != nil {
		p.record(attempt, res)
		result.Stages = append(result.Stages, StageSummary{
			Attempt:  attempt,
			Stage:    stage,
			ExitCode: res.ExitCode,
			Duration: res.Duration.Round(time.Millisecond).String(),
		})
	}
	if hooks.AfterStage != nil {
		hooks.AfterStage(ctx, stage, res, err)
	}
	return res, err
}

// collectInventory reads the state through `show -json`. A failed stage is
// logged and skipped; apply has already succeeded.
func (p *Pipeline) collectInventory(ctx context.Context, attempt int, hooks Hooks, result *Result) error {
	res, err := p.runStage(ctx, attempt, terraform.StageInventory, p.executor.Inventory, hooks, result)
	if err != nil {
		if _, ok := terraform.AsStageError(err); ok {
			logger.L().Warn("state inventory failed", zap.String("dir", p.executor.Dir()), zap.Error(err))
			return nil
		}
		return err
	}
	result.Inventory = res.Inventory
	return nil
}

// Teardown runs destroy and records it in the transcript.
func (p *Pipeline) Teardown(ctx context.Context, attempt int) (*terraform.StageResult, error) {
	res, err := p.executor.Destroy(ctx)
	if res != nil {
		p.record(attempt, res)
	}
	return res, err
}

// NeedsTeardown reports whether init has run in the working directory.
func (p *Pipeline) NeedsTeardown() bool { return p.executor.HasMetadataDir() }

func (p *Pipeline) record(attempt int, res *terraform.StageResult) {
	if p.transcript == nil {
		return
	}
	err := p.transcript.AppendTranscript(workspace.TranscriptEntry{
		Attempt:  attempt,
		Stage:    string(res.Stage),
		Command:  terraform.CommandLine(res),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	})
	if err != nil {
		logger.L().Warn("transcript write failed", zap.String("dir", p.executor.Dir()), zap.Error(err))
	}
}
