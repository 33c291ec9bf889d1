// Package terraformtest provides a scripted terraform.Runner for tests.
package terraformtest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iac-studio/deployengine/internal/provisioner/terraform"
)

// Reply is a scripted stage outcome. A non-zero ExitCode fails the stage.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner answers stages from Script without starting processes. A
// successful init creates .terraform in the working directory like the
// real binary. Output and inventory stdout is decoded as `output -json` and
// `show -json` text.
type Runner struct {
	mu    sync.Mutex
	calls []terraform.Request
	// Script decides the outcome of each call; nil means success with empty output.
	Script func(call int, req terraform.Request) Reply
}

var _ terraform.Runner = (*Runner)(nil)

func (r *Runner) Run(_ context.Context, req terraform.Request) (*terraform.StageResult, error) {
	r.mu.Lock()
	n := len(r.calls)
	r.calls = append(r.calls, req)
	r.mu.Unlock()

	var reply Reply
	if r.Script != nil {
		reply = r.Script(n, req)
	}
	res := &terraform.StageResult{
		Stage:    req.Stage,
		Args:     req.Args,
		Stdout:   reply.Stdout,
		Stderr:   reply.Stderr,
		ExitCode: reply.ExitCode,
	}
	if reply.ExitCode != 0 {
		return res, &terraform.StageError{Stage: req.Stage, ExitCode: reply.ExitCode, Stderr: reply.Stderr}
	}
	switch req.Stage {
	case terraform.StageInit:
		if err := os.MkdirAll(filepath.Join(req.Dir, ".terraform"), 0o755); err != nil {
			return res, err
		}
	case terraform.StageOutput:
		outs, err := terraform.ParseOutputs(reply.Stdout)
		if err != nil {
			return res, err
		}
		res.Outputs = outs
	case terraform.StageInventory:
		if strings.TrimSpace(reply.Stdout) == "" {
			return res, nil
		}
		st, err := terraform.ParseState(reply.Stdout)
		if err != nil {
			return res, err
		}
		res.Inventory = terraform.InventoryFromState(st)
	}
	return res, nil
}

// Stages lists the stage of every call so far.
func (r *Runner) Stages() []terraform.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]terraform.Stage, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Stage
	}
	return out
}

// Count returns how many calls ran the given stage.
func (r *Runner) Count(stage terraform.Stage) int {
	n := 0
	for _, s := range r.Stages() {
		if s == stage {
			n++
		}
	}
	return n
}

// Commands renders every call as a command line.
func (r *Runner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = "terraform " + strings.Join(c.Args, " ")
	}
	return out
}
