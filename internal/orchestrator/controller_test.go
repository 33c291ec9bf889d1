package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/deployengine/internal/autofix"
	"github.com/iac-studio/deployengine/internal/models"
	"github.com/iac-studio/deployengine/internal/provisioner/terraform"
	"github.com/iac-studio/deployengine/internal/provisioner/terraform/terraformtest"
	"github.com/iac-studio/deployengine/internal/registry"
	"github.com/iac-studio/deployengine/internal/status"
	"github.com/iac-studio/deployengine/internal/workspace"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

const testID = "DP1712345678ABC123"

const awsConfig = `provider "aws" {
  region     = "us-east-1"
  access_key = "AKIAEXAMPLE01"
  secret_key = "secretEXAMPLEvalue"
}

resource "aws_vpc" "main" {
  cidr_block = "10.0.0.0/16"
}

resource "aws_subnet" "a" {
  vpc_id     = aws_vpc.main.id
  cidr_block = "10.0.1.0/24"
}
`

const planStderr = `Error: Invalid resource type

  on main.tf line 7, in resource "aws_vpcc" "main":
   7: resource "aws_vpcc" "main" {
`

type mockRows struct {
	mock.Mock
}

func (m *mockRows) UpdateStatus(ctx context.Context, id string, s models.Status, errMsg string) error {
	return m.Called(ctx, id, s, errMsg).Error(0)
}

func (m *mockRows) UpdateRetry(ctx context.Context, id string, retryCount int, autoFixed bool) error {
	return m.Called(ctx, id, retryCount, autoFixed).Error(0)
}

func (m *mockRows) SaveOutputs(ctx context.Context, id string, outputs map[string]any) error {
	return m.Called(ctx, id, outputs).Error(0)
}

func (m *mockRows) SaveSummary(ctx context.Context, id string, summary any, completedAt *time.Time) error {
	return m.Called(ctx, id, summary, completedAt).Error(0)
}

func newMockRows() *mockRows {
	m := &mockRows{}
	m.On("UpdateStatus", mock.Anything, testID, mock.Anything, mock.Anything).Return(nil)
	m.On("UpdateRetry", mock.Anything, testID, mock.Anything, mock.Anything).Return(nil)
	m.On("SaveOutputs", mock.Anything, testID, mock.Anything).Return(nil)
	m.On("SaveSummary", mock.Anything, testID, mock.Anything, mock.Anything).Return(nil)
	return m
}

// fakeFixer appends a marker comment per attempt unless fn overrides it.
type fakeFixer struct {
	mu   sync.Mutex
	reqs []autofix.Request
	fn   func(req autofix.Request) (*autofix.Result, error)
}

func (f *fakeFixer) Fix(_ context.Context, req autofix.Request) (*autofix.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(req)
	}
	return &autofix.Result{
		Config: req.Config + fmt.Sprintf("\n# repaired after attempt %d\n", req.Attempt),
		Tier:   autofix.TierSidecar,
	}, nil
}

// failPlan fails the first n plan calls.
func failPlan(n int) func(int, terraform.Request) terraformtest.Reply {
	var mu sync.Mutex
	plans := 0
	return func(_ int, req terraform.Request) terraformtest.Reply {
		switch req.Stage {
		case terraform.StagePlan:
			mu.Lock()
			plans++
			failing := plans <= n
			mu.Unlock()
			if failing {
				return terraformtest.Reply{Stderr: planStderr, ExitCode: 1}
			}
		case terraform.StageApply:
			return terraformtest.Reply{Stdout: "Apply complete! Resources: 2 added, 0 changed, 0 destroyed."}
		case terraform.StageOutput:
			return terraformtest.Reply{Stdout: `{"vpc_id":{"sensitive":false,"type":"string","value":"vpc-0abc"}}`}
		}
		return terraformtest.Reply{}
	}
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Create(t.TempDir(), testID)
	require.NoError(t, err)
	require.NoError(t, ws.WriteConfig(awsConfig))
	return ws
}

func TestRun_SucceedsOnThirdAttempt(t *testing.T) {
	ws := newWorkspace(t)
	runner := &terraformtest.Runner{Script: failPlan(2)}
	reg := registry.New()
	rows := newMockRows()
	fixer := &fakeFixer{}
	c := New(runner, reg, WithFixer(fixer), WithRows(rows), WithMaxRetries(5))

	sum, err := c.Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, sum.Status)
	assert.Equal(t, 2, sum.RetryCount)
	assert.True(t, sum.AutoFixed)
	assert.Equal(t, 3, sum.Attempts)
	require.Len(t, sum.Fixes, 2)
	assert.Equal(t, "plan", sum.Fixes[0].Stage)
	assert.Equal(t, map[string]any{"vpc_id": "vpc-0abc"}, sum.Outputs)
	assert.Contains(t, sum.ApplyOutput, "Apply complete!")
	require.NotNil(t, sum.CompletedAt)

	assert.Equal(t, 3, runner.Count(terraform.StagePlan))
	assert.Equal(t, 1, runner.Count(terraform.StageApply))
	assert.Equal(t, 2, runner.Count(terraform.StageDestroy))

	require.Len(t, fixer.reqs, 2)
	assert.Equal(t, "AKIAEXAMPLE01", fixer.reqs[0].KeyPair.AccessKey)
	assert.Equal(t, planStderr, fixer.reqs[0].Stderr)
	assert.Contains(t, fixer.reqs[1].Config, "# repaired after attempt 1")

	doc, err := status.Read(ws.Path(workspace.StatusFile))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 100, doc.Progress)
	assert.Equal(t, 2, doc.RetryCount)
	assert.True(t, doc.AutoFixed)
	for _, r := range doc.Resources {
		assert.Equal(t, status.ResourceCompleted, r.Status, r.FullName)
	}

	cfg, err := ws.ReadConfig()
	require.NoError(t, err)
	assert.Contains(t, cfg, "# repaired after attempt 2")
	assert.True(t, ws.Exists(workspace.DiffLogFile))
	assert.True(t, ws.Exists(workspace.CleanupLogFile))
	assert.False(t, ws.Exists(workspace.StopMarkerFile))

	transcript, err := os.ReadFile(ws.Path(workspace.TranscriptFile))
	require.NoError(t, err)
	assert.NotContains(t, string(transcript), "secretEXAMPLEvalue")

	_, running := reg.Lookup(testID)
	assert.False(t, running)

	rows.AssertCalled(t, "UpdateRetry", mock.Anything, testID, 2, true)
	rows.AssertCalled(t, "UpdateStatus", mock.Anything, testID, models.StatusCleaning, "")
	rows.AssertCalled(t, "UpdateStatus", mock.Anything, testID, models.StatusCompleted, "")
	rows.AssertCalled(t, "SaveSummary", mock.Anything, testID, mock.Anything, mock.Anything)
}

func TestRun_RetriesAreBounded(t *testing.T) {
	ws := newWorkspace(t)
	runner := &terraformtest.Runner{Script: failPlan(1000)}
	fixer := &fakeFixer{}
	c := New(runner, registry.New(), WithFixer(fixer), WithMaxRetries(3))

	sum, err := c.Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeStageFailed))

	assert.Equal(t, 4, runner.Count(terraform.StagePlan))
	assert.Equal(t, 0, runner.Count(terraform.StageApply))
	assert.Equal(t, 4, runner.Count(terraform.StageDestroy))
	assert.Len(t, fixer.reqs, 3)

	assert.Equal(t, models.StatusFailed, sum.Status)
	assert.Equal(t, 3, sum.RetryCount)
	assert.True(t, strings.HasPrefix(sum.Error, "stage plan failed (exit 1) after 3 auto-fix attempt(s): Error: Invalid resource type"), sum.Error)

	doc, err := status.Read(ws.Path(workspace.StatusFile))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, sum.Error, doc.Error)
}

func TestRun_NoFixFailsImmediately(t *testing.T) {
	ws := newWorkspace(t)
	runner := &terraformtest.Runner{Script: failPlan(1000)}
	fixer := &fakeFixer{fn: func(autofix.Request) (*autofix.Result, error) { return nil, autofix.ErrNoFix }}
	rows := newMockRows()
	c := New(runner, registry.New(), WithFixer(fixer), WithRows(rows))

	sum, err := c.Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.Error(t, err)
	assert.Equal(t, 1, runner.Count(terraform.StagePlan))
	assert.Equal(t, 1, runner.Count(terraform.StageDestroy))
	assert.Equal(t, 0, sum.RetryCount)
	assert.False(t, sum.AutoFixed)
	assert.Contains(t, sum.Error, "after 0 auto-fix attempt(s)")
	rows.AssertCalled(t, "UpdateStatus", mock.Anything, testID, models.StatusFailed, sum.Error)
	rows.AssertNotCalled(t, "UpdateRetry", mock.Anything, testID, mock.Anything, mock.Anything)
}

func TestRun_StopDuringPlanning(t *testing.T) {
	ws := newWorkspace(t)
	reg := registry.New()
	runner := &terraformtest.Runner{}
	runner.Script = func(_ int, req terraform.Request) terraformtest.Reply {
		if req.Stage == terraform.StagePlan {
			ok, err := reg.RequestStop(testID)
			require.NoError(t, err)
			require.True(t, ok)
		}
		return terraformtest.Reply{}
	}
	c := New(runner, reg, WithFixer(&fakeFixer{}))

	sum, err := c.Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, sum.Status)
	assert.Equal(t, []terraform.Stage{terraform.StageInit, terraform.StagePlan}, runner.Stages())
	assert.False(t, ws.Exists(workspace.StopMarkerFile))

	doc, err := status.Read(ws.Path(workspace.StatusFile))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, doc.Status)
	_, running := reg.Lookup(testID)
	assert.False(t, running)
}

func TestRun_StopBeforeFirstStage(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, registry.NewToken(ws.Dir()).Request())
	runner := &terraformtest.Runner{}

	sum, err := New(runner, registry.New()).Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, sum.Status)
	assert.Empty(t, runner.Stages())
	assert.False(t, ws.Exists(workspace.StopMarkerFile))
}

func TestRun_PanicBecomesFailed(t *testing.T) {
	ws := newWorkspace(t)
	reg := registry.New()
	runner := &terraformtest.Runner{Script: failPlan(1)}
	fixer := &fakeFixer{fn: func(autofix.Request) (*autofix.Result, error) { panic("fixer exploded") }}

	sum, err := New(runner, reg, WithFixer(fixer)).Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.Error(t, err)
	assert.True(t, appErr.IsCode(err, appErr.CodeInternal))
	assert.Equal(t, models.StatusFailed, sum.Status)
	assert.Contains(t, sum.Error, "fixer exploded")

	doc, err := status.Read(ws.Path(workspace.StatusFile))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, doc.Status)
	_, running := reg.Lookup(testID)
	assert.False(t, running)
}

func TestRun_AlreadyRunning(t *testing.T) {
	ws := newWorkspace(t)
	reg := registry.New()
	_, err := reg.Register(testID, ws.Dir())
	require.NoError(t, err)

	runner := &terraformtest.Runner{}
	_, err = New(runner, reg).Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
	assert.Empty(t, runner.Stages())
}

func TestRun_ApplyFailureMarksImplicatedResource(t *testing.T) {
	ws := newWorkspace(t)
	runner := &terraformtest.Runner{Script: func(_ int, req terraform.Request) terraformtest.Reply {
		if req.Stage == terraform.StageApply {
			return terraformtest.Reply{
				Stderr:   "Error: creating EC2 Subnet: InvalidParameterValue\n\n  with aws_subnet.a,\n  on main.tf line 11",
				ExitCode: 1,
			}
		}
		return terraformtest.Reply{}
	}}
	c := New(runner, registry.New(), WithMaxRetries(0))

	sum, err := c.Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.Error(t, err)
	assert.Contains(t, sum.Error, "stage apply failed (exit 1) after 0 auto-fix attempt(s)")

	doc, err := status.Read(ws.Path(workspace.StatusFile))
	require.NoError(t, err)
	states := map[string]status.ResourceState{}
	for _, r := range doc.Resources {
		states[r.FullName] = r.Status
	}
	assert.Equal(t, status.ResourceFailed, states["aws_subnet.a"])
	assert.Equal(t, status.ResourcePlanned, states["aws_vpc.main"])
}

func TestRun_FixThatAddsResourceIsTracked(t *testing.T) {
	ws := newWorkspace(t)
	runner := &terraformtest.Runner{Script: failPlan(1)}
	fixer := &fakeFixer{fn: func(req autofix.Request) (*autofix.Result, error) {
		cfg := strings.Replace(req.Config, `resource "aws_subnet" "a"`, `resource "aws_subnet" "public"`, 1)
		cfg += "\nresource \"aws_internet_gateway\" \"gw\" {\n  vpc_id = aws_vpc.main.id\n}\n"
		return &autofix.Result{Config: cfg, Tier: autofix.TierModel}, nil
	}}

	sum, err := New(runner, registry.New(), WithFixer(fixer)).Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RetryCount)

	doc, err := status.Read(ws.Path(workspace.StatusFile))
	require.NoError(t, err)
	var names []string
	for _, r := range doc.Resources {
		names = append(names, r.FullName)
		assert.Equal(t, status.ResourceCompleted, r.Status, r.FullName)
	}
	assert.Equal(t, []string{"aws_vpc.main", "aws_subnet.public", "aws_internet_gateway.gw"}, names)
	assert.Equal(t, 100, doc.Progress)
}

func TestRun_RegistryShowsRunningStage(t *testing.T) {
	ws := newWorkspace(t)
	reg := registry.New()
	seen := map[terraform.Stage]string{}
	runner := &terraformtest.Runner{}
	runner.Script = func(_ int, req terraform.Request) terraformtest.Reply {
		e, ok := reg.Lookup(testID)
		require.True(t, ok)
		seen[req.Stage] = e.Stage
		return terraformtest.Reply{}
	}

	_, err := New(runner, reg).Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, "init", seen[terraform.StageInit])
	assert.Equal(t, "plan", seen[terraform.StagePlan])
	assert.Equal(t, "apply", seen[terraform.StageApply])
	assert.Equal(t, "output", seen[terraform.StageOutput])
}

func TestRun_TerminalDeploymentIsNotRerun(t *testing.T) {
	ws := newWorkspace(t)
	s := status.NewStore(testID, ws, nil, nil, models.StatusPending)
	require.NoError(t, s.Transition(context.Background(), models.StatusStopped, "Deployment stopped"))
	runner := &terraformtest.Runner{}

	_, err := New(runner, registry.New()).Run(context.Background(), Job{DeploymentID: testID, Workspace: ws})
	assert.True(t, appErr.IsCode(err, appErr.CodeConflict))
	assert.Empty(t, runner.Stages())

	doc, err := status.Read(ws.Path(workspace.StatusFile))
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, doc.Status)
}
