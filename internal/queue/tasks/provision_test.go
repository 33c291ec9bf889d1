package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/deployengine/internal/models"
	"github.com/iac-studio/deployengine/internal/orchestrator"
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

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, job orchestrator.Job) (*orchestrator.Summary, error) {
	args := m.Called(ctx, job)
	if v := args.Get(0); v != nil {
		return v.(*orchestrator.Summary), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestNewProvisionTask(t *testing.T) {
	task, err := NewProvisionTask(testID, "aws", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TypeProvision, task.Type())

	var p ProvisionPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, ProvisionPayload{DeploymentID: testID, Cloud: "aws"}, p)
	assert.NotContains(t, string(task.Payload()), "secret")
}

func TestProvisionOptions(t *testing.T) {
	byType := func(opts []asynq.Option) map[asynq.OptionType]any {
		out := map[asynq.OptionType]any{}
		for _, o := range opts {
			out[o.Type()] = o.Value()
		}
		return out
	}

	opts := byType(ProvisionOptions(48 * time.Hour))
	assert.Equal(t, 0, opts[asynq.MaxRetryOpt])
	assert.Equal(t, QueueDeployments, opts[asynq.QueueOpt])
	assert.Equal(t, 48*time.Hour, opts[asynq.TimeoutOpt])

	// the queue's 30 minute default would cancel a run mid-apply
	fallback := byType(ProvisionOptions(0))
	assert.Equal(t, DefaultTimeout, fallback[asynq.TimeoutOpt])
	assert.Greater(t, DefaultTimeout, 24*time.Hour)
}

func TestHandleProvision(t *testing.T) {
	base := t.TempDir()
	_, err := workspace.Create(base, testID)
	require.NoError(t, err)
	task, err := NewProvisionTask(testID, "volcengine", 0)
	require.NoError(t, err)

	jobFor := mock.MatchedBy(func(j orchestrator.Job) bool {
		return j.DeploymentID == testID && j.CloudHint == "volcengine" && j.Workspace != nil
	})

	t.Run("completed", func(t *testing.T) {
		r := &mockRunner{}
		r.On("Run", mock.Anything, jobFor).Return(&orchestrator.Summary{Status: models.StatusCompleted}, nil).Once()
		require.NoError(t, NewProvisionTaskHandler(r, base).HandleProvision(context.Background(), task))
		r.AssertExpectations(t)
	})

	t.Run("stage failure is recorded, not retried", func(t *testing.T) {
		r := &mockRunner{}
		r.On("Run", mock.Anything, jobFor).
			Return(&orchestrator.Summary{Status: models.StatusFailed}, appErr.New(appErr.CodeStageFailed, "stage plan failed")).Once()
		assert.NoError(t, NewProvisionTaskHandler(r, base).HandleProvision(context.Background(), task))
	})

	t.Run("duplicate task", func(t *testing.T) {
		r := &mockRunner{}
		r.On("Run", mock.Anything, jobFor).Return(nil, appErr.New(appErr.CodeConflict, "already running")).Once()
		assert.NoError(t, NewProvisionTaskHandler(r, base).HandleProvision(context.Background(), task))
	})

	t.Run("internal error surfaces", func(t *testing.T) {
		r := &mockRunner{}
		r.On("Run", mock.Anything, jobFor).Return(nil, appErr.New(appErr.CodeInternal, "disk full")).Once()
		err := NewProvisionTaskHandler(r, base).HandleProvision(context.Background(), task)
		assert.True(t, appErr.IsCode(err, appErr.CodeInternal))
	})
}

func TestHandleProvision_BadPayloads(t *testing.T) {
	r := &mockRunner{}
	h := NewProvisionTaskHandler(r, t.TempDir())

	err := h.HandleProvision(context.Background(), asynq.NewTask(TypeProvision, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.HandleProvision(context.Background(), asynq.NewTask(TypeProvision, []byte(`{"deployment_id":"../etc"}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	task, _ := NewProvisionTask(testID, "", 0)
	err = h.HandleProvision(context.Background(), task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	r.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}
