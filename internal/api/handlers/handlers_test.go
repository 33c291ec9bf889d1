package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/deployengine/internal/api/middleware"
	"github.com/iac-studio/deployengine/internal/api/types"
	"github.com/iac-studio/deployengine/internal/models"
	"github.com/iac-studio/deployengine/internal/services"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
	"github.com/iac-studio/deployengine/pkg/utils"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockService struct {
	mock.Mock
}

func (m *mockService) Submit(ctx context.Context, in *services.SubmitInput) (*services.SubmitResult, error) {
	args := m.Called(ctx, in)
	if r := args.Get(0); r != nil {
		return r.(*services.SubmitResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) Get(ctx context.Context, id string) (*models.Deployment, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*models.Deployment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) List(ctx context.Context, userID string, limit int) ([]models.Deployment, error) {
	args := m.Called(ctx, userID, limit)
	if r := args.Get(0); r != nil {
		return r.([]models.Deployment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) GetStatus(ctx context.Context, id string) (*services.StatusView, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*services.StatusView), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) Stop(ctx context.Context, id string) (*services.StopResult, error) {
	args := m.Called(ctx, id)
	if r := args.Get(0); r != nil {
		return r.(*services.StopResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockService) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func routes(h *DeploymentsHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Identity)
	r.Post("/deployments", h.Create)
	r.Get("/deployments", h.List)
	r.Get("/deployments/{id}", h.Get)
	r.Get("/deployments/{id}/status", h.Status)
	r.Post("/deployments/{id}/stop", h.Stop)
	return r
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) types.APIResponse {
	t.Helper()
	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestCreate(t *testing.T) {
	svc := new(mockService)
	svc.On("Submit", mock.Anything, mock.MatchedBy(func(in *services.SubmitInput) bool {
		return in.Origin == utils.OriginProvision &&
			in.UserID == "u-1" &&
			in.Username == "ada" &&
			in.Credentials.AccessKey == "AKIAEXAMPLE"
	})).Return(&services.SubmitResult{DeploymentID: "PRabc", Status: models.StatusPending, Provider: "aws"}, nil)

	body := `{"config":"resource \"aws_vpc\" \"main\" {}","access_key":"AKIAEXAMPLE","secret_key":"s"}`
	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(body))
	req.Header.Set("X-User-ID", "u-1")
	req.Header.Set("X-Username", "ada")
	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
	resp := decode(t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, "PRabc", resp.Data.(map[string]any)["deployment_id"])
	svc.AssertExpectations(t)
}

func TestCreateValidation(t *testing.T) {
	cases := map[string]string{
		"malformed":   `{"config":`,
		"no config":   `{"origin":"ai"}`,
		"unknown src": `{"config":"x","origin":"ftp"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := new(mockService)
			req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(body))
			rr := httptest.NewRecorder()
			routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid", decode(t, rr).Error.Code)
			svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateCredentialError(t *testing.T) {
	svc := new(mockService)
	svc.On("Submit", mock.Anything, mock.Anything).
		Return(nil, appErr.New(appErr.CodeCredential, "no cloud provider detected"))

	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"config":"x"}`))
	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	resp := decode(t, rr)
	assert.False(t, resp.Success)
	assert.Equal(t, "no cloud provider detected", resp.Error.Message)
}

func TestInternalErrorIsHidden(t *testing.T) {
	svc := new(mockService)
	svc.On("GetStatus", mock.Anything, "PRabc").Return(nil, errors.New("disk on fire"))

	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/PRabc/status", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "internal error", decode(t, rr).Error.Message)
}

func TestInternalErrorIsLogged(t *testing.T) {
	prev := logger.L()
	var buf bytes.Buffer
	_, err := logger.InitWithWriter("info", "json", &buf)
	require.NoError(t, err)
	defer logger.Replace(prev)

	svc := new(mockService)
	svc.On("GetStatus", mock.Anything, "PRabc").Return(nil, errors.New("disk on fire"))
	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/PRabc/status", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "request failed", entry["message"])
	assert.Equal(t, "/deployments/PRabc/status", entry["path"])
	assert.Contains(t, entry["error"], "disk on fire")
	assert.Contains(t, entry["caller"], "handlers/response.go")
}

func TestList(t *testing.T) {
	svc := new(mockService)
	svc.On("List", mock.Anything, "u-1", maxListLimit).Return([]models.Deployment{{ID: "PRabc"}}, nil)
	h := routes(NewDeploymentsHandler(svc))

	req := httptest.NewRequest(http.MethodGet, "/deployments?limit=1000", nil)
	req.Header.Set("X-User-ID", "u-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	svc.AssertExpectations(t)
}

func TestGetNotFound(t *testing.T) {
	svc := new(mockService)
	svc.On("Get", mock.Anything, "PRmissing").Return(nil, appErr.New(appErr.CodeNotFound, "deployment not found"))

	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/PRmissing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatus(t *testing.T) {
	svc := new(mockService)
	svc.On("GetStatus", mock.Anything, "PRabc").Return(&services.StatusView{
		DeploymentID: "PRabc",
		Status:       models.StatusPlanning,
		Progress:     40,
		LogTail:      []string{"line"},
	}, nil)

	rr := httptest.NewRecorder()
	routes(NewDeploymentsHandler(svc)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deployments/PRabc/status", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	data := decode(t, rr).Data.(map[string]any)
	assert.Equal(t, "planning", data["status"])
	assert.EqualValues(t, 40, data["progress"])
}

func TestStop(t *testing.T) {
	svc := new(mockService)
	svc.On("Stop", mock.Anything, "PRrun").Return(&services.StopResult{Accepted: true, Message: "stop requested"}, nil)
	svc.On("Stop", mock.Anything, "PRdone").Return(&services.StopResult{Accepted: false, Message: "deployment already completed"}, nil)
	h := routes(NewDeploymentsHandler(svc))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/deployments/PRrun/stop", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/deployments/PRdone/stop", nil))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	rr := httptest.NewRecorder()
	NewHealthHandler(nil).Liveness(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	NewHealthHandler(map[string]Checker{"database": ok}).Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	NewHealthHandler(map[string]Checker{"database": ok, "redis": down}).Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decode(t, rr)
	assert.False(t, resp.Success)
	assert.Equal(t, "connection refused", resp.Data.(map[string]any)["redis"])
}
