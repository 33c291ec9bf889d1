package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/iac-studio/deployengine/internal/api/middleware"
	"github.com/iac-studio/deployengine/internal/api/types"
	"github.com/iac-studio/deployengine/internal/provisioner/credentials"
	"github.com/iac-studio/deployengine/internal/services"
	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxConfigBytes   = 1 << 20
)

type DeploymentsHandler struct {
	svc      services.DeploymentService
	validate *validator.Validate
}

func NewDeploymentsHandler(svc services.DeploymentService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Create accepts a configuration and returns the new deployment id once the
// run is queued.
func (h *DeploymentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.DeploymentCreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, appErr.Wrap(err, appErr.CodeInvalid, "malformed request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, appErr.Wrap(err, appErr.CodeInvalid, err.Error()))
		return
	}
	origin := utils.Origin(req.Origin)
	if origin == "" {
		origin = utils.OriginProvision
	}
	res, err := h.svc.Submit(r.Context(), &services.SubmitInput{
		Config:   req.Config,
		Origin:   origin,
		UserID:   middleware.GetUserID(r.Context()),
		Username: middleware.GetUsername(r.Context()),
		Project:  req.Project,
		Cloud:    req.Cloud,
		Region:   req.Region,
		Credentials: credentials.KeyPair{
			AccessKey:      req.AccessKey,
			SecretKey:      req.SecretKey,
			ClientID:       req.ClientID,
			TenantID:       req.TenantID,
			SubscriptionID: req.SubscriptionID,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, res)
}

func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, r, appErr.New(appErr.CodeInvalid, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}
	items, err := h.svc.List(r.Context(), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, items)
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, d)
}

func (h *DeploymentsHandler) Status(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, v)
}

// Stop requests cooperative cancellation. A deployment already in a terminal
// state answers 409.
func (h *DeploymentsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusAccepted
	if !res.Accepted {
		code = http.StatusConflict
	}
	writeData(w, r, code, res)
}
