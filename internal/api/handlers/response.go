package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/api/middleware"
	"github.com/iac-studio/deployengine/internal/api/types"
	"github.com/iac-studio/deployengine/pkg/logger"
)

func writeJSON(w http.ResponseWriter, code int, body types.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.L().Warn("encode response", zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, r *http.Request, code int, data any) {
	writeJSON(w, code, types.APIResponse{
		Success: true,
		Data:    data,
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context())},
	})
}

// writeError maps err onto a status code. Internal errors hide their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := types.HTTPStatus(err)
	apiErr := types.FromAppError(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		logger.L().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		apiErr.Message = "internal error"
	}
	writeJSON(w, code, types.APIResponse{
		Success: false,
		Error:   apiErr,
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context())},
	})
}
