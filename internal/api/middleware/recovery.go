package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/internal/api/types"
	"github.com/iac-studio/deployengine/pkg/logger"
)

// Recovery turns a handler panic into a 500 carrying the standard error
// envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqID := GetRequestID(r.Context())
			logger.L().Error("panic recovered",
				zap.String("request_id", reqID),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(types.APIResponse{
				Success: false,
				Error:   &types.APIError{Code: "internal", Message: "internal error"},
				Meta:    &types.Meta{RequestID: reqID},
			})
		}()
		next.ServeHTTP(w, r)
	})
}
