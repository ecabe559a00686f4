package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"chatflow/internal/apperr"
	"chatflow/internal/lock"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error    string            `json:"error"`
	Code     string            `json:"code,omitempty"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, code int, errCode, message string, log *zap.Logger) {
	writeError(w, code, ErrorResponse{Error: errCode, Code: errCode, Message: message}, log)
}

func writeError(w http.ResponseWriter, code int, resp ErrorResponse, log *zap.Logger) {
	if code >= http.StatusInternalServerError {
		log.Error("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	} else {
		log.Info("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	}
	writeJSON(w, code, resp)
}

// WriteAppError maps a domain error onto an HTTP status.
func WriteAppError(w http.ResponseWriter, err error, log *zap.Logger) {
	status := statusOf(err)
	code := apperr.CodeOf(err)
	resp := ErrorResponse{Error: string(code), Code: string(code), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.Metadata = ae.Metadata
	}
	if errors.Is(err, lock.ErrNotAcquired) {
		resp.Error, resp.Code = "BUSY", "BUSY"
	}
	if status == http.StatusInternalServerError {
		// internals stay in the log
		log.Error("Unhandled error", zap.Error(err))
		resp.Message = "internal error"
	}
	writeError(w, status, resp, log)
}

func statusOf(err error) int {
	if errors.Is(err, lock.ErrNotAcquired) {
		return http.StatusServiceUnavailable
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	case apperr.CodeNotFound, apperr.CodeNoCampaign:
		return http.StatusNotFound
	case apperr.CodeConflict, apperr.CodeEndpointArchived, apperr.CodeEndpointDisabled:
		return http.StatusConflict
	case apperr.CodeConfiguration, apperr.CodeTemplateMissingField:
		return http.StatusUnprocessableEntity
	case apperr.CodeDispatchHTTP:
		return http.StatusBadGateway
	case apperr.CodeDispatchTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeChannelRestricted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RequestLogger logs HTTP requests and responses
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip wrapping for WebSocket upgrades - they need direct access to ResponseWriter
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Recover turns a handler panic into a 500 so no request ends without a
// response.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("Handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					WriteError(w, http.StatusInternalServerError, "UNKNOWN", "internal error", log)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
