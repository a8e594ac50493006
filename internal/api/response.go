// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the Monitoring API: a read-mostly HTTP surface
// over the Worker Scheduler's run state, plus cancel/retry controls and a
// live WebSocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/editnori/metamapctl/internal/middleware"
)

// Response is the standardized envelope for every Monitoring API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	Meta    *Meta       `json:"meta"`
}

// Error carries a machine-readable error code alongside a human message.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Meta carries response metadata common to success and error paths.
type Meta struct {
	RequestID  string `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

const (
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeServiceDown    = "SERVICE_UNAVAILABLE"
)

// responseWriter accumulates request timing so every response can report
// its own processing duration.
type responseWriter struct {
	w         http.ResponseWriter
	r         *http.Request
	startTime time.Time
}

func newResponseWriter(w http.ResponseWriter, r *http.Request) *responseWriter {
	return &responseWriter{w: w, r: r, startTime: time.Now()}
}

func (rw *responseWriter) meta() *Meta {
	return &Meta{
		RequestID:  middleware.GetRequestID(rw.r.Context()),
		Timestamp:  time.Now(),
		DurationMs: time.Since(rw.startTime).Milliseconds(),
	}
}

func (rw *responseWriter) writeJSON(status int, body Response) {
	rw.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.w.WriteHeader(status)
	_ = json.NewEncoder(rw.w).Encode(body)
}

// Success writes a 200 response with the given payload.
func (rw *responseWriter) Success(data interface{}) {
	rw.writeJSON(http.StatusOK, Response{Success: true, Data: data, Meta: rw.meta()})
}

// Error writes an error response with the given status code and code string.
func (rw *responseWriter) Error(status int, code, message string) {
	rw.writeJSON(status, Response{
		Success: false,
		Error:   &Error{Code: code, Message: message, RequestID: middleware.GetRequestID(rw.r.Context())},
		Meta:    rw.meta(),
	})
}

func (rw *responseWriter) BadRequest(message string) { rw.Error(http.StatusBadRequest, ErrCodeBadRequest, message) }
func (rw *responseWriter) Unauthorized(message string) {
	rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, message)
}
func (rw *responseWriter) NotFound(message string) { rw.Error(http.StatusNotFound, ErrCodeNotFound, message) }
func (rw *responseWriter) Conflict(message string)  { rw.Error(http.StatusConflict, ErrCodeConflict, message) }
func (rw *responseWriter) Internal(message string)  { rw.Error(http.StatusInternalServerError, ErrCodeInternal, message) }
