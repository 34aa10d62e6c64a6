package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// General errors
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Tunnel-specific errors
	ErrCodeServerNotFound      ErrorCode = "SERVER_NOT_FOUND"
	ErrCodeAlreadyConnected    ErrorCode = "ALREADY_CONNECTED"
	ErrCodeInvalidServerConfig ErrorCode = "INVALID_SERVER_CONFIG"
	ErrCodeManagerClosed       ErrorCode = "MANAGER_CLOSED"
	ErrCodeHistoryUnavailable  ErrorCode = "HISTORY_UNAVAILABLE"
	ErrCodeConfigReload        ErrorCode = "CONFIG_RELOAD_FAILED"
	ErrCodeConnectCancelled    ErrorCode = "CONNECT_CANCELLED"

	// Auth errors
	ErrCodeTokenInvalid ErrorCode = "TOKEN_INVALID"
	ErrCodeMissingAuth  ErrorCode = "MISSING_AUTHORIZATION"
)

// ErrorDetail represents additional error details
type ErrorDetail struct {
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Issue string      `json:"issue,omitempty"`
}

// APIError represents a standardized API error response
type APIError struct {
	Code      ErrorCode     `json:"code"`
	Message   string        `json:"message"`
	Details   []ErrorDetail `json:"details,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetails adds error details
func (e *APIError) WithDetails(details ...ErrorDetail) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// writeError sends a standardized error response. It does not depend on the
// Server so middleware can use it before a handler runs.
func writeError(w http.ResponseWriter, r *http.Request, status int, err *APIError) {
	if err.RequestID == "" {
		err.RequestID = RequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(err)
}

// Common error response helpers

// InternalError responds with a 500 internal server error
func (s *Server) InternalError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusInternalServerError, NewAPIError(ErrCodeInternal, message))
}

// BadRequest responds with a 400 bad request error
func (s *Server) BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusBadRequest, NewAPIError(ErrCodeBadRequest, message))
}

// RateLimitError responds with a 429 rate limit error
func RateLimitError(w http.ResponseWriter, r *http.Request, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, r, http.StatusTooManyRequests,
		NewAPIError(ErrCodeRateLimit, "Rate limit exceeded. Please try again later."))
}

// Server-specific error helpers

// ServerNotFound responds with a 404 for an unknown server id
func (s *Server) ServerNotFound(w http.ResponseWriter, r *http.Request, serverID string) {
	err := NewAPIError(ErrCodeServerNotFound, "Server not found").
		WithDetails(ErrorDetail{Field: "id", Value: serverID})
	writeError(w, r, http.StatusNotFound, err)
}

// AlreadyConnected responds with a 409 for a server that already has a supervisor
func (s *Server) AlreadyConnected(w http.ResponseWriter, r *http.Request, serverID string, state string) {
	err := NewAPIError(ErrCodeAlreadyConnected, "Server is already connected; disconnect it first").
		WithDetails(
			ErrorDetail{Field: "id", Value: serverID},
			ErrorDetail{Field: "state", Value: state},
		)
	writeError(w, r, http.StatusConflict, err)
}

// ConnectCancelled responds with a 409 when a disconnect stopped the attempt
func (s *Server) ConnectCancelled(w http.ResponseWriter, r *http.Request, serverID string) {
	err := NewAPIError(ErrCodeConnectCancelled, "Connect was cancelled by a concurrent disconnect").
		WithDetails(ErrorDetail{Field: "id", Value: serverID})
	writeError(w, r, http.StatusConflict, err)
}

// InvalidServerConfig responds with a 400 listing every validation problem
func (s *Server) InvalidServerConfig(w http.ResponseWriter, r *http.Request, serverID string, problems []string) {
	details := make([]ErrorDetail, len(problems))
	for i, p := range problems {
		details[i] = ErrorDetail{Field: serverID, Issue: p}
	}
	err := NewAPIError(ErrCodeInvalidServerConfig, "Server configuration is invalid").WithDetails(details...)
	writeError(w, r, http.StatusBadRequest, err)
}

// ManagerClosed responds with a 503 once shutdown has begun
func (s *Server) ManagerClosed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusServiceUnavailable,
		NewAPIError(ErrCodeManagerClosed, "Tunnel manager is shutting down"))
}

// HistoryUnavailable responds with a 503 when no history store is configured
func (s *Server) HistoryUnavailable(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusServiceUnavailable,
		NewAPIError(ErrCodeHistoryUnavailable, "Status history is not enabled"))
}

// ConfigReloadError responds with a 422 when the configuration file cannot be loaded
func (s *Server) ConfigReloadError(w http.ResponseWriter, r *http.Request, reason string) {
	err := NewAPIError(ErrCodeConfigReload, "Failed to reload configuration").
		WithDetails(ErrorDetail{Field: "reason", Value: reason})
	writeError(w, r, http.StatusUnprocessableEntity, err)
}

// Auth-specific error helpers

func unauthorized(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	writeError(w, r, http.StatusUnauthorized, NewAPIError(code, message))
}

func forbidden(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusForbidden, NewAPIError(ErrCodeForbidden, message))
}
