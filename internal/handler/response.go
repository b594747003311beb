package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"security-engine/internal/audit"
	"security-engine/internal/incident"
	"security-engine/internal/ledger"
	"security-engine/internal/models"
	"security-engine/internal/rules"
	"security-engine/internal/secrets"
	"security-engine/internal/service"
	"security-engine/internal/store"
	"security-engine/internal/util"
	"security-engine/internal/waf"
)

// Error codes returned in Response.Code.
const (
	CodeValidation  = "validation_error"
	CodeNotFound    = "not_found"
	CodeIntegrity   = "integrity_error"
	CodeUnavailable = "backend_unavailable"
	CodeInternal    = "internal_error"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to a status and code. Internal errors are
// logged in full and reported generically.
func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error, message string) {
	status, code := classify(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("HTTP internal error",
			util.ErrorField(err),
			util.String("message", message))
		detail = "internal error"
	} else {
		logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", status),
			util.String("message", message))
	}
	respondWithJSON(w, logger, status, Response{
		Success: false,
		Error:   detail,
		Code:    code,
		Message: message,
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, models.ErrInvalidEvent),
		errors.Is(err, models.ErrInvalidThreatTransition),
		errors.Is(err, rules.ErrInvalidRule),
		errors.Is(err, rules.ErrInvalidPattern),
		errors.Is(err, waf.ErrInvalidRule),
		errors.Is(err, incident.ErrInvalidIncident),
		errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, incident.ErrClosed),
		errors.Is(err, audit.ErrInvalidEntry),
		errors.Is(err, secrets.ErrInvalidKey):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, waf.ErrRuleNotFound),
		errors.Is(err, incident.ErrNotFound),
		errors.Is(err, audit.ErrNotFound),
		errors.Is(err, secrets.ErrNotFound),
		errors.Is(err, ledger.ErrChainNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ledger.ErrChainBroken),
		errors.Is(err, ledger.ErrSequenceConflict):
		return http.StatusConflict, CodeIntegrity
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, secrets.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// badRequest wraps a parsing problem as a validation error.
func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{service.ErrValidation}, args...)...)
}
