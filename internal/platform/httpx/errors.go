package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/moemail/moemail/internal/shared"
)

// ErrBadRequest marks malformed request bodies.
var ErrBadRequest = errors.New("malformed request")

// Extender is implemented by errors that carry extra problem members, such as
// the list of conflicting addresses of a batch generation.
type Extender interface {
	ProblemExtensions() map[string]any
}

type mapping struct {
	target  error
	status  int
	title   string
	generic string
}

// Order matters: more specific sentinels first.
var mappings = []mapping{
	{shared.ErrUnauthenticated, http.StatusUnauthorized, "Unauthorized", "authentication required"},
	{shared.ErrInvalidCredentials, http.StatusUnauthorized, "Unauthorized", "invalid username or password"},
	{shared.ErrForbidden, http.StatusForbidden, "Forbidden", "insufficient permissions"},
	{shared.ErrCSRFTokenMissing, http.StatusForbidden, "Forbidden", "csrf token missing"},
	{shared.ErrCSRFTokenMismatch, http.StatusForbidden, "Forbidden", "csrf token invalid"},
	{shared.ErrQuotaDenied, http.StatusForbidden, "Quota Denied", ""},
	{shared.ErrNotFound, http.StatusNotFound, "Not Found", ""},
	{shared.ErrExpired, http.StatusGone, "Expired", ""},
	{shared.ErrAlreadyUsed, http.StatusConflict, "Already Used", ""},
	{shared.ErrConflict, http.StatusConflict, "Conflict", ""},
	{shared.ErrQuotaExceeded, http.StatusTooManyRequests, "Quota Exceeded", ""},
	{shared.ErrInvalidCursor, http.StatusBadRequest, "Invalid Cursor", ""},
	{shared.ErrValidation, http.StatusBadRequest, "Validation Failed", ""},
	{shared.ErrUnavailable, http.StatusServiceUnavailable, "Service Unavailable", ""},
	{ErrBadRequest, http.StatusBadRequest, "Bad Request", ""},
}

// StatusFor returns the HTTP status an error maps to.
func StatusFor(err error) int {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807.
// Authentication and authorization failures only ever expose a generic detail.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range mappings {
		if !errors.Is(err, m.target) {
			continue
		}
		p := ProblemDetail{Title: m.title, Status: m.status, Detail: m.generic}
		if p.Detail == "" {
			p.Detail = err.Error()
		}
		var ext Extender
		if errors.As(err, &ext) {
			p.Extensions = ext.ProblemExtensions()
		}
		var verr *shared.ValidationError
		if errors.As(err, &verr) && len(verr.Fields) > 0 {
			if p.Extensions == nil {
				p.Extensions = map[string]any{}
			}
			p.Extensions["errors"] = verr.Fields
		}
		WriteProblem(w, p)
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

// RespondErrorLogged logs unexpected errors before responding.
func RespondErrorLogged(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	if logger != nil && StatusFor(err) >= http.StatusInternalServerError {
		logger.Error(msg, slog.Any("error", err))
	}
	RespondError(w, err)
}
