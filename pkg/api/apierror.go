// Package api — HTTP boundary for the trust protocol engine, with
// RFC 7807 Problem Detail error responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/eatp-io/eatp/pkg/authority"
	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/delegation"
	"github.com/eatp-io/eatp/pkg/ledger"
	"github.com/eatp-io/eatp/pkg/trustchain"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://eatp.io/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps the protocol error taxonomy onto HTTP statuses:
// duplicates and write races are 409, trust violations are 403,
// semantic rejections are 422, contention that exhausted retries is 503.
func WriteDomainError(w http.ResponseWriter, err error) {
	var (
		dup      *trustchain.DuplicateGenesisError
		conflict *trustchain.ConcurrentModificationError
		esc      *capability.EscalationError
		widened  *capability.ConflictError
		revoked  *trustchain.RevokedUpstreamError
		expired  *trustchain.ExpiredUpstreamError
		inactive *trustchain.InactiveAuthorityError
		parent   *authority.ParentInactiveError
		authVal  *authority.ValidationError
		delVal   *delegation.ValidationError
	)
	switch {
	case errors.As(err, &dup):
		WriteError(w, http.StatusConflict, "Duplicate Genesis", err.Error())
	case errors.As(err, &conflict):
		WriteError(w, http.StatusConflict, "Concurrent Modification", err.Error())
	case errors.As(err, &esc):
		WriteError(w, http.StatusForbidden, "Capability Escalation", err.Error())
	case errors.As(err, &revoked):
		WriteError(w, http.StatusForbidden, "Trust Revoked", err.Error())
	case errors.As(err, &expired):
		WriteError(w, http.StatusForbidden, "Trust Expired", err.Error())
	case errors.As(err, &inactive):
		WriteError(w, http.StatusForbidden, "Authority Inactive", err.Error())
	case errors.As(err, &parent):
		WriteError(w, http.StatusForbidden, "Parent Authority Inactive", err.Error())
	case errors.As(err, &widened):
		WriteError(w, http.StatusUnprocessableEntity, "Constraint Widening", err.Error())
	case errors.As(err, &authVal), errors.As(err, &delVal):
		WriteError(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, trustchain.ErrNotFound), errors.Is(err, authority.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, ledger.ErrContention):
		WriteError(w, http.StatusServiceUnavailable, "Ledger Contention", err.Error())
	default:
		WriteInternal(w, err)
	}
}
