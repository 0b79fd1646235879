package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"trust-serverless/internal/audit"
)

const (
	maxJSONBodyBytes = 1 << 16
	maxReasonLength  = 500
)

type Handler struct {
	ledger      *Ledger
	currentUser func(ctx context.Context) (string, bool)
}

// NewHandler serves the admin kill switch. currentUser resolves the acting
// administrator from the request context.
func NewHandler(ledger *Ledger, currentUser func(ctx context.Context) (string, bool)) *Handler {
	return &Handler{ledger: ledger, currentUser: currentUser}
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// Revoke serves POST /admin/users/{id}/sessions/revoke.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.currentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body revokeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(body.Reason) > maxReasonLength {
		writeError(w, http.StatusBadRequest, "reason is too long")
		return
	}

	change, err := h.ledger.RevokeAll(r.Context(), RevokeRequest{
		Target:  strings.TrimSpace(r.PathValue("id")),
		Reason:  body.Reason,
		Actor:   audit.Admin(actorID),
		Context: audit.RequestContextFrom(r),
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "change": change})
}

// Restore serves POST /admin/users/{id}/sessions/restore.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.currentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	change, err := h.ledger.RestoreAll(r.Context(), RestoreRequest{
		Target:  strings.TrimSpace(r.PathValue("id")),
		Actor:   audit.Admin(actorID),
		Context: audit.RequestContextFrom(r),
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"restored": true, "change": change})
}

// Show serves GET /admin/users/{id}/sessions.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.Get(r.Context(), strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"revoked": record.Revoked(), "record": record})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMissingTarget):
		writeError(w, http.StatusBadRequest, "user id is required")
	case errors.Is(err, ErrSelfRevocation):
		writeError(w, http.StatusBadRequest, "cannot revoke your own sessions, log out instead")
	case errors.Is(err, ErrStoreUnavailable):
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "revocation store unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update sessions")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
