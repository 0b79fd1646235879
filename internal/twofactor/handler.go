package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"trust-serverless/internal/audit"
	"trust-serverless/internal/vault"
)

const maxJSONBodyBytes = 1 << 16

// CurrentUser resolves the authenticated user id placed on the request
// context by the auth middleware.
type CurrentUser func(ctx context.Context) (string, bool)

type Handler struct {
	service     *Service
	currentUser CurrentUser
}

func NewHandler(service *Service, currentUser CurrentUser) *Handler {
	return &Handler{service: service, currentUser: currentUser}
}

type setupRequest struct {
	Account string `json:"account"`
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body setupRequest
	if err := decodeJSON(w, r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := h.service.StartSetup(r.Context(), SetupRequest{
		UserID:  userID,
		Account: body.Account,
		Context: audit.RequestContextFrom(r),
	})
	if err != nil {
		writeServiceError(w, err, "failed to start two-factor setup")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := h.codeRequest(w, r)
	if !ok {
		return
	}

	enabled, err := h.service.ConfirmSetup(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "failed to confirm two-factor setup")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	req, ok := h.codeRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.Disable(r.Context(), req); err != nil {
		writeServiceError(w, err, "failed to disable two-factor")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	req, ok := h.codeRequest(w, r)
	if !ok {
		return
	}

	codes, err := h.service.RegenerateBackupCodes(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "failed to regenerate backup codes")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string][]string{"backup_codes": codes})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	status, err := h.service.Status(r.Context(), userID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load two-factor status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) codeRequest(w http.ResponseWriter, r *http.Request) (CodeRequest, bool) {
	userID, ok := h.currentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return CodeRequest{}, false
	}

	var body codeRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return CodeRequest{}, false
	}

	return CodeRequest{UserID: userID, Code: body.Code, Context: audit.RequestContextFrom(r)}, true
}

// WriteError maps a service error to its HTTP response. Every code failure
// reads "invalid code" so the response never says why a code was refused.
func WriteError(w http.ResponseWriter, err error) {
	writeServiceError(w, err, "two-factor verification failed")
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr) && validationErr.Problem == "required":
		writeError(w, http.StatusBadRequest, validationErr.Field+" is required")
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid code")
	case errors.Is(err, ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrDecryption):
		writeError(w, http.StatusInternalServerError, "two-factor verification unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(message)})
}
