package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

type Handler struct {
	trail *Trail
}

func NewHandler(trail *Trail) *Handler {
	return &Handler{trail: trail}
}

// Query serves GET /admin/audit. Query parameters: user_id, action
// (repeatable), category, outcome, since, until (RFC 3339), limit and page.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := Filter{
		UserID:   strings.TrimSpace(q.Get("user_id")),
		Category: strings.TrimSpace(q.Get("category")),
	}

	if filter.Category != "" && !ValidCategory(filter.Category) {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}

	for _, raw := range q["action"] {
		action := Action(strings.TrimSpace(raw))
		if !action.Valid() {
			writeError(w, http.StatusBadRequest, "unknown action")
			return
		}
		filter.Actions = append(filter.Actions, action)
	}

	switch outcome := Outcome(strings.TrimSpace(q.Get("outcome"))); outcome {
	case "", OutcomeSuccess, OutcomeFailure:
		filter.Outcome = outcome
	default:
		writeError(w, http.StatusBadRequest, "unknown outcome")
		return
	}

	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since must be RFC 3339")
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until must be RFC 3339")
		return
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	page := 1
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil || page <= 0 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
	}

	filter = filter.normalized()
	filter.Offset = (page - 1) * filter.Limit

	entries, err := h.trail.Query(r.Context(), filter)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to query audit trail")
		return
	}
	total, err := h.trail.Count(r.Context(), filter)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to count audit entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"page":        page,
		"limit":       filter.Limit,
		"total":       total,
		"total_pages": (total + filter.Limit - 1) / filter.Limit,
	})
}

// Stats serves GET /admin/audit/stats?days=N, N defaulting to 30.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	days := DefaultStatsDays
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		var err error
		if days, err = strconv.Atoi(raw); err != nil || days <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
	}

	stats, err := h.trail.Stats(r.Context(), h.trail.now().AddDate(0, 0, -days))
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load audit stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
