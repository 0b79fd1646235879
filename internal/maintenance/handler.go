package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"trust-serverless/internal/observability"
)

// CleanupHandler lets an external cron trigger the maintenance tasks. It is
// disabled (404) when no cron secret is configured.
type CleanupHandler struct {
	tasks      []Task
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(logger *observability.Logger, cronSecret string, tasks ...Task) *CleanupHandler {
	return &CleanupHandler{
		tasks:      tasks,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	results := make(map[string]any, len(h.tasks))
	failed := false
	for _, task := range h.tasks {
		fields, err := task.Run(r.Context())
		if err != nil {
			failed = true
			observability.MaintenanceRunsTotal.WithLabelValues(task.Name, "failure").Inc()
			h.logger.Error("maintenance_task_failed", map[string]any{
				"task":  task.Name,
				"error": err.Error(),
			})
			results[task.Name] = map[string]string{"error": "failed"}
			continue
		}

		observability.MaintenanceRunsTotal.WithLabelValues(task.Name, "success").Inc()
		h.logger.Info("maintenance_task_completed", withTask(fields, task.Name))
		results[task.Name] = fields
	}

	if failed {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "cleanup failed",
			"result": results,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": results,
	})
}

func withTask(fields map[string]any, name string) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		out[key] = value
	}
	out["task"] = name
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
