package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gluk-w/sshbridge/internal/logging"
)

var errInvalidLines = errors.New("lines must be a positive integer")

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": Gateway.SessionCount(),
		"uploads":  Uploads.TaskCount(),
	})
}

// ServerLogs handles GET /api/logs?lines= and returns the tail of the
// gateway's own log file.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errInvalidLines)
			return
		}
		if n > 1000 {
			n = 1000
		}
		lines = n
	}

	out, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"logs": out})
}
