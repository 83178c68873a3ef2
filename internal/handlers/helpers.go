// Package handlers implements the HTTP API: remote file operations,
// chunked uploads, downloads, health, and server logs. All remote
// operations are scoped to a live session via its id in the URL.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gluk-w/sshbridge/internal/gateway"
	"github.com/gluk-w/sshbridge/internal/upload"
)

// Wired from main before the router starts serving.
var (
	Gateway *gateway.Gateway
	Uploads *upload.Manager
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[handlers] failed to encode response: %v", err)
	}
}

// writeError emits the uniform failure envelope. Every failed
// operation answers 400 with {"success": false, "error": "..."} so
// clients have a single error path.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func writeOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}
