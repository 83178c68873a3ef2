package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshbridge/internal/pathsafe"
)

// UploadInit handles POST /api/sftp/{sessionID}/upload/init and
// returns the upload id plus the chunk geometry the client must use.
func UploadInit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := Gateway.Lookup(sessionID); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Filename  string `json:"filename"`
		RemoteDir string `json:"remoteDir"`
		FileSize  int64  `json:"fileSize"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}
	remoteDir, err := pathsafe.Validate(req.RemoteDir)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := pathsafe.Validate(req.Filename); err != nil {
		writeError(w, err)
		return
	}

	res, err := Uploads.Init(sessionID, req.Filename, req.FileSize, remoteDir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"uploadId":    res.UploadID,
		"totalChunks": res.TotalChunks,
		"chunkSize":   res.ChunkSize,
	})
}

// UploadChunk handles POST /api/sftp/{sessionID}/upload/chunk. The
// chunk payload is the raw request body; the upload id and chunk index
// ride in headers so the body needs no framing.
func UploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.Header.Get("X-Upload-Id")
	if uploadID == "" {
		writeError(w, errors.New("missing X-Upload-Id header"))
		return
	}
	index, err := strconv.Atoi(r.Header.Get("X-Chunk-Index"))
	if err != nil {
		writeError(w, errors.New("missing or invalid X-Chunk-Index header"))
		return
	}

	// Bound the body a little above the negotiated chunk size; only
	// the final chunk may be short.
	body := http.MaxBytesReader(w, r.Body, Uploads.ChunkSize()+1024)
	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, errors.New("failed to read chunk body"))
		return
	}
	if len(data) == 0 {
		writeError(w, errors.New("empty chunk"))
		return
	}

	prog, err := Uploads.Chunk(uploadID, index, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"uploadId":      prog.UploadID,
		"progress":      prog.Progress,
		"receivedCount": prog.ReceivedCount,
		"totalChunks":   prog.TotalChunks,
		"status":        prog.Status,
	})
}

// UploadComplete handles POST /api/sftp/{sessionID}/upload/complete.
// The merge streams through the session's file channel, so the session
// must still be live.
func UploadComplete(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		UploadID string `json:"uploadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}

	res, err := Uploads.Complete(req.UploadID, ch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{
		"remotePath": res.RemotePath,
		"fileSize":   res.FileSize,
	})
}

// UploadStatus handles GET /api/sftp/{sessionID}/upload/status.
func UploadStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := r.URL.Query().Get("uploadId")
	snap, err := Uploads.Status(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"upload": snap})
}

// UploadCancel handles POST /api/sftp/{sessionID}/upload/cancel.
// Cancelling an unknown id succeeds; the client's goal state already
// holds.
func UploadCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID string `json:"uploadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}
	Uploads.Cancel(req.UploadID)
	writeOK(w, nil)
}
