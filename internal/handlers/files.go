package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshbridge/internal/filechan"
	"github.com/gluk-w/sshbridge/internal/pathsafe"
)

// channelFor resolves the secondary channel for the session named in
// the URL.
func channelFor(r *http.Request) (*filechan.Channel, error) {
	return Gateway.FileChannel(chi.URLParam(r, "sessionID"))
}

// queryPath validates the "path" query parameter.
func queryPath(r *http.Request) (string, error) {
	return pathsafe.Validate(r.URL.Query().Get("path"))
}

// ListFiles handles GET /api/sftp/{sessionID}/list?path=.
func ListFiles(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := queryPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := ch.List(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"path": p, "files": entries})
}

// StatFile handles GET /api/sftp/{sessionID}/stat?path=.
func StatFile(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := queryPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := ch.Stat(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"path": p, "stats": entry})
}

type pathRequest struct {
	Path string `json:"path"`
}

func decodePath(r *http.Request) (string, error) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", errors.New("invalid request body")
	}
	return pathsafe.Validate(req.Path)
}

// MakeDirectory handles POST /api/sftp/{sessionID}/mkdir.
func MakeDirectory(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := decodePath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ch.Mkdir(p); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"path": p})
}

// RemoveDirectory handles POST /api/sftp/{sessionID}/rmdir. The
// removal is recursive.
func RemoveDirectory(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := decodePath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ch.RmdirRecursive(p); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"path": p})
}

// RemoveFile handles POST /api/sftp/{sessionID}/unlink.
func RemoveFile(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := decodePath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ch.Unlink(p); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"path": p})
}

type deleteResult struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeleteBatch handles POST /api/sftp/{sessionID}/delete. Each path is
// stat'ed first so directories get recursive removal and files a plain
// unlink. One failing item does not fail the batch; every item gets
// its own result.
func DeleteBatch(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, errors.New("no paths given"))
		return
	}

	results := make([]deleteResult, 0, len(req.Paths))
	for _, raw := range req.Paths {
		res := deleteResult{Path: raw}
		err := deleteOne(ch, raw)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Success = true
		}
		results = append(results, res)
	}
	writeOK(w, map[string]any{"results": results})
}

func deleteOne(ch *filechan.Channel, raw string) error {
	p, err := pathsafe.Validate(raw)
	if err != nil {
		return err
	}
	entry, err := ch.Stat(p)
	if err != nil {
		return err
	}
	if entry.Type == filechan.TypeDirectory {
		return ch.RmdirRecursive(p)
	}
	return ch.Unlink(p)
}

// RenameFile handles POST /api/sftp/{sessionID}/rename.
func RenameFile(w http.ResponseWriter, r *http.Request) {
	ch, err := channelFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid request body"))
		return
	}
	oldPath, err := pathsafe.Validate(req.OldPath)
	if err != nil {
		writeError(w, err)
		return
	}
	newPath, err := pathsafe.Validate(req.NewPath)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ch.Rename(oldPath, newPath); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"oldPath": oldPath, "newPath": newPath})
}
