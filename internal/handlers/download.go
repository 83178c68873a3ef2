package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strconv"
)

// DownloadFile handles GET /api/sftp/{sessionID}/download?path= and
// streams the remote file straight through without staging. Headers go
// out before the first byte, so a mid-stream read failure can only be
// surfaced by truncating the response.
func DownloadFile(w http.ResponseWriter, r *http.Request) {
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
	if entry.Type != "file" {
		writeError(w, errors.New("not a regular file"))
		return
	}

	rc, err := ch.ReadStream(p)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	filename := path.Base(p)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(filename)))
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))

	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("[handlers] download %s aborted: %v", p, err)
	}
}
