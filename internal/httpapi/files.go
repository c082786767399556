package httpapi

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"klippy-gw/internal/events"
	"klippy-gw/internal/gwerr"
	gwmux "klippy-gw/internal/mux"
)

const printStartEndpoint = "/printer/print/start"

type fileEntry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
}

func (s *Server) listing() ([]fileEntry, error) {
	entries, err := os.ReadDir(s.filesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []fileEntry{}, nil
		}
		return nil, err
	}
	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{Filename: e.Name(), Size: info.Size(), Modified: info.ModTime().Unix()})
	}
	return out, nil
}

func (s *Server) broadcastFilelistChanged() {
	list, err := s.listing()
	if err != nil {
		s.logger.Warnw("listing files for broadcast", "error", err)
		return
	}
	s.bus.Publish(events.Notification{Method: "notify_filelist_changed", Param: list})
}

// listFiles serves GET /printer/files.
func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.listing()
	if err != nil {
		writeError(w, gwerr.New(gwerr.Internal, "listing files: %v", err))
		return
	}
	writeResult(w, list)
}

// safeFilePath rejects traversal outside filesRoot.
func (s *Server) safeFilePath(name string) (string, bool) {
	clean := filepath.Clean("/" + name)
	full := filepath.Join(s.filesRoot, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.filesRoot)+string(filepath.Separator)) && full != filepath.Clean(s.filesRoot) {
		return "", false
	}
	return full, true
}

// downloadFile serves GET /printer/files/<name>.
func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	name := routeVar(r, "name")
	full, ok := s.safeFilePath(name)
	if !ok {
		writeError(w, gwerr.BadRequestf("invalid filename"))
		return
	}
	err := s.workers.run(func() error {
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		writeError(w, gwerr.NotFoundf("file not found"))
	}
}

// deleteFile serves DELETE /printer/files/<name>.
func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	name := routeVar(r, "name")
	full, ok := s.safeFilePath(name)
	if !ok {
		writeError(w, gwerr.BadRequestf("invalid filename"))
		return
	}
	err := s.workers.run(func() error { return os.Remove(full) })
	if err != nil {
		writeError(w, gwerr.NotFoundf("file not found"))
		return
	}
	s.broadcastFilelistChanged()
	writeResult(w, "ok")
}

// uploadFile serves POST /printer/files/upload: multipart/form-data
// field "file", optional field "print"="true" to auto-start the print
// once the upload completes (spec.md §4.7).
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		writeError(w, gwerr.BadRequestf("invalid multipart body: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, gwerr.BadRequestf("missing file field: %v", err))
		return
	}
	defer file.Close()

	base := filepath.Base(header.Filename)
	full, ok := s.safeFilePath(base)
	if !ok {
		writeError(w, gwerr.BadRequestf("invalid filename"))
		return
	}

	err = s.workers.run(func() error {
		if err := os.MkdirAll(s.filesRoot, 0o755); err != nil {
			return err
		}
		out, err := os.Create(full)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, file)
		return err
	})
	if err != nil {
		writeError(w, gwerr.New(gwerr.Internal, "saving upload: %v", err))
		return
	}
	s.broadcastFilelistChanged()

	if strings.EqualFold(r.FormValue("print"), "true") {
		h := &discardHandle{}
		if err := s.sub.Submit(printStartEndpoint, map[string]interface{}{"filename": base}, h); err != nil {
			s.logger.Warnw("auto-print-start after upload failed", "file", base, "error", err)
		}
	}
	writeResult(w, map[string]string{"filename": base})
}

type discardHandle struct{}

func (*discardHandle) Complete(gwmux.Result) {}

func routeVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}
