package httpapi

import (
	"io"
	"net/http"
	"os"

	"klippy-gw/internal/gwerr"
)

func (s *Server) serveLogFile(w http.ResponseWriter, path string) {
	err := s.workers.run(func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		writeError(w, gwerr.NotFoundf("log file not available"))
	}
}

func (s *Server) klippyLogHandler(w http.ResponseWriter, r *http.Request) {
	s.serveLogFile(w, s.klippyLog)
}

func (s *Server) moonrakerLogHandler(w http.ResponseWriter, r *http.Request) {
	s.serveLogFile(w, s.moonrakerLog)
}

// temperatureStore serves GET /server/temperature_store, dumping every
// sensor's ring buffer (spec.md §4.4).
func (s *Server) temperatureStore(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.TempStore().Snapshot())
}
