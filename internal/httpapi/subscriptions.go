package httpapi

import (
	"net/http"
)

// getSubscriptions reports the anonymous HTTP caller's current
// subscription set, mirroring internal/wsapi's per-connection variant.
func (s *Server) getSubscriptions(w http.ResponseWriter, r *http.Request) {
	objects, pollTimes := s.engine.Current(anonymousHTTPConn)
	writeResult(w, map[string]interface{}{"objects": objects, "poll_times": pollTimes})
}

// postSubscriptions merges the request into the anonymous HTTP
// caller's subscription record. Since get_status is still served via
// GET /printer/status, this exists mainly so operators can shape what
// /printer/subscriptions reports without a WebSocket.
func (s *Server) postSubscriptions(w http.ResponseWriter, r *http.Request) {
	args, err := collectArgs(r)
	if err != nil {
		writeError(w, err)
		return
	}
	requests := make(map[string][]string, len(args))
	for obj, v := range args {
		switch t := v.(type) {
		case []string:
			requests[obj] = t
		case []interface{}:
			attrs := make([]string, 0, len(t))
			for _, a := range t {
				if str, ok := a.(string); ok {
					attrs = append(attrs, str)
				}
			}
			requests[obj] = attrs
		case string:
			requests[obj] = []string{t}
		case nil:
			requests[obj] = nil
		}
	}
	_ = s.engine.Subscribe(anonymousHTTPConn, requests)
	writeResult(w, "ok")
}
