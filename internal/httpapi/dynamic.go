package httpapi

import (
	"net/http"

	"klippy-gw/internal/gwerr"
	"klippy-gw/internal/invoke"
)

// dynamic serves every path the host has registered via
// register_remote_method (spec.md §4.7): /printer/info,
// /printer/objects, /printer/status, /printer/gcode,
// /printer/print/{start,pause,resume,cancel}, /printer/restart,
// /printer/firmware_restart, /printer/endstops, and any other endpoint
// the host declares. Unregistered paths fail "not found" regardless of
// method.
func (s *Server) dynamic(w http.ResponseWriter, r *http.Request) {
	info, ok := s.reg.Lookup(r.URL.Path)
	if !ok {
		writeError(w, gwerr.NotFoundf("not found"))
		return
	}
	if !methodAllowed(info.HTTPMethods, r.Method) {
		writeError(w, gwerr.BadRequestf("method %s not allowed for %s", r.Method, r.URL.Path))
		return
	}
	args, err := collectArgs(r)
	if err != nil {
		writeError(w, gwerr.BadRequestf("invalid request body: %v", err))
		return
	}
	raw, err := invoke.Call(r.Context(), s.sub, r.URL.Path, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, raw)
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
