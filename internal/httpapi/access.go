package httpapi

import (
	"net/http"

	"klippy-gw/internal/gwerr"
)

// getAPIKey serves GET /access/api_key: only a trusted caller may read
// the current key back (spec.md §4.6's trusted-client carve-out exists
// precisely to let a local/LAN caller bootstrap credentials).
func (s *Server) getAPIKey(w http.ResponseWriter, r *http.Request) {
	if !s.gate.RequireTrusted(r) {
		writeError(w, gwerr.Unauthorizedf("trusted client required"))
		return
	}
	writeResult(w, s.apiKey.Current())
}

// rotateAPIKey serves POST /access/api_key (spec.md §4.6, §8 scenario
// 5): generates a fresh key, atomically persists it, and the new key
// takes effect for the very next request.
func (s *Server) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	if !s.gate.RequireTrusted(r) {
		writeError(w, gwerr.Unauthorizedf("trusted client required"))
		return
	}
	if err := s.apiKey.Rotate(); err != nil {
		writeError(w, gwerr.New(gwerr.Internal, "rotating api key: %v", err))
		return
	}
	writeResult(w, s.apiKey.Current())
}

// oneshotToken serves GET /access/oneshot_token. Requires trusted-client
// status to prevent token farming via a leaked API key (spec.md §4.6).
func (s *Server) oneshotToken(w http.ResponseWriter, r *http.Request) {
	if !s.gate.RequireTrusted(r) {
		writeError(w, gwerr.Unauthorizedf("trusted client required"))
		return
	}
	tok, err := s.tokens.Issue()
	if err != nil {
		writeError(w, gwerr.New(gwerr.Internal, "issuing token: %v", err))
		return
	}
	writeResult(w, tok)
}
