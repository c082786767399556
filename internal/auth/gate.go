package auth

import (
	"net"
	"net/http"
	"strings"

	"klippy-gw/internal/config"
)

// Gate classifies an incoming HTTP/WS handshake per spec.md §4.6.
type Gate struct {
	APIKey *APIKey
	Tokens *TokenStore
	cfgFn  func() config.Host
}

func NewGate(apiKey *APIKey, tokens *TokenStore, cfgFn func() config.Host) *Gate {
	return &Gate{APIKey: apiKey, Tokens: tokens, cfgFn: cfgFn}
}

// Admit classifies r. trusted is true if the client bypasses the API
// key / token requirement; ok is false if the request must be rejected.
func (g *Gate) Admit(r *http.Request) (trusted bool, ok bool) {
	cfg := g.cfgFn()
	if !cfg.RequireAuth {
		return true, true
	}
	if ip := clientIP(r); ip != nil && cfg.IsTrusted(ip) {
		return true, true
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		if g.APIKey.Matches(key) {
			return false, true
		}
		return false, false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		if g.Tokens.Consume(tok) {
			return false, true
		}
		return false, false
	}
	return false, false
}

// RequireTrusted is used by the one-shot-token endpoint, which must
// reject non-trusted callers to prevent token farming via the API key
// (spec.md §4.6).
func (g *Gate) RequireTrusted(r *http.Request) bool {
	cfg := g.cfgFn()
	if !cfg.RequireAuth {
		return true
	}
	ip := clientIP(r)
	if ip != nil && cfg.IsTrusted(ip) {
		return true
	}
	return false
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// ApplyCORS answers preflight OPTIONS requests and echoes Origin on
// responses when enabled (spec.md §4.6).
func ApplyCORS(w http.ResponseWriter, r *http.Request, enabled bool) (handled bool) {
	if !enabled {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"X-Api-Key", "Content-Type"}, ", "))
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}
