package httpapi

import (
	"encoding/json"
	"net/http"

	"klippy-gw/internal/gwerr"
)

type resultEnvelope struct {
	Result interface{} `json:"result"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// writeResult writes {"result": v} with a 200 status.
func writeResult(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resultEnvelope{Result: v})
}

// writeRaw writes {"result": <raw>} where raw is already-encoded JSON,
// avoiding a decode/re-encode round trip for host replies.
func writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"result":`))
	if len(raw) == 0 {
		_, _ = w.Write([]byte("null"))
	} else {
		_, _ = w.Write(raw)
	}
	_, _ = w.Write([]byte("}"))
}

// writeError translates a gwerr.Error (or any error) into the HTTP
// surface's dual-format wire shape (spec.md §4.3/§7).
func writeError(w http.ResponseWriter, err error) {
	e := gwerr.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.HTTPStatus())
	var env errorEnvelope
	env.Error.Message = e.Message
	_ = json.NewEncoder(w).Encode(env)
}
