// Package invoke centralizes the single "endpoint invocation" primitive
// both the HTTP and JSON-RPC/WebSocket adapters call, per spec.md §9
// ("JSON-RPC <-> REST dual surface: centralize routing in a single
// endpoint invocation primitive that both adapters call; adapters only
// format").
package invoke

import (
	"context"
	"encoding/json"

	"klippy-gw/internal/gwerr"
	"klippy-gw/internal/mux"
)

// Submitter is the subset of mux.Multiplexer every surface adapter needs.
type Submitter interface {
	Submit(endpoint string, args map[string]interface{}, handle mux.ClientHandle) error
}

// handle is a one-shot mux.ClientHandle that funnels the eventual
// completion back to a blocking Call.
type handle struct {
	ch chan mux.Result
}

func (h *handle) Complete(r mux.Result) { h.ch <- r }

// Call submits (endpoint, args) to m and blocks for the reply, the
// timeout, or ctx cancellation (client disconnect), returning a plain
// (json.RawMessage, error) pair both adapters can format for their own
// wire shape.
func Call(ctx context.Context, m Submitter, endpoint string, args map[string]interface{}) (json.RawMessage, error) {
	h := &handle{ch: make(chan mux.Result, 1)}
	if err := m.Submit(endpoint, args, h); err != nil {
		return nil, err
	}
	select {
	case r := <-h.ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Raw, nil
	case <-ctx.Done():
		// Abandonment, not cancellation (spec.md §5): the host is not
		// notified; if its reply arrives later it is simply dropped
		// because the handle has already gone out of scope.
		return nil, gwerr.New(gwerr.Internal, "client disconnected")
	}
}
