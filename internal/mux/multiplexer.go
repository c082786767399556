// Package mux implements the request multiplexer: it assigns
// correlation ids, tracks the pending request table, resolves
// per-endpoint/per-gcode timeouts, and converts host replies back into
// whatever shape the originating client surface needs.
package mux

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"klippy-gw/internal/config"
	"klippy-gw/internal/gwerr"
	"klippy-gw/internal/hostlink"
	"klippy-gw/internal/metrics"
)

// GcodeEndpoint is the one endpoint whose timeout is resolved from the
// first token of its script argument rather than a flat per-endpoint
// override (spec.md §4.3).
const GcodeEndpoint = "/printer/gcode"

// ClientHandle is implemented by each surface's concrete completion
// type (an HTTP response writer or a WebSocket connection). Complete is
// called at most once.
type ClientHandle interface {
	Complete(Result)
}

// Result is what a pending request resolves to: either a raw JSON
// result value from the host, or a gwerr.Error the surface should
// translate into its own wire shape.
type Result struct {
	Raw json.RawMessage
	Err *gwerr.Error
}

// Sender is the subset of hostlink.Link the multiplexer needs.
type Sender interface {
	SendRequest(id uint64, remoteMethod string, params json.RawMessage) error
}

// RegistryLookup is the subset of hostlink.Registry the multiplexer
// needs.
type RegistryLookup interface {
	Lookup(path string) (hostlink.EndpointInfo, bool)
}

// StateProvider is the subset of hostlink.Link the multiplexer needs to
// fail fast when the host is not ready.
type StateProvider interface {
	State() hostlink.State
}

// HostConfigProvider returns the current host-side configuration. It is
// read on every Submit, so a provider may return different values over
// time; cmd/klippy-gw passes one that always returns the same value.
type HostConfigProvider func() config.Host

type pendingEntry struct {
	handle   ClientHandle
	endpoint string
	timer    *time.Timer
	corrID   string // log-only correlation id, independent of the wire id
}

// Multiplexer owns the pending request table.
type Multiplexer struct {
	mu       sync.Mutex
	pending  map[uint64]*pendingEntry
	nextID   uint64
	sender   Sender
	registry RegistryLookup
	state    StateProvider
	hostCfg  HostConfigProvider
	logger   *zap.SugaredLogger
}

func New(sender Sender, registry RegistryLookup, state StateProvider, hostCfg HostConfigProvider, logger *zap.SugaredLogger) *Multiplexer {
	return &Multiplexer{
		pending:  make(map[uint64]*pendingEntry),
		sender:   sender,
		registry: registry,
		state:    state,
		hostCfg:  hostCfg,
		logger:   logger,
	}
}

// Submit accepts a client request, assigns a correlation id, registers a
// pending slot with its deadline, and enqueues the outbound frame. It
// fails fast (without registering anything) if the server is not ready
// or the endpoint is unknown, per spec.md §4.3.
func (m *Multiplexer) Submit(endpoint string, args map[string]interface{}, handle ClientHandle) error {
	if m.state.State() != hostlink.Ready {
		return gwerr.HostDisconnectedf("server not ready")
	}
	info, ok := m.registry.Lookup(endpoint)
	if !ok {
		return gwerr.NotFoundf("not found")
	}

	timeout := m.resolveTimeout(endpoint, info, args)

	paramsRaw, err := json.Marshal(args)
	if err != nil {
		return gwerr.BadRequestf("invalid args: %v", err)
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	entry := &pendingEntry{handle: handle, endpoint: endpoint, corrID: uuid.NewString()}
	m.pending[id] = entry
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() { m.expire(id) })
	}
	m.mu.Unlock()
	metrics.PendingRequests.Set(float64(m.PendingCount()))

	if err := m.sender.SendRequest(id, info.RemoteMethod, paramsRaw); err != nil {
		m.mu.Lock()
		if e, ok := m.pending[id]; ok {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(m.pending, id)
		}
		m.mu.Unlock()
		metrics.PendingRequests.Set(float64(m.PendingCount()))
		return gwerr.HostDisconnectedf("host disconnected")
	}
	return nil
}

// resolveTimeout implements T(endpoint, args) from spec.md §4.3.
func (m *Multiplexer) resolveTimeout(endpoint string, info hostlink.EndpointInfo, args map[string]interface{}) time.Duration {
	cfg := m.hostCfg()

	if endpoint == GcodeEndpoint {
		script, _ := args["script"].(string)
		token := strings.ToLower(firstToken(script))
		for _, g := range cfg.LongRunningGcodes {
			if strings.ToLower(g.Name) == token {
				return g.Timeout
			}
		}
		return 0 // infinite deadline
	}

	if t, ok := cfg.LongRunningReqs[endpoint]; ok {
		return t
	}
	if info.RequestTimeout > 0 {
		return info.RequestTimeout
	}
	if cfg.RequestTimeout > 0 {
		return cfg.RequestTimeout
	}
	return 5 * time.Second
}

// firstToken returns the leading whitespace-delimited token of a gcode
// script, per the Open Question resolution in SPEC_FULL.md §9: the
// command mnemonic is always the first token in Klipper/Marlin grammar.
func firstToken(script string) string {
	script = strings.TrimSpace(script)
	if script == "" {
		return ""
	}
	if idx := strings.IndexFunc(script, unicode.IsSpace); idx >= 0 {
		return script[:idx]
	}
	return script
}

// OnReply satisfies hostlink.Handlers' reply path. It is wired in by
// the gateway's dispatch-by-message-shape logic (see
// cmd/klippy-gw/main.go).
func (m *Multiplexer) OnReply(id uint64, result json.RawMessage, hostErr *hostlink.HostError) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	metrics.PendingRequests.Set(float64(m.PendingCount()))
	if !ok {
		m.logger.Debugw("dropped host reply for unknown or expired correlation id", "id", id)
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if hostErr != nil {
		m.logger.Debugw("host error reply", "id", id, "corr_id", entry.corrID, "endpoint", entry.endpoint, "message", hostErr.Message)
		entry.handle.Complete(Result{Err: gwerr.HostErrorf("%s", hostErr.Message)})
		return
	}
	entry.handle.Complete(Result{Raw: result})
}

func (m *Multiplexer) expire(id uint64) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Debugw("request timed out", "id", id, "corr_id", entry.corrID, "endpoint", entry.endpoint)
	entry.handle.Complete(Result{Err: gwerr.Timeoutf("request timed out")})
}

// OnDisconnect fulfills every outstanding pending entry with
// HostDisconnected (spec.md §4.2).
func (m *Multiplexer) OnDisconnect() {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint64]*pendingEntry)
	m.mu.Unlock()
	for id, e := range pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		m.logger.Debugw("abandoning request on host disconnect", "id", id, "corr_id", e.corrID, "endpoint", e.endpoint)
		e.handle.Complete(Result{Err: gwerr.HostDisconnectedf("host disconnected")})
	}
}

// PendingCount reports the number of in-flight requests; used by tests
// verifying the pending-leak-freedom invariant (spec.md §8).
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
