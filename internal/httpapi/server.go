// Package httpapi implements the gateway's HTTP surface: a small set of
// statically handled endpoints (files, logs, auth, machine control) plus
// a catch-all that resolves any other path through the host-delivered
// endpoint registry and the shared internal/invoke primitive.
//
// Routing uses gorilla/mux for path-parameter routes and explicit
// method restriction rather than hand-rolled prefix matching on stdlib
// net/http.
package httpapi

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"klippy-gw/internal/auth"
	"klippy-gw/internal/config"
	"klippy-gw/internal/events"
	"klippy-gw/internal/hostlink"
	"klippy-gw/internal/metrics"
	gwmux "klippy-gw/internal/mux"
	"klippy-gw/internal/subengine"
)

// Submitter is the subset of gwmux.Multiplexer the HTTP surface calls
// through internal/invoke.
type Submitter interface {
	Submit(endpoint string, args map[string]interface{}, handle gwmux.ClientHandle) error
}

// Registry is the subset of hostlink.Registry the HTTP surface needs to
// resolve dynamically registered endpoints.
type Registry interface {
	Lookup(path string) (hostlink.EndpointInfo, bool)
}

// Deps wires every collaborator the HTTP surface needs. FilesRoot,
// KlippyLog and MoonrakerLog are used exactly as given, with no defaults;
// when WSHandler is nil, /websocket is not routed. Upgrader is not read
// by NewServer.
type Deps struct {
	Submitter  Submitter
	Registry   Registry
	Engine     *subengine.Engine
	Bus        *events.Bus
	Gate       *auth.Gate
	APIKey     *auth.APIKey
	Tokens     *auth.TokenStore
	CfgFn      func() config.Host
	Logger     *zap.SugaredLogger
	FilesRoot  string
	KlippyLog  string
	MoonrakerLog string
	Upgrader   websocket.Upgrader
	WSHandler  http.Handler // serves /websocket; wired in from cmd/klippy-gw
}

// Server is the gateway's HTTP surface.
type Server struct {
	sub     Submitter
	reg     Registry
	engine  *subengine.Engine
	bus     *events.Bus
	gate    *auth.Gate
	apiKey  *auth.APIKey
	tokens  *auth.TokenStore
	cfgFn   func() config.Host
	logger  *zap.SugaredLogger
	workers *workerPool

	filesRoot    string
	klippyLog    string
	moonrakerLog string

	wsHandler http.Handler
}

// anonymousHTTPConn is the subscription-engine connection id shared by
// every plain HTTP caller. HTTP requests are not long-lived connections,
// so GET/POST /printer/subscriptions operate on one shared bookkeeping
// record rather than a per-request id; only WebSocket connections get
// their own id and a live push Sink (see internal/wsapi).
const anonymousHTTPConn = 0

func NewServer(d Deps) *Server {
	return &Server{
		sub:          d.Submitter,
		reg:          d.Registry,
		engine:       d.Engine,
		bus:          d.Bus,
		gate:         d.Gate,
		apiKey:       d.APIKey,
		tokens:       d.Tokens,
		cfgFn:        d.CfgFn,
		logger:       d.Logger,
		workers:      newWorkerPool(8, 256),
		filesRoot:    d.FilesRoot,
		klippyLog:    d.KlippyLog,
		moonrakerLog: d.MoonrakerLog,
		wsHandler:    d.WSHandler,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	if s.wsHandler != nil {
		r.Handle("/websocket", s.wsHandler)
	}

	r.HandleFunc("/printer/subscriptions", s.getSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/printer/subscriptions", s.postSubscriptions).Methods(http.MethodPost)

	r.HandleFunc("/printer/files", s.listFiles).Methods(http.MethodGet)
	r.HandleFunc("/printer/files/upload", s.uploadFile).Methods(http.MethodPost)
	r.HandleFunc("/printer/files/{name:.+}", s.downloadFile).Methods(http.MethodGet)
	r.HandleFunc("/printer/files/{name:.+}", s.deleteFile).Methods(http.MethodDelete)

	r.HandleFunc("/printer/klippy.log", s.klippyLogHandler).Methods(http.MethodGet)
	r.HandleFunc("/server/moonraker.log", s.moonrakerLogHandler).Methods(http.MethodGet)
	r.HandleFunc("/server/temperature_store", s.temperatureStore).Methods(http.MethodGet)

	r.HandleFunc("/access/api_key", s.getAPIKey).Methods(http.MethodGet)
	r.HandleFunc("/access/api_key", s.rotateAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/access/oneshot_token", s.oneshotToken).Methods(http.MethodGet)

	r.HandleFunc("/machine/shutdown", s.machineShutdown).Methods(http.MethodPost)
	r.HandleFunc("/machine/reboot", s.machineReboot).Methods(http.MethodPost)

	r.PathPrefix("/").HandlerFunc(s.dynamic)

	r.Use(s.corsAndAuth)
	return r
}

// corsAndAuth is applied to every route: it answers CORS preflight,
// then runs the auth gate, rejecting with 401 before the wrapped
// handler ever sees the request (spec.md §4.6). /metrics is passed
// straight through, without the auth gate or the status recorder.
func (s *Server) corsAndAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfgFn()
		if auth.ApplyCORS(w, r, cfg.EnableCORS) {
			return
		}
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := s.gate.Admit(r); !ok {
			http.Error(w, `{"error":{"message":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		statusClass := "2xx"
		switch {
		case rec.status >= 500:
			statusClass = "5xx"
		case rec.status >= 400:
			statusClass = "4xx"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, statusClass).Inc()
		s.logger.Debugw("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the embedded writer so gorilla/websocket's Upgrade
// (which type-asserts http.Hijacker) works through this middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("httpapi: underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

// Flush forwards to the embedded writer when it supports streaming.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
