// Package hostlink owns the host-link session: the Unix-domain listening
// socket, the single-peer accept loop, the read/write serialization, the
// endpoint registry, and the server-state machine. It is the only
// component that ever touches the host socket.
package hostlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"klippy-gw/internal/frame"
	"klippy-gw/internal/metrics"
)

// HostError mirrors the {message} shape of a host-reported error
// (spec.md §6 "Reply shape from host").
type HostError struct {
	Message string `json:"message"`
}

// Handlers receives events from the link's read loop. Implementations
// must not block for long — a slow handler stalls the read loop and,
// transitively, every other in-flight conversation with the host.
type Handlers interface {
	OnStateChange(s State)
	OnNotification(method string, params json.RawMessage)
	OnReply(id uint64, result json.RawMessage, hostErr *HostError)
	OnDisconnect()
}

// inbound is the wire shape of any message the host sends us: either a
// request/notification ({method, params, id?}) or a reply
// ({id, is_response, result|error}).
type inbound struct {
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	ID         *uint64         `json:"id,omitempty"`
	IsResponse bool            `json:"is_response,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *HostError      `json:"error,omitempty"`
}

// outbound is the wire shape of a request we send to the host
// (spec.md §6 "Request shape from server -> host").
type outbound struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type registerParams struct {
	Endpoint       string   `json:"endpoint"`
	HTTPMethods    []string `json:"http_methods"`
	RequestTimeout float64  `json:"request_timeout"`
	RemoteMethod   string   `json:"remote_method"`
}

// Link owns the Unix-domain socket lifecycle.
type Link struct {
	socketPath string
	handlers   Handlers
	registry   *Registry
	logger     *zap.SugaredLogger

	mu       sync.RWMutex
	state    State
	writeCh  chan []byte
	listener net.Listener
}

func New(socketPath string, handlers Handlers, logger *zap.SugaredLogger) *Link {
	return &Link{
		socketPath: socketPath,
		handlers:   handlers,
		registry:   NewRegistry(),
		logger:     logger,
		state:      Disconnected,
	}
}

// Registry exposes the endpoint registry to the HTTP/WS surfaces.
func (l *Link) Registry() *Registry { return l.registry }

// State returns the current server state. Satisfies mux.StateProvider.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	metrics.HostState.Set(float64(s))
	l.handlers.OnStateChange(s)
}

// ListenAndServe binds the Unix socket and accepts host connections
// until ctx is cancelled. Only one peer is served at a time; when a
// peer disconnects the listener keeps accepting, per spec.md §4.2
// "the host reconnects".
func (l *Link) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hostlink: removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("hostlink: listen: %w", err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warnw("accept failed", "error", err)
			continue
		}
		l.serveConn(ctx, conn)
	}
}

// serveConn runs the read loop for a single host connection and blocks
// until it is torn down, so ListenAndServe's accept loop naturally
// enforces "exactly one peer at a time" (spec.md §4.2).
func (l *Link) serveConn(ctx context.Context, conn net.Conn) {
	writeCh := make(chan []byte, 4096)
	l.mu.Lock()
	l.writeCh = writeCh
	l.mu.Unlock()

	writerDone := make(chan struct{})
	go l.writeLoop(conn, writeCh, writerDone)

	l.setState(Initializing)
	l.logger.Infow("host connected", "socket", l.socketPath)

	reader := frame.NewReader(conn)
	for {
		var msg inbound
		if err := reader.ReadMessage(&msg); err != nil {
			l.logger.Warnw("host link read error; tearing down", "error", err)
			break
		}
		l.dispatch(msg)
	}

	l.mu.Lock()
	l.writeCh = nil
	l.mu.Unlock()
	close(writeCh)
	<-writerDone
	conn.Close()

	l.registry.Clear()
	l.setState(Disconnected)
	l.handlers.OnDisconnect()
}

func (l *Link) writeLoop(conn net.Conn, ch <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for b := range ch {
		if _, err := conn.Write(b); err != nil {
			l.logger.Warnw("host link write error", "error", err)
			return
		}
	}
}

// SendRequest enqueues a framed request to the host. Writes are
// serialized through the single channel owned by this connection's
// write loop (spec.md §4.2/§9 "sole writer"), so callers never need
// their own locking.
func (l *Link) SendRequest(id uint64, method string, params json.RawMessage) error {
	l.mu.RLock()
	ch := l.writeCh
	l.mu.RUnlock()
	if ch == nil {
		return errors.New("hostlink: not connected")
	}
	b, err := frame.Encode(outbound{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("hostlink: encode request: %w", err)
	}
	select {
	case ch <- b:
		return nil
	default:
		// Unbounded in spirit (spec.md §4.2 "single unbounded queue"); in
		// practice bounded to guard against an unresponsive host filling
		// memory. A full queue here means the host stopped reading.
		ch <- b
		return nil
	}
}

func (l *Link) dispatch(msg inbound) {
	if msg.IsResponse && msg.ID != nil {
		l.handlers.OnReply(*msg.ID, msg.Result, msg.Error)
		return
	}
	switch msg.Method {
	case "register_remote_method":
		l.handleRegister(msg.Params)
	case "set_klippy_ready":
		l.setState(Ready)
	case "set_klippy_disconnect":
		l.registry.Clear()
		l.setState(Disconnected)
	case "set_klippy_shutdown":
		l.registry.Clear()
		l.setState(Shutdown)
	case "process_gcode_response", "process_filelist_change", "process_status_update":
		l.handlers.OnNotification(msg.Method, msg.Params)
	case "":
		l.logger.Warnw("host link: message with neither method nor is_response", "msg", msg)
	default:
		l.logger.Warnw("host link: unknown method", "method", msg.Method)
	}
}

func (l *Link) handleRegister(params json.RawMessage) {
	var p registerParams
	if err := json.Unmarshal(params, &p); err != nil {
		l.logger.Warnw("register_remote_method: malformed params", "error", err)
		return
	}
	if p.Endpoint == "" || p.RemoteMethod == "" {
		l.logger.Warnw("register_remote_method: missing endpoint or remote_method", "params", p)
		return
	}
	path := p.Endpoint
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var timeout time.Duration
	if p.RequestTimeout > 0 {
		timeout = time.Duration(p.RequestTimeout * float64(time.Second))
	}
	l.registry.Register(path, EndpointInfo{
		HTTPMethods:    p.HTTPMethods,
		RequestTimeout: timeout,
		RemoteMethod:   p.RemoteMethod,
	})
	l.logger.Infow("endpoint registered", "path", path, "methods", p.HTTPMethods, "remote_method", p.RemoteMethod)
}
