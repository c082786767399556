// Package wsapi implements the WebSocket JSON-RPC surface: upgrade,
// ping/pong keepalive, and a mutex-guarded writer, with every inbound
// call resolving (method -> endpoint) through the shared internal/invoke
// primitive against the request multiplexer. Every connection registers
// itself with the subscription engine and the event bus so host
// notifications and polled status updates reach it directly.
package wsapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"klippy-gw/internal/events"
	"klippy-gw/internal/gwerr"
	"klippy-gw/internal/invoke"
	"klippy-gw/internal/metrics"
	"klippy-gw/internal/mux"
	"klippy-gw/internal/rpc"
	"klippy-gw/internal/subengine"
)

// Keepalive tuning: pongWait bounds how long a connection may go
// without a pong before it's considered dead; pingPeriod keeps pings
// comfortably inside that window.
const (
	pongWait   = 75 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// Submitter is the subset of mux.Multiplexer the WS surface calls
// through internal/invoke.
type Submitter interface {
	Submit(endpoint string, args map[string]interface{}, handle mux.ClientHandle) error
}

// Handler upgrades HTTP to WebSocket and serves the JSON-RPC protocol
// over it (spec.md §4.7).
type Handler struct {
	Upgrader websocket.Upgrader
	Sub      Submitter
	Engine   *subengine.Engine
	Bus      *events.Bus
	Logger   *zap.SugaredLogger

	nextID int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	id := int(atomic.AddInt64(&h.nextID, 1))
	c := &client{
		id:     id,
		conn:   conn,
		sub:    h.Sub,
		engine: h.Engine,
		logger: h.Logger,
	}
	metrics.WSConnections.Inc()
	h.Engine.RegisterConn(id, c)
	go c.run(h.Bus)
}

type client struct {
	id     int
	conn   *websocket.Conn
	sub    Submitter
	engine *subengine.Engine
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

// Send satisfies subengine.Sink: the subscription engine fans
// notify_status_update out through this.
func (c *client) Send(n rpc.Notification) {
	c.writeJSON(n)
}

func (c *client) run(bus *events.Bus) {
	defer func() {
		c.conn.Close()
		c.engine.UnsubscribeAll(c.id)
		metrics.WSConnections.Dec()
	}()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var evCh <-chan events.Notification
	var cancel func()
	if bus != nil {
		_, ch, cfn := bus.Subscribe(64)
		evCh, cancel = ch, cfn
	}
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	done := make(chan struct{})
	go c.pingLoop(done)
	go c.eventForwardLoop(evCh, done)

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			close(done)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		c.handleMessage(message)
	}
}

func (c *client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *client) eventForwardLoop(evCh <-chan events.Notification, done <-chan struct{}) {
	if evCh == nil {
		<-done
		return
	}
	for {
		select {
		case n, ok := <-evCh:
			if !ok {
				return
			}
			c.writeJSON(rpc.NewNotification(n.Method, n.Param))
		case <-done:
			return
		}
	}
}

func (c *client) handleMessage(raw []byte) {
	req, err := rpc.ParseRequest(raw)
	if err != nil {
		c.writeJSON(rpc.Response{JSONRPC: "2.0", Error: &rpc.Error{Code: -32700, Message: "parse error"}})
		return
	}

	switch req.Method {
	case "post_printer_subscriptions":
		c.handleSubscribe(req)
		return
	case "get_printer_subscriptions":
		c.handleCurrentSubscriptions(req)
		return
	}

	_, endpoint, ok := rpc.EndpointForMethod(req.Method)
	if !ok {
		c.writeJSON(rpc.Response{JSONRPC: "2.0", ID: req.ID, Error: &rpc.Error{Code: -32601, Message: "method not found"}})
		return
	}

	args, err := rpc.ParamsObject(req.Params)
	if err != nil {
		c.writeJSON(rpc.Response{JSONRPC: "2.0", ID: req.ID, Error: &rpc.Error{Code: -32602, Message: err.Error()}})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	raw2, err := invoke.Call(ctx, c.sub, endpoint, args)
	if err != nil {
		e := gwerr.AsError(err)
		c.writeJSON(rpc.Response{JSONRPC: "2.0", ID: req.ID, Error: &rpc.Error{Code: e.Kind.JSONRPCCode(), Message: e.Message}})
		return
	}
	c.writeJSON(rpc.Response{JSONRPC: "2.0", ID: req.ID, Result: rawResult(raw2)})
}

// handleSubscribe applies a post_printer_subscriptions call. Params are
// keyed directly by object name, matching the HTTP surface's
// internal/httpapi.postSubscriptions convention: {"extruder":
// ["temperature"], "fan": null} (null/empty list means "all
// attributes").
func (c *client) handleSubscribe(req *rpc.Request) {
	args, err := rpc.ParamsObject(req.Params)
	if err != nil {
		c.writeJSON(rpc.Response{JSONRPC: "2.0", ID: req.ID, Error: &rpc.Error{Code: -32602, Message: err.Error()}})
		return
	}
	requests := make(map[string][]string, len(args))
	for obj, v := range args {
		switch t := v.(type) {
		case []interface{}:
			attrs := make([]string, 0, len(t))
			for _, a := range t {
				if s, ok := a.(string); ok {
					attrs = append(attrs, s)
				}
			}
			requests[obj] = attrs
		case nil:
			requests[obj] = nil
		}
	}
	_ = c.engine.Subscribe(c.id, requests)
	c.writeJSON(rpc.Response{JSONRPC: "2.0", ID: req.ID, Result: "ok"})
}

func (c *client) handleCurrentSubscriptions(req *rpc.Request) {
	objects, pollTimes := c.engine.Current(c.id)
	c.writeJSON(rpc.Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{
		"objects":    objects,
		"poll_times": pollTimes,
	}})
}

func (c *client) writeJSON(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		// A write that misses writeWait marks a slow consumer: close the
		// connection so the read loop exits and cleans up.
		c.logger.Debugw("websocket write failed; closing connection", "error", err)
		_ = c.conn.Close()
	}
}

// rawResult lets a json.RawMessage flow into an interface{} result field
// without being re-marshaled as a base64 string.
type rawResultT struct {
	raw []byte
}

func (r rawResultT) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}

func rawResult(raw []byte) interface{} {
	return rawResultT{raw: raw}
}
