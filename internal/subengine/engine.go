// Package subengine implements the subscription engine: tiered polling
// of status objects on behalf of many subscribers, with coalescing and
// per-client fan-out of notify_status_update.
//
// Tier timers are time.Tickers, one per tier.
package subengine

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"klippy-gw/internal/config"
	"klippy-gw/internal/metrics"
	"klippy-gw/internal/mux"
	"klippy-gw/internal/rpc"
)

// Sink is implemented by whatever owns a WebSocket connection's outbound
// side (internal/wsapi). Send must not block for long.
type Sink interface {
	Send(rpc.Notification)
}

// Submitter is the subset of mux.Multiplexer the engine needs to issue
// get_status requests. No timeout override is passed for status polls
// (spec.md §4.4 "issues one get_status request... with no timeout
// override"); that is achieved by the endpoint's registry timeout, which
// the host is expected to leave at zero/default for get_status.
type Submitter interface {
	Submit(endpoint string, args map[string]interface{}, handle mux.ClientHandle) error
}

const statusEndpoint = "/printer/status"

type connRecord struct {
	sink Sink
	subs map[string]map[string]struct{} // object -> attrs (empty map = "all")
}

// Engine is the subscription engine.
type Engine struct {
	mu       sync.Mutex
	cfgFn    func() config.Host
	submit   Submitter
	logger   *zap.SugaredLogger
	temp     *TempStore
	conns    map[int]*connRecord
	objTier  map[string]int  // memoized tier for every object ever seen
	byTier   [NumTiers]map[string]struct{}
	inFlight [NumTiers]bool

	tickers  [NumTiers]*time.Ticker
	tempTick *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfgFn func() config.Host, submit Submitter, logger *zap.SugaredLogger) *Engine {
	e := &Engine{
		cfgFn:  cfgFn,
		submit: submit,
		logger: logger,
		temp:   NewTempStore(),
		conns:  make(map[int]*connRecord),
		objTier: make(map[string]int),
		stopCh: make(chan struct{}),
	}
	for i := range e.byTier {
		e.byTier[i] = make(map[string]struct{})
	}
	return e
}

// TempStore exposes the temperature ring buffers to the HTTP surface.
func (e *Engine) TempStore() *TempStore { return e.temp }

// Start launches the per-tier poll tickers and the 1Hz temperature
// writer. It does not block.
func (e *Engine) Start() {
	cfg := e.cfgFn()
	for i := 0; i < NumTiers; i++ {
		period := cfg.TierPeriod(i)
		t := time.NewTicker(period)
		e.tickers[i] = t
		go e.runTier(i, t)
	}
	e.tempTick = time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-e.tempTick.C:
				e.temp.Tick()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop halts every ticker.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	for _, t := range e.tickers {
		if t != nil {
			t.Stop()
		}
	}
	if e.tempTick != nil {
		e.tempTick.Stop()
	}
}

func (e *Engine) runTier(tier int, t *time.Ticker) {
	for {
		select {
		case <-t.C:
			e.poll(tier)
		case <-e.stopCh:
			return
		}
	}
}

// RegisterConn adds a new (initially empty) connection record.
func (e *Engine) RegisterConn(connID int, sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[connID] = &connRecord{sink: sink, subs: make(map[string]map[string]struct{})}
}

// UnsubscribeAll removes all subscriptions for connID, e.g. on
// WebSocket close (spec.md §4.4).
func (e *Engine) UnsubscribeAll(connID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, connID)
	e.recomputeInterestLocked()
}

// Subscribe merges requests into connID's subscription record. An empty
// attribute slice for an object means "all attributes" (spec.md §3).
func (e *Engine) Subscribe(connID int, requests map[string][]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[connID]
	if !ok {
		c = &connRecord{sink: nil, subs: make(map[string]map[string]struct{})}
		e.conns[connID] = c
	}
	for obj, attrs := range requests {
		if len(attrs) == 0 {
			c.subs[obj] = make(map[string]struct{}) // empty set means "all attributes"
			continue
		}
		set, ok := c.subs[obj]
		if !ok {
			set = make(map[string]struct{})
			c.subs[obj] = set
		}
		for _, a := range attrs {
			set[a] = struct{}{}
		}
	}
	e.recomputeInterestLocked()
	return nil
}

// Current reports connID's currently subscribed objects and their
// effective poll periods (spec.md §4.4 "current(conn_id)").
func (e *Engine) Current(connID int) (objects map[string][]string, pollTimes map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	objects = make(map[string][]string)
	pollTimes = make(map[string]float64)
	c, ok := e.conns[connID]
	if !ok {
		return objects, pollTimes
	}
	cfg := e.cfgFn()
	for obj, attrs := range c.subs {
		list := make([]string, 0, len(attrs))
		for a := range attrs {
			list = append(list, a)
		}
		objects[obj] = list
		pollTimes[obj] = cfg.TierPeriod(e.tierFor(obj)).Seconds()
	}
	return objects, pollTimes
}

func (e *Engine) tierFor(obj string) int {
	if t, ok := e.objTier[obj]; ok {
		return t
	}
	t := TierForObject(obj, e.cfgFn())
	e.objTier[obj] = t
	return t
}

// recomputeInterestLocked rebuilds byTier from the current set of
// subscribed connections. Caller must hold e.mu.
func (e *Engine) recomputeInterestLocked() {
	for i := range e.byTier {
		e.byTier[i] = make(map[string]struct{})
	}
	for _, c := range e.conns {
		for obj := range c.subs {
			tier := e.tierFor(obj)
			e.byTier[tier][obj] = struct{}{}
		}
	}
}

// poll issues one get_status request for everything currently
// interesting at tier, unless a prior poll for that tier is still
// outstanding (spec.md §4.4 coalescing invariant: a tick that fires
// while the previous poll is outstanding is dropped, not queued).
func (e *Engine) poll(tier int) {
	tierLabel := strconv.Itoa(tier)
	e.mu.Lock()
	if e.inFlight[tier] {
		e.mu.Unlock()
		metrics.PollTicksTotal.WithLabelValues(tierLabel, "coalesced").Inc()
		return
	}
	objects := e.byTier[tier]
	if len(objects) == 0 {
		e.mu.Unlock()
		return
	}
	args := make(map[string]interface{}, len(objects))
	for obj := range objects {
		attrUnion := e.unionAttrsLocked(obj)
		args[obj] = attrUnion
	}
	e.inFlight[tier] = true
	e.mu.Unlock()

	handle := &pollHandle{engine: e, tier: tier}
	if err := e.submit.Submit(statusEndpoint, args, handle); err != nil {
		e.mu.Lock()
		e.inFlight[tier] = false
		e.mu.Unlock()
		metrics.PollTicksTotal.WithLabelValues(tierLabel, "error").Inc()
		e.logger.Debugw("status poll submit failed", "tier", tier, "error", err)
		return
	}
	metrics.PollTicksTotal.WithLabelValues(tierLabel, "issued").Inc()
}

// unionAttrsLocked returns the union of attribute interest across every
// connection subscribed to obj. nil means "all attributes". Caller must
// hold e.mu.
func (e *Engine) unionAttrsLocked(obj string) []string {
	union := make(map[string]struct{})
	wantsAll := false
	for _, c := range e.conns {
		attrs, ok := c.subs[obj]
		if !ok {
			continue
		}
		if len(attrs) == 0 {
			wantsAll = true
			continue
		}
		for a := range attrs {
			union[a] = struct{}{}
		}
	}
	if wantsAll {
		return nil
	}
	out := make([]string, 0, len(union))
	for a := range union {
		out = append(out, a)
	}
	return out
}

type pollHandle struct {
	engine *Engine
	tier   int
}

func (h *pollHandle) Complete(r mux.Result) {
	h.engine.mu.Lock()
	h.engine.inFlight[h.tier] = false
	h.engine.mu.Unlock()
	if r.Err != nil {
		h.engine.logger.Debugw("status poll failed", "tier", h.tier, "error", r.Err)
		return
	}
	h.engine.onStatusReply(r.Raw)
}

// onStatusReply fans a get_status reply out to every connection whose
// subscription intersects the returned objects, filtering to each
// client's requested attribute subset, and feeds temperature samples
// into the temp store.
func (e *Engine) onStatusReply(raw json.RawMessage) {
	var payload map[string]map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.logger.Warnw("malformed get_status reply", "error", err)
		return
	}

	for obj, attrs := range payload {
		if v, ok := attrs["temperature"]; ok {
			if f, ok := toFloat(v); ok {
				e.temp.Record(obj, f)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		if c.sink == nil {
			continue
		}
		filtered := make(map[string]map[string]interface{})
		for obj, wanted := range c.subs {
			attrs, ok := payload[obj]
			if !ok {
				continue
			}
			if len(wanted) == 0 {
				filtered[obj] = attrs
				continue
			}
			sub := make(map[string]interface{})
			for a := range wanted {
				if v, ok := attrs[a]; ok {
					sub[a] = v
				}
			}
			if len(sub) > 0 {
				filtered[obj] = sub
			}
		}
		if len(filtered) == 0 {
			continue
		}
		c.sink.Send(rpc.NewNotification("notify_status_update", filtered))
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
