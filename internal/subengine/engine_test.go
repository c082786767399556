package subengine

import (
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap"

	"klippy-gw/internal/config"
	"klippy-gw/internal/mux"
	"klippy-gw/internal/rpc"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	args  map[string]interface{}
	last  mux.ClientHandle
}

func (f *fakeSubmitter) Submit(endpoint string, args map[string]interface{}, handle mux.ClientHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.args = args
	f.last = handle
	return nil
}

type recordingSinkImpl struct {
	mu   sync.Mutex
	recv []rpc.Notification
}

func (s *recordingSinkImpl) Send(n rpc.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv = append(s.recv, n)
}

func newEngine(cfg config.Host, sub Submitter) *Engine {
	return New(func() config.Host { return cfg }, sub, zap.NewNop().Sugar())
}

func TestSubscribeThenPollIssuesOneGetStatus(t *testing.T) {
	cfg := config.DefaultHost()
	sub := &fakeSubmitter{}
	e := newEngine(cfg, sub)
	sink := &recordingSinkImpl{}
	e.RegisterConn(1, sink)
	if err := e.Subscribe(1, map[string][]string{"toolhead": {}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	e.poll(config.DefaultTier)
	if sub.calls != 1 {
		t.Fatalf("expected 1 submit call, got %d", sub.calls)
	}
	if _, ok := sub.args["toolhead"]; !ok {
		t.Fatalf("expected toolhead in poll args: %+v", sub.args)
	}
}

func TestCoalescingDropsTickWhilePreviousOutstanding(t *testing.T) {
	cfg := config.DefaultHost()
	sub := &fakeSubmitter{}
	e := newEngine(cfg, sub)
	e.RegisterConn(1, &recordingSinkImpl{})
	_ = e.Subscribe(1, map[string][]string{"toolhead": {}})

	e.poll(config.DefaultTier)
	e.poll(config.DefaultTier) // previous still "in flight" (no reply yet)
	if sub.calls != 1 {
		t.Fatalf("expected coalescing to drop the second tick, got %d calls", sub.calls)
	}
}

func TestUnsubscribeAllStopsInterest(t *testing.T) {
	cfg := config.DefaultHost()
	sub := &fakeSubmitter{}
	e := newEngine(cfg, sub)
	e.RegisterConn(1, &recordingSinkImpl{})
	_ = e.Subscribe(1, map[string][]string{"toolhead": {}})
	e.UnsubscribeAll(1)

	e.poll(config.DefaultTier)
	if sub.calls != 0 {
		t.Fatalf("expected no poll after last subscriber left, got %d calls", sub.calls)
	}
}

func TestStatusReplyFansOutFilteredByAttrSubset(t *testing.T) {
	cfg := config.DefaultHost()
	sub := &fakeSubmitter{}
	e := newEngine(cfg, sub)
	s1 := &recordingSinkImpl{}
	s2 := &recordingSinkImpl{}
	e.RegisterConn(1, s1)
	e.RegisterConn(2, s2)
	_ = e.Subscribe(1, map[string][]string{"toolhead": {"position"}})
	_ = e.Subscribe(2, map[string][]string{"toolhead": {}}) // all attrs

	e.poll(config.DefaultTier)
	raw := json.RawMessage(`{"toolhead":{"position":[0,0,0,0],"status":"Ready"}}`)
	sub.last.Complete(mux.Result{Raw: raw})

	if len(s1.recv) != 1 {
		t.Fatalf("expected client 1 to receive one notification, got %d", len(s1.recv))
	}
	if len(s2.recv) != 1 {
		t.Fatalf("expected client 2 to receive one notification, got %d", len(s2.recv))
	}
}

func TestTemperatureRecordedFromStatusReply(t *testing.T) {
	cfg := config.DefaultHost()
	sub := &fakeSubmitter{}
	e := newEngine(cfg, sub)
	e.RegisterConn(1, &recordingSinkImpl{})
	_ = e.Subscribe(1, map[string][]string{"extruder": {}})

	e.poll(config.DefaultTier)
	raw := json.RawMessage(`{"extruder":{"temperature":205.3}}`)
	sub.last.Complete(mux.Result{Raw: raw})

	e.TempStore().Tick()
	snap := e.TempStore().Snapshot()["extruder"]
	if snap == nil || snap[ringLen-1] != 205.3 {
		t.Fatalf("expected temperature recorded, got %v", snap)
	}
}
