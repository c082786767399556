package mux

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"klippy-gw/internal/config"
	"klippy-gw/internal/gwerr"
	"klippy-gw/internal/hostlink"
)

type fakeSender struct {
	sent []struct {
		id     uint64
		method string
		params json.RawMessage
	}
	fail bool
}

func (f *fakeSender) SendRequest(id uint64, method string, params json.RawMessage) error {
	if f.fail {
		return errFakeSendFailure
	}
	f.sent = append(f.sent, struct {
		id     uint64
		method string
		params json.RawMessage
	}{id, method, params})
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errFakeSendFailure = errString("send failed")

type fakeRegistry struct {
	endpoints map[string]hostlink.EndpointInfo
}

func (f *fakeRegistry) Lookup(path string) (hostlink.EndpointInfo, bool) {
	info, ok := f.endpoints[path]
	return info, ok
}

type fakeState struct{ s hostlink.State }

func (f *fakeState) State() hostlink.State { return f.s }

type recordingHandle struct {
	ch chan Result
}

func newHandle() *recordingHandle { return &recordingHandle{ch: make(chan Result, 1)} }

func (h *recordingHandle) Complete(r Result) { h.ch <- r }

func newTestMux(sender Sender, state hostlink.State, cfg config.Host, endpoints map[string]hostlink.EndpointInfo) *Multiplexer {
	reg := &fakeRegistry{endpoints: endpoints}
	st := &fakeState{s: state}
	return New(sender, reg, st, func() config.Host { return cfg }, zap.NewNop().Sugar())
}

func TestSubmitFailsFastWhenNotReady(t *testing.T) {
	m := newTestMux(&fakeSender{}, hostlink.Disconnected, config.DefaultHost(), nil)
	err := m.Submit("/printer/info", nil, newHandle())
	if err == nil {
		t.Fatalf("expected error")
	}
	ge := gwerr.AsError(err)
	if ge.Kind != gwerr.HostDisconnected {
		t.Fatalf("expected HostDisconnected, got %v", ge.Kind)
	}
}

func TestSubmitFailsOnUnknownEndpoint(t *testing.T) {
	m := newTestMux(&fakeSender{}, hostlink.Ready, config.DefaultHost(), nil)
	err := m.Submit("/printer/unknown", nil, newHandle())
	if gwerr.AsError(err).Kind != gwerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSubmitAndReplyRoundTrip(t *testing.T) {
	sender := &fakeSender{}
	endpoints := map[string]hostlink.EndpointInfo{"/printer/info": {RemoteMethod: "get_info"}}
	m := newTestMux(sender, hostlink.Ready, config.DefaultHost(), endpoints)

	h := newHandle()
	if err := m.Submit("/printer/info", map[string]interface{}{}, h); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 outbound frame, got %d", len(sender.sent))
	}
	id := sender.sent[0].id

	m.OnReply(id, json.RawMessage(`"ok"`), nil)

	select {
	case r := <-h.ch:
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		if string(r.Raw) != `"ok"` {
			t.Fatalf("unexpected result: %s", r.Raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion")
	}
	if m.PendingCount() != 0 {
		t.Fatalf("expected pending table empty after reply")
	}
}

func TestTimeoutFulfillsWithError(t *testing.T) {
	sender := &fakeSender{}
	endpoints := map[string]hostlink.EndpointInfo{"/printer/endstops": {RemoteMethod: "get_endstops"}}
	cfg := config.DefaultHost()
	cfg.RequestTimeout = 30 * time.Millisecond
	m := newTestMux(sender, hostlink.Ready, cfg, endpoints)

	h := newHandle()
	if err := m.Submit("/printer/endstops", nil, h); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case r := <-h.ch:
		if r.Err == nil || r.Err.Kind != gwerr.Timeout {
			t.Fatalf("expected timeout error, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for timeout completion")
	}

	// A reply arriving after the timeout must be dropped silently, not
	// delivered to a handle that already completed.
	id := sender.sent[0].id
	m.OnReply(id, json.RawMessage(`"ok"`), nil)
	select {
	case r := <-h.ch:
		t.Fatalf("unexpected second completion: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGcodeWithoutLongRunningMatchHasNoTimeout(t *testing.T) {
	sender := &fakeSender{}
	endpoints := map[string]hostlink.EndpointInfo{GcodeEndpoint: {RemoteMethod: "gcode_script"}}
	cfg := config.DefaultHost()
	cfg.RequestTimeout = 20 * time.Millisecond // base timeout must NOT apply to gcode
	m := newTestMux(sender, hostlink.Ready, cfg, endpoints)

	h := newHandle()
	if err := m.Submit(GcodeEndpoint, map[string]interface{}{"script": "G4 P99999"}, h); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case r := <-h.ch:
		t.Fatalf("expected no completion (infinite deadline), got %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected entry to remain pending")
	}
}

func TestGcodeLongRunningMatchIsCaseInsensitiveOnCommandOnly(t *testing.T) {
	sender := &fakeSender{}
	endpoints := map[string]hostlink.EndpointInfo{GcodeEndpoint: {RemoteMethod: "gcode_script"}}
	cfg := config.DefaultHost()
	cfg.LongRunningGcodes = []config.LongRunningGcode{{Name: "SDCARD_PRINT_FILE", Timeout: 20 * time.Millisecond}}
	m := newTestMux(sender, hostlink.Ready, cfg, endpoints)

	h := newHandle()
	if err := m.Submit(GcodeEndpoint, map[string]interface{}{"script": "sdcard_print_file FILENAME=a.gcode"}, h); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case r := <-h.ch:
		if r.Err == nil || r.Err.Kind != gwerr.Timeout {
			t.Fatalf("expected timeout, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected timeout to fire")
	}
}

func TestOnDisconnectFulfillsAllPending(t *testing.T) {
	sender := &fakeSender{}
	endpoints := map[string]hostlink.EndpointInfo{
		"/printer/info":     {RemoteMethod: "get_info"},
		"/printer/endstops": {RemoteMethod: "get_endstops"},
	}
	m := newTestMux(sender, hostlink.Ready, config.DefaultHost(), endpoints)

	h1, h2 := newHandle(), newHandle()
	_ = m.Submit("/printer/info", nil, h1)
	_ = m.Submit("/printer/endstops", nil, h2)
	if m.PendingCount() != 2 {
		t.Fatalf("expected 2 pending")
	}

	m.OnDisconnect()

	for _, h := range []*recordingHandle{h1, h2} {
		select {
		case r := <-h.ch:
			if r.Err == nil || r.Err.Kind != gwerr.HostDisconnected {
				t.Fatalf("expected HostDisconnected, got %+v", r)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for disconnect completion")
		}
	}
	if m.PendingCount() != 0 {
		t.Fatalf("expected pending table empty after disconnect")
	}
}
