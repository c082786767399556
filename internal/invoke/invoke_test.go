package invoke

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"klippy-gw/internal/gwerr"
	"klippy-gw/internal/mux"
)

type fakeSubmitter struct {
	fail   error
	handle mux.ClientHandle
}

func (f *fakeSubmitter) Submit(endpoint string, args map[string]interface{}, h mux.ClientHandle) error {
	if f.fail != nil {
		return f.fail
	}
	f.handle = h
	return nil
}

func TestCallReturnsResultOnCompletion(t *testing.T) {
	f := &fakeSubmitter{}
	done := make(chan struct{})
	var raw json.RawMessage
	var err error
	go func() {
		raw, err = Call(context.Background(), f, "/printer/info", nil)
		close(done)
	}()

	for f.handle == nil {
		time.Sleep(time.Millisecond)
	}
	f.handle.Complete(mux.Result{Raw: json.RawMessage(`{"ok":true}`)})
	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", raw)
	}
}

func TestCallPropagatesSubmitError(t *testing.T) {
	f := &fakeSubmitter{fail: gwerr.NotFoundf("not found")}
	_, err := Call(context.Background(), f, "/printer/unknown", nil)
	if gwerr.AsError(err).Kind != gwerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCallAbandonsOnContextCancellation(t *testing.T) {
	f := &fakeSubmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = Call(ctx, f, "/printer/info", nil)
		close(done)
	}()
	for f.handle == nil {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Call to return after context cancellation")
	}
}
