package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport: tests inspect sent frames and
// inject inbound frames directly.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	onFrame func([]byte)
	onExit  func(error)
	closed  bool
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) OnFrame(fn func([]byte))     { f.onFrame = fn }
func (f *fakeTransport) OnExit(fn func(error))       { f.onExit = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, frame string) {
	t.Helper()
	if f.onFrame == nil {
		t.Fatal("no frame handler registered")
	}
	f.onFrame([]byte(frame))
}

func (f *fakeTransport) sentFrames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, data := range f.sent {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestRequestRoutingOutOfOrder(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConn(ft, nil)

	type reply struct {
		payload string
		err     error
	}
	results := make([]chan reply, 3)
	for i := range results {
		results[i] = make(chan reply, 1)
		method := fmt.Sprintf("op/%d", i)
		go func(ch chan reply) {
			payload, err := c.Request(context.Background(), method, nil, time.Second)
			ch <- reply{payload: string(payload), err: err}
		}(results[i])
	}

	// Wait until all three requests are in flight.
	deadline := time.Now().Add(time.Second)
	for c.PendingCount() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("pending=%d want 3", c.PendingCount())
		}
		time.Sleep(time.Millisecond)
	}

	// Reply in reverse order of issuance; ids are 1..3.
	ft.deliver(t, `{"jsonrpc":"2.0","id":3,"result":"three"}`)
	ft.deliver(t, `{"jsonrpc":"2.0","id":1,"result":"one"}`)
	ft.deliver(t, `{"jsonrpc":"2.0","id":2,"result":"two"}`)

	// Recover which id each caller was assigned from the sent frames, then
	// check its reply was routed by id, not by arrival order.
	want := []string{`"one"`, `"two"`, `"three"`}
	idByMethod := make(map[string]int)
	for _, f := range ft.sentFrames() {
		idByMethod[f["method"].(string)] = int(f["id"].(float64))
	}
	if len(idByMethod) != 3 {
		t.Fatalf("sent frames=%v", idByMethod)
	}
	for i := range results {
		select {
		case r := <-results[i]:
			if r.err != nil {
				t.Fatalf("request %d: %v", i, r.err)
			}
			id := idByMethod[fmt.Sprintf("op/%d", i)]
			if r.payload != want[id-1] {
				t.Fatalf("request %d routed %q want %q", i, r.payload, want[id-1])
			}
		case <-time.After(time.Second):
			t.Fatalf("request %d never resolved", i)
		}
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending=%d after all replies", c.PendingCount())
	}
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConn(ft, nil)

	start := time.Now()
	_, err := c.Request(context.Background(), "slow/op", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout fired at %s", elapsed)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending=%d after timeout", c.PendingCount())
	}

	// A late reply for the timed-out id is dropped, and the connection
	// stays usable for new requests.
	ft.deliver(t, `{"jsonrpc":"2.0","id":1,"result":"late"}`)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "next/op", nil, time.Second)
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for c.PendingCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second request never in flight")
		}
		time.Sleep(time.Millisecond)
	}
	ft.deliver(t, `{"jsonrpc":"2.0","id":2,"result":{}}`)
	if err := <-done; err != nil {
		t.Fatalf("second request: %v", err)
	}
}

func TestNotificationDispatch(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConn(ft, nil)

	got := make([]string, 0, 2)
	c.OnNotification("session/update", func(params json.RawMessage) {
		got = append(got, string(params))
	})

	ft.deliver(t, `{"jsonrpc":"2.0","method":"session/update","params":{"n":1}}`)
	ft.deliver(t, `{"jsonrpc":"2.0","method":"unhandled/method","params":{}}`)
	ft.deliver(t, `{"jsonrpc":"2.0","method":"session/update","params":{"n":2}}`)

	if len(got) != 2 || got[0] != `{"n":1}` || got[1] != `{"n":2}` {
		t.Fatalf("notifications=%v", got)
	}
}

func TestFramesAfterCloseAreDropped(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConn(ft, nil)

	var notifications, requests int
	c.OnNotification("session/update", func(json.RawMessage) { notifications++ })
	c.OnRequest("session/request_permission", func(id, _ json.RawMessage) { requests++ })

	ft.deliver(t, `{"jsonrpc":"2.0","method":"session/update","params":{"n":1}}`)
	if notifications != 1 {
		t.Fatalf("notifications before close=%d", notifications)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A dying child may flush buffered output after teardown; none of it
	// may reach the handlers.
	ft.deliver(t, `{"jsonrpc":"2.0","method":"session/update","params":{"n":2}}`)
	ft.deliver(t, `{"jsonrpc":"2.0","id":"perm-9","method":"session/request_permission","params":{}}`)
	time.Sleep(20 * time.Millisecond)

	if notifications != 1 {
		t.Fatalf("notification dispatched after close (count=%d)", notifications)
	}
	if requests != 0 {
		t.Fatalf("request dispatched after close (count=%d)", requests)
	}
	if got := len(ft.sentFrames()); got != 0 {
		t.Fatalf("frames sent after close: %d", got)
	}
}

func TestInboundRequestHandled(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConn(ft, nil)

	handled := make(chan struct{})
	c.OnRequest("session/request_permission", func(id json.RawMessage, params json.RawMessage) {
		if err := c.Respond(id, map[string]string{"outcome": "selected"}); err != nil {
			t.Errorf("respond: %v", err)
		}
		close(handled)
	})

	ft.deliver(t, `{"jsonrpc":"2.0","id":"perm-1","method":"session/request_permission","params":{}}`)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	frames := ft.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent=%d want 1", len(frames))
	}
	if frames[0]["id"] != "perm-1" {
		t.Fatalf("response id=%v", frames[0]["id"])
	}
}

func TestInboundRequestUnknownMethod(t *testing.T) {
	ft := &fakeTransport{}
	NewConn(ft, nil)

	ft.deliver(t, `{"jsonrpc":"2.0","id":9,"method":"no/such/method","params":{}}`)

	frames := ft.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent=%d want 1", len(frames))
	}
	errObj, ok := frames[0]["error"].(map[string]any)
	if !ok || int(errObj["code"].(float64)) != CodeMethodNotFound {
		t.Fatalf("error=%v", frames[0]["error"])
	}
}

func TestTransportExitFailsAllPending(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConn(ft, nil)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Request(context.Background(), "op", nil, time.Minute)
			errs <- err
		}()
	}
	deadline := time.Now().Add(time.Second)
	for c.PendingCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("requests never in flight")
		}
		time.Sleep(time.Millisecond)
	}

	ft.onExit(errors.New("process crashed"))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnClosed) {
				t.Fatalf("err=%v want ErrConnClosed", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request never failed")
		}
	}

	// New requests fail fast once closed.
	if _, err := c.Request(context.Background(), "op", nil, time.Second); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("post-close err=%v", err)
	}
}

func TestRPCErrorPropagated(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConn(ft, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "op", nil, time.Second)
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for c.PendingCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("request never in flight")
		}
		time.Sleep(time.Millisecond)
	}
	ft.deliver(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"auth required"}}`)

	err := <-done
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err=%v want *rpc.Error", err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "auth required" {
		t.Fatalf("rpcErr=%+v", rpcErr)
	}
}
