package permission

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFingerprintOrderIndependence(t *testing.T) {
	a := PatchFingerprint([]string{"b.go", "a.go", "dir/c.go"})
	b := PatchFingerprint([]string{"dir/c.go", "a.go", "b.go"})
	if a != b {
		t.Fatalf("patch fingerprints differ: %s vs %s", a, b)
	}

	x := ToolFingerprint("fetch", map[string]string{"url": "https://example.com", "method": "GET"})
	y := ToolFingerprint("fetch", map[string]string{"method": "GET", "url": "https://example.com"})
	if x != y {
		t.Fatalf("tool fingerprints differ: %s vs %s", x, y)
	}

	if CommandFingerprint("ls -la", "/tmp") == CommandFingerprint("ls -la", "/home") {
		t.Fatal("different cwd must not collide")
	}
	if CommandFingerprint("ls", "/tmp/./x") != CommandFingerprint("ls", "/tmp/x") {
		t.Fatal("path normalization must collapse equivalent paths")
	}
}

func TestStoreKeepsOnlySessionDecisions(t *testing.T) {
	s := NewStore()
	s.Put("fp1", DecisionAllowOnce)
	if _, ok := s.Get("fp1"); ok {
		t.Fatal("once decision must not be cached")
	}
	s.Put("fp1", DecisionAllowAlways)
	if !s.IsApprovedForSession("fp1") {
		t.Fatal("allow_always not cached")
	}
	s.Put("fp2", DecisionRejectAlways)
	if !s.IsRejectedForSession("fp2") {
		t.Fatal("reject_always not cached")
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("len=%d after clear", s.Len())
	}
}

func TestBrokerRoundTripAndCache(t *testing.T) {
	store := NewStore()
	b := NewBroker(store, time.Minute, nil)
	fp := CommandFingerprint("go test ./...", "/work")

	type res struct {
		out Outcome
		err error
	}
	done := make(chan res, 1)
	go func() {
		out, err := b.HandleIncoming(context.Background(), Request{ID: "req-1", Fingerprint: fp, Kind: "exec"})
		done <- res{out, err}
	}()

	deadline := time.Now().Add(time.Second)
	for b.PendingCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("request never parked")
		}
		time.Sleep(time.Millisecond)
	}

	if err := b.Resolve("req-1", DecisionAllowAlways); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r := <-done
	if r.err != nil || r.out.Decision != DecisionAllowAlways || r.out.Cached {
		t.Fatalf("outcome=%+v err=%v", r.out, r.err)
	}

	// A structurally identical request short-circuits without parking.
	out, err := b.HandleIncoming(context.Background(), Request{ID: "req-2", Fingerprint: fp, Kind: "exec"})
	if err != nil {
		t.Fatalf("cached handle: %v", err)
	}
	if !out.Cached || out.Decision != DecisionAllowAlways {
		t.Fatalf("outcome=%+v want cached allow_always", out)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("pending=%d", b.PendingCount())
	}
}

func TestBrokerDuplicateIDReplacesFirst(t *testing.T) {
	b := NewBroker(NewStore(), time.Minute, nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := b.HandleIncoming(context.Background(), Request{ID: "dup"})
		firstErr <- err
	}()
	deadline := time.Now().Add(time.Second)
	for b.PendingCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("first request never parked")
		}
		time.Sleep(time.Millisecond)
	}

	secondOut := make(chan Outcome, 1)
	go func() {
		out, _ := b.HandleIncoming(context.Background(), Request{ID: "dup"})
		secondOut <- out
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrReplaced) {
			t.Fatalf("first err=%v want ErrReplaced", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first request never rejected")
	}

	// The second request is now the active pending entry.
	if err := b.Resolve("dup", DecisionAllowOnce); err != nil {
		t.Fatalf("resolve second: %v", err)
	}
	out := <-secondOut
	if out.Decision != DecisionAllowOnce {
		t.Fatalf("second outcome=%+v", out)
	}
}

func TestBrokerTimeoutSynthesizesDenial(t *testing.T) {
	b := NewBroker(NewStore(), 50*time.Millisecond, nil)

	start := time.Now()
	out, err := b.HandleIncoming(context.Background(), Request{ID: "slow"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !out.TimedOut || out.Decision != DecisionRejectOnce {
		t.Fatalf("outcome=%+v want timed-out denial", out)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("denied too early: %s", elapsed)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("pending=%d after timeout", b.PendingCount())
	}
	if err := b.Resolve("slow", DecisionAllowOnce); !errors.Is(err, ErrNoPending) {
		t.Fatalf("late resolve err=%v want ErrNoPending", err)
	}
}

func TestBrokerCancelAll(t *testing.T) {
	b := NewBroker(NewStore(), time.Minute, nil)
	stopped := errors.New("session stopped")

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func(id string) {
			_, err := b.HandleIncoming(context.Background(), Request{ID: id})
			errs <- err
		}(id)
	}
	deadline := time.Now().Add(time.Second)
	for b.PendingCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("requests never parked")
		}
		time.Sleep(time.Millisecond)
	}

	b.CancelAll(stopped)
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, stopped) {
			t.Fatalf("err=%v want session stopped", err)
		}
	}
}

func TestParseDecision(t *testing.T) {
	if d, ok := ParseDecision(" Allow_Always "); !ok || d != DecisionAllowAlways {
		t.Fatalf("d=%s ok=%v", d, ok)
	}
	if _, ok := ParseDecision("maybe"); ok {
		t.Fatal("unknown decision must not parse")
	}
}
