package translate

import (
	"sync"
	"testing"

	"agentbridge/internal/chat"
)

// recordSink captures emitted messages and preview signals in order.
type recordSink struct {
	mu       sync.Mutex
	messages []chat.Message
	previews []chat.PreviewSignal
}

func (r *recordSink) Emit(msg chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordSink) EmitPreview(signal chat.PreviewSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previews = append(r.previews, signal)
}

func (r *recordSink) byType(mt chat.MessageType) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chat.Message
	for _, m := range r.messages {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func TestDeltaAccumulationAndFinal(t *testing.T) {
	sink := &recordSink{}
	tr := New("conv-1", sink)

	tr.AppendDelta("Hello, ")
	tr.AppendDelta("world")
	tr.FinishTurn("", "end_turn")

	deltas := sink.byType(chat.TypeContentDelta)
	if len(deltas) != 2 {
		t.Fatalf("deltas=%d want 2", len(deltas))
	}
	if deltas[0].MsgID != deltas[1].MsgID {
		t.Fatal("deltas of one turn must share a msg id")
	}

	finals := sink.byType(chat.TypeContentFinal)
	if len(finals) != 1 {
		t.Fatalf("finals=%d want 1", len(finals))
	}
	if finals[0].Data["text"] != "Hello, world" {
		t.Fatalf("final text=%v", finals[0].Data["text"])
	}
	if finals[0].Data["streamed"] != true {
		t.Fatal("final must be tagged streamed when deltas were emitted")
	}
	if finals[0].MsgID != deltas[0].MsgID {
		t.Fatal("final must reuse the turn msg id")
	}
	if finals[0].Ephemeral {
		t.Fatal("content-final must be persistable")
	}

	finished := sink.byType(chat.TypeTurnFinished)
	if len(finished) != 1 || !finished[0].Ephemeral {
		t.Fatalf("turn-finished=%v", finished)
	}
}

func TestFinishTurnWithoutDeltas(t *testing.T) {
	sink := &recordSink{}
	tr := New("conv-1", sink)

	tr.FinishTurn("full text", "end_turn")
	finals := sink.byType(chat.TypeContentFinal)
	if len(finals) != 1 {
		t.Fatalf("finals=%d", len(finals))
	}
	if finals[0].Data["streamed"] != false {
		t.Fatal("unstreamed final must not be tagged streamed")
	}
}

func TestToolCallLifecycleSingleState(t *testing.T) {
	sink := &recordSink{}
	tr := New("conv-1", sink)

	tr.ToolCallUpdate(ToolCallUpdate{ID: "x", Title: "go test", Kind: "execute", Status: chat.ToolPending})
	tr.ToolCallUpdate(ToolCallUpdate{ID: "x", Status: chat.ToolCompleted, AppendContent: "ok\n"})

	if tr.ToolCallCount() != 1 {
		t.Fatalf("tool calls=%d want 1 (begin+end must not split)", tr.ToolCallCount())
	}
	tc, ok := tr.ToolCall("x")
	if !ok || tc.Status != chat.ToolCompleted || tc.Title != "go test" {
		t.Fatalf("state=%+v", tc)
	}

	updates := sink.byType(chat.TypeToolCallUpdate)
	if len(updates) != 2 {
		t.Fatalf("updates=%d want 2", len(updates))
	}
	if updates[0].MsgID != updates[1].MsgID {
		t.Fatal("tool updates must share the per-call msg id")
	}
	if updates[1].Data["status"] != "completed" {
		t.Fatalf("second update status=%v", updates[1].Data["status"])
	}
}

func TestToolCallLazyMaterialization(t *testing.T) {
	sink := &recordSink{}
	tr := New("conv-1", sink)

	// Completion for a call never begun (begin arrived via a permission
	// request) still creates and completes one call.
	tr.ToolCallUpdate(ToolCallUpdate{ID: "ghost", Status: chat.ToolCompleted})
	tc, ok := tr.ToolCall("ghost")
	if !ok || tc.Status != chat.ToolCompleted {
		t.Fatalf("state=%+v ok=%v", tc, ok)
	}
}

func TestNavigationToolEmitsPreview(t *testing.T) {
	sink := &recordSink{}
	tr := New("conv-9", sink)

	tr.ToolCallUpdate(ToolCallUpdate{
		ID:       "nav1",
		Title:    "browser_navigate",
		Kind:     "browser",
		Status:   chat.ToolInProgress,
		RawInput: `{"url":"https://example.com/page"}`,
	})

	if len(sink.previews) != 1 {
		t.Fatalf("previews=%d want 1", len(sink.previews))
	}
	if sink.previews[0].URL != "https://example.com/page" {
		t.Fatalf("url=%s", sink.previews[0].URL)
	}
	if sink.previews[0].SourceConversationID != "conv-9" {
		t.Fatalf("source=%s", sink.previews[0].SourceConversationID)
	}
	// The normal tool-call update is emitted in addition to the preview.
	if len(sink.byType(chat.TypeToolCallUpdate)) != 1 {
		t.Fatal("preview must not replace the tool-call update")
	}
}

func TestNonNavigationToolNoPreview(t *testing.T) {
	sink := &recordSink{}
	tr := New("conv-1", sink)
	tr.ToolCallUpdate(ToolCallUpdate{ID: "t", Kind: "execute", RawInput: `{"command":"curl https://example.com"}`})
	if len(sink.previews) != 0 {
		t.Fatalf("previews=%d want 0", len(sink.previews))
	}
}

func TestResetClearsState(t *testing.T) {
	sink := &recordSink{}
	tr := New("conv-1", sink)
	tr.AppendDelta("partial")
	tr.ToolCallUpdate(ToolCallUpdate{ID: "x"})
	tr.Reset()
	if tr.ToolCallCount() != 0 {
		t.Fatalf("tool calls=%d after reset", tr.ToolCallCount())
	}
	// A turn finished after reset carries no stale text.
	tr.FinishTurn("", "cancelled")
	if finals := sink.byType(chat.TypeContentFinal); len(finals) != 0 {
		t.Fatalf("finals=%d want 0", len(finals))
	}
}

func TestExtractURL(t *testing.T) {
	cases := map[string]string{
		`{"url":"https://example.com/a?b=1"}`: "https://example.com/a?b=1",
		"visit http://localhost:3000/x.":      "http://localhost:3000/x",
		"no link here":                        "",
	}
	for in, want := range cases {
		if got := ExtractURL(in); got != want {
			t.Fatalf("ExtractURL(%q)=%q want %q", in, got, want)
		}
	}
}
