package translate

import (
	"encoding/json"
	"testing"

	"agentbridge/internal/chat"
)

func TestACPMessageChunks(t *testing.T) {
	sink := &recordSink{}
	a := NewACP("conv-1", sink, nil)

	a.HandleSessionUpdate(json.RawMessage(`{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"Hi "}}}`))
	a.HandleSessionUpdate(json.RawMessage(`{"sessionId":"s1","update":{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"thinking"}}}`))
	a.HandleSessionUpdate(json.RawMessage(`{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"there"}}}`))
	a.FinishTurn("", "end_turn")

	deltas := sink.byType(chat.TypeContentDelta)
	if len(deltas) != 3 {
		t.Fatalf("deltas=%d want 3", len(deltas))
	}
	if deltas[1].Data["thought"] != true {
		t.Fatal("thought chunk not tagged")
	}
	finals := sink.byType(chat.TypeContentFinal)
	if len(finals) != 1 || finals[0].Data["text"] != "Hi there" {
		t.Fatalf("finals=%v", finals)
	}
	if finals[0].Data["thought_text"] != "thinking" {
		t.Fatalf("thought_text=%v", finals[0].Data["thought_text"])
	}
}

func TestACPToolCallLifecycle(t *testing.T) {
	sink := &recordSink{}
	a := NewACP("conv-1", sink, nil)

	a.HandleSessionUpdate(json.RawMessage(`{"update":{"sessionUpdate":"tool_call","toolCallId":"call-1","title":"npm test","kind":"execute","status":"pending","rawInput":{"command":"npm test"}}}`))
	a.HandleSessionUpdate(json.RawMessage(`{"update":{"sessionUpdate":"tool_call_update","toolCallId":"call-1","status":"completed","content":[{"type":"content","content":{"type":"text","text":"42 passing"}}]}}`))

	if a.ToolCallCount() != 1 {
		t.Fatalf("tool calls=%d want 1", a.ToolCallCount())
	}
	tc, _ := a.ToolCall("call-1")
	if tc.Status != chat.ToolCompleted || tc.Title != "npm test" || tc.Content != "42 passing" {
		t.Fatalf("state=%+v", tc)
	}
}

func TestACPPlan(t *testing.T) {
	sink := &recordSink{}
	a := NewACP("conv-1", sink, nil)

	a.HandleSessionUpdate(json.RawMessage(`{"update":{"sessionUpdate":"plan","entries":[{"content":"read code","status":"completed","priority":"high"},{"content":"write tests","status":"pending"}]}}`))

	plans := sink.byType(chat.TypePlanUpdate)
	if len(plans) != 1 {
		t.Fatalf("plans=%d want 1", len(plans))
	}
	entries := plans[0].Data["entries"].([]map[string]any)
	if len(entries) != 2 || entries[0]["content"] != "read code" {
		t.Fatalf("entries=%v", entries)
	}
}

func TestACPUnknownVariantIgnored(t *testing.T) {
	sink := &recordSink{}
	a := NewACP("conv-1", sink, nil)
	a.HandleSessionUpdate(json.RawMessage(`{"update":{"sessionUpdate":"future_variant","payload":1}}`))
	a.HandleSessionUpdate(json.RawMessage(`not json`))
	if len(sink.messages) != 0 {
		t.Fatalf("messages=%d want 0", len(sink.messages))
	}
}

func TestACPNavigationPreview(t *testing.T) {
	sink := &recordSink{}
	a := NewACP("conv-1", sink, nil)
	a.HandleSessionUpdate(json.RawMessage(`{"update":{"sessionUpdate":"tool_call","toolCallId":"b1","title":"browser_navigate","kind":"browser","status":"in_progress","rawInput":{"url":"https://app.local/dash"}}}`))
	if len(sink.previews) != 1 || sink.previews[0].URL != "https://app.local/dash" {
		t.Fatalf("previews=%v", sink.previews)
	}
}
