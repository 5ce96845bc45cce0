package translate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"agentbridge/internal/chat"
)

// ToolCallState 跨事件跟踪一次工具调用 / ToolCallState tracks one tool call
// across its lifecycle events. Created the first time any event references
// the call id, mutated in place afterwards, and retained for the life of
// the session so late completion events still match the originating call.
// Growth is bounded by session lifetime; Reset clears it on stop.
type ToolCallState struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Kind    string          `json:"kind"`
	Status  chat.ToolStatus `json:"status"`
	Content string          `json:"content,omitempty"`
}

// Translator 把协议事件翻译为有序的 UI 消息流 / Translator converts the
// heterogeneous stream of backend protocol events into the ordered,
// de-duplicated outbound message stream. It is driven from one logical
// sequence per session (the connection's read order); the mutex only
// guards against a collaborator thread touching state during teardown.
//
// Messages derived from a single event are emitted in the order the
// event's sub-parts were declared; events are never reordered.
type Translator struct {
	conversationID string
	sink           chat.Sink

	mu         sync.Mutex
	tools      map[string]*ToolCallState
	msgCounter int

	// Open turn streaming state. Deltas accumulate here; the terminating
	// final event is tagged "streamed" so the UI does not render the
	// already-streamed text a second time.
	turnMsgID   string
	turnBuf     strings.Builder
	thoughtBuf  strings.Builder
	turnStreamN int
}

// New creates a translator emitting into sink for one conversation.
func New(conversationID string, sink chat.Sink) *Translator {
	return &Translator{
		conversationID: conversationID,
		sink:           sink,
		tools:          make(map[string]*ToolCallState),
	}
}

// Reset drops all streaming and tool-call state. Called on session stop.
func (t *Translator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools = make(map[string]*ToolCallState)
	t.turnMsgID = ""
	t.turnBuf.Reset()
	t.thoughtBuf.Reset()
	t.turnStreamN = 0
}

// ToolCall returns a copy of the tracked state for id.
func (t *Translator) ToolCall(id string) (ToolCallState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc, ok := t.tools[id]
	if !ok {
		return ToolCallState{}, false
	}
	return *tc, true
}

// ToolCallCount 返回已跟踪的工具调用数 / ToolCallCount returns the number of
// tracked tool calls.
func (t *Translator) ToolCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tools)
}

// AppendDelta streams one chunk of agent text for the open turn.
func (t *Translator) AppendDelta(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	msgID := t.ensureTurnLocked()
	t.turnBuf.WriteString(text)
	t.turnStreamN++
	t.mu.Unlock()

	t.sink.Emit(chat.Message{
		Type:           chat.TypeContentDelta,
		ConversationID: t.conversationID,
		MsgID:          msgID,
		Data:           map[string]any{"text": text},
	})
}

// AppendThought streams reasoning text. Thoughts share the turn but are
// tagged so the collaborator can render them apart.
func (t *Translator) AppendThought(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	msgID := t.ensureTurnLocked()
	t.thoughtBuf.WriteString(text)
	t.mu.Unlock()

	t.sink.Emit(chat.Message{
		Type:           chat.TypeContentDelta,
		ConversationID: t.conversationID,
		MsgID:          msgID,
		Data:           map[string]any{"text": text, "thought": true},
	})
}

// FinishTurn 结束一个回合 / FinishTurn closes the open turn. finalText, when
// non-empty, is the authoritative full text for persistence; otherwise the
// accumulated delta buffer is used. The final message is tagged "streamed"
// when deltas already reached the UI, so it is persisted without being
// re-rendered. A turn-finished signal (ephemeral) always follows.
func (t *Translator) FinishTurn(finalText, stopReason string) {
	t.mu.Lock()
	msgID := t.turnMsgID
	streamed := t.turnStreamN > 0
	buffered := t.turnBuf.String()
	thought := t.thoughtBuf.String()
	t.turnMsgID = ""
	t.turnBuf.Reset()
	t.thoughtBuf.Reset()
	t.turnStreamN = 0
	t.mu.Unlock()

	text := finalText
	if text == "" {
		text = buffered
	}

	if text != "" || thought != "" {
		if msgID == "" {
			msgID = t.nextMsgID()
		}
		data := map[string]any{"text": text, "streamed": streamed}
		if thought != "" {
			data["thought_text"] = thought
		}
		if stopReason != "" {
			data["stop_reason"] = stopReason
		}
		t.sink.Emit(chat.Message{
			Type:           chat.TypeContentFinal,
			ConversationID: t.conversationID,
			MsgID:          msgID,
			Data:           data,
		})
	}

	t.sink.Emit(chat.Message{
		Type:           chat.TypeTurnFinished,
		ConversationID: t.conversationID,
		MsgID:          t.nextMsgID(),
		Ephemeral:      true,
		Data:           map[string]any{"stop_reason": stopReason},
	})
}

// ToolCallUpdate 更新（或惰性创建）工具调用状态并发出消息 / ToolCallUpdate
// applies upd to the tracked call, lazily materializing it when this is the
// first event referencing the id (a result can legitimately arrive before
// any begin, e.g. when the begin surfaced as a permission request). Emits
// exactly one tool-call-update carrying the merged state.
type ToolCallUpdate struct {
	ID            string
	Title         string
	Kind          string
	Status        chat.ToolStatus
	AppendContent string
	RawInput      string
}

func (t *Translator) ToolCallUpdate(upd ToolCallUpdate) {
	if upd.ID == "" {
		return
	}
	t.mu.Lock()
	tc, ok := t.tools[upd.ID]
	if !ok {
		tc = &ToolCallState{ID: upd.ID, Status: chat.ToolPending}
		t.tools[upd.ID] = tc
	}
	if upd.Title != "" {
		tc.Title = upd.Title
	}
	if upd.Kind != "" {
		tc.Kind = upd.Kind
	}
	if upd.Status != "" {
		tc.Status = upd.Status
	}
	if upd.AppendContent != "" {
		tc.Content += upd.AppendContent
	}
	snapshot := *tc
	t.mu.Unlock()

	t.sink.Emit(chat.Message{
		Type:           chat.TypeToolCallUpdate,
		ConversationID: t.conversationID,
		// Keyed by call id so updates upsert in the UI.
		MsgID: "tool-" + snapshot.ID,
		Data: map[string]any{
			"tool_call_id": snapshot.ID,
			"title":        snapshot.Title,
			"kind":         snapshot.Kind,
			"status":       string(snapshot.Status),
			"content":      snapshot.Content,
		},
	})

	// Navigation-class tools additionally raise the preview side channel,
	// in addition to (never instead of) the normal update.
	if isNavigationTool(snapshot.Kind, snapshot.Title) {
		url := ExtractURL(upd.RawInput)
		if url == "" {
			url = ExtractURL(upd.AppendContent)
		}
		if url != "" {
			t.sink.EmitPreview(chat.PreviewSignal{URL: url, SourceConversationID: t.conversationID})
		}
	}
}

// PlanUpdate emits the agent's current plan.
func (t *Translator) PlanUpdate(entries []chat.PlanEntry) {
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]any{
			"content":  e.Content,
			"status":   e.Status,
			"priority": e.Priority,
		})
	}
	t.sink.Emit(chat.Message{
		Type:           chat.TypePlanUpdate,
		ConversationID: t.conversationID,
		MsgID:          t.nextMsgID(),
		Data:           map[string]any{"entries": data},
	})
}

// Error emits a terminal error message into the stream.
func (t *Translator) Error(kind, detail string) {
	t.sink.Emit(chat.Message{
		Type:           chat.TypeError,
		ConversationID: t.conversationID,
		MsgID:          t.nextMsgID(),
		Data:           map[string]any{"kind": kind, "detail": detail},
	})
}

func (t *Translator) ensureTurnLocked() string {
	if t.turnMsgID == "" {
		t.msgCounter++
		t.turnMsgID = fmt.Sprintf("m-%d", t.msgCounter)
	}
	return t.turnMsgID
}

func (t *Translator) nextMsgID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgCounter++
	return fmt.Sprintf("m-%d", t.msgCounter)
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\\)\]}]+`)

// navigationKinds 导航类工具的识别词 / navigationKinds marks
// browser-automation tools whose URLs feed the preview side channel.
var navigationKinds = []string{"browser", "navigate", "preview", "web_view"}

func isNavigationTool(kind, title string) bool {
	k := strings.ToLower(kind)
	n := strings.ToLower(title)
	for _, marker := range navigationKinds {
		if strings.Contains(k, marker) || strings.Contains(n, marker) {
			return true
		}
	}
	return false
}

// ExtractURL 从参数或输出文本中提取第一个 URL / ExtractURL returns the first
// http(s) URL found in text, or "".
func ExtractURL(text string) string {
	if text == "" {
		return ""
	}
	match := urlPattern.FindString(text)
	return strings.TrimRight(match, ".,;")
}
