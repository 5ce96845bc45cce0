package chat

// MessageType 标识桥输出消息的类型 / MessageType identifies an outbound bridge message.
type MessageType string

const (
	// TypeUserMessage is a user prompt, recorded for transcript replay.
	TypeUserMessage MessageType = "user-message"
	// TypeContentDelta is an incremental chunk of streamed agent text.
	TypeContentDelta MessageType = "content-delta"
	// TypeContentFinal is the complete text of a finished agent turn.
	TypeContentFinal MessageType = "content-final"
	// TypeToolCallUpdate reports a tool-call status or content change.
	TypeToolCallUpdate MessageType = "tool-call-update"
	// TypePermissionRequest asks the collaborator for a human decision.
	TypePermissionRequest MessageType = "permission-request"
	// TypeAgentStatus is the session status slot (upsert-by-MsgID).
	TypeAgentStatus MessageType = "agent-status"
	// TypePlanUpdate carries the agent's current plan entries.
	TypePlanUpdate MessageType = "plan-update"
	// TypeTurnFinished signals the end of one agent turn.
	TypeTurnFinished MessageType = "turn-finished"
	// TypeError is a terminal error surfaced to the collaborator.
	TypeError MessageType = "error"
)

// Message 是桥输出的统一消息 / Message is one unit of the bridge's ordered
// outbound stream. Ephemeral messages must reach the UI but must never be
// written to durable storage; the bridge tags, the collaborator decides.
type Message struct {
	Type           MessageType    `json:"type"`
	ConversationID string         `json:"conversation_id"`
	MsgID          string         `json:"msg_id"`
	Ephemeral      bool           `json:"ephemeral,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// PreviewSignal 是导航类工具触发的旁路预览信号 / PreviewSignal is the
// side-channel emitted when a navigation-class tool call carries a URL.
// It is independent of the normal message stream.
type PreviewSignal struct {
	URL                  string `json:"url"`
	SourceConversationID string `json:"source_conversation_id"`
}

// Sink consumes the outbound stream. Emit is called in event order from one
// logical sequence per session; implementations must not block for long.
type Sink interface {
	Emit(msg Message)
	EmitPreview(signal PreviewSignal)
}

// SinkFuncs adapts plain functions to Sink. A nil function is a no-op.
type SinkFuncs struct {
	OnMessage func(Message)
	OnPreview func(PreviewSignal)
}

func (s SinkFuncs) Emit(msg Message) {
	if s.OnMessage != nil {
		s.OnMessage(msg)
	}
}

func (s SinkFuncs) EmitPreview(signal PreviewSignal) {
	if s.OnPreview != nil {
		s.OnPreview(signal)
	}
}

// ToolStatus 工具调用生命周期状态 / ToolStatus is a tool-call lifecycle state.
type ToolStatus string

const (
	ToolPending    ToolStatus = "pending"
	ToolInProgress ToolStatus = "in_progress"
	ToolCompleted  ToolStatus = "completed"
	ToolFailed     ToolStatus = "failed"
)

// PlanEntry is one step of an agent plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}
