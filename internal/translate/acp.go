package translate

import (
	"encoding/json"
	"log/slog"

	"agentbridge/internal/chat"
)

// ACP consumes session/update notifications from ACP-family agents
// (Claude-Code-style) and feeds the shared translator core.
type ACP struct {
	*Translator
	logger *slog.Logger
}

func NewACP(conversationID string, sink chat.Sink, logger *slog.Logger) *ACP {
	if logger == nil {
		logger = slog.Default()
	}
	return &ACP{Translator: New(conversationID, sink), logger: logger}
}

// acpSessionUpdate 是 session/update 通知的载荷 / acpSessionUpdate is the
// session/update notification payload. The sessionUpdate field
// discriminates the variant.
// The chunk variants carry a single content block while the tool_call
// variants carry a block list under the same key, so content stays raw
// until the variant is known.
type acpSessionUpdate struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		SessionUpdate string          `json:"sessionUpdate"`
		Content       json.RawMessage `json:"content"`
		ToolCallID    string          `json:"toolCallId"`
		Title         string          `json:"title"`
		Kind          string          `json:"kind"`
		Status        string          `json:"status"`
		RawInput      json.RawMessage `json:"rawInput"`
		Entries       []acpPlanEntry  `json:"entries"`
		CurrentModeID string          `json:"currentModeId"`
	} `json:"update"`
}

type acpContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type acpToolBlock struct {
	Type    string     `json:"type"`
	Content acpContent `json:"content"`
}

type acpPlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// HandleSessionUpdate 翻译一条 session/update 通知 / HandleSessionUpdate
// translates one session/update notification. Unknown variants are ignored.
func (a *ACP) HandleSessionUpdate(params json.RawMessage) {
	var upd acpSessionUpdate
	if err := json.Unmarshal(params, &upd); err != nil {
		a.logger.Warn("malformed session/update", "error", err)
		return
	}

	switch upd.Update.SessionUpdate {
	case "agent_message_chunk":
		a.AppendDelta(chunkText(upd.Update.Content))
	case "agent_thought_chunk":
		a.AppendThought(chunkText(upd.Update.Content))
	case "user_message_chunk":
		// Echo of our own prompt; nothing to emit.
	case "tool_call", "tool_call_update":
		var blocks []acpToolBlock
		_ = json.Unmarshal(upd.Update.Content, &blocks)
		content := ""
		for _, block := range blocks {
			if block.Content.Text != "" {
				content += block.Content.Text
			}
		}
		a.ToolCallUpdate(ToolCallUpdate{
			ID:            upd.Update.ToolCallID,
			Title:         upd.Update.Title,
			Kind:          upd.Update.Kind,
			Status:        acpToolStatus(upd.Update.Status),
			AppendContent: content,
			RawInput:      string(upd.Update.RawInput),
		})
	case "plan":
		entries := make([]chat.PlanEntry, 0, len(upd.Update.Entries))
		for _, e := range upd.Update.Entries {
			entries = append(entries, chat.PlanEntry{Content: e.Content, Status: e.Status, Priority: e.Priority})
		}
		a.PlanUpdate(entries)
	case "current_mode_update":
		// Mode switches only affect the status slot, which the session
		// controller owns.
	default:
		a.logger.Debug("ignoring session update", "variant", upd.Update.SessionUpdate)
	}
}

func chunkText(raw json.RawMessage) string {
	var c acpContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	return c.Text
}

func acpToolStatus(raw string) chat.ToolStatus {
	switch raw {
	case "pending":
		return chat.ToolPending
	case "in_progress":
		return chat.ToolInProgress
	case "completed":
		return chat.ToolCompleted
	case "failed":
		return chat.ToolFailed
	default:
		return ""
	}
}
