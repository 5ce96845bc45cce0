package translate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"agentbridge/internal/chat"
)

// Codex consumes thread/turn/item notifications from Codex-family app
// servers and feeds the shared translator core. Items arrive as started /
// updated / completed events keyed by item id; deltas stream separately.
type Codex struct {
	*Translator
	logger *slog.Logger

	// OnTokenCount, when set, receives usage updates from turn completion
	// and token_count events. The session controller uses it to refresh
	// its status slot.
	OnTokenCount func(inputTokens, cachedTokens, outputTokens int)
}

func NewCodex(conversationID string, sink chat.Sink, logger *slog.Logger) *Codex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codex{Translator: New(conversationID, sink), logger: logger}
}

type codexItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Command   string          `json:"command"`
	Cwd       string          `json:"cwd"`
	Status    string          `json:"status"`
	ExitCode  *int            `json:"exitCode"`
	Output    string          `json:"aggregatedOutput"`
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Query     string          `json:"query"`
	RawInput  json.RawMessage `json:"arguments"`
	ChangesIn json.RawMessage `json:"changes"`
}

type codexFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type codexItemEvent struct {
	ThreadID string    `json:"threadId"`
	TurnID   string    `json:"turnId"`
	Item     codexItem `json:"item"`
}

type codexDeltaEvent struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

type codexTurnCompleted struct {
	Turn struct {
		Status string `json:"status"`
		Usage  struct {
			InputTokens       int `json:"inputTokens"`
			CachedInputTokens int `json:"cachedInputTokens"`
			OutputTokens      int `json:"outputTokens"`
		} `json:"usage"`
	} `json:"turn"`
}

// HandleNotification 按方法名分发 Codex 通知 / HandleNotification dispatches
// one Codex notification by method name. Unknown methods are ignored.
func (c *Codex) HandleNotification(method string, params json.RawMessage) {
	switch method {
	case "turn/started", "thread/started":
		// Turn boundaries only matter on completion.
	case "item/agentMessage/delta":
		var evt codexDeltaEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			c.logger.Warn("malformed delta event", "method", method, "error", err)
			return
		}
		c.AppendDelta(evt.Delta)
	case "item/reasoning/delta":
		var evt codexDeltaEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		c.AppendThought(evt.Delta)
	case "item/started", "item/updated", "item/completed":
		c.handleItem(method, params)
	case "turn/completed":
		var evt codexTurnCompleted
		if err := json.Unmarshal(params, &evt); err != nil {
			c.logger.Warn("malformed turn/completed", "error", err)
			return
		}
		if c.OnTokenCount != nil {
			u := evt.Turn.Usage
			c.OnTokenCount(u.InputTokens, u.CachedInputTokens, u.OutputTokens)
		}
		c.FinishTurn("", evt.Turn.Status)
	case "turn/failed":
		var evt struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(params, &evt)
		c.Error("turn-failed", evt.Error.Message)
		c.FinishTurn("", "failed")
	default:
		c.logger.Debug("ignoring codex notification", "method", method)
	}
}

// handleItem 处理 item 生命周期事件 / handleItem maps one item lifecycle
// event. A completed event for an id with no prior started event still
// materializes the call (the begin may have surfaced only through a
// permission request).
func (c *Codex) handleItem(method string, params json.RawMessage) {
	var evt codexItemEvent
	if err := json.Unmarshal(params, &evt); err != nil {
		c.logger.Warn("malformed item event", "method", method, "error", err)
		return
	}
	item := evt.Item

	switch item.Type {
	case "agent_message":
		// The full text arrives on completion; deltas were already
		// streamed. FinishTurn on turn/completed handles dedup, so the
		// final text is only captured into the open turn buffer when no
		// deltas preceded it.
		if method == "item/completed" && item.Text != "" && c.turnStreamCount() == 0 {
			c.AppendDelta(item.Text)
		}
	case "reasoning":
		// Reasoning deltas are streamed via item/reasoning/delta.
	case "command_execution":
		c.ToolCallUpdate(ToolCallUpdate{
			ID:            item.ID,
			Title:         item.Command,
			Kind:          "execute",
			Status:        codexItemStatus(method, item),
			AppendContent: itemOutputDelta(method, item),
			RawInput:      fmt.Sprintf(`{"command":%q,"cwd":%q}`, item.Command, item.Cwd),
		})
	case "file_change":
		var changes []codexFileChange
		_ = json.Unmarshal(item.ChangesIn, &changes)
		paths := make([]string, 0, len(changes))
		for _, ch := range changes {
			paths = append(paths, ch.Path)
		}
		c.ToolCallUpdate(ToolCallUpdate{
			ID:     item.ID,
			Title:  "edit " + strings.Join(paths, ", "),
			Kind:   "edit",
			Status: codexItemStatus(method, item),
		})
	case "mcp_tool_call":
		c.ToolCallUpdate(ToolCallUpdate{
			ID:       item.ID,
			Title:    item.Server + "/" + item.Tool,
			Kind:     "mcp",
			Status:   codexItemStatus(method, item),
			RawInput: string(item.RawInput),
		})
	case "web_search":
		c.ToolCallUpdate(ToolCallUpdate{
			ID:       item.ID,
			Title:    "web search: " + item.Query,
			Kind:     "browser_search",
			Status:   codexItemStatus(method, item),
			RawInput: item.Query,
		})
	case "error":
		c.Error("agent-error", item.Text)
	default:
		c.logger.Debug("ignoring item", "type", item.Type)
	}
}

func (c *Codex) turnStreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnStreamN
}

func codexItemStatus(method string, item codexItem) chat.ToolStatus {
	switch method {
	case "item/started":
		return chat.ToolInProgress
	case "item/completed":
		if item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0) {
			return chat.ToolFailed
		}
		return chat.ToolCompleted
	default:
		if item.Status == "failed" {
			return chat.ToolFailed
		}
		return chat.ToolInProgress
	}
}

func itemOutputDelta(method string, item codexItem) string {
	if method == "item/completed" {
		return item.Output
	}
	return ""
}
