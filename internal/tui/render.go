package tui

import (
	"fmt"
	"strings"

	"agentbridge/internal/chat"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown 使用 Glamour 渲染 markdown 文本
// RenderMarkdown renders markdown text using Glamour
func RenderMarkdown(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}

	rendered, err := r.Render(content)
	if err != nil {
		return content
	}

	return strings.TrimRight(rendered, "\n")
}

// statusMarkers map tool lifecycle states onto one-glyph prefixes.
var statusMarkers = map[string]string{
	string(chat.ToolPending):    "○",
	string(chat.ToolInProgress): "◐",
	string(chat.ToolCompleted):  "●",
	string(chat.ToolFailed):     "✗",
}

// RenderToolCall 渲染一条工具调用状态行
// RenderToolCall renders one tool-call status line from a
// tool-call-update message's data.
func RenderToolCall(data map[string]any, theme Theme) string {
	title, _ := data["title"].(string)
	status, _ := data["status"].(string)
	kind, _ := data["kind"].(string)

	marker := statusMarkers[status]
	if marker == "" {
		marker = "○"
	}
	if title == "" {
		title = kind
	}
	line := fmt.Sprintf("%s %s", marker, title)
	if status == string(chat.ToolFailed) {
		return theme.ErrorStyle.Render(line)
	}
	return theme.ToolStyle.Render(line)
}

// RenderPlan 渲染代理的当前计划
// RenderPlan renders the agent's plan entries.
func RenderPlan(entries []any, theme Theme) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(theme.TitleStyle.Render("plan:"))
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		content, _ := entry["content"].(string)
		status, _ := entry["status"].(string)
		marker := statusMarkers[status]
		if marker == "" {
			marker = "○"
		}
		b.WriteString("\n  ")
		line := fmt.Sprintf("%s %s", marker, content)
		if status == string(chat.ToolCompleted) {
			b.WriteString(theme.MutedStyle.Render(line))
		} else {
			b.WriteString(line)
		}
	}
	return b.String()
}

// RenderStatus 渲染状态槽 / RenderStatus renders the status slot line.
func RenderStatus(data map[string]any, theme Theme) string {
	status, _ := data["status"].(string)
	backend, _ := data["backend"].(string)
	line := "[" + status
	if backend != "" {
		line += " " + backend
	}
	line += tokenSuffix(data) + "]"
	if status == "error" {
		return theme.ErrorStyle.Render(line)
	}
	return theme.StatusStyle.Render(line)
}

func tokenSuffix(data map[string]any) string {
	in := intField(data, "input_tokens")
	out := intField(data, "output_tokens")
	if in == 0 && out == 0 {
		return ""
	}
	return fmt.Sprintf(" tokens=%d/%d", in, out)
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// RenderPermission 渲染权限请求块
// RenderPermission renders a permission request block.
func RenderPermission(data map[string]any, theme Theme) string {
	kind, _ := data["kind"].(string)
	detail, _ := data["detail"].(string)
	state, _ := data["state"].(string)
	switch state {
	case "pending":
		header := theme.DangerStyle.Render("approval required")
		return fmt.Sprintf("%s %s: %s", header, kind, detail)
	case "timed-out":
		return theme.MutedStyle.Render(fmt.Sprintf("approval timed out, denied: %s", detail))
	default:
		decision, _ := data["decision"].(string)
		return theme.MutedStyle.Render(fmt.Sprintf("approval %s: %s", decision, detail))
	}
}

// RenderError 渲染错误消息 / RenderError renders an error message.
func RenderError(data map[string]any, theme Theme) string {
	kind, _ := data["kind"].(string)
	detail, _ := data["detail"].(string)
	if kind == "" {
		kind = "error"
	}
	return theme.ErrorStyle.Render(fmt.Sprintf("[%s] %s", kind, detail))
}
