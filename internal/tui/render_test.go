package tui

import (
	"strings"
	"testing"
)

func TestRenderMarkdownEmpty(t *testing.T) {
	if got := RenderMarkdown("", 80); got != "" {
		t.Fatalf("empty markdown rendered %q", got)
	}
	if got := RenderMarkdown("   \n", 80); got != "" {
		t.Fatalf("blank markdown rendered %q", got)
	}
}

func TestRenderMarkdownKeepsContent(t *testing.T) {
	got := RenderMarkdown("# Title\n\nsome body text", 60)
	if !strings.Contains(got, "Title") || !strings.Contains(got, "some body text") {
		t.Fatalf("rendered output lost content: %q", got)
	}
}

func TestRenderToolCallMarkers(t *testing.T) {
	theme := DarkTheme()
	cases := map[string]string{
		"pending":     "○",
		"in_progress": "◐",
		"completed":   "●",
		"failed":      "✗",
	}
	for status, marker := range cases {
		got := RenderToolCall(map[string]any{"title": "run tests", "status": status}, theme)
		if !strings.Contains(got, marker) || !strings.Contains(got, "run tests") {
			t.Fatalf("status %s rendered %q", status, got)
		}
	}
}

func TestRenderToolCallFallsBackToKind(t *testing.T) {
	got := RenderToolCall(map[string]any{"kind": "execute", "status": "pending"}, DarkTheme())
	if !strings.Contains(got, "execute") {
		t.Fatalf("rendered %q", got)
	}
}

func TestRenderStatus(t *testing.T) {
	theme := DarkTheme()
	got := RenderStatus(map[string]any{"status": "active", "backend": "claude"}, theme)
	if !strings.Contains(got, "active") || !strings.Contains(got, "claude") {
		t.Fatalf("rendered %q", got)
	}

	// Token counts arrive as float64 after a JSON round trip.
	got = RenderStatus(map[string]any{
		"status": "active", "input_tokens": float64(120), "output_tokens": float64(40),
	}, theme)
	if !strings.Contains(got, "tokens=120/40") {
		t.Fatalf("rendered %q", got)
	}
}

func TestRenderPermissionStates(t *testing.T) {
	theme := DarkTheme()
	data := map[string]any{"kind": "execute", "detail": "rm -rf build", "state": "pending"}
	if got := RenderPermission(data, theme); !strings.Contains(got, "rm -rf build") {
		t.Fatalf("pending rendered %q", got)
	}
	data["state"] = "resolved"
	data["decision"] = "allow_once"
	if got := RenderPermission(data, theme); !strings.Contains(got, "allow_once") {
		t.Fatalf("resolved rendered %q", got)
	}
	data["state"] = "timed-out"
	if got := RenderPermission(data, theme); !strings.Contains(got, "timed out") {
		t.Fatalf("timed-out rendered %q", got)
	}
}

func TestRenderPlan(t *testing.T) {
	entries := []any{
		map[string]any{"content": "read the code", "status": "completed"},
		map[string]any{"content": "write the fix", "status": "in_progress"},
	}
	got := RenderPlan(entries, DarkTheme())
	if !strings.Contains(got, "read the code") || !strings.Contains(got, "write the fix") {
		t.Fatalf("rendered %q", got)
	}
	if RenderPlan(nil, DarkTheme()) != "" {
		t.Fatal("empty plan must render empty")
	}
}
