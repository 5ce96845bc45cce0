package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"agentbridge/internal/chat"
	"agentbridge/internal/permission"
	"agentbridge/internal/storage"
	"agentbridge/internal/tui"
)

// consoleSink 把桥的消息流渲染到终端并持久化非瞬态消息
// consoleSink renders the bridge's message stream to the terminal and
// persists everything not tagged ephemeral. Approval questions are asked
// inline; the answer is fed back through the resolve callback while the
// session controller keeps the request parked.
type consoleSink struct {
	out   io.Writer
	store *storage.SQLiteStore
	theme tui.Theme
	width int

	// resolve forwards an approval decision to the controller; ask blocks
	// on the collaborator's answer.
	resolve func(requestID, decision string) error
	ask     func(data map[string]any) string

	mu         sync.Mutex
	streaming  bool
	lastStatus map[string]any
}

func newConsoleSink(out io.Writer, store *storage.SQLiteStore, theme tui.Theme, width int) *consoleSink {
	return &consoleSink{out: out, store: store, theme: theme, width: width}
}

func (s *consoleSink) Emit(msg chat.Message) {
	switch msg.Type {
	case chat.TypeContentDelta:
		s.printDelta(msg.Data)
	case chat.TypeContentFinal:
		s.printFinal(msg.Data)
	case chat.TypeToolCallUpdate:
		s.closeStream()
		s.println(tui.RenderToolCall(msg.Data, s.theme))
	case chat.TypePlanUpdate:
		s.closeStream()
		entries, _ := msg.Data["entries"].([]any)
		if line := tui.RenderPlan(entries, s.theme); line != "" {
			s.println(line)
		}
	case chat.TypePermissionRequest:
		s.handlePermission(msg)
	case chat.TypeAgentStatus:
		s.handleStatus(msg.Data)
	case chat.TypeTurnFinished:
		s.closeStream()
	case chat.TypeError:
		s.closeStream()
		s.println(tui.RenderError(msg.Data, s.theme))
	default:
		s.println(s.theme.MutedStyle.Render(fmt.Sprintf("[%s]", msg.Type)))
	}

	if !msg.Ephemeral && s.store != nil {
		if err := s.store.SaveMessage(msg); err != nil {
			s.println(s.theme.MutedStyle.Render("persist failed: " + err.Error()))
		}
	}
}

func (s *consoleSink) EmitPreview(signal chat.PreviewSignal) {
	s.println(s.theme.MutedStyle.Render("preview: " + signal.URL))
}

func (s *consoleSink) printDelta(data map[string]any) {
	text, _ := data["text"].(string)
	if text == "" {
		return
	}
	if thought, _ := data["thought"].(bool); thought {
		text = s.theme.ThoughtStyle.Render(text)
	}
	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()
	fmt.Fprint(s.out, text)
}

func (s *consoleSink) printFinal(data map[string]any) {
	streamed, _ := data["streamed"].(bool)
	if streamed {
		// Text already reached the terminal as deltas; just end the line.
		s.closeStream()
		return
	}
	text, _ := data["text"].(string)
	if rendered := tui.RenderMarkdown(text, s.width); rendered != "" {
		s.println(rendered)
	}
}

func (s *consoleSink) handleStatus(data map[string]any) {
	s.mu.Lock()
	s.lastStatus = data
	s.mu.Unlock()
	status, _ := data["status"].(string)
	if status == "error" || status == "disconnected" {
		s.closeStream()
		s.println(tui.RenderStatus(data, s.theme))
	}
}

// Status returns the last status-slot payload.
func (s *consoleSink) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

func (s *consoleSink) handlePermission(msg chat.Message) {
	state, _ := msg.Data["state"].(string)
	s.closeStream()
	s.println(tui.RenderPermission(msg.Data, s.theme))

	switch state {
	case "pending":
		if s.ask == nil || s.resolve == nil {
			return
		}
		requestID, _ := msg.Data["request_id"].(string)
		go s.askAndResolve(requestID, msg.Data)
	case "resolved", "timed-out":
		if s.store != nil {
			kind, _ := msg.Data["kind"].(string)
			detail, _ := msg.Data["detail"].(string)
			decision, _ := msg.Data["decision"].(string)
			if decision == "" {
				decision = "reject_once"
			}
			_ = s.store.LogPermission(storage.PermissionEntry{
				ConversationID: msg.ConversationID,
				Kind:           kind,
				Detail:         detail,
				Decision:       decision,
			})
		}
	}
}

// askAndResolve collects the answer and delivers it. The pending message
// is emitted just before the request parks, so the first resolve attempts
// may race the parking; retry briefly instead of dropping the answer.
func (s *consoleSink) askAndResolve(requestID string, data map[string]any) {
	decision := s.ask(data)
	if decision == "" {
		return
	}
	for i := 0; i < 100; i++ {
		err := s.resolve(requestID, decision)
		if err == nil || !errors.Is(err, permission.ErrNoPending) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *consoleSink) closeStream() {
	s.mu.Lock()
	open := s.streaming
	s.streaming = false
	s.mu.Unlock()
	if open {
		fmt.Fprintln(s.out)
	}
}

func (s *consoleSink) println(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.closeStream()
	fmt.Fprintln(s.out, line)
}
