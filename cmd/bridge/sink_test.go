package main

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentbridge/internal/chat"
	"agentbridge/internal/storage"
	"agentbridge/internal/tui"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func newSinkWithStore(t *testing.T) (*consoleSink, *lockedBuffer, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.CreateConversation(storage.ConversationMeta{ID: "conv_1"}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	out := &lockedBuffer{}
	return newConsoleSink(out, store, tui.DarkTheme(), 80), out, store
}

func TestSinkStreamsDeltasThenSkipsStreamedFinal(t *testing.T) {
	sink, out, store := newSinkWithStore(t)

	sink.Emit(chat.Message{
		Type: chat.TypeContentDelta, ConversationID: "conv_1", MsgID: "m-1",
		Data: map[string]any{"text": "hel"},
	})
	sink.Emit(chat.Message{
		Type: chat.TypeContentDelta, ConversationID: "conv_1", MsgID: "m-1",
		Data: map[string]any{"text": "lo"},
	})
	sink.Emit(chat.Message{
		Type: chat.TypeContentFinal, ConversationID: "conv_1", MsgID: "m-1",
		Data: map[string]any{"text": "hello", "streamed": true},
	})

	if got := out.String(); !strings.Contains(got, "hello") {
		t.Fatalf("output=%q", got)
	}
	// The streamed final must not render the text a second time.
	if got := strings.Count(out.String(), "hello"); got != 1 {
		t.Fatalf("text rendered %d times", got)
	}

	// Deltas and the final share a msg id, so persistence upserts into a
	// single row holding the final text.
	msgs, err := store.LoadMessages("conv_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored=%d want 1", len(msgs))
	}
	if msgs[0].Data["text"] != "hello" {
		t.Fatalf("stored data=%v", msgs[0].Data)
	}
}

func TestSinkDoesNotPersistEphemeral(t *testing.T) {
	sink, _, store := newSinkWithStore(t)

	sink.Emit(chat.Message{
		Type: chat.TypeTurnFinished, ConversationID: "conv_1", MsgID: "m-9",
		Ephemeral: true,
		Data:      map[string]any{"stop_reason": "end_turn"},
	})
	sink.Emit(chat.Message{
		Type: chat.TypeAgentStatus, ConversationID: "conv_1", MsgID: "status",
		Ephemeral: true,
		Data:      map[string]any{"status": "active"},
	})

	msgs, err := store.LoadMessages("conv_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("ephemeral messages persisted: %v", msgs)
	}
}

func TestSinkPendingPermissionAsksAndResolves(t *testing.T) {
	sink, out, _ := newSinkWithStore(t)

	asked := make(chan struct{})
	sink.ask = func(map[string]any) string {
		close(asked)
		return "allow_once"
	}
	resolved := make(chan string, 1)
	sink.resolve = func(requestID, decision string) error {
		resolved <- requestID + ":" + decision
		return nil
	}

	sink.Emit(chat.Message{
		Type: chat.TypePermissionRequest, ConversationID: "conv_1", MsgID: "perm-p1",
		Ephemeral: true,
		Data: map[string]any{
			"request_id": "p1", "kind": "execute", "detail": "rm -rf build", "state": "pending",
		},
	})

	select {
	case <-asked:
	case <-time.After(time.Second):
		t.Fatal("never asked")
	}
	select {
	case got := <-resolved:
		if got != "p1:allow_once" {
			t.Fatalf("resolved %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("never resolved")
	}
	if !strings.Contains(out.String(), "rm -rf build") {
		t.Fatalf("request not rendered: %q", out.String())
	}
}

func TestSinkLogsResolvedPermission(t *testing.T) {
	sink, _, _ := newSinkWithStore(t)

	// The resolved update is ephemeral; it must hit the permission log,
	// not the message table.
	sink.Emit(chat.Message{
		Type: chat.TypePermissionRequest, ConversationID: "conv_1", MsgID: "perm-p1",
		Ephemeral: true,
		Data: map[string]any{
			"request_id": "p1", "kind": "execute", "detail": "ls",
			"state": "resolved", "decision": "allow_once",
		},
	})
	// No direct read API for the log; reaching here without error is the
	// contract, the storage tests cover the insert itself.
}

func TestSinkToolCallRendering(t *testing.T) {
	sink, out, _ := newSinkWithStore(t)
	sink.Emit(chat.Message{
		Type: chat.TypeToolCallUpdate, ConversationID: "conv_1", MsgID: "tool-t1",
		Data: map[string]any{"title": "go test ./...", "status": "completed"},
	})
	if got := out.String(); !strings.Contains(got, "go test ./...") {
		t.Fatalf("output=%q", got)
	}
}

func TestApprovalPromptMapping(t *testing.T) {
	cases := map[string]string{
		"y":      "allow_once",
		"yes":    "allow_once",
		"a":      "allow_always",
		"v":      "reject_always",
		"n":      "reject_once",
		"":       "reject_once",
		"banana": "reject_once",
	}
	for answer, want := range cases {
		reader := newBasicLineInput(strings.NewReader(answer+"\n"), nil)
		prompt := approvalPrompt(reader, tui.DarkTheme())
		if got := prompt(map[string]any{}); got != want {
			t.Fatalf("answer %q mapped to %q, want %q", answer, got, want)
		}
	}
}
