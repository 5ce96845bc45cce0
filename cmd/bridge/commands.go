package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"agentbridge/internal/chat"
	"agentbridge/internal/config"
	"agentbridge/internal/contextmgr"
	"agentbridge/internal/i18n"
	"agentbridge/internal/security"
	"agentbridge/internal/session"
	"agentbridge/internal/storage"
	"agentbridge/internal/tui"
)

var bridgeCommands = []struct {
	usage   string
	descKey string
}{
	{"/help", "cmd.help"},
	{"/backends", "cmd.backends"},
	{"/backend <name>", "cmd.backend"},
	{"/start", "cmd.start"},
	{"/stop", "cmd.stop"},
	{"/cancel", "cmd.cancel"},
	{"/status", "cmd.status"},
	{"/sessions", "cmd.sessions"},
	{"/resume <id>", "cmd.resume"},
	{"/replay <id>", "cmd.replay"},
	{"/exit", "cmd.exit"},
}

func printCommands(out io.Writer) {
	fmt.Fprintln(out, i18n.T("cmd.header"))
	for _, cmd := range bridgeCommands {
		fmt.Fprintf(out, "  %-20s %s\n", cmd.usage, i18n.T(cmd.descKey))
	}
}

func handleCommand(
	input string,
	cfg config.Config,
	ws *security.Workspace,
	ctrl *session.Controller,
	store *storage.SQLiteStore,
	sink *consoleSink,
	backend *string,
) (bool, bool) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false, false
	}
	switch parts[0] {
	case "/exit", "/quit":
		return true, true
	case "/help":
		printCommands(os.Stdout)
		return true, false
	case "/backends":
		names := make([]string, 0, len(cfg.Backends))
		for name := range cfg.Backends {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			bc := cfg.Backends[name]
			marker := " "
			if name == *backend {
				marker = "*"
			}
			fmt.Printf("%s %s  family=%s  command=%s\n", marker, name, bc.Family, bc.Command)
		}
		return true, false
	case "/backend":
		if len(parts) < 2 {
			fmt.Println("usage: /backend <name>")
			return true, false
		}
		if _, err := cfg.Backend(parts[1]); err != nil {
			fmt.Printf("unknown backend: %v\n", err)
			return true, false
		}
		if *backend != parts[1] {
			ctrl.Stop()
		}
		*backend = parts[1]
		fmt.Println(i18n.T("session.switched", *backend))
		return true, false
	case "/start":
		if ctrl.Status() == session.StatusActive {
			fmt.Println(i18n.T("session.active"))
			return true, false
		}
		if err := startSession(ctrl, ws, *backend, store); err != nil {
			fmt.Println(i18n.T("error.start", err.Error()))
		}
		return true, false
	case "/stop":
		ctrl.Stop()
		fmt.Println(i18n.T("session.stopped"))
		return true, false
	case "/cancel":
		if err := ctrl.CancelTurn(context.Background()); err != nil {
			fmt.Println(i18n.T("error.cancel", err.Error()))
		}
		return true, false
	case "/status":
		printStatus(ctrl, store, sink)
		return true, false
	case "/sessions":
		metas, err := store.ListConversations()
		if err != nil {
			fmt.Printf("list conversations failed: %v\n", err)
			return true, false
		}
		if len(metas) == 0 {
			fmt.Println(i18n.T("conv.none"))
			return true, false
		}
		for _, meta := range metas {
			fmt.Printf("%s  backend=%s  updated=%s  title=%s\n", meta.ID, meta.Backend, meta.UpdatedAt, meta.Title)
		}
		return true, false
	case "/resume":
		if len(parts) < 2 {
			fmt.Println("usage: /resume <conversation_id>")
			return true, false
		}
		if err := resumeConversation(ctrl, store, parts[1], backend); err != nil {
			fmt.Println(i18n.T("error.start", err.Error()))
		}
		return true, false
	case "/replay":
		if len(parts) < 2 {
			fmt.Println("usage: /replay <conversation_id>")
			return true, false
		}
		replayConversation(store, sink, parts[1])
		return true, false
	default:
		return false, false
	}
}

func printStatus(ctrl *session.Controller, store *storage.SQLiteStore, sink *consoleSink) {
	fmt.Println(i18n.T("status.line", string(ctrl.Status())))
	sess := ctrl.Current()
	if sess == nil {
		return
	}
	fmt.Printf("conversation: %s  remote=%s  cwd=%s\n", sess.ID, sess.RemoteID, sess.WorkingDir)
	if pending := ctrl.PendingPermissions(); pending > 0 {
		fmt.Println(i18n.T("status.pending", pending))
	}

	// Codex reports usage; ACP agents do not, so fall back to a local
	// estimate over the stored transcript.
	status := sink.Status()
	reported := 0
	if status != nil {
		reported = intField(status, "input_tokens") + intField(status, "output_tokens")
	}
	if reported > 0 {
		fmt.Println(i18n.T("status.tokens",
			intField(status, "input_tokens"),
			intField(status, "cached_tokens"),
			intField(status, "output_tokens")))
		return
	}
	msgs, err := store.LoadMessages(sess.ID)
	if err != nil || len(msgs) == 0 {
		return
	}
	tok := contextmgr.DefaultTokenizer()
	precision := "~"
	if tok.IsPrecise() {
		precision = ""
	}
	fmt.Println(i18n.T("status.estimate", precision, tok.Count(msgs), len(msgs)))
}

// resumeConversation restarts a stored conversation. New messages keep
// appending under the same conversation id; backends that support remote
// resume (Codex) pick the old thread back up, the rest start a fresh
// remote session over the shared transcript.
func resumeConversation(ctrl *session.Controller, store *storage.SQLiteStore, id string, backend *string) error {
	meta, err := store.LoadConversation(id)
	if err != nil {
		return err
	}
	if err := ctrl.Start(context.Background(), session.StartOptions{
		Backend:        meta.Backend,
		WorkingDir:     meta.CWD,
		ConversationID: meta.ID,
		ResumeRemoteID: meta.RemoteID,
	}); err != nil {
		return err
	}
	if meta.Backend != "" {
		*backend = meta.Backend
	}
	sess := ctrl.Current()
	if sess != nil {
		meta.RemoteID = sess.RemoteID
		if err := store.SaveConversation(meta); err != nil {
			return fmt.Errorf("record conversation: %w", err)
		}
		fmt.Println(i18n.T("session.started", sess.ID, meta.Backend))
	}
	return nil
}

func replayConversation(store *storage.SQLiteStore, sink *consoleSink, id string) {
	meta, err := store.LoadConversation(id)
	if err != nil {
		fmt.Printf("load conversation failed: %v\n", err)
		return
	}
	msgs, err := store.LoadMessages(id)
	if err != nil {
		fmt.Printf("load messages failed: %v\n", err)
		return
	}
	fmt.Printf("conversation %s  backend=%s  created=%s\n", meta.ID, meta.Backend, meta.CreatedAt)
	theme := tui.DarkTheme()
	for _, msg := range msgs {
		switch msg.Type {
		case chat.TypeUserMessage:
			text, _ := msg.Data["text"].(string)
			fmt.Println(theme.TitleStyle.Render("> ") + text)
		case chat.TypeContentFinal:
			text, _ := msg.Data["text"].(string)
			if rendered := tui.RenderMarkdown(text, 100); rendered != "" {
				fmt.Println(rendered)
			}
		case chat.TypeToolCallUpdate:
			fmt.Println(tui.RenderToolCall(msg.Data, theme))
		case chat.TypePlanUpdate:
			entries, _ := msg.Data["entries"].([]any)
			if line := tui.RenderPlan(entries, theme); line != "" {
				fmt.Println(line)
			}
		case chat.TypeError:
			fmt.Println(tui.RenderError(msg.Data, theme))
		}
	}
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
