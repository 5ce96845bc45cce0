package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentbridge/internal/chat"
	"agentbridge/internal/config"
	"agentbridge/internal/i18n"
	"agentbridge/internal/security"
	"agentbridge/internal/session"
	"agentbridge/internal/storage"
	"agentbridge/internal/tui"

	"github.com/chzyer/readline"
)

func main() {
	var (
		configPath string
		workspace  string
		backend    string
	)
	flag.StringVar(&configPath, "config", "", "Path to config JSON")
	flag.StringVar(&workspace, "cwd", "", "Workspace root override")
	flag.StringVar(&backend, "backend", "", "Backend to start with")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	root := strings.TrimSpace(workspace)
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve cwd failed: %v\n", err)
			os.Exit(1)
		}
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init workspace failed: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init storage failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	inputReader, inputErr := newLineInput(filepath.Join(filepath.Dir(cfg.Storage.DBPath), "bridge.history"))
	if inputErr != nil {
		fmt.Fprintf(os.Stderr, "line editor unavailable, fallback to basic input: %v\n", inputErr)
	}
	defer inputReader.Close()

	theme := tui.DarkTheme()
	sink := newConsoleSink(os.Stdout, store, theme, 100)
	sink.ask = approvalPrompt(inputReader, theme)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if strings.TrimSpace(os.Getenv("AGENTBRIDGE_DEBUG")) != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ctrl := session.NewController(cfg, sink, logger)
	sink.resolve = ctrl.ResolvePermission
	defer ctrl.Stop()

	if backend == "" {
		backend = cfg.DefaultBackend
	}
	i18n.Init(os.Getenv("AGENTBRIDGE_LANG"))
	fmt.Println(i18n.T("start.workspace", ws.Root()))
	fmt.Println(i18n.T("start.backend", backend))
	printCommands(os.Stdout)

	for {
		line, err := inputReader.ReadLine("> ")
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				fmt.Fprintln(os.Stdout)
				continue
			case errors.Is(err, io.EOF):
				fmt.Fprintln(os.Stderr, "\nexit")
				return
			default:
				fmt.Fprintf(os.Stderr, "read input failed: %v\n", err)
				return
			}
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			handled, shouldExit := handleCommand(input, cfg, ws, ctrl, store, sink, &backend)
			if handled {
				if shouldExit {
					return
				}
				continue
			}
			fmt.Println(i18n.T("cmd.unknown", input))
			continue
		}

		if ctrl.Status() != session.StatusActive {
			if err := startSession(ctrl, ws, backend, store); err != nil {
				fmt.Fprintln(os.Stderr, i18n.T("error.start", err.Error()))
				continue
			}
		}
		recordUserMessage(store, ctrl, input)
		if err := ctrl.SendPrompt(context.Background(), input); err != nil {
			fmt.Fprintln(os.Stderr, i18n.T("error.turn", err.Error()))
		}
	}
}

func startSession(ctrl *session.Controller, ws *security.Workspace, backend string, store *storage.SQLiteStore) error {
	if err := ctrl.Start(context.Background(), session.StartOptions{
		Backend:    backend,
		WorkingDir: ws.Root(),
	}); err != nil {
		return err
	}
	sess := ctrl.Current()
	if sess == nil {
		return errors.New("no session after start")
	}
	meta := storage.ConversationMeta{
		ID:       sess.ID,
		Backend:  backend,
		CWD:      sess.WorkingDir,
		RemoteID: sess.RemoteID,
	}
	if err := store.CreateConversation(meta); err != nil {
		return fmt.Errorf("record conversation: %w", err)
	}
	fmt.Println(i18n.T("session.started", sess.ID, backend))
	return nil
}

func recordUserMessage(store *storage.SQLiteStore, ctrl *session.Controller, text string) {
	sess := ctrl.Current()
	if sess == nil {
		return
	}
	msg := chat.Message{
		Type:           chat.TypeUserMessage,
		ConversationID: sess.ID,
		MsgID:          fmt.Sprintf("u-%d", time.Now().UnixNano()),
		Data:           map[string]any{"text": text},
	}
	if err := store.SaveMessage(msg); err != nil {
		fmt.Fprintf(os.Stderr, "persist user message failed: %v\n", err)
	}
}

// approvalPrompt 以行交互收集审批决策
// approvalPrompt collects one approval decision over the line editor. The
// main loop is blocked inside the running turn while this prompts, so the
// reader is not contended.
func approvalPrompt(reader lineInput, theme tui.Theme) func(data map[string]any) string {
	return func(data map[string]any) string {
		line, err := reader.ReadLine(i18n.T("approval.prompt"))
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return "reject_once"
			}
			return ""
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return "allow_once"
		case "a", "always":
			return "allow_always"
		case "v", "never":
			return "reject_always"
		default:
			return "reject_once"
		}
	}
}
