package i18n

// EnMessages English message catalog
var EnMessages = map[string]string{
	// Startup banner
	"start.workspace": "agentbridge started in workspace: %s",
	"start.backend":   "default backend: %s",

	// Slash commands
	"cmd.header":   "commands:",
	"cmd.help":     "show this help",
	"cmd.backends": "list configured backends",
	"cmd.backend":  "select the backend for the next session",
	"cmd.start":    "start a session now",
	"cmd.stop":     "stop the current session",
	"cmd.cancel":   "interrupt the running turn",
	"cmd.status":   "show session status and token usage",
	"cmd.sessions": "list stored conversations",
	"cmd.resume":   "resume a stored conversation",
	"cmd.replay":   "print a stored conversation transcript",
	"cmd.exit":     "quit",
	"cmd.unknown":  "unknown command: %s",

	// Session lifecycle
	"session.started":  "session: %s backend=%s",
	"session.stopped":  "session stopped",
	"session.active":   "session already active; /stop first",
	"session.switched": "backend: %s (takes effect on next session)",

	// Approvals
	"approval.prompt": "allow? [y]es once / [a]lways / [n]o / ne[v]er: ",

	// Status
	"status.line":     "status: %s",
	"status.pending":  "pending approvals: %d",
	"status.tokens":   "tokens (reported): in=%d cached=%d out=%d",
	"status.estimate": "tokens (estimated): %s%d across %d messages",

	// Conversations
	"conv.none": "no conversations",

	// Errors
	"error.start":  "start failed: %s",
	"error.cancel": "cancel failed: %s",
	"error.turn":   "turn failed: %s",
}
