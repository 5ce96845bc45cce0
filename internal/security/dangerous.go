package security

import (
	"errors"
	"path/filepath"
	"strings"
)

// CommandRisk 命令审批的风险评估结果 / CommandRisk is the analyzer's verdict
// on a command an agent asked to execute. Reason is written to be embedded
// verbatim in the approval prompt and names the word that tripped the check.
type CommandRisk struct {
	RequireApproval bool
	Reason          string
}

// riskByCommand maps command names to the phrase shown after them in the
// approval prompt.
var riskByCommand = map[string]string{
	// destructive file operations
	"rm":       "deletes files or directories",
	"rmdir":    "deletes directories",
	"shred":    "destroys file contents irrecoverably",
	"dd":       "writes raw data over files or devices",
	"truncate": "discards file contents",
	"mv":       "can overwrite existing files",

	// privilege and ownership
	"sudo":   "escalates privileges",
	"doas":   "escalates privileges",
	"su":     "switches user",
	"chown":  "changes file ownership",
	"chmod":  "changes file permissions",
	"passwd": "changes account credentials",

	// whole-system control
	"shutdown":  "powers the machine off",
	"poweroff":  "powers the machine off",
	"halt":      "stops the machine",
	"reboot":    "restarts the machine",
	"systemctl": "controls system services",
	"kill":      "terminates processes",
	"pkill":     "terminates processes by name",
	"killall":   "terminates processes by name",
}

// transparentWrappers are prefixes that forward to the real command; the
// analyzer looks through them. sudo and doas are deliberately absent:
// escalation is itself the finding.
var transparentWrappers = map[string]bool{
	"env":    true,
	"nohup":  true,
	"nice":   true,
	"time":   true,
	"xargs":  true,
	"stdbuf": true,
}

// AnalyzeCommand 判断一条命令是否需要人工审批 / AnalyzeCommand decides
// whether command needs a human decision before the agent may run it.
// Agents send compound lines far more often than single commands
// ("cd pkg && rm -rf build"), so the line is split into pipeline and list
// segments and the command position of every segment is inspected.
// Anything that cannot be parsed fails closed.
func AnalyzeCommand(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRisk{}
	}

	if strings.Contains(trimmed, "$(") || strings.ContainsRune(trimmed, '`') {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "uses command substitution, so the real command cannot be determined",
		}
	}

	segs, err := splitCommandLine(trimmed)
	if err != nil {
		return CommandRisk{
			RequireApproval: true,
			Reason:          "could not be parsed as a shell command",
		}
	}

	for i, seg := range segs {
		name, args := commandHead(seg.words)
		if name == "" {
			continue
		}

		if (name == "curl" || name == "wget") && i+1 < len(segs) && segs[i+1].op == "|" {
			if next, _ := commandHead(segs[i+1].words); isShellName(next) {
				return CommandRisk{
					RequireApproval: true,
					Reason:          "pipes a downloaded script straight into " + next,
				}
			}
		}

		if phrase, ok := riskByCommand[name]; ok {
			return CommandRisk{RequireApproval: true, Reason: name + " " + phrase}
		}
		if strings.HasPrefix(name, "mkfs") {
			return CommandRisk{RequireApproval: true, Reason: name + " reformats a filesystem"}
		}
		if name == "git" {
			if reason, risky := gitRisk(args); risky {
				return CommandRisk{RequireApproval: true, Reason: reason}
			}
		}
	}
	return CommandRisk{}
}

// gitRisk flags the git invocations that discard committed or untracked
// work. Ordinary fetch/commit/push traffic passes.
func gitRisk(args []string) (string, bool) {
	sub := ""
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			sub = a
			break
		}
	}
	switch sub {
	case "clean":
		return "git clean deletes untracked files", true
	case "push":
		for _, a := range args {
			if a == "--force" || a == "-f" || strings.HasPrefix(a, "--force-with-lease") {
				return "git push --force rewrites remote history", true
			}
		}
	case "reset":
		for _, a := range args {
			if a == "--hard" {
				return "git reset --hard discards local changes", true
			}
		}
	}
	return "", false
}

// commandHead returns the command name of one segment (base name, with
// wrappers and VAR=val assignments stripped) and its arguments.
func commandHead(words []string) (string, []string) {
	for i, w := range words {
		if isAssignment(w) || transparentWrappers[w] {
			continue
		}
		return filepath.Base(w), words[i+1:]
	}
	return "", nil
}

func isAssignment(word string) bool {
	idx := strings.IndexByte(word, '=')
	return idx > 0 && !strings.ContainsAny(word[:idx], "/-")
}

func isShellName(name string) bool {
	switch name {
	case "sh", "bash", "zsh", "dash", "ksh":
		return true
	}
	return false
}

// segment is one command of a compound line. op is the operator joining it
// to the previous segment: ";", "&", "|", "&&", "||", or "" for the first.
type segment struct {
	op    string
	words []string
}

// splitCommandLine tokenizes a shell line into segments, honoring quoting
// and escapes. Operators inside quotes are data. Unterminated quotes and
// dangling escapes are errors so the caller can fail closed.
func splitCommandLine(input string) ([]segment, error) {
	var (
		segs      []segment
		words     []string
		cur       strings.Builder
		curQuoted bool
		inSingle  bool
		inDouble  bool
		escaped   bool
		pendingOp string
	)

	flushWord := func() {
		if cur.Len() > 0 || curQuoted {
			words = append(words, cur.String())
			cur.Reset()
			curQuoted = false
		}
	}
	flushSegment := func(nextOp string) {
		flushWord()
		if len(words) > 0 {
			segs = append(segs, segment{op: pendingOp, words: words})
			words = nil
		}
		pendingOp = nextOp
	}

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			curQuoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			curQuoted = true
		case inSingle || inDouble:
			cur.WriteRune(r)
		case r == ';' || r == '\n':
			flushSegment(";")
		case r == '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				flushSegment("&&")
				i++
			} else {
				flushSegment("&")
			}
		case r == '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				flushSegment("||")
				i++
			} else {
				flushSegment("|")
			}
		case r == ' ' || r == '\t':
			flushWord()
		default:
			cur.WriteRune(r)
		}
	}

	if escaped {
		return nil, errors.New("dangling escape at end of command")
	}
	if inSingle || inDouble {
		return nil, errors.New("unmatched quote")
	}
	flushSegment("")
	return segs, nil
}
