package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BackendConfig 描述一个可驱动的代理 CLI / BackendConfig describes one
// drivable agent CLI backend.
type BackendConfig struct {
	// Family selects the protocol dialect: "acp" or "codex".
	Family string `json:"family"`
	// Command is the CLI executable; Args are prepended before any extra
	// arguments supplied at start time.
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []string `json:"env"`
	// LoginCommand, when set, is invoked once as a nested subprocess to
	// warm up credentials after an auth-shaped session-creation failure.
	LoginCommand []string `json:"login_command"`
	// Model and Mode are applied after activation; failures are logged
	// but never fail the session.
	Model string `json:"model"`
	Mode  string `json:"mode"`
	// ApprovalPolicy: "never" | "untrusted" | "always" (ask for everything).
	ApprovalPolicy string `json:"approval_policy"`

	ConnectTimeoutMS    int `json:"connect_timeout_ms"`
	RequestTimeoutMS    int `json:"request_timeout_ms"`
	TurnTimeoutMS       int `json:"turn_timeout_ms"`
	PermissionTimeoutMS int `json:"permission_timeout_ms"`
}

// ConnectTimeout 返回整体连接超时 / ConnectTimeout bounds the whole start()
// call: spawn plus handshake.
func (b BackendConfig) ConnectTimeout() time.Duration {
	return msOrDefault(b.ConnectTimeoutMS, 70*time.Second)
}

func (b BackendConfig) RequestTimeout() time.Duration {
	return msOrDefault(b.RequestTimeoutMS, 60*time.Second)
}

// TurnTimeout bounds one prompt round trip; agent turns routinely run for
// minutes while tools execute.
func (b BackendConfig) TurnTimeout() time.Duration {
	return msOrDefault(b.TurnTimeoutMS, 30*time.Minute)
}

func (b BackendConfig) PermissionTimeout() time.Duration {
	return msOrDefault(b.PermissionTimeoutMS, 70*time.Second)
}

func msOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// StorageConfig holds persistence settings for the collaborator shell.
type StorageConfig struct {
	DBPath string `json:"db_path"`
}

type Config struct {
	Backends map[string]BackendConfig `json:"backends"`
	Storage  StorageConfig            `json:"storage"`
	// DefaultBackend names the backend used when none is given.
	DefaultBackend string `json:"default_backend"`
}

// Default 返回内置默认配置 / Default returns the built-in defaults: a
// Claude-style ACP agent and a Codex app server.
func Default() Config {
	return Config{
		DefaultBackend: "claude",
		Backends: map[string]BackendConfig{
			"claude": {
				Family:         "acp",
				Command:        "claude-code-acp",
				LoginCommand:   []string{"claude", "login"},
				ApprovalPolicy: "untrusted",
			},
			"codex": {
				Family:         "codex",
				Command:        "codex",
				Args:           []string{"app-server"},
				LoginCommand:   []string{"codex", "login"},
				ApprovalPolicy: "untrusted",
			},
			"gemini": {
				Family:  "acp",
				Command: "gemini",
				Args:    []string{"--experimental-acp"},
			},
		},
		Storage: StorageConfig{DBPath: defaultDBPath()},
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bridge.db"
	}
	return filepath.Join(home, ".agentbridge", "bridge.db")
}

// Load 读取并合并配置文件 / Load merges an optional config file over the
// defaults. An empty path falls back to AGENTBRIDGE_CONFIG_PATH, then the
// project-local candidates. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	resolved := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("AGENTBRIDGE_CONFIG_PATH")); resolved == "" && envPath != "" {
		resolved = envPath
	}
	if resolved == "" {
		resolved = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolved); err != nil {
		return Config{}, err
	}
	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findProjectConfigPath() string {
	candidates := []string{
		"bridge.config.json",
		".agentbridge/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", path, err)
	}

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}

	if fileCfg.DefaultBackend != "" {
		cfg.DefaultBackend = fileCfg.DefaultBackend
	}
	if fileCfg.Storage.DBPath != "" {
		cfg.Storage.DBPath = fileCfg.Storage.DBPath
	}
	for name, bc := range fileCfg.Backends {
		base := cfg.Backends[name]
		cfg.Backends[name] = mergeBackend(base, bc)
	}
	return nil
}

func mergeBackend(base, over BackendConfig) BackendConfig {
	if over.Family != "" {
		base.Family = over.Family
	}
	if over.Command != "" {
		base.Command = over.Command
	}
	if len(over.Args) > 0 {
		base.Args = append([]string(nil), over.Args...)
	}
	if len(over.Env) > 0 {
		base.Env = append([]string(nil), over.Env...)
	}
	if len(over.LoginCommand) > 0 {
		base.LoginCommand = append([]string(nil), over.LoginCommand...)
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.Mode != "" {
		base.Mode = over.Mode
	}
	if over.ApprovalPolicy != "" {
		base.ApprovalPolicy = over.ApprovalPolicy
	}
	if over.ConnectTimeoutMS > 0 {
		base.ConnectTimeoutMS = over.ConnectTimeoutMS
	}
	if over.RequestTimeoutMS > 0 {
		base.RequestTimeoutMS = over.RequestTimeoutMS
	}
	if over.TurnTimeoutMS > 0 {
		base.TurnTimeoutMS = over.TurnTimeoutMS
	}
	if over.PermissionTimeoutMS > 0 {
		base.PermissionTimeoutMS = over.PermissionTimeoutMS
	}
	return base
}

func normalize(cfg *Config) error {
	for name, bc := range cfg.Backends {
		bc.Family = strings.ToLower(strings.TrimSpace(bc.Family))
		switch bc.Family {
		case "acp", "codex":
		case "":
			return fmt.Errorf("backend %q: family is required", name)
		default:
			return fmt.Errorf("backend %q: unknown family %q", name, bc.Family)
		}
		if strings.TrimSpace(bc.Command) == "" {
			return fmt.Errorf("backend %q: command is required", name)
		}
		switch bc.ApprovalPolicy {
		case "", "never", "untrusted", "always":
		default:
			return fmt.Errorf("backend %q: unknown approval_policy %q", name, bc.ApprovalPolicy)
		}
		cfg.Backends[name] = bc
	}
	if cfg.DefaultBackend != "" {
		if _, ok := cfg.Backends[cfg.DefaultBackend]; !ok {
			return fmt.Errorf("default_backend %q is not configured", cfg.DefaultBackend)
		}
	}
	return nil
}

// Backend 按名称取后端配置 / Backend looks up a backend by name, falling
// back to the default backend for an empty name.
func (c Config) Backend(name string) (BackendConfig, error) {
	if strings.TrimSpace(name) == "" {
		name = c.DefaultBackend
	}
	bc, ok := c.Backends[name]
	if !ok {
		return BackendConfig{}, fmt.Errorf("backend %q is not configured", name)
	}
	return bc, nil
}
