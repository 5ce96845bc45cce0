package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValid(t *testing.T) {
	cfg := Default()
	if err := normalize(&cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bc, err := cfg.Backend("")
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if bc.Family != "acp" {
		t.Fatalf("family=%s", bc.Family)
	}
	if bc.ConnectTimeout() != 70*time.Second {
		t.Fatalf("connect timeout=%s", bc.ConnectTimeout())
	}
	if bc.PermissionTimeout() != 70*time.Second {
		t.Fatalf("permission timeout=%s", bc.PermissionTimeout())
	}
}

func TestLoadMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.config.json")
	content := `{
		"default_backend": "codex",
		"backends": {
			"codex": {"model": "o4-mini", "request_timeout_ms": 5000},
			"local": {"family": "acp", "command": "my-agent"}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultBackend != "codex" {
		t.Fatalf("default=%s", cfg.DefaultBackend)
	}
	codex, _ := cfg.Backend("codex")
	if codex.Model != "o4-mini" || codex.Command != "codex" {
		t.Fatalf("codex=%+v (merge must keep base command)", codex)
	}
	if codex.RequestTimeout() != 5*time.Second {
		t.Fatalf("request timeout=%s", codex.RequestTimeout())
	}
	local, _ := cfg.Backend("local")
	if local.Command != "my-agent" {
		t.Fatalf("local=%+v", local)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.Backend("claude"); err != nil {
		t.Fatalf("claude backend: %v", err)
	}
}

func TestNormalizeRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Backends["broken"] = BackendConfig{Family: "smalltalk", Command: "x"}
	if err := normalize(&cfg); err == nil {
		t.Fatal("unknown family must be rejected")
	}

	cfg = Default()
	cfg.Backends["broken"] = BackendConfig{Family: "acp"}
	if err := normalize(&cfg); err == nil {
		t.Fatal("missing command must be rejected")
	}

	cfg = Default()
	cfg.DefaultBackend = "ghost"
	if err := normalize(&cfg); err == nil {
		t.Fatal("unconfigured default backend must be rejected")
	}
}

func TestBackendUnknownName(t *testing.T) {
	cfg := Default()
	if _, err := cfg.Backend("nope"); err == nil {
		t.Fatal("unknown backend must error")
	}
}
