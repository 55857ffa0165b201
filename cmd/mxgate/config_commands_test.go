package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mxgate/internal/testsupport"
)

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.toml")
	unused := filepath.Join(dir, "unused.toml")

	out, _, err := runCLI(t, unused, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration to "+target) {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	_, _, err = runCLI(t, unused, "config", "init", "--path", target)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}

	if _, _, err := runCLI(t, unused, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigShowRedactsBotToken(t *testing.T) {
	env := newCLIEnv(t, testsupport.WithBotToken("secret-token-123"))

	out, _, err := runCLI(t, env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "secret-token-123") {
		t.Fatalf("bot token leaked into output: %q", out)
	}
	if !strings.Contains(out, "(redacted)") {
		t.Errorf("expected redaction marker in output: %q", out)
	}
	if !strings.Contains(out, "# config: "+env.configPath) {
		t.Errorf("expected config path header in output: %q", out)
	}
	if !strings.Contains(out, "homeserver") {
		t.Errorf("expected rendered settings in output: %q", out)
	}
}
