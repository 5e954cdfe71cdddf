package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidSenderConfig(t *testing.T) {
	path := writeConfig(t, `
ssh:
  jump_server: jump.example.com
  jump_user: relay
  jump_port: 22
transfer:
  local_port: 9000
  remote_port: 9000
sender:
  enabled: true
  file: /tmp/payload.bin
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeFile {
		t.Fatalf("expected default mode %q, got %q", ModeFile, cfg.Mode)
	}
	if cfg.Transfer.MaxFrameSize != defaultMaxFrameSize {
		t.Fatalf("expected default max frame size, got %d", cfg.Transfer.MaxFrameSize)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default logging level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsBothRolesEnabled(t *testing.T) {
	path := writeConfig(t, `
ssh: {jump_server: h, jump_user: u, jump_port: 22}
sender: {enabled: true, file: /tmp/f}
receiver: {enabled: true, output_dir: /tmp/out}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when both roles enabled")
	}
}

func TestLoadRejectsNoRoleEnabled(t *testing.T) {
	path := writeConfig(t, `
ssh: {jump_server: h, jump_user: u, jump_port: 22}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when neither role enabled")
	}
}

func TestLoadRejectsSenderWithoutFile(t *testing.T) {
	path := writeConfig(t, `
ssh: {jump_server: h, jump_user: u, jump_port: 22}
sender: {enabled: true}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for sender without file")
	}
}

func TestLoadCreatesReceiverOutputDir(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "nested", "out")
	path := writeConfig(t, `
ssh: {jump_server: h, jump_user: u, jump_port: 22}
receiver:
  enabled: true
  output_dir: `+outDir+`
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(outDir); err != nil {
		t.Fatalf("expected output dir to be created: %v", err)
	}
}

func TestLoadRejectsMissingJumpFields(t *testing.T) {
	path := writeConfig(t, `
sender: {enabled: true, file: /tmp/f}
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing ssh fields")
	}
}
