package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigInitPathCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.toml")

	var buf bytes.Buffer
	if err := runConfig([]string{"path", "--config", path}, &buf); err != nil {
		t.Fatalf("path: %v", err)
	}
	if strings.TrimSpace(buf.String()) != path {
		t.Fatalf("path printed %q, want %q", buf.String(), path)
	}

	if err := runConfig([]string{"init", "--config", path}, &buf); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	if err := runConfig([]string{"init", "--config", path}, &buf); err == nil {
		t.Fatal("second init without --force should fail")
	}
	if err := runConfig([]string{"init", "--force", "--config", path}, &buf); err != nil {
		t.Fatalf("init --force: %v", err)
	}

	buf.Reset()
	if err := runConfig([]string{"check", "--config", path}, &buf); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(buf.String(), "is valid") {
		t.Fatalf("unexpected check output %q", buf.String())
	}
}

func TestConfigCheckReportsParseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[server\nlisten = "), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runConfig([]string{"check", "--config", path}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfigUnknownCommand(t *testing.T) {
	if err := runConfig([]string{"frob"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
}
