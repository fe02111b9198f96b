package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/driver"
	"github.com/asheshgoplani/wa-deck/internal/driver/drivertest"
	"github.com/asheshgoplani/wa-deck/internal/registry"
	"github.com/asheshgoplani/wa-deck/internal/session"
	"github.com/asheshgoplani/wa-deck/internal/web"
)

const clientsTestKey = "k"

func startTestGateway(t *testing.T) (*drivertest.Factory, string) {
	t.Helper()
	t.Setenv("WADECK_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	f := drivertest.NewFactory(driver.StatusLoggedIn)
	reg := registry.New(registry.Config{CacheDir: t.TempDir(), Factory: f.Build})
	mgr := session.New(session.Config{PollInterval: time.Hour}, session.Deps{Registry: reg})
	srv := web.NewServer(web.Config{APIKey: clientsTestKey, Manager: mgr})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = mgr.Shutdown(context.Background())
	})
	return f, hs.URL
}

func TestClientsRunListKill(t *testing.T) {
	f, url := startTestGateway(t)
	common := []string{"--server", url, "--key", clientsTestKey}

	var buf bytes.Buffer
	if err := runClients(append([]string{"run", "a,b"}, common...), &buf, true); err != nil {
		t.Fatalf("run: %v", err)
	}
	var ensured session.EnsureResult
	if err := json.Unmarshal(buf.Bytes(), &ensured); err != nil {
		t.Fatalf("decode run output: %v\n%s", err, buf.String())
	}
	if len(ensured.Clients) != 2 || ensured.Clients["a"].Status != session.LifecycleLoggedIn {
		t.Fatalf("unexpected run result: %+v", ensured)
	}

	f.Latest("b").SetStatus(driver.StatusNotLoggedIn)

	buf.Reset()
	if err := runClients(append([]string{"list", "--table"}, common...), &buf, true); err != nil {
		t.Fatalf("list: %v", err)
	}
	table := buf.String()
	if !strings.Contains(table, "CLIENT") || !strings.Contains(table, "logged_in") || !strings.Contains(table, "2 client(s)") {
		t.Fatalf("unexpected table:\n%s", table)
	}

	buf.Reset()
	if err := runClients(append([]string{"kill", "--dead"}, common...), &buf, true); err != nil {
		t.Fatalf("kill --dead: %v", err)
	}
	var killed killOutput
	if err := json.Unmarshal(buf.Bytes(), &killed); err != nil {
		t.Fatalf("decode kill output: %v\n%s", err, buf.String())
	}
	if len(killed.Removed) != 1 || killed.Removed[0] != "b" {
		t.Fatalf("expected only b removed, got %+v", killed.Removed)
	}
	if _, ok := killed.Active["a"]; !ok || len(killed.Active) != 1 {
		t.Fatalf("expected only a active, got %+v", killed.Active)
	}
}

func TestClientsWrongKey(t *testing.T) {
	_, url := startTestGateway(t)

	var buf bytes.Buffer
	err := runClients([]string{"list", "--server", url, "--key", "nope"}, &buf, true)
	var ce *cliError
	if !errors.As(err, &ce) || ce.code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized cliError, got %v", err)
	}
}

func TestClientsUsageErrors(t *testing.T) {
	_, url := startTestGateway(t)
	common := []string{"--server", url, "--key", clientsTestKey}

	for _, args := range [][]string{
		append([]string{"run"}, common...),
		append([]string{"kill"}, common...),
		append([]string{"frobnicate"}, common...),
	} {
		err := runClients(args, &bytes.Buffer{}, true)
		var ce *cliError
		if !errors.As(err, &ce) || ce.code != ErrCodeInvalidUsage {
			t.Errorf("%v: expected usage error, got %v", args, err)
		}
	}
}

func TestServerURL(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:5000":            "http://127.0.0.1:5000",
		":8080":                   "http://127.0.0.1:8080",
		"[::]:5000":               "http://127.0.0.1:5000",
		"10.0.0.2:5000":           "http://10.0.0.2:5000",
		"https://gw.example.com/": "https://gw.example.com",
	}
	for in, want := range tests {
		if got := serverURL(in); got != want {
			t.Errorf("serverURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderClients(t *testing.T) {
	if got := renderClients(nil); got != "No clients.\n" {
		t.Fatalf("empty render = %q", got)
	}

	out := renderClients(map[string]session.Info{
		"zed":   {ClientID: "zed", Status: session.LifecycleUnknown, Busy: true},
		"alice": {ClientID: "alice", Status: session.LifecycleLoggedIn, IsTimer: true, LastPolled: time.Now().Add(-3 * time.Minute)},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 3 {
		t.Fatalf("unexpected render:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], "alice") || !strings.HasPrefix(lines[2], "zed") {
		t.Fatalf("rows not sorted by id:\n%s", out)
	}
	if !strings.Contains(lines[1], "3 minutes ago") {
		t.Errorf("expected humanized poll time in %q", lines[1])
	}
	if !strings.Contains(lines[2], "unknown*") || !strings.Contains(lines[2], "never") {
		t.Errorf("expected busy marker and never-polled in %q", lines[2])
	}
}
