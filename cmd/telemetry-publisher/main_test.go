package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/telemetry-publisher/internal/config"
	"github.com/nugget/telemetry-publisher/internal/journal"
	"github.com/nugget/telemetry-publisher/internal/telemetry"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-h"}); err != nil {
		t.Fatalf("run -h error: %v", err)
	}
	if !strings.Contains(stdout.String(), "Usage: telemetry-publisher") {
		t.Errorf("help output missing usage line:\n%s", stdout.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version error: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout.String())
	}
	for _, key := range []string{"version", "git_commit", "go_version"} {
		if _, ok := info[key]; !ok {
			t.Errorf("version JSON missing %q", key)
		}
	}
}

func TestRun_VersionText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version error: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "telemetry-publisher ") {
		t.Errorf("version output = %q, want telemetry-publisher prefix", stdout.String())
	}
}

func TestRun_BadArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"launch"}},
		{"unknown flag", []string{"-verbose"}},
		{"bad output format", []string{"-o", "yaml", "version"}},
		{"missing explicit config", []string{"-config", "/nonexistent/config.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if err := run(context.Background(), &stdout, &stderr, tt.args); err == nil {
				t.Errorf("run(%v) should fail", tt.args)
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("device:\n  id: 0\n"), 0600)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path})
	if err == nil || !strings.Contains(err.Error(), "device.id") {
		t.Fatalf("run with invalid config error = %v, want device.id validation error", err)
	}
}

func TestRun_ConnectFailureIsFatal(t *testing.T) {
	for _, proto := range []string{config.ProtocolV5, config.ProtocolV311} {
		t.Run(proto, func(t *testing.T) {
			// Reserve a port and release it so nothing is listening.
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			port := ln.Addr().(*net.TCPAddr).Port
			ln.Close()

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			yaml := fmt.Sprintf("broker:\n  host: 127.0.0.1\n  port: %d\n  protocol: %q\n  connect_timeout_sec: 2\n", port, proto)
			os.WriteFile(path, []byte(yaml), 0600)

			var stdout, stderr bytes.Buffer
			done := make(chan error, 1)
			go func() { done <- run(context.Background(), &stdout, &stderr, []string{"-config", path}) }()

			select {
			case err := <-done:
				if err == nil {
					t.Fatal("run should fail when the broker is unreachable")
				}
				if !strings.Contains(err.Error(), "mqtt connect") {
					t.Errorf("error = %v, want mqtt connect failure", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("run did not return after connection failure")
			}

			if strings.Contains(stdout.String(), "telemetry published") {
				t.Error("nothing should be published after a failed connect")
			}
			if !strings.Contains(stdout.String(), "starting telemetry publisher") {
				t.Errorf("expected startup line in log output:\n%s", stdout.String())
			}
		})
	}
}

func TestLoadConfig_DefaultsWhenNoneFound(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)
	t.Setenv("HOME", dir)

	cfg, path, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if path != "" {
		// /etc/telemetry-publisher/config.yaml exists on this host.
		t.Skipf("system config found at %s", path)
	}
	if *cfg != *config.Default() {
		t.Errorf("config = %+v, want defaults", *cfg)
	}
}

func TestRunInit_WritesExampleConfig(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The example documents the defaults exactly.
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if *cfg != *config.Default() {
		t.Errorf("example config = %+v, want defaults %+v", *cfg, *config.Default())
	}
	if cfg.Broker.Protocol != config.ProtocolV311 {
		t.Errorf("example broker.protocol = %q, want %q", cfg.Broker.Protocol, config.ProtocolV311)
	}
}

func TestRunInit_DoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	custom := []byte("device:\n  id: 9\n")
	os.WriteFile(path, custom, 0600)

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, custom) {
		t.Errorf("existing config was overwritten:\n%s", got)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("expected skip notice, got: %s", buf.String())
	}
}

func writeJournalConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "journal.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("device:\n  id: 3\njournal:\n  path: %s\n", dbPath)
	if err := os.WriteFile(cfgPath, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath
}

func TestRun_HistoryRequiresJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("device:\n  id: 3\n"), 0600)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "history"})
	if err == nil || !strings.Contains(err.Error(), "journal.path") {
		t.Fatalf("history without journal error = %v, want journal.path error", err)
	}
}

func TestRun_History(t *testing.T) {
	cfgPath, dbPath := writeJournalConfig(t)

	store, err := journal.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	for _, smp := range []telemetry.Sample{
		{Temp: 21.00, Hum: 41.00, Timestamp: now.Unix()},
		{Temp: 23.00, Hum: 43.00, Timestamp: now.Unix()},
	} {
		if err := store.RecordSample(ctx, 3, "iot/device/3/telemetry", smp, now); err != nil {
			t.Fatalf("RecordSample: %v", err)
		}
	}
	store.Close()

	t.Run("text", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if err := run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "history"}); err != nil {
			t.Fatalf("history error: %v", err)
		}
		out := stdout.String()
		for _, want := range []string{"device 3", "2 samples", "avg 22.00", "avg 42.00"} {
			if !strings.Contains(out, want) {
				t.Errorf("history output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if err := run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "history"}); err != nil {
			t.Fatalf("history error: %v", err)
		}
		var got struct {
			DeviceID int `json:"device_id"`
			Summary  struct {
				Count int `json:"count"`
			} `json:"summary"`
			Recent []json.RawMessage `json:"recent"`
		}
		if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
			t.Fatalf("history JSON: %v\n%s", err, stdout.String())
		}
		if got.DeviceID != 3 || got.Summary.Count != 2 || len(got.Recent) != 2 {
			t.Errorf("history = %+v, want device 3 with 2 samples", got)
		}
	})
}
