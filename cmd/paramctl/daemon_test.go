package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// writePIDFile plants a PID file as another process would have left it.
func writePIDFile(t *testing.T, runDir, role string, pid int, content string) string {
	t.Helper()
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := pidFilePath(runDir, role, pid)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalTerminals(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run")

	release, err := claimPIDFile(runDir, "parameter")
	if err != nil {
		t.Fatalf("claimPIDFile: %v", err)
	}
	writePIDFile(t, runDir, "monitor", 4000000, "4000000")
	writePIDFile(t, runDir, "recipe", os.Getpid()+1, strconv.Itoa(os.Getpid())) // content disagrees with name
	writePIDFile(t, runDir, "junk", 0, "")
	if err := os.Rename(pidFilePath(runDir, "junk", 0), filepath.Join(runDir, "notes.pid")); err != nil {
		t.Fatal(err)
	}

	all, err := localTerminals(runDir, "")
	if err != nil {
		t.Fatalf("localTerminals: %v", err)
	}
	got := map[string]localTerminal{}
	for _, lt := range all {
		got[lt.Role] = lt
	}
	if len(all) != 3 {
		t.Fatalf("localTerminals = %+v, want parameter, monitor and recipe", all)
	}
	if p := got["parameter"]; p.PID != os.Getpid() || p.State != processRunning {
		t.Errorf("own terminal = %+v, want running under pid %d", p, os.Getpid())
	}
	if m := got["monitor"]; m.State != processStale {
		t.Errorf("dead terminal = %+v, want stale", m)
	}
	if r := got["recipe"]; r.State != processStale {
		t.Errorf("mismatched PID file = %+v, want stale", r)
	}

	params, err := localTerminals(runDir, "parameter")
	if err != nil || len(params) != 1 {
		t.Fatalf("localTerminals(parameter) = %+v, %v", params, err)
	}

	release()
	release()
	if params, _ := localTerminals(runDir, "parameter"); len(params) != 0 {
		t.Fatalf("PID file survived release: %+v", params)
	}
}

func TestRunStop(t *testing.T) {
	runDir := t.TempDir()

	var buf bytes.Buffer
	if err := runStop(&buf, runDir, ""); err != nil {
		t.Fatalf("runStop on empty dir: %v", err)
	}
	if !strings.Contains(buf.String(), "no terminals running") {
		t.Errorf("unexpected output %q", buf.String())
	}

	stale := writePIDFile(t, runDir, "parameter", 4000000, "4000000")
	buf.Reset()
	if err := runStop(&buf, runDir, "parameter"); err != nil {
		t.Fatalf("runStop: %v", err)
	}
	if !strings.Contains(buf.String(), "removing stale PID file") {
		t.Errorf("unexpected output %q", buf.String())
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale PID file should be removed, stat err = %v", err)
	}
}
