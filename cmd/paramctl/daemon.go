package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Every terminal process on this host keeps a PID file named
// <role>-<pid>.pid in the run dir while it runs. stop signals the processes
// behind them; status matches them against terminal rows.

// processState is the liveness of a process behind a PID file.
type processState string

const (
	processRunning processState = "running"
	processStale   processState = "stale" // the process is gone, the file is not
)

// localTerminal is one terminal process recorded in the run dir.
type localTerminal struct {
	Role    string
	PID     int
	PIDFile string
	State   processState
}

func pidFilePath(runDir, role string, pid int) string {
	return filepath.Join(runDir, fmt.Sprintf("%s-%d.pid", role, pid))
}

// claimPIDFile records the current process as a terminal of role and
// returns the function that removes the record.
func claimPIDFile(runDir, role string) (release func(), err error) {
	pid := os.Getpid()
	path := pidFilePath(runDir, role, pid)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return nil, fmt.Errorf("write PID file %s: %w", path, err)
	}
	return func() { _ = removeFile(path) }, nil
}

// localTerminals lists the terminal processes with a PID file in runDir,
// only those of role when role is set. A file whose content does not match
// its name counts as stale.
func localTerminals(runDir, role string) ([]localTerminal, error) {
	pattern := "*.pid"
	if role != "" {
		pattern = role + "-*.pid"
	}
	files, err := filepath.Glob(filepath.Join(runDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("list PID files: %w", err)
	}
	sort.Strings(files)

	var out []localTerminal
	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), ".pid")
		i := strings.LastIndex(name, "-")
		if i <= 0 {
			continue
		}
		pid, err := strconv.Atoi(name[i+1:])
		if err != nil {
			continue
		}
		lt := localTerminal{Role: name[:i], PID: pid, PIDFile: path, State: processStale}

		data, err := os.ReadFile(path) //nolint:gosec // path comes from our own run dir
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // exited between glob and read
			}
			return nil, fmt.Errorf("read PID file %s: %w", path, err)
		}
		if recorded, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && recorded == pid && processAlive(pid) {
			lt.State = processRunning
		}
		out = append(out, lt)
	}
	return out, nil
}

// processAlive reports whether pid accepts signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// stop asks the terminal to shut down; it releases its claims on the way out.
func (lt localTerminal) stop() error {
	proc, err := os.FindProcess(lt.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", lt.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to %s terminal %d: %w", lt.Role, lt.PID, err)
	}
	return nil
}

// forget removes the PID file of a terminal that is no longer running.
func (lt localTerminal) forget() error {
	return removeFile(lt.PIDFile)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// shutdownContext returns a context cancelled on SIGTERM or SIGINT, and the
// function that stops listening.
func shutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
