// Package lockfile guards the TalkBridge state directory so only one instance runs against it.
// The per-actor lock and the draft registry live in process memory, so a second instance sharing
// the same store would break per-actor ordering.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "talkbridge.lock"

// Lock is a held flock on the state directory. The kernel drops it when the process exits.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the directory if
// needed. A held lock is reported as *LockError.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("Lockfile AcquireLock: state directory in use", "lock_path", lockPath, "holder", holder, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	// Truncate only once the lock is ours so a running holder keeps its pid on disk.
	if err := writeHolder(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile AcquireLock: sync failed", "lock_path", lockPath, "error", err)
	}

	slog.Info("Lockfile acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting instance never sees our stale pid.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile Release: remove failed", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lockfile Release: unlock failed", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lockfile released", "lock_path", l.path)
	return err
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another TalkBridge instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder != "" {
		fmt.Fprintf(&b, "; holder: %s", e.Holder)
	}
	fmt.Fprintf(&b, "; if no instance is running, remove %s and retry", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeHolder(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(file, "pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (not running)", pid)
}

// parsePID reads the pid=N line written by AcquireLock, or 0.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
