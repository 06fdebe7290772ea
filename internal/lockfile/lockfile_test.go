package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("failed to read lock file: %v", err)
	}
	if !strings.HasPrefix(string(content), fmt.Sprintf("pid=%d\n", os.Getpid())) {
		t.Errorf("expected pid line, got %q", content)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("expected second AcquireLock to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("pid %d (running)", os.Getpid())) {
		t.Errorf("expected holder to name this process, got %q", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), lockErr.LockPath) {
		t.Errorf("expected error to mention lock path, got %q", err.Error())
	}

	// The failed attempt must not clobber the holder's pid.
	content, _ := os.ReadFile(first.Path())
	if parsePID(string(content)) != os.Getpid() {
		t.Errorf("expected holder pid to survive, got %q", content)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("expected lock file to be removed")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected state directory to exist: %v", err)
	}
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=12345\n", 12345},
		{"pid=67890\nstarted=2026-01-01T00:00:00Z\n", 67890},
		{"started=x\npid=42", 42},
		{"other=info", 0},
		{"", 0},
		{"pid=abc", 0},
	}
	for _, tt := range tests {
		if got := parsePID(tt.content); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("expected own process to be alive")
	}
}
