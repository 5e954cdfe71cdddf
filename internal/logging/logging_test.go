package logging

import (
	"path/filepath"
	"testing"
)

func TestNewWithValidLevel(t *testing.T) {
	log, err := New("info", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Sync()
	log.Info("test message")
}

func TestNewWithRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	log, err := New("debug", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Sync()
	log.Debug("hello")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", ""); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
