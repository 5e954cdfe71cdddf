package integrity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/trackshift-tunnel/tunnel/pkg/utils"
)

func TestVerifyNoHashIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := Verify(path, ""); err != nil {
		t.Fatalf("expected no-op for empty want, got %v", err)
	}
}

func TestVerifyMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := []byte("tunnel payload")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	want := utils.HashBytesSHA256(data)
	if err := Verify(path, want); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("actual"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	err := Verify(path, "deadbeef")
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}
