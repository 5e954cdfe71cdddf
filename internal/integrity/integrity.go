// Package integrity runs the optional whole-file SHA-256 check that
// supplements the handshake's byte-count check when the sender
// supplied a hash in META.
package integrity

import (
	"errors"
	"fmt"

	"github.com/trackshift-tunnel/tunnel/pkg/utils"
)

// ErrMismatch is returned by Verify when the assembled file's hash
// does not match the one carried in META.
var ErrMismatch = errors.New("integrity: hash mismatch")

// Verify hashes the file at path and compares it against want. An
// empty want means no hash was carried in META, and Verify is a no-op.
func Verify(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := utils.HashFileSHA256(path)
	if err != nil {
		return fmt.Errorf("integrity: hash %s: %w", path, err)
	}
	if got != want {
		return fmt.Errorf("%w: got %s want %s", ErrMismatch, got, want)
	}
	return nil
}
