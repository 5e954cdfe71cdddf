// Package models holds the data shapes shared across the tunnel and
// transfer packages: one file's transfer session, the adaptive buffer
// state, and the SSH tunnel specification/state.
package models

import (
	"errors"
	"time"
)

// Outcome is the terminal result of a TransferSession.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
)

// TransferSession tracks one file's worth of handshake + payload +
// status exchange over one Transport. It is created at handshake
// start on both sides, mutated only through the owning side's
// session.Manager, and evicted from that registry when finalized.
type TransferSession struct {
	TaskID     string     `json:"task_id"`
	FileName   string     `json:"file_name"`
	TotalSize  int64      `json:"total_size"`
	BytesDone  int64      `json:"bytes_done"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    Outcome    `json:"outcome,omitempty"`

	// FileHash is a slot for the optional hex-encoded SHA-256 of the
	// whole file. The transfer services carry the hash in the META
	// frame (handshake.Meta.FileHash) and do not fill in this field.
	FileHash string `json:"file_hash,omitempty"`
}

// Validate checks the invariants a TransferSession must hold at any
// point in its lifecycle.
func (s *TransferSession) Validate() error {
	if s.TaskID == "" {
		return errors.New("task id must not be empty")
	}
	if s.FileName == "" {
		return errors.New("file name must not be empty")
	}
	if s.TotalSize < 0 {
		return errors.New("total size must be non-negative")
	}
	if s.BytesDone < 0 {
		return errors.New("bytes done must be non-negative")
	}
	switch s.Outcome {
	case "", OutcomeSuccess, OutcomeFail:
	default:
		return errors.New("invalid outcome")
	}
	return nil
}

// Done marks the session finished with the given outcome.
func (s *TransferSession) Done(outcome Outcome) {
	now := time.Now()
	s.FinishedAt = &now
	s.Outcome = outcome
}

const (
	// MinChunkSize is the smallest chunk size BufferManager will ever propose.
	MinChunkSize = 8 * 1024
	// MaxChunkSize is the largest chunk size BufferManager will ever propose.
	MaxChunkSize = 1024 * 1024
	// MinChunkPow2 / MaxChunkPow2 are the power-of-two exponent bounds
	// current_size is rounded into: 2^13 (8KiB) .. 2^20 (1MiB).
	MinChunkPow2 = 13
	MaxChunkPow2 = 20
)

// RateSample is one (rate, bytes, elapsed) observation fed into
// BufferState's history ring.
type RateSample struct {
	RateBps float64   `json:"rate_bps"`
	Bytes   int64     `json:"bytes"`
	TimeS   float64   `json:"time_s"`
	At      time.Time `json:"ts"`
}

// historyCapacity is the size of the BufferState sample ring (last 10 samples).
const historyCapacity = 10

// BufferState is the online estimator state a BufferManager mutates.
// Sizes are positive integers; MinSize <= CurrentSize <= MaxSize, and
// after validation CurrentSize is always a power of two in
// [2^13, 2^20].
type BufferState struct {
	CurrentSize  int64        `json:"current_size"`
	MinSize      int64        `json:"min_size"`
	MaxSize      int64        `json:"max_size"`
	LatencyS     float64      `json:"latency_s"`
	History      []RateSample `json:"history"`
	LastAdjustTS time.Time    `json:"last_adjust_ts"`
	TotalBytes   int64        `json:"total_bytes"`
	TotalTimeS   float64      `json:"total_time_s"`
}

// NewBufferState returns a BufferState seeded with the given initial
// chunk size, clamped and power-of-two rounded, against minOverride/
// maxOverride when positive or the spec's default min/max bounds
// otherwise.
func NewBufferState(initialSize int64, latencyS float64, minOverride, maxOverride int64) *BufferState {
	min, max := int64(MinChunkSize), int64(MaxChunkSize)
	if minOverride > 0 {
		min = minOverride
	}
	if maxOverride > 0 {
		max = maxOverride
	}
	if initialSize <= 0 {
		initialSize = min
	}
	return &BufferState{
		CurrentSize: Pow2Round(clampInt64(initialSize, min, max)),
		MinSize:     min,
		MaxSize:     max,
		LatencyS:    latencyS,
		History:     make([]RateSample, 0, historyCapacity),
	}
}

// PushSample appends a sample to the history ring, evicting the oldest
// entry once full.
func (b *BufferState) PushSample(s RateSample) {
	if len(b.History) >= historyCapacity {
		b.History = append(b.History[1:], s)
		return
	}
	b.History = append(b.History, s)
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Pow2Round implements pow2_round(x) = 2^clamp(floor(log2 x), 13, 20).
func Pow2Round(x int64) int64 {
	if x < 1 {
		x = 1
	}
	exp := 0
	v := x
	for v > 1 {
		v >>= 1
		exp++
	}
	if exp < MinChunkPow2 {
		exp = MinChunkPow2
	}
	if exp > MaxChunkPow2 {
		exp = MaxChunkPow2
	}
	return int64(1) << uint(exp)
}

// TunnelMode selects which direction an SSH tunnel forwards traffic.
type TunnelMode string

const (
	TunnelForward TunnelMode = "forward"
	TunnelReverse TunnelMode = "reverse"
)

// AuthKind distinguishes key-based from password-based SSH auth.
type AuthKind string

const (
	AuthKey      AuthKind = "key"
	AuthPassword AuthKind = "password"
)

// TunnelAuth carries exactly one authentication strategy.
type TunnelAuth struct {
	Kind         AuthKind `json:"kind"`
	IdentityPath string   `json:"identity_path,omitempty"`
	Secret       string   `json:"-"` // never serialized
}

// Endpoint is a host/port pair used on either side of a tunnel.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TunnelSpec fully describes one SSH-forwarded TCP tunnel.
type TunnelSpec struct {
	Mode     TunnelMode `json:"mode"`
	JumpHost string     `json:"jump_host"`
	JumpPort int        `json:"jump_port"`
	JumpUser string     `json:"jump_user"`
	Auth     TunnelAuth `json:"auth"`
	Bind     Endpoint   `json:"bind"`
	Target   Endpoint   `json:"target"`
}

// Validate checks the TunnelSpec invariants from the data model.
func (t *TunnelSpec) Validate() error {
	switch t.Mode {
	case TunnelForward, TunnelReverse:
	default:
		return errors.New("tunnel mode must be forward or reverse")
	}
	if t.JumpHost == "" {
		return errors.New("jump host must not be empty")
	}
	if t.JumpPort <= 0 {
		return errors.New("jump port must be positive")
	}
	if t.JumpUser == "" {
		return errors.New("jump user must not be empty")
	}
	switch t.Auth.Kind {
	case AuthKey:
		if t.Auth.IdentityPath == "" {
			return errors.New("key auth requires an identity path")
		}
	case AuthPassword:
		// secret may be supplied interactively later; not required here
	default:
		return errors.New("auth kind must be key or password")
	}
	if t.Bind.Port <= 0 || t.Target.Port <= 0 {
		return errors.New("bind and target ports must be positive")
	}
	return nil
}

// TunnelPhase is the lifecycle state of a TunnelState.
type TunnelPhase string

const (
	TunnelSpawning TunnelPhase = "spawning"
	TunnelRunning  TunnelPhase = "running"
	TunnelClosing  TunnelPhase = "closing"
	TunnelClosed   TunnelPhase = "closed"
)

// TunnelState is the observable lifecycle state of a spawned SSH child.
type TunnelState struct {
	Alive   bool        `json:"alive"`
	IsPTY   bool        `json:"is_pty"`
	BoundAt time.Time   `json:"bound_at"`
	Phase   TunnelPhase `json:"phase"`
	Err     error       `json:"-"`
}
