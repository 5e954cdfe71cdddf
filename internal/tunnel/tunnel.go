// Package tunnel manages the SSH child process that forwards traffic
// through a jump host: command assembly, password vs. key auth,
// post-spawn stabilization, liveness checks, and graceful teardown.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/trackshift-tunnel/tunnel/internal/retry"
	"github.com/trackshift-tunnel/tunnel/pkg/models"
)

// stabilizationWindow mirrors the original driver's post-spawn
// sleep: enough time for ssh to either fail fast or settle into its
// forwarding loop. Variable rather than const so tests can shrink it.
var stabilizationWindow = 2 * time.Second

// teardownGrace is how long Stop waits for a clean exit before
// escalating to SIGKILL.
const teardownGrace = 5 * time.Second

// ErrAuthFailed marks an authentication failure, which the caller
// must never retry.
var ErrAuthFailed = errors.New("tunnel: authentication failed")

// expectStageTimeout bounds each state transition of the interactive
// password expect loop (R7). Variable rather than const so tests can
// shrink it.
var expectStageTimeout = 10 * time.Second

// Patterns recognized by the interactive password expect loop (R1-R5).
var (
	hostKeyPromptPattern  = regexp.MustCompile(`(?i)are you sure you want to continue connecting`)
	passwordPromptPattern = regexp.MustCompile(`(?i)password:`)
	hostKeyFailedPattern  = regexp.MustCompile(`(?i)host key verification failed`)
	permDeniedPattern     = regexp.MustCompile(`(?i)permission denied`)
	connRefusedPattern    = regexp.MustCompile(`(?i)connection refused`)
)

// Starter abstracts spawning the SSH child process so tests can
// substitute a long-running stand-in command instead of invoking ssh.
type Starter interface {
	Start(ctx context.Context, binary string, args []string) (*exec.Cmd, error)
}

// execStarter is the production Starter: it runs the real binary.
type execStarter struct{}

func (execStarter) Start(ctx context.Context, binary string, args []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = io.Discard
	if _, err := cmd.StderrPipe(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// NewExecStarter returns the production Starter.
func NewExecStarter() Starter { return execStarter{} }

// ptyStarter abstracts spawning a command attached to a pseudo-terminal
// so tests can substitute a scripted stand-in for the interactive
// password prompt sequence instead of a real ssh binary.
type ptyStarter interface {
	StartPTY(ctx context.Context, binary string, args []string) (*exec.Cmd, io.ReadWriteCloser, error)
}

// execPTYStarter is the production ptyStarter: it allocates a real
// pseudo-terminal via creack/pty and attaches it to the child's
// stdin/stdout/stderr.
type execPTYStarter struct{}

func (execPTYStarter) StartPTY(ctx context.Context, binary string, args []string) (*exec.Cmd, io.ReadWriteCloser, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptmx, nil
}

// runPasswordExpect drives the STARTING→[HOSTKEY?]→[PASSWORD?] portion
// of spec.md §4.8's state machine against an already-spawned ssh
// child's pty, writing secret exactly once when the password prompt
// appears. It returns nil once the interactive phase is done (R6: EOF)
// so the caller's stabilization/liveness check decides RUNNING vs
// FAILED, same as the non-interactive path.
func runPasswordExpect(ptmx io.ReadWriter, secret string) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(ptmx)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	passwordSent := false
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch {
			case hostKeyFailedPattern.MatchString(line):
				return fmt.Errorf("%w: host key verification failed", ErrAuthFailed)
			case permDeniedPattern.MatchString(line):
				return fmt.Errorf("%w: permission denied", ErrAuthFailed)
			case connRefusedPattern.MatchString(line):
				return fmt.Errorf("tunnel: connection refused")
			case hostKeyPromptPattern.MatchString(line):
				if _, err := io.WriteString(ptmx, "yes\n"); err != nil {
					return fmt.Errorf("tunnel: write host key confirmation: %w", err)
				}
			case !passwordSent && passwordPromptPattern.MatchString(line):
				if _, err := io.WriteString(ptmx, secret+"\n"); err != nil {
					return fmt.Errorf("tunnel: write password: %w", err)
				}
				passwordSent = true
			}
		case <-time.After(expectStageTimeout):
			return fmt.Errorf("%w: password prompt expect stage timed out", ErrAuthFailed)
		}
	}
}

// handle tracks one spawned tunnel's process and lifecycle state.
type handle struct {
	cmd     *exec.Cmd
	ptmx    io.Closer
	cancel  context.CancelFunc
	done    chan struct{}
	waitErr error
	state   models.TunnelState
}

// Manager owns zero or more spawned SSH tunnels, keyed by an
// identifier derived from their TunnelSpec. Each tunnel's child
// handle is owned by the Manager alone; teardown is gated by closing
// its done channel exactly once.
type Manager struct {
	starter    Starter
	ptyStarter ptyStarter
	retry      *retry.Policy
	log        *zap.Logger

	mu      sync.Mutex
	tunnels map[string]*handle
}

// NewManager creates a Manager. starter defaults to NewExecStarter()
// when nil, and retryPolicy defaults to retry.NewPolicy() when nil.
func NewManager(starter Starter, retryPolicy *retry.Policy, log *zap.Logger) *Manager {
	if starter == nil {
		starter = NewExecStarter()
	}
	if retryPolicy == nil {
		retryPolicy = retry.NewPolicy()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		starter:    starter,
		ptyStarter: execPTYStarter{},
		retry:      retryPolicy,
		log:        log,
		tunnels:    make(map[string]*handle),
	}
}

// specKey derives a stable per-target identifier for retry/circuit
// breaker bookkeeping and tunnel lookup.
func specKey(spec models.TunnelSpec) string {
	return fmt.Sprintf("%s|%s:%d|%s:%d->%s:%d",
		spec.Mode, spec.JumpHost, spec.JumpPort, spec.Bind.Host, spec.Bind.Port, spec.Target.Host, spec.Target.Port)
}

// Spawn starts a tunnel for spec, retrying transient failures with
// the Manager's RetryPolicy up to MaxRetries. AuthFailed is never
// retried. Returns the tunnel's identifier and its post-stabilization
// state.
func (m *Manager) Spawn(ctx context.Context, spec models.TunnelSpec) (string, models.TunnelState, error) {
	if err := spec.Validate(); err != nil {
		return "", models.TunnelState{}, fmt.Errorf("tunnel: invalid spec: %w", err)
	}

	id := specKey(spec)
	var lastErr error
	for attempt := 0; ; attempt++ {
		h, err := m.spawnOnce(ctx, spec)
		if err == nil {
			m.retry.RecordSuccess(id)
			m.mu.Lock()
			m.tunnels[id] = h
			m.mu.Unlock()
			return id, h.state, nil
		}

		lastErr = err
		if errors.Is(err, ErrAuthFailed) {
			return "", models.TunnelState{}, err
		}
		m.retry.RecordFailure(id, err)
		if !m.retry.ShouldRetry(attempt, err) {
			break
		}
		backoff := m.retry.NextBackoff(attempt+1, 0)
		m.log.Warn("tunnel spawn failed, retrying", zap.String("id", id), zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return "", models.TunnelState{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", models.TunnelState{}, fmt.Errorf("tunnel: spawn failed after retries: %w", lastErr)
}

func (m *Manager) spawnOnce(parent context.Context, spec models.TunnelSpec) (*handle, error) {
	binary, args, interactive, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)

	var cmd *exec.Cmd
	var ptmx io.ReadWriteCloser
	if interactive {
		cmd, ptmx, err = m.ptyStarter.StartPTY(ctx, binary, args)
		if err == nil {
			if expectErr := runPasswordExpect(ptmx, spec.Auth.Secret); expectErr != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				_ = ptmx.Close()
				err = expectErr
			}
		}
	} else {
		cmd, err = m.starter.Start(ctx, binary, args)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("tunnel: start %s: %w", binary, err)
	}

	h := &handle{
		cmd:    cmd,
		ptmx:   ptmx,
		cancel: cancel,
		done:   make(chan struct{}),
		state: models.TunnelState{
			IsPTY:   interactive,
			BoundAt: time.Now(),
			Phase:   models.TunnelSpawning,
		},
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	time.Sleep(stabilizationWindow)

	select {
	case <-h.done:
		cancel()
		return nil, fmt.Errorf("tunnel: process exited during stabilization: %w", h.waitErr)
	default:
	}

	h.state.Alive = true
	h.state.Phase = models.TunnelRunning
	return h, nil
}

// State returns the current lifecycle state of the tunnel identified
// by id.
func (m *Manager) State(id string) (models.TunnelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tunnels[id]
	if !ok {
		return models.TunnelState{}, fmt.Errorf("tunnel: %s not found", id)
	}

	select {
	case <-h.done:
		h.state.Alive = false
		h.state.Phase = models.TunnelClosed
	default:
	}
	return h.state, nil
}

// Stop tears down the tunnel identified by id: terminate, wait up to
// teardownGrace, then kill. The tunnel stays registered in the closed
// phase, so State keeps reporting it and a repeated Stop returns nil.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tunnels[id]
	if !ok {
		return fmt.Errorf("tunnel: %s not found", id)
	}
	return stopHandle(h)
}

func stopHandle(h *handle) error {
	select {
	case <-h.done:
		if h.ptmx != nil {
			_ = h.ptmx.Close()
		}
		h.state.Phase = models.TunnelClosed
		h.state.Alive = false
		return nil
	default:
	}

	h.state.Phase = models.TunnelClosing
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(teardownGrace):
		_ = h.cmd.Process.Kill()
		<-h.done
	}

	if h.ptmx != nil {
		_ = h.ptmx.Close()
	}
	h.cancel()
	h.state.Phase = models.TunnelClosed
	h.state.Alive = false
	return nil
}

// buildCommand assembles the ssh command line for spec, mirroring
// SSHConfig.get_ssh_command_base and the forward/reverse tunnel
// builders of the original driver. The returned bool reports whether
// the caller must drive the command through the interactive
// pseudo-terminal password expect loop rather than starting it
// directly: true when password auth is requested and sshpass is not
// on PATH.
func buildCommand(spec models.TunnelSpec) (string, []string, bool, error) {
	var args []string

	switch spec.Auth.Kind {
	case models.AuthKey:
		args = append(args, "-i", spec.Auth.IdentityPath, "-o", "PreferredAuthentications=publickey")
	case models.AuthPassword:
		args = append(args, "-o", "PreferredAuthentications=password", "-o", "PubkeyAuthentication=no")
	}
	args = append(args, "-p", strconv.Itoa(spec.JumpPort))

	switch spec.Mode {
	case models.TunnelForward:
		args = append(args, "-L", fmt.Sprintf("%d:%s:%d", spec.Bind.Port, spec.Target.Host, spec.Target.Port))
	case models.TunnelReverse:
		// 0.0.0.0 bind on the jump host requires GatewayPorts
		// clientspecified (or yes); a documented precondition, not
		// enforced here.
		args = append(args, "-R", fmt.Sprintf("0.0.0.0:%d:%s:%d", spec.Target.Port, spec.Bind.Host, spec.Bind.Port))
	}

	args = append(args, "-N", fmt.Sprintf("%s@%s", spec.JumpUser, spec.JumpHost))

	if spec.Auth.Kind != models.AuthPassword {
		return "ssh", args, false, nil
	}
	if spec.Auth.Secret == "" {
		return "", nil, false, fmt.Errorf("%w: no password supplied", ErrAuthFailed)
	}

	if sshpassPath, err := exec.LookPath("sshpass"); err == nil {
		wrapped := append([]string{"-p", spec.Auth.Secret, "ssh"}, args...)
		return sshpassPath, wrapped, false, nil
	}

	// sshpass unavailable: fall back to driving ssh interactively
	// through a pseudo-terminal (spec.md §4.8's expect state machine).
	return "ssh", args, true, nil
}
