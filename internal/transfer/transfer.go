// Package transfer wires the handshake, chunk engine, session
// registry, and progress bus together into the two operations the
// rest of the system cares about: sending one file, receiving one
// file.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/trackshift-tunnel/tunnel/internal/chunkengine"
	"github.com/trackshift-tunnel/tunnel/internal/flowcontrol"
	"github.com/trackshift-tunnel/tunnel/internal/handshake"
	"github.com/trackshift-tunnel/tunnel/internal/integrity"
	"github.com/trackshift-tunnel/tunnel/internal/progress"
	"github.com/trackshift-tunnel/tunnel/internal/session"
	"github.com/trackshift-tunnel/tunnel/internal/transport"
	"github.com/trackshift-tunnel/tunnel/internal/wire"
	"github.com/trackshift-tunnel/tunnel/pkg/models"
	"github.com/trackshift-tunnel/tunnel/pkg/utils"
)

// defaultChunkSize seeds the BufferManager when no adaptive probe
// classification is available.
const defaultChunkSize = 64 * 1024

// Service is the FileTransferService façade: one send or one receive
// per call, each driving its own handshake/session/chunk engine.
type Service struct {
	sessions   *session.Manager
	bus        *progress.Bus
	log        *zap.Logger
	verifyHash bool
	minChunk   int64
	maxChunk   int64
}

// New creates a Service. bus and log may be nil. minChunk/maxChunk
// override BufferManager's default clamp bounds
// (performance.chunk_min_size/chunk_max_size in config) when positive;
// pass 0 for either to keep the spec default.
func New(sessions *session.Manager, bus *progress.Bus, log *zap.Logger, verifyHash bool, minChunk, maxChunk int64) *Service {
	if sessions == nil {
		sessions = session.NewManager()
	}
	if bus == nil {
		bus = progress.NewBus(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{sessions: sessions, bus: bus, log: log, verifyHash: verifyHash, minChunk: minChunk, maxChunk: maxChunk}
}

// initialChunkSize picks a starting chunk size from an optional
// NetworkOptimizationMode recommendation (0 to fall back to the
// default).
func initialChunkSize(recommended int64) int64 {
	if recommended > 0 {
		return recommended
	}
	return defaultChunkSize
}

// SendFile transfers the file at path over tr, seeding the
// BufferManager from an optional NetworkOptimizationMode
// recommendation (0 to use the default starting chunk size).
func (s *Service) SendFile(tr transport.Transport, path string, recommended int64, latencyS float64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", path, err)
	}

	var fileHash string
	if s.verifyHash {
		fileHash, err = utils.HashFileSHA256(path)
		if err != nil {
			return fmt.Errorf("transfer: hash %s: %w", path, err)
		}
	}

	sess, err := s.sessions.Create(info.Name(), info.Size())
	if err != nil {
		return fmt.Errorf("transfer: create session: %w", err)
	}

	codec := wire.NewCodec(tr)
	sh := handshake.NewSenderHandshake(codec)

	if err := sh.SendMeta(handshake.Meta{FileName: info.Name(), Size: info.Size(), FileHash: fileHash}); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("transfer: send meta: %w", err)
	}
	if err := sh.AwaitReady(); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("transfer: await ready: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer f.Close()

	buf := flowcontrol.NewBufferManager(initialChunkSize(recommended), latencyS, s.minChunk, s.maxChunk)
	engine := chunkengine.New(codec, tr, buf, s.bus)

	sendErr := engine.Send(sess.TaskID, info.Name(), info.Size(), f)
	status := handshake.StatusSuccess
	if sendErr != nil {
		status = handshake.StatusFail
	}
	if err := sh.SendStatus(status); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("transfer: send status: %w", err)
	}

	finalOK, err := sh.AwaitFinal()
	if err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("transfer: await final: %w", err)
	}

	outcome := models.OutcomeSuccess
	if sendErr != nil || !finalOK {
		outcome = models.OutcomeFail
	}
	if _, err := s.sessions.Finish(sess.TaskID, outcome); err != nil {
		s.log.Warn("finish session", zap.String("task_id", sess.TaskID), zap.Error(err))
	}

	if sendErr != nil {
		return sendErr
	}
	if !finalOK {
		return fmt.Errorf("transfer: receiver reported failure in FINAL")
	}
	return nil
}

// ReceiveFile awaits one file over tr, writes it to
// outDir/received_<name>, and verifies its hash if the sender
// supplied one in META. Returns the written path.
func (s *Service) ReceiveFile(tr transport.Transport, outDir string, recommended int64, latencyS float64) (string, error) {
	codec := wire.NewCodec(tr)
	rh := handshake.NewReceiverHandshake(codec)

	meta, err := rh.AwaitMeta()
	if err != nil {
		return "", fmt.Errorf("transfer: await meta: %w", err)
	}

	sess, err := s.sessions.Create(meta.FileName, meta.Size)
	if err != nil {
		return "", fmt.Errorf("transfer: create session: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return "", fmt.Errorf("transfer: ensure output dir %s: %w", outDir, err)
	}
	outPath := filepath.Join(outDir, "received_"+meta.FileName)

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return "", fmt.Errorf("transfer: create output file %s: %w", outPath, err)
	}

	if err := rh.SendReady(); err != nil {
		f.Close()
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return "", fmt.Errorf("transfer: send ready: %w", err)
	}

	buf := flowcontrol.NewBufferManager(initialChunkSize(recommended), latencyS, s.minChunk, s.maxChunk)
	engine := chunkengine.New(codec, tr, buf, s.bus)

	recvErr := engine.Receive(sess.TaskID, meta.FileName, meta.Size, f)
	if closeErr := f.Close(); closeErr != nil && recvErr == nil {
		recvErr = fmt.Errorf("transfer: close output file: %w", closeErr)
	}

	// A payload failure leaves the sender mid-stream with no idea
	// anything went wrong: it is still writing FILE frames, so the
	// next frame on the wire is not its STATUS message. Awaiting
	// STATUS here would either misread a FILE frame as a protocol
	// error or block. Skip straight to FINAL so the sender's
	// AwaitFinal unblocks instead of stalling on the read deadline.
	var senderStatus handshake.Status
	if recvErr == nil {
		senderStatus, err = rh.AwaitStatus()
		if err != nil {
			_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
			return "", fmt.Errorf("transfer: await status: %w", err)
		}
	}

	// A hash mismatch fails the exchange before FINAL is sent, so the
	// sender learns about it through the same STATUS/FINAL round trip
	// it already waits on.
	verifyErr := error(nil)
	if recvErr == nil && senderStatus == handshake.StatusSuccess {
		verifyErr = integrity.Verify(outPath, meta.FileHash)
	}

	final := handshake.StatusSuccess
	if recvErr != nil || senderStatus != handshake.StatusSuccess || verifyErr != nil {
		final = handshake.StatusFail
	}
	if err := rh.SendFinal(final); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return "", fmt.Errorf("transfer: send final: %w", err)
	}

	outcome := models.OutcomeSuccess
	if final == handshake.StatusFail {
		outcome = models.OutcomeFail
	}
	if _, err := s.sessions.Finish(sess.TaskID, outcome); err != nil {
		s.log.Warn("finish session", zap.String("task_id", sess.TaskID), zap.Error(err))
	}

	switch {
	case recvErr != nil:
		return "", recvErr
	case senderStatus != handshake.StatusSuccess:
		return "", fmt.Errorf("transfer: sender reported failure in STATUS")
	case verifyErr != nil:
		return "", verifyErr
	}
	return outPath, nil
}
