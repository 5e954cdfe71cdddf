// Package legacywhole implements the non-adaptive whole-file transfer
// path kept as a fallback behind the same two operations
// FileTransferService exposes: one FILE frame per file when it fits
// under the frame limit, otherwise fixed-size slices with no
// BufferManager involved. Selected when
// performance.use_adaptive_transfer is false.
package legacywhole

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/trackshift-tunnel/tunnel/internal/handshake"
	"github.com/trackshift-tunnel/tunnel/internal/integrity"
	"github.com/trackshift-tunnel/tunnel/internal/progress"
	"github.com/trackshift-tunnel/tunnel/internal/session"
	"github.com/trackshift-tunnel/tunnel/internal/transport"
	"github.com/trackshift-tunnel/tunnel/internal/wire"
	"github.com/trackshift-tunnel/tunnel/pkg/models"
	"github.com/trackshift-tunnel/tunnel/pkg/utils"
)

// Service is the non-adaptive counterpart of transfer.Service: same
// handshake and wire protocol, but it slices a file into fixed
// MAX_FRAME-sized pieces instead of consulting a BufferManager.
type Service struct {
	sessions   *session.Manager
	bus        *progress.Bus
	log        *zap.Logger
	verifyHash bool
	maxFrame   int
}

// New creates a Service. sessions/bus/log may be nil. maxFrame <= 0
// falls back to wire.DefaultMaxFrame.
func New(sessions *session.Manager, bus *progress.Bus, log *zap.Logger, verifyHash bool, maxFrame int) *Service {
	if sessions == nil {
		sessions = session.NewManager()
	}
	if bus == nil {
		bus = progress.NewBus(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrame
	}
	return &Service{sessions: sessions, bus: bus, log: log, verifyHash: verifyHash, maxFrame: maxFrame}
}

// SendFile transfers path over tr as one FILE frame per
// min(maxFrame, remaining) slice, with no adaptive resizing.
func (s *Service) SendFile(tr transport.Transport, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("legacywhole: stat %s: %w", path, err)
	}

	var fileHash string
	if s.verifyHash {
		fileHash, err = utils.HashFileSHA256(path)
		if err != nil {
			return fmt.Errorf("legacywhole: hash %s: %w", path, err)
		}
	}

	sess, err := s.sessions.Create(info.Name(), info.Size())
	if err != nil {
		return fmt.Errorf("legacywhole: create session: %w", err)
	}

	codec := wire.NewCodec(tr)
	sh := handshake.NewSenderHandshake(codec)

	if err := sh.SendMeta(handshake.Meta{FileName: info.Name(), Size: info.Size(), FileHash: fileHash}); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("legacywhole: send meta: %w", err)
	}
	if err := sh.AwaitReady(); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("legacywhole: await ready: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("legacywhole: open %s: %w", path, err)
	}
	defer f.Close()

	sendErr := s.sendSlices(sess.TaskID, info.Name(), info.Size(), codec, f)

	status := handshake.StatusSuccess
	if sendErr != nil {
		status = handshake.StatusFail
	}
	if err := sh.SendStatus(status); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("legacywhole: send status: %w", err)
	}

	finalOK, err := sh.AwaitFinal()
	if err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return fmt.Errorf("legacywhole: await final: %w", err)
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
		return fmt.Errorf("legacywhole: receiver reported failure in FINAL")
	}
	return nil
}

func (s *Service) sendSlices(taskID, name string, size int64, codec *wire.Codec, r io.Reader) error {
	s.bus.Started(taskID, "Sending "+name, size)

	remaining := size
	for remaining > 0 {
		n := int64(s.maxFrame)
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			s.bus.Failed(taskID, err.Error())
			return fmt.Errorf("legacywhole: read slice: %w", err)
		}
		if err := codec.Write(wire.NewFileFrame(buf)); err != nil {
			s.bus.Failed(taskID, err.Error())
			return fmt.Errorf("legacywhole: write file frame: %w", err)
		}
		s.bus.Advanced(taskID, n)
		remaining -= n
	}

	s.bus.Finished(taskID, true)
	return nil
}

// ReceiveFile awaits one file over tr and writes it to
// outDir/received_<name>, reading whatever FILE frame sizes the
// sender chose to slice it into.
func (s *Service) ReceiveFile(tr transport.Transport, outDir string) (string, error) {
	codec := wire.NewCodec(tr)
	rh := handshake.NewReceiverHandshake(codec)

	meta, err := rh.AwaitMeta()
	if err != nil {
		return "", fmt.Errorf("legacywhole: await meta: %w", err)
	}

	sess, err := s.sessions.Create(meta.FileName, meta.Size)
	if err != nil {
		return "", fmt.Errorf("legacywhole: create session: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return "", fmt.Errorf("legacywhole: ensure output dir %s: %w", outDir, err)
	}
	outPath := filepath.Join(outDir, "received_"+meta.FileName)

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return "", fmt.Errorf("legacywhole: create output file %s: %w", outPath, err)
	}

	if err := rh.SendReady(); err != nil {
		f.Close()
		_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
		return "", fmt.Errorf("legacywhole: send ready: %w", err)
	}

	recvErr := s.receiveSlices(sess.TaskID, meta.FileName, meta.Size, codec, f)
	if closeErr := f.Close(); closeErr != nil && recvErr == nil {
		recvErr = fmt.Errorf("legacywhole: close output file: %w", closeErr)
	}

	// A payload failure leaves the sender mid-stream with no idea
	// anything went wrong: the next frame on the wire is not its
	// STATUS message. Skip straight to FINAL so the sender's
	// AwaitFinal unblocks instead of stalling on the read deadline.
	var senderStatus handshake.Status
	if recvErr == nil {
		senderStatus, err = rh.AwaitStatus()
		if err != nil {
			_, _ = s.sessions.Finish(sess.TaskID, models.OutcomeFail)
			return "", fmt.Errorf("legacywhole: await status: %w", err)
		}
	}

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
		return "", fmt.Errorf("legacywhole: send final: %w", err)
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
		return "", fmt.Errorf("legacywhole: sender reported failure in STATUS")
	case verifyErr != nil:
		return "", verifyErr
	}
	return outPath, nil
}

func (s *Service) receiveSlices(taskID, name string, size int64, codec *wire.Codec, w io.Writer) error {
	s.bus.Started(taskID, "Receiving "+name, size)

	var received int64
	for received < size {
		frame, err := codec.Read()
		if err != nil {
			s.bus.Failed(taskID, err.Error())
			return fmt.Errorf("legacywhole: read frame: %w", err)
		}
		if frame.Type != wire.TypeFILE {
			err := fmt.Errorf("%w: expected FILE frame during payload, got %s", wire.ErrProtocol, frame.Type)
			s.bus.Failed(taskID, err.Error())
			return err
		}
		if _, err := w.Write(frame.Payload); err != nil {
			s.bus.Failed(taskID, err.Error())
			return fmt.Errorf("legacywhole: write payload: %w", err)
		}
		received += int64(len(frame.Payload))
		s.bus.Advanced(taskID, int64(len(frame.Payload)))
	}

	s.bus.Finished(taskID, true)
	return nil
}
