// Package chunkengine drives the per-file send and receive loops:
// reading or writing FILE frames, tracking progress, and periodically
// consulting the BufferManager to retune chunk size and socket
// buffers mid-transfer.
package chunkengine

import (
	"fmt"
	"io"
	"time"

	"github.com/trackshift-tunnel/tunnel/internal/flowcontrol"
	"github.com/trackshift-tunnel/tunnel/internal/progress"
	"github.com/trackshift-tunnel/tunnel/internal/transport"
	"github.com/trackshift-tunnel/tunnel/internal/wire"
)

// sampleEvery is how often (in chunks) the send loop feeds the
// BufferManager and retunes the socket send buffer.
const sampleEvery = 10

// Engine runs one file's send or receive loop over a Codec, reporting
// to a Bus under a single task_id for the whole operation.
type Engine struct {
	codec   *wire.Codec
	tr      transport.Transport
	buf     *flowcontrol.BufferManager
	bus     *progress.Bus
}

// New creates an Engine bound to one Codec/Transport pair and
// BufferManager. bus may be nil, in which case events are dropped.
func New(codec *wire.Codec, tr transport.Transport, buf *flowcontrol.BufferManager, bus *progress.Bus) *Engine {
	if bus == nil {
		bus = progress.NewBus(nil)
	}
	return &Engine{codec: codec, tr: tr, buf: buf, bus: bus}
}

// Send reads from r in chunks sized by the BufferManager, writing a
// FILE frame per chunk, until r is exhausted.
func (e *Engine) Send(taskID, name string, size int64, r io.Reader) error {
	e.bus.Started(taskID, "Sending "+name, size)

	chunkCount := 0
	for {
		chunkSize := e.buf.State().CurrentSize
		buf := make([]byte, chunkSize)

		t0 := time.Now()
		n, readErr := io.ReadFull(r, buf)
		if n == 0 && readErr != nil {
			if readErr == io.EOF {
				break
			}
			e.bus.Failed(taskID, readErr.Error())
			return fmt.Errorf("chunkengine: read payload: %w", readErr)
		}
		if n > 0 && n < len(buf) && readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			e.bus.Failed(taskID, readErr.Error())
			return fmt.Errorf("chunkengine: read payload: %w", readErr)
		}

		payload := buf[:n]
		if err := e.codec.Write(wire.NewFileFrame(payload)); err != nil {
			e.bus.Failed(taskID, err.Error())
			return fmt.Errorf("chunkengine: write file frame: %w", err)
		}
		dt := time.Since(t0)
		e.bus.Advanced(taskID, int64(n))

		chunkCount++
		if chunkCount%sampleEvery == 0 && dt > 0 {
			e.buf.Sample(int64(n), dt)
			proposed := e.buf.Propose()
			_ = e.tr.TuneBuffer(transport.BufferSend, int(proposed))
		}

		if n < len(buf) {
			// short final read: reader is exhausted
			break
		}
	}

	e.bus.Finished(taskID, true)
	return nil
}

// Receive decodes FILE frames from the Codec and writes their
// payloads to w until exactly size bytes have been received. Any
// non-FILE frame seen during payload is a protocol error.
func (e *Engine) Receive(taskID, name string, size int64, w io.Writer) error {
	e.bus.Started(taskID, "Receiving "+name, size)

	var received int64
	for received < size {
		frame, err := e.codec.Read()
		if err != nil {
			e.bus.Failed(taskID, err.Error())
			return fmt.Errorf("chunkengine: read frame: %w", err)
		}
		if frame.Type != wire.TypeFILE {
			err := fmt.Errorf("%w: expected FILE frame during payload, got %s", wire.ErrProtocol, frame.Type)
			e.bus.Failed(taskID, err.Error())
			return err
		}
		if _, err := w.Write(frame.Payload); err != nil {
			e.bus.Failed(taskID, err.Error())
			return fmt.Errorf("chunkengine: write payload: %w", err)
		}
		received += int64(len(frame.Payload))
		e.bus.Advanced(taskID, int64(len(frame.Payload)))
	}

	e.bus.Finished(taskID, true)
	return nil
}
