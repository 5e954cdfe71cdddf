package chunkengine

import (
	"bytes"
	"net"
	"testing"

	"github.com/trackshift-tunnel/tunnel/internal/flowcontrol"
	"github.com/trackshift-tunnel/tunnel/internal/transport"
	"github.com/trackshift-tunnel/tunnel/internal/wire"
)

func newEnginePair(t *testing.T) (*Engine, *Engine, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, err = ln.Accept()
		close(accepted)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-accepted
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	ln.Close()

	clientTr := transport.New(client)
	serverTr := transport.New(server)

	sender := New(wire.NewCodec(clientTr), clientTr, flowcontrol.NewBufferManager(1<<14, 0.02, 0, 0), nil)
	receiver := New(wire.NewCodec(serverTr), serverTr, flowcontrol.NewBufferManager(1<<14, 0.02, 0, 0), nil)

	return sender, receiver, func() {
		client.Close()
		server.Close()
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	sender, receiver, cleanup := newEnginePair(t)
	defer cleanup()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 5000) // ~80KB, multiple chunks

	var out bytes.Buffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- sender.Send("task-1", "payload.bin", int64(len(payload)), bytes.NewReader(payload))
	}()

	if err := receiver.Receive("task-1", "payload.bin", int64(len(payload)), &out); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("round-tripped payload mismatch: got %d bytes, want %d", out.Len(), len(payload))
	}
}

func TestReceiveRejectsNonFileFrameDuringPayload(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, err = ln.Accept()
		close(accepted)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-accepted
	defer client.Close()
	defer server.Close()

	receiver := New(wire.NewCodec(transport.New(server)), transport.New(server), flowcontrol.NewBufferManager(1<<14, 0.02, 0, 0), nil)
	codec := wire.NewCodec(transport.New(client))
	go func() { _ = codec.Write(wire.NewMsgFrame("unexpected")) }()

	var out bytes.Buffer
	if err := receiver.Receive("task-2", "f.bin", 10, &out); err == nil {
		t.Fatalf("expected protocol error for non-FILE frame during payload")
	}
}
