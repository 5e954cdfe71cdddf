package wire

import (
	"errors"
	"net"
	"testing"

	"github.com/trackshift-tunnel/tunnel/internal/transport"
)

func newCodecPair(t *testing.T) (*Codec, *Codec, func()) {
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

	a := NewCodec(transport.New(client))
	b := NewCodec(transport.New(server))
	return a, b, func() {
		client.Close()
		server.Close()
	}
}

func TestWriteReadMsgFrame(t *testing.T) {
	a, b, cleanup := newCodecPair(t)
	defer cleanup()

	done := make(chan error, 1)
	go func() { done <- a.Write(NewMsgFrame("note.txt|13")) }()

	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got.Type != TypeMSG || got.Text() != "note.txt|13" {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestWriteReadFileFrame(t *testing.T) {
	a, b, cleanup := newCodecPair(t)
	defer cleanup()

	payload := make([]byte, 1<<15)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() { done <- a.Write(NewFileFrame(payload)) }()

	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got.Type != TypeFILE || len(got.Payload) != len(payload) {
		t.Fatalf("unexpected frame length: %d", len(got.Payload))
	}
	for i := range payload {
		if got.Payload[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}

func TestReadRejectsUnknownType(t *testing.T) {
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

	b := NewCodec(transport.New(server))

	raw := "00000007" + "BOGUS|0"
	if _, err := client.Write([]byte(raw)); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	if _, err := b.Read(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
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

	a := NewCodecWithMaxFrame(transport.New(client), 4)
	b := NewCodecWithMaxFrame(transport.New(server), 4)

	done := make(chan error, 1)
	go func() { done <- a.Write(NewFileFrame(make([]byte, 16))) }()

	_, err = b.Read()
	<-done
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for oversized frame, got %v", err)
	}
}
