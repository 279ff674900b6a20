package frame

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/danmuck/edgepeer/internal/protocol"
	"github.com/danmuck/edgepeer/internal/testutil/testlog"
)

// stream is a scripted transport: reads come from r, writes land in w.
type stream struct {
	r      io.Reader
	w      bytes.Buffer
	closed int
}

func (s *stream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stream) Close() error {
	s.closed++
	return nil
}

func wire(t *testing.T, msgs ...protocol.Message) []byte {
	t.Helper()
	var out []byte
	for _, m := range msgs {
		var err error
		out, err = protocol.Encode(out, m)
		if err != nil {
			t.Fatalf("encode %s: %v", m, err)
		}
	}
	return out
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	a := NewConn(left)
	b := NewConn(right)
	defer a.Close()
	defer b.Close()

	sent := []protocol.Message{
		protocol.Ping(),
		protocol.Info("control plane"),
		protocol.Heartbeat(99),
		protocol.Pong(),
	}
	errc := make(chan error, 1)
	go func() {
		for _, m := range sent {
			if err := a.WriteMessage(m); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	for i, want := range sent {
		got, err := b.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("read %d: got=%s want=%s", i, got, want)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReadMessageOneByteAtATime(t *testing.T) {
	testlog.Start(t)
	data := wire(t, protocol.Info("slow"), protocol.Heartbeat(1), protocol.Ping())
	s := &stream{r: iotest.OneByteReader(bytes.NewReader(data))}
	c := NewConn(s)

	for _, want := range []protocol.Message{protocol.Info("slow"), protocol.Heartbeat(1), protocol.Ping()} {
		got, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != want {
			t.Fatalf("got=%s want=%s", got, want)
		}
	}
	if c.Buffered() != 0 {
		t.Fatalf("expected empty buffer, have %d bytes", c.Buffered())
	}
	if _, err := c.ReadMessage(); !errors.Is(err, protocol.ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed after clean eof, got %v", err)
	}
}

func TestReadMessageKeepsTrailingFrameBuffered(t *testing.T) {
	testlog.Start(t)
	data := wire(t, protocol.Pong(), protocol.Info("next"))
	c := NewConn(&stream{r: bytes.NewReader(data)})

	got, err := c.ReadMessage()
	if err != nil || got != protocol.Pong() {
		t.Fatalf("first read got=%s err=%v", got, err)
	}
	if c.Buffered() != len(wire(t, protocol.Info("next"))) {
		t.Fatalf("unexpected buffered bytes: %d", c.Buffered())
	}
	got, err = c.ReadMessage()
	if err != nil || got != protocol.Info("next") {
		t.Fatalf("second read got=%s err=%v", got, err)
	}
}

func TestReadMessageResetMidFrame(t *testing.T) {
	testlog.Start(t)
	data := wire(t, protocol.Info("truncated"))
	c := NewConn(&stream{r: bytes.NewReader(data[:5])})
	if _, err := c.ReadMessage(); !errors.Is(err, protocol.ErrConnReset) {
		t.Fatalf("expected ErrConnReset, got %v", err)
	}
}

func TestReadMessageInvalidEncoding(t *testing.T) {
	testlog.Start(t)
	c := NewConn(&stream{r: strings.NewReader("\x00garbage\r\n")})
	if _, err := c.ReadMessage(); !errors.Is(err, protocol.ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}

func TestReadMessageTransportFailure(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("link down")
	c := NewConn(&stream{r: iotest.ErrReader(cause)})
	_, err := c.ReadMessage()
	if !errors.Is(err, protocol.ErrBadIO) {
		t.Fatalf("expected ErrBadIO, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestWriteMessageOversizedInfoKeepsConnUsable(t *testing.T) {
	testlog.Start(t)
	s := &stream{r: bytes.NewReader(nil)}
	c := NewConn(s)

	err := c.WriteMessage(protocol.Info(strings.Repeat("x", protocol.MaxFrameLength+1)))
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if s.w.Len() != 0 {
		t.Fatalf("oversized info must not reach the transport")
	}
	if err := c.WriteMessage(protocol.Ping()); err != nil {
		t.Fatalf("write after rejected info: %v", err)
	}
	if s.w.String() != ">PING\r\n" {
		t.Fatalf("unexpected wire bytes: %q", s.w.String())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s := &stream{r: bytes.NewReader(nil)}
	c := NewConn(s)
	_ = c.Close()
	_ = c.Close()
	if s.closed != 1 {
		t.Fatalf("expected one transport close, got %d", s.closed)
	}
}

func TestReadAfterLocalCloseIsClosed(t *testing.T) {
	testlog.Start(t)
	left, right := net.Pipe()
	defer right.Close()
	c := NewConn(left)
	_ = c.Close()
	if _, err := c.ReadMessage(); !errors.Is(err, protocol.ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}
