// Package peertest drives the far end of an in-memory peer link from a test.
package peertest

import (
	"net"
	"testing"

	"github.com/danmuck/edgepeer/internal/protocol"
	"github.com/danmuck/edgepeer/internal/protocol/frame"
)

// Remote is the test-controlled side of a link. Calls fail the test on error.
type Remote struct {
	t    testing.TB
	raw  net.Conn
	conn *frame.Conn
}

// Pipe returns the local transport to hand to the code under test and the
// remote side to script. The remote is closed when the test ends.
func Pipe(t testing.TB) (net.Conn, *Remote) {
	t.Helper()
	local, raw := net.Pipe()
	r := &Remote{t: t, raw: raw, conn: frame.NewConn(raw)}
	t.Cleanup(func() { _ = r.conn.Close() })
	return local, r
}

// Expect reads one message and fails unless it equals want.
func (r *Remote) Expect(want protocol.Message) {
	r.t.Helper()
	got, err := r.conn.ReadMessage()
	if err != nil {
		r.t.Fatalf("remote read: %v", err)
	}
	if got != want {
		r.t.Fatalf("remote read got=%s want=%s", got, want)
	}
}

// Read returns the next message or the error that ended the stream.
func (r *Remote) Read() (protocol.Message, error) {
	return r.conn.ReadMessage()
}

func (r *Remote) Send(m protocol.Message) {
	r.t.Helper()
	if err := r.conn.WriteMessage(m); err != nil {
		r.t.Fatalf("remote write %s: %v", m, err)
	}
}

// SendRaw writes bytes as-is, bypassing the encoder.
func (r *Remote) SendRaw(b []byte) {
	r.t.Helper()
	if _, err := r.raw.Write(b); err != nil {
		r.t.Fatalf("remote raw write: %v", err)
	}
}

func (r *Remote) Close() {
	_ = r.conn.Close()
}
