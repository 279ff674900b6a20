// Package frame adapts a byte stream into a message stream using the protocol codec.
package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/edgepeer/internal/protocol"
)

// maxEmptyReads bounds consecutive (0, nil) reads before the stream is treated as broken.
const maxEmptyReads = 100

// Limits constrains frame read/write buffering.
type Limits struct {
	ReadChunk    int
	WriteBuffer  int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		ReadChunk:   4096,
		WriteBuffer: 512,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.ReadChunk <= 0 {
		l.ReadChunk = def.ReadChunk
	}
	if l.WriteBuffer <= 0 {
		l.WriteBuffer = def.WriteBuffer
	}
	return l
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn is a message-oriented duplex channel over one transport.
// ReadMessage and WriteMessage may run on different goroutines, but each side
// supports a single caller at a time.
type Conn struct {
	rwc    io.ReadWriteCloser
	limits Limits

	pending []byte
	chunk   []byte

	w    *bufio.Writer
	wbuf []byte

	closeOnce sync.Once
	closeErr  error
}

func NewConn(rwc io.ReadWriteCloser) *Conn {
	return NewConnWithLimits(rwc, DefaultLimits())
}

func NewConnWithLimits(rwc io.ReadWriteCloser, limits Limits) *Conn {
	limits = limits.withDefaults()
	return &Conn{
		rwc:     rwc,
		limits:  limits,
		pending: make([]byte, 0, limits.ReadChunk),
		chunk:   make([]byte, limits.ReadChunk),
		w:       bufio.NewWriterSize(rwc, limits.WriteBuffer),
		wbuf:    make([]byte, 0, 2+protocol.MaxFrameLength+2),
	}
}

// ReadMessage blocks until one whole message is decoded or the stream fails.
// A clean end of stream yields protocol.ErrConnClosed; an end of stream in the
// middle of a frame yields protocol.ErrConnReset.
func (c *Conn) ReadMessage() (protocol.Message, error) {
	for {
		msg, n, err := protocol.Decode(c.pending)
		if err == nil {
			c.advance(n)
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrIncomplete) {
			return protocol.Message{}, err
		}
		if err := c.fill(); err != nil {
			return protocol.Message{}, err
		}
	}
}

// WriteMessage encodes and flushes m. Encode failures leave the connection usable.
func (c *Conn) WriteMessage(m protocol.Message) error {
	buf, err := protocol.Encode(c.wbuf[:0], m)
	if err != nil {
		return err
	}
	c.wbuf = buf
	if c.limits.WriteTimeout > 0 {
		if d, ok := c.rwc.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
		}
	}
	if _, err := c.w.Write(buf); err != nil {
		return c.ioError("write", err)
	}
	if err := c.w.Flush(); err != nil {
		return c.ioError("flush", err)
	}
	return nil
}

// Buffered returns the number of received bytes not yet decoded.
func (c *Conn) Buffered() int {
	return len(c.pending)
}

// Close releases the transport. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

func (c *Conn) advance(n int) {
	rest := copy(c.pending, c.pending[n:])
	c.pending = c.pending[:rest]
}

func (c *Conn) fill() error {
	if c.limits.ReadTimeout > 0 {
		if d, ok := c.rwc.(readDeadliner); ok {
			_ = d.SetReadDeadline(time.Now().Add(c.limits.ReadTimeout))
		}
	}
	for empty := 0; empty < maxEmptyReads; empty++ {
		n, err := c.rwc.Read(c.chunk)
		if n > 0 {
			// bytes first; a trailing error resurfaces on the next read
			c.pending = append(c.pending, c.chunk[:n]...)
			return nil
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(c.pending) == 0 {
				return protocol.ErrConnClosed
			}
			return fmt.Errorf("%w: %d bytes of a partial frame pending", protocol.ErrConnReset, len(c.pending))
		}
		return c.ioError("read", err)
	}
	return c.ioError("read", io.ErrNoProgress)
}

func (c *Conn) ioError(op string, err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %s: %v", protocol.ErrConnClosed, op, err)
	}
	return protocol.WrapIO(op, err)
}
