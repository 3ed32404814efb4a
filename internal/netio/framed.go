// Package netio implements the Framed I/O Primitives component (spec.md
// §4.B): buffered, deadline-bounded reads/writes over a net.Conn, plus the
// empty-line and header-continuation scans the request parser needs.
//
// The source material drives a raw socket through a manual
// select(readable|writable|error, 10ms) loop with EAGAIN-style retries.
// Go's net.Conn already exposes the same suspension point idiomatically
// via SetReadDeadline/SetWriteDeadline plus a blocking Read/Write, so that
// substitution is made here rather than hand-rolling select() — recorded
// as an Open Question resolution in DESIGN.md.
package netio

import (
	"bufio"
	"net"
	"time"
)

// Conn wraps a net.Conn with a read buffer, an "unread" pushback for bytes
// the header parser over-read into the body, and a deadline that every
// operation resets on progress (spec.md §4.B, §5).
type Conn struct {
	net.Conn
	r       *bufio.Reader
	Timeout time.Duration

	pending []byte
}

// NewConn wraps conn with a read buffer of bufSize bytes and a default
// per-operation timeout.
func NewConn(conn net.Conn, bufSize int, timeout time.Duration) *Conn {
	return &Conn{
		Conn:    conn,
		r:       bufio.NewReaderSize(conn, bufSize),
		Timeout: timeout,
	}
}

// Unread stashes bytes the caller over-read (e.g. the body parser's lead
// bytes, scanned past the end of headers) so the next ReadSome returns
// them before touching the socket again.
func (c *Conn) Unread(b []byte) {
	if len(b) == 0 {
		return
	}

	c.pending = append(c.pending, b...)
}

// ReadSome arms the deadline, then returns either the pending pushback or
// up to the reader's buffer size of fresh bytes. Every successful read
// resets the deadline on the next call (the caller is expected to call
// ReadSome again immediately, which re-arms it).
func (c *Conn) ReadSome() ([]byte, error) {
	if len(c.pending) > 0 {
		data := c.pending
		c.pending = nil
		return data, nil
	}

	if c.Timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Timeout))
	}

	buf := make([]byte, c.r.Size())
	n, err := c.r.Read(buf)
	if n == 0 {
		return nil, err
	}

	return buf[:n], err
}

// WriteAll arms the deadline and writes b in full, looping until every
// byte is written or an unrecoverable error occurs (spec.md §4.E "Every
// write goes through the deadline loop").
func (c *Conn) WriteAll(b []byte) error {
	if c.Timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	}

	for len(b) > 0 {
		n, err := c.Conn.Write(b)
		if err != nil {
			return err
		}

		b = b[n:]
	}

	return nil
}

// EmptyLineIndex returns the index strictly past the first CRLFCRLF (or,
// tolerantly, LFLF) in buf, or len(buf)+1 if no terminator is present yet
// (spec.md §4.B "Empty-line scan").
func EmptyLineIndex(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\n' {
			if i+1 < len(buf) && buf[i+1] == '\n' {
				return i + 2
			}

			continue
		}

		if buf[i] == '\r' && i+3 < len(buf) &&
			buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i + 4
		}
	}

	return len(buf) + 1
}

// IsContinuation reports whether line begins with a space or tab, marking
// it as a folded continuation of the previous header per RFC 7230 §3.2.4.
func IsContinuation(line []byte) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}
