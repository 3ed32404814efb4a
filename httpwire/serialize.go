package httpwire

import (
	"io"
	"strconv"

	"github.com/corehttp/corehttp/httpwire/status"
	"github.com/corehttp/corehttp/internal/netio"
)

var (
	crlf       = []byte("\r\n")
	colonSpace = []byte(": ")
)

// Serializer renders a Response onto the wire, reusing its internal
// buffer across requests on the same keep-alive connection (grounded on
// the teacher's http/render.Renderer, which reuses r.buff the same way).
type Serializer struct {
	buf          []byte
	maxSendChunk int
}

// NewSerializer returns a Serializer that caps chunked writes at
// maxSendChunk bytes, clamped per spec.md §6 to [10, 65535].
func NewSerializer(maxSendChunk int) *Serializer {
	return &Serializer{maxSendChunk: ClampSendChunk(maxSendChunk)}
}

// ClampSendChunk enforces the configured maxsendchunk boundary from
// spec.md §6 and the boundary behaviors in §8.
func ClampSendChunk(n int) int {
	if n < 10 {
		return 10
	}
	if n > 65535 {
		return 65535
	}
	return n
}

// Write serializes resp as the response to req onto conn: status line,
// headers (Content-Length for a known-length body, Transfer-Encoding:
// chunked otherwise), then the body itself (spec.md §4.C, §4.E).
func (s *Serializer) Write(conn *netio.Conn, req *Request, resp *Response) error {
	if resp.Body == nil {
		resp.synthesizeBody()
	}

	buf := s.buf[:0]
	buf = append(buf, "HTTP/"...)
	buf = append(buf, resp.HTTPVersion...)
	buf = append(buf, ' ')
	buf = append(buf, strconv.Itoa(int(resp.Status))...)
	buf = append(buf, ' ')
	buf = append(buf, status.Text(resp.Status)...)
	buf = append(buf, crlf...)

	length := resp.Body.Len()
	chunked := length < 0

	resp.Headers.Each(func(key, value string) {
		buf = renderHeader(buf, key, value)
	})

	if chunked {
		buf = renderHeader(buf, "Transfer-Encoding", "chunked")
	} else {
		buf = renderHeader(buf, "Content-Length", strconv.FormatInt(length, 10))
	}

	if resp.ConnFlags != 0 {
		buf = renderHeader(buf, "Connection", resp.ConnFlags.String())
	}

	buf = append(buf, crlf...)
	s.buf = buf

	if !chunked {
		return s.writeSized(conn, resp.Body)
	}

	return s.writeChunked(conn, resp.Body)
}

func (s *Serializer) writeSized(conn *netio.Conn, body interface {
	Next() ([]byte, error)
}) error {
	if err := conn.WriteAll(s.buf); err != nil {
		return err
	}

	for {
		chunk, err := body.Next()
		if len(chunk) > 0 {
			if werr := conn.WriteAll(chunk); werr != nil {
				return werr
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *Serializer) writeChunked(conn *netio.Conn, body interface {
	Next() ([]byte, error)
}) error {
	if err := conn.WriteAll(s.buf); err != nil {
		return err
	}

	for {
		chunk, err := body.Next()
		for len(chunk) > 0 {
			piece := chunk
			if len(piece) > s.maxSendChunk {
				piece = piece[:s.maxSendChunk]
			}
			chunk = chunk[len(piece):]

			if werr := s.writeChunkFrame(conn, piece); werr != nil {
				return werr
			}
		}

		if err == io.EOF {
			return conn.WriteAll([]byte("0\r\n\r\n"))
		}
		if err != nil {
			return err
		}
	}
}

// writeChunkFrame frames a single chunk as "<hex length>CRLF<data>CRLF".
// spec.md §9 notes the source's "%08x"-truncated prefix as an ambiguity;
// this emits a canonical lowercase hex length with no padding, which is
// what a conforming client expects.
func (s *Serializer) writeChunkFrame(conn *netio.Conn, data []byte) error {
	header := strconv.FormatInt(int64(len(data)), 16)

	frame := make([]byte, 0, len(header)+len(data)+4)
	frame = append(frame, header...)
	frame = append(frame, crlf...)
	frame = append(frame, data...)
	frame = append(frame, crlf...)

	return conn.WriteAll(frame)
}

func renderHeader(buf []byte, key, value string) []byte {
	buf = append(buf, key...)
	buf = append(buf, colonSpace...)
	buf = append(buf, value...)
	return append(buf, crlf...)
}
