package httpwire

import (
	"strconv"

	"github.com/corehttp/corehttp/httpwire/status"
	"github.com/corehttp/corehttp/stream"
)

// Response is what the Connection FSM serializes onto the wire. Body is
// either a fixed-length buffer or a streaming Source (see stream.Source);
// an unknown length forces chunked transfer encoding (spec.md §3, §4.C).
type Response struct {
	Status      status.Code
	HTTPVersion string
	Headers     *Headers
	Body        stream.Source

	// ConnFlags is echoed into the rendered Connection header.
	ConnFlags ConnFlag
}

// NewResponse returns a Response with an empty header set, ready for a
// handler or the core's own synthesized replies to fill in.
func NewResponse() *Response {
	return &Response{Headers: NewHeaders(8)}
}

// synthesizeBody fills in the minimal "<status> <reason>\r\n" text/plain
// body the core uses when a handler produced neither a body nor a stream
// (spec.md §4.E, last bullet of "Tie-breaks and edge cases").
func (r *Response) synthesizeBody() {
	if r.Body != nil {
		return
	}

	if r.Status < 200 || r.Status >= 600 {
		return
	}

	body := []byte(strconv.Itoa(int(r.Status)) + " " + status.Text(r.Status) + "\r\n")
	r.Headers.Add("Content-Type", "text/plain")
	r.Body = stream.NewInlineBytes(body)
}
