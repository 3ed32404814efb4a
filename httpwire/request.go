package httpwire

import "math"

// UnknownLength marks a Content-Length that could not be determined from
// the headers, meaning the body must be read until EOF (spec.md §3).
const UnknownLength = math.MaxInt64

// ConnFlag is a bitset over the Connection header tokens the core cares
// about.
type ConnFlag uint8

const (
	FlagKeepAlive ConnFlag = 1 << iota
	FlagClose
	FlagTE
	FlagTrailers
	FlagUpgrade
)

// String renders the symbolic names of the set bits, comma-separated, the
// way the response serializer echoes them back onto the wire.
func (f ConnFlag) String() string {
	var names []string
	if f&FlagKeepAlive != 0 {
		names = append(names, "keep-alive")
	}
	if f&FlagClose != 0 {
		names = append(names, "close")
	}
	if f&FlagUpgrade != 0 {
		names = append(names, "upgrade")
	}
	if f&FlagTE != 0 {
		names = append(names, "te")
	}
	if f&FlagTrailers != 0 {
		names = append(names, "trailers")
	}

	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}

	return out
}

// BodySink is the Handler Contract's inbound completion: whatever the
// connection FSM writes request-body bytes into. Write must reject bytes
// past whatever capacity the sink enforces (maxreqbody), mapping to a 413
// at the FSM level (see stream.MemorySink / stream.ExternalSink).
type BodySink interface {
	Write(chunk []byte) (n int, err error)
}

// Request is a parsed HTTP request. It is immutable once parsed except for
// the late-bound BodySink, which the FSM installs between the header parse
// and the body read (§4.E "Body sink").
type Request struct {
	Method      string
	URI         string
	HTTPVersion string

	Headers *Headers

	ContentLength int64 // UnknownLength if undetermined
	BodySink      BodySink

	ConnFlags ConnFlag

	// Peer/Local are display strings for the connection's endpoints,
	// threaded through to dispatch parameters (server, address, local).
	Peer, Local string
}

// NewRequest returns a Request ready to be filled in by the parser.
func NewRequest() *Request {
	return &Request{Headers: NewHeaders(16)}
}

// Reset clears a Request for reuse on the next pipelined-free request of a
// keep-alive connection.
func (r *Request) Reset() {
	r.Method = ""
	r.URI = ""
	r.HTTPVersion = ""
	r.Headers.Reset()
	r.ContentLength = 0
	r.BodySink = nil
	r.ConnFlags = 0
}
