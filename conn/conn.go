// Package conn implements the Connection FSM of spec.md §4.E: the
// per-connection request loop that reads headers, dispatches routing,
// optionally hands the socket off to an upgrade Runnable, reads the
// request body, dispatches serving, writes the response, and either
// loops for the next request on a keep-alive connection or closes.
//
// Grounded on the teacher's http/server request loop (the same
// read-headers/read-body/respond/loop shape), generalized from the
// teacher's router-call dispatch to the bus's named-topic dispatch.
package conn

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/indigo-web/chunkedbody"

	"github.com/corehttp/corehttp/bus"
	"github.com/corehttp/corehttp/config"
	"github.com/corehttp/corehttp/httpwire"
	"github.com/corehttp/corehttp/httpwire/status"
	"github.com/corehttp/corehttp/internal/netio"
	"github.com/corehttp/corehttp/stream"
)

// headerBufSize is the read-buffer size for both the header scan and the
// body reader, matching spec.md §4.E's "blocks of up to BODY_BUF_SIZE
// (≈4 KiB)".
const headerBufSize = 4096

// Runnable is the capability type an http.upgrade handler attaches to
// claim a connection (spec.md §9 "Long-running sessions"): once the 101
// response is flushed, the FSM hands the bare socket to Run, calls it
// synchronously, and exits its own loop; the socket is closed once Run
// returns.
type Runnable interface {
	Run(conn net.Conn)
}

// Connection owns one accepted socket end to end (spec.md §3 "Connection",
// §5 "the socket is exclusively owned by its Connection").
type Connection struct {
	raw net.Conn
	io  *netio.Conn
	cfg *config.Config
	bus *bus.Bus

	req *httpwire.Request
	ser *httpwire.Serializer

	buf               []byte
	remainingRequests int
	handlerName       string
	peer, local       string

	chunked         bool
	chunkedSettings chunkedbody.Settings
}

// New constructs a Connection ready to Serve over raw.
func New(raw net.Conn, cfg *config.Config, b *bus.Bus) *Connection {
	return &Connection{
		raw:               raw,
		io:                netio.NewConn(raw, headerBufSize, cfg.Timeout),
		cfg:               cfg,
		bus:               b,
		req:               httpwire.NewRequest(),
		ser:               httpwire.NewSerializer(cfg.MaxSendChunk),
		remainingRequests: cfg.MaxRequests,
		peer:              addrString(raw.RemoteAddr()),
		local:             addrString(raw.LocalAddr()),
		chunkedSettings:   chunkedbody.DefaultSettings(),
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Serve runs the FSM until the connection closes, is upgraded away, or is
// exhausted by maxrequests. It always leaves the socket closed on return;
// along the upgrade path that happens after the Runnable's Run returns.
func (c *Connection) Serve() {
	defer c.raw.Close()

	for {
		c.req.Reset()

		if !c.readHeaders() {
			return
		}

		bodyExpected := c.computeContentLength()
		c.computeConnFlags()

		if done := c.route(); done {
			return
		}

		if c.tryUpgrade() {
			return
		}

		sink := c.installBodySink()

		if err := c.readBody(bodyExpected, sink); err != nil {
			if errors.Is(err, httpwire.ErrTooLarge) {
				c.writeError(status.RequestEntityTooLarge, nil)
			} else {
				c.writeError(status.BadRequest, nil)
			}
			return
		}

		resp, handled := c.serve(sink)
		if !handled {
			c.writeError(status.NotFound, nil)
			return
		}

		c.applyRequestBudget()

		resp.HTTPVersion = c.req.HTTPVersion
		resp.ConnFlags = c.req.ConnFlags

		if err := c.ser.Write(c.io, c.req, resp); err != nil {
			c.cfg.Logger.Debug().Err(err).Str("peer", c.peer).
				Msg("connection: socket failure while writing response")
			return
		}

		if c.req.ConnFlags&httpwire.FlagKeepAlive == 0 {
			c.cfg.Logger.Debug().Err(httpwire.ErrCloseConnection).Str("peer", c.peer).
				Msg("connection: closing after response")
			return
		}
	}
}

// applyRequestBudget decrements remainingRequests and forces keep-alive
// off once exhausted (spec.md §4.E "Serving").
func (c *Connection) applyRequestBudget() {
	if c.cfg.MaxRequests <= 0 {
		return
	}

	c.remainingRequests--
	if c.remainingRequests <= 0 {
		c.req.ConnFlags &^= httpwire.FlagKeepAlive
	}
}

// readHeaders fills the read buffer until the empty-line scan succeeds,
// parses the request line and headers, and pushes any already-buffered
// body bytes back for the body reader (spec.md §4.B, §4.C, §4.E).
func (c *Connection) readHeaders() bool {
	c.buf = c.buf[:0]

	for {
		if idx := netio.EmptyLineIndex(c.buf); idx <= len(c.buf) {
			break
		}

		chunk, err := c.io.ReadSome()
		if len(chunk) > 0 {
			c.buf = append(c.buf, chunk...)
			continue
		}

		if err != nil {
			if len(c.buf) == 0 {
				// Idle keep-alive connection closed by the peer: a clean
				// shutdown, not an error (spec.md §5).
				return false
			}

			if err != io.EOF {
				c.cfg.Logger.Debug().Err(err).Str("peer", c.peer).
					Msg("connection: socket failure while reading headers")
			}

			c.writeError(status.BadRequest, nil)
			return false
		}
	}

	lineEnd := bytes.IndexByte(c.buf, '\n')
	if lineEnd == -1 {
		c.writeError(status.BadRequest, nil)
		return false
	}

	requestLine := bytes.TrimSuffix(c.buf[:lineEnd], []byte("\r"))

	method, uri, version, err := httpwire.ParseRequestLine(requestLine)
	if err != nil {
		c.writeError(status.BadRequest, nil)
		return false
	}

	if version != "1.0" && version != "1.1" {
		c.cfg.Logger.Debug().Err(httpwire.ErrUnsupportedProtocol).Str("peer", c.peer).
			Str("version", version).Msg("connection: rejecting request")
		c.writeError(status.HTTPVersionNotSupported, nil)
		return false
	}

	rest := c.buf[lineEnd+1:]
	consumed, err := httpwire.ParseHeaders(rest, c.req.Headers)
	if err != nil {
		c.writeError(status.BadRequest, nil)
		return false
	}

	c.io.Unread(rest[consumed:])

	c.req.Method = method
	c.req.URI = uri
	c.req.HTTPVersion = version
	c.req.Peer = c.peer
	c.req.Local = c.local

	return true
}

// computeContentLength fills in req.ContentLength per the invariant in
// spec.md §3, and reports whether a body is expected at all (everything
// except a TRACE with neither Content-Length nor Transfer-Encoding).
func (c *Connection) computeContentLength() (bodyExpected bool) {
	hasCL := c.req.Headers.Has("Content-Length")
	hasTE := c.req.Headers.Has("Transfer-Encoding")
	c.chunked = hasTE && strings.Contains(strings.ToLower(c.req.Headers.Value("Transfer-Encoding")), "chunked")

	switch {
	case hasCL:
		n, err := strconv.ParseInt(c.req.Headers.Value("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			c.req.ContentLength = 0
		} else {
			c.req.ContentLength = n
		}

	case hasTE:
		c.req.ContentLength = httpwire.UnknownLength

	case c.req.HTTPVersion == "1.0" && (c.req.Method == "GET" || c.req.Method == "HEAD"):
		c.req.ContentLength = 0

	case c.req.HTTPVersion == "1.0":
		c.req.ContentLength = httpwire.UnknownLength

	default:
		c.req.ContentLength = 0
	}

	return !(c.req.Method == "TRACE" && !hasCL && !hasTE)
}

// computeConnFlags derives req.ConnFlags from the HTTP version default and
// the Connection header's comma-separated tokens (spec.md §4.E "Reading
// headers").
func (c *Connection) computeConnFlags() {
	var flags httpwire.ConnFlag
	if c.req.HTTPVersion != "1.0" {
		flags |= httpwire.FlagKeepAlive
	}

	if raw := c.req.Headers.Value("Connection"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			switch strings.ToLower(strings.TrimSpace(tok)) {
			case "keep-alive":
				flags |= httpwire.FlagKeepAlive
			case "close":
				flags |= httpwire.FlagClose
			case "upgrade":
				flags |= httpwire.FlagUpgrade
			case "te":
				flags |= httpwire.FlagTE
			case "trailers":
				flags |= httpwire.FlagTrailers
			}
		}
	}

	if flags&httpwire.FlagClose != 0 {
		flags &^= httpwire.FlagKeepAlive
	}

	c.req.ConnFlags = flags
}

// setBaseParams fills the parameter set every dispatch topic in §4.A
// shares: server/address/local/keepalive/version/method/uri plus every
// received header under hdr_<Name>.
func (c *Connection) setBaseParams(msg *bus.Message) {
	msg.SetParam("server", c.cfg.Server)
	msg.SetParam("address", c.peer)
	msg.SetParam("local", c.local)
	msg.SetParam("keepalive", strconv.FormatBool(c.req.ConnFlags&httpwire.FlagKeepAlive != 0))
	msg.SetParam("version", c.req.HTTPVersion)
	msg.SetParam("method", c.req.Method)
	msg.SetParam("uri", c.req.URI)

	for _, key := range c.req.Headers.Keys() {
		msg.SetParam("hdr_"+key, c.req.Headers.Value(key))
	}
}

// route dispatches http.route (spec.md §4.E "Routing"). It returns true if
// it already wrote a terminal response (a routing short-circuit) and the
// connection should close.
func (c *Connection) route() bool {
	msg := bus.NewMessage("http.route")
	c.setBaseParams(msg)

	c.bus.Dispatch(msg)

	if ret := msg.RetValue; len(ret) > 0 && ret[0] >= '3' && ret[0] <= '9' {
		if code, err := strconv.Atoi(ret); err == nil && status.IsError(code) {
			c.writeError(status.Code(code), msg)
			return true
		}
	}

	c.handlerName = msg.Param("handler")
	return false
}

// tryUpgrade dispatches http.upgrade when the request carries both the
// Upgrade connection-flag and header, and hands the socket to whatever
// Runnable the winning handler attaches (spec.md §4.E "Upgrade").
func (c *Connection) tryUpgrade() bool {
	if c.req.ConnFlags&httpwire.FlagUpgrade == 0 {
		return false
	}
	if !c.req.Headers.Has("Upgrade") {
		return false
	}

	msg := bus.NewMessage("http.upgrade")
	c.setBaseParams(msg)

	if !c.bus.Dispatch(msg) {
		c.req.ConnFlags &^= httpwire.FlagUpgrade
		return false
	}

	obj, ok := msg.Object("Runnable")
	if !ok {
		c.req.ConnFlags &^= httpwire.FlagUpgrade
		return false
	}

	runnable, ok := obj.(Runnable)
	if !ok {
		c.req.ConnFlags &^= httpwire.FlagUpgrade
		return false
	}

	resp := httpwire.NewResponse()
	resp.HTTPVersion = c.req.HTTPVersion
	resp.Status = status.SwitchingProtocols
	resp.Headers.Add("Upgrade", c.req.Headers.Value("Upgrade"))
	resp.Headers.Add("Connection", "Upgrade")
	copyOutboundHeaders(msg, resp.Headers)
	c.applyDefaultHeaders(resp)
	resp.Body = stream.NewInlineBytes(nil)

	if err := c.ser.Write(c.io, c.req, resp); err != nil {
		return true
	}

	c.cfg.Logger.Debug().Err(httpwire.ErrHijacked).Str("peer", c.peer).
		Str("handler", c.handlerName).Msg("connection: socket handed off to upgrade runnable")
	runnable.Run(c.raw)
	return true
}

// installBodySink dispatches http.preserve and installs whichever Sink it
// gets back, falling to an in-memory sink bounded by maxreqbody otherwise
// (spec.md §4.E "Body sink", §9 on the contentLength reset/copy order).
func (c *Connection) installBodySink() stream.Sink {
	msg := bus.NewMessage("http.preserve")
	c.setBaseParams(msg)

	c.bus.Dispatch(msg)

	if obj, ok := msg.Object("Stream"); ok {
		if sink, ok := obj.(stream.Sink); ok {
			c.req.ContentLength = httpwire.UnknownLength
			if cl := msg.Param("ohdr_Content-Length"); cl != "" {
				if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
					c.req.ContentLength = n
				}
			}

			c.req.BodySink = sink
			return sink
		}
	}

	sink := stream.NewMemorySink(c.cfg.MaxReqBody)
	c.req.BodySink = sink
	return sink
}

// readBody drains any already-buffered body bytes and then reads in
// BODY_BUF_SIZE blocks until either the known length is exhausted or, for
// an unknown length, EOF arrives (spec.md §4.E "Reading body").
func (c *Connection) readBody(bodyExpected bool, sink stream.Sink) error {
	if !bodyExpected {
		return nil
	}

	if c.chunked {
		return c.readChunkedBody(sink)
	}

	length := c.req.ContentLength
	if length != httpwire.UnknownLength && length > c.cfg.MaxReqBody {
		return httpwire.ErrTooLarge
	}

	unknown := length == httpwire.UnknownLength
	remaining := length

	for unknown || remaining > 0 {
		chunk, err := c.io.ReadSome()

		if len(chunk) > 0 {
			piece := chunk
			if !unknown && int64(len(piece)) > remaining {
				c.io.Unread(piece[remaining:])
				piece = piece[:remaining]
			}

			if _, werr := sink.Write(piece); werr != nil {
				if errors.Is(werr, stream.ErrSinkFull) {
					return httpwire.ErrTooLarge
				}
				return httpwire.ErrBadRequest
			}

			if !unknown {
				remaining -= int64(len(piece))
			}
		}

		if err != nil {
			if err == io.EOF {
				if unknown {
					return nil
				}
				return httpwire.ErrBadRequest
			}
			return err
		}
	}

	return nil
}

// readChunkedBody decodes a Transfer-Encoding: chunked request body,
// grounded on the teacher's chunkedBodyReader: each read is handed to one
// chunkedbody.Parser created for this body, whose leftover bytes are
// pushed back (and fed to it again on the next read, or left for the next
// header scan), until it reports io.EOF at the terminating chunk.
func (c *Connection) readChunkedBody(sink stream.Sink) error {
	parser := chunkedbody.NewParser(c.chunkedSettings)
	var received int64

	for {
		data, err := c.io.ReadSome()
		if len(data) == 0 && err != nil {
			if err == io.EOF {
				return httpwire.ErrBadRequest
			}
			return err
		}

		chunk, extra, perr := parser.Parse(data, false)

		if len(chunk) > 0 {
			received += int64(len(chunk))
			if received > c.cfg.MaxReqBody {
				return httpwire.ErrTooLarge
			}

			if _, werr := sink.Write(chunk); werr != nil {
				if errors.Is(werr, stream.ErrSinkFull) {
					return httpwire.ErrTooLarge
				}
				return httpwire.ErrBadRequest
			}
		}

		c.io.Unread(extra)

		switch perr {
		case nil:
			continue
		case io.EOF:
			return nil
		default:
			return httpwire.ErrBadRequest
		}
	}
}

// serve dispatches http.serve (spec.md §4.E "Serving") and builds the
// Response from whatever the winning handler set. handled mirrors the
// dispatch's own success: false means no handler claimed it, mapped by
// the caller to 404.
func (c *Connection) serve(sink stream.Sink) (resp *httpwire.Response, handled bool) {
	msg := bus.NewMessage("http.serve")
	c.setBaseParams(msg)
	msg.SetParam("handler", c.handlerName)

	if mem, ok := sink.(*stream.MemorySink); ok {
		msg.SetParam("content", string(mem.Bytes()))
	}

	if !c.bus.Dispatch(msg) {
		return nil, false
	}

	resp = httpwire.NewResponse()

	code := status.OK
	if s := msg.Param("status"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			code = status.Code(n)
		}
	}
	resp.Status = code

	copyOutboundHeaders(msg, resp.Headers)
	c.applyDefaultHeaders(resp)

	if obj, ok := msg.Object("Stream"); ok {
		if src, ok := obj.(stream.Source); ok {
			resp.Body = src
		}
	}
	if resp.Body == nil && msg.RetValue != "" {
		resp.Body = stream.NewInlineBytes([]byte(msg.RetValue))
	}

	if ka := msg.Param("keepalive"); ka != "" {
		if v, err := strconv.ParseBool(ka); err == nil {
			if v {
				c.req.ConnFlags |= httpwire.FlagKeepAlive
			} else {
				c.req.ConnFlags &^= httpwire.FlagKeepAlive
			}
		}
	}

	return resp, true
}

// applyDefaultHeaders seeds resp with the connection's default headers,
// grounded on the teacher's DefaultRouter.applyDefaultHeaders (Server,
// Connection, ...): a handler that already set its own Server header via
// ohdr_Server wins, since copyOutboundHeaders runs first.
func (c *Connection) applyDefaultHeaders(resp *httpwire.Response) {
	if c.cfg.Server != "" && !resp.Headers.Has("Server") {
		resp.Headers.Add("Server", c.cfg.Server)
	}
}

// copyOutboundHeaders copies every ohdr_<Name> parameter from msg onto
// headers, stripping the prefix (spec.md §4.A).
func copyOutboundHeaders(msg *bus.Message, headers *httpwire.Headers) {
	for key, value := range msg.Params {
		if name, ok := strings.CutPrefix(key, "ohdr_"); ok {
			headers.Add(name, value)
		}
	}
}

// writeError writes a minimal error response and marks the connection for
// closure (spec.md §7: parse errors, size violations, and routing
// short-circuits all close after their response). msg, if non-nil,
// contributes any ohdr_* headers the handler that produced the short
// circuit set.
func (c *Connection) writeError(code status.Code, msg *bus.Message) {
	resp := httpwire.NewResponse()
	resp.HTTPVersion = c.req.HTTPVersion
	if resp.HTTPVersion == "" {
		resp.HTTPVersion = "1.1"
	}
	resp.Status = code
	resp.ConnFlags = httpwire.FlagClose

	if msg != nil {
		copyOutboundHeaders(msg, resp.Headers)
	}
	c.applyDefaultHeaders(resp)

	if err := c.ser.Write(c.io, c.req, resp); err != nil {
		c.cfg.Logger.Debug().Err(err).Str("peer", c.peer).
			Msg("connection: socket failure while writing error response")
	}
	c.req.ConnFlags &^= httpwire.FlagKeepAlive
}
