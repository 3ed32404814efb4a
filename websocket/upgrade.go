package websocket

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/corehttp/corehttp/bus"
)

// HandlerOptions configures the built-in http.upgrade subscriber
// RegisterHandler installs.
type HandlerOptions struct {
	// Priority is the bus priority this handler registers under; higher
	// numbers run first, as for every other bus handler.
	Priority int
	// Timeout is the idle close threshold passed to every Session.
	Timeout time.Duration
	// PingEvery is the keepalive ping interval passed to every Session;
	// 0 disables pings.
	PingEvery time.Duration
	// MaxPayload bounds a single inbound frame; 0 means unbounded.
	MaxPayload int64
	// Logger receives per-session lifecycle events. The zero value logs
	// nothing.
	Logger zerolog.Logger
}

// runnable adapts a plain closure to whatever capability-typed interface
// the Connection FSM expects back from an http.upgrade dispatch (spec.md
// §4.E "Upgrade", §9 "Long-running sessions": "the upgrade handler returns
// a typed session value; the FSM surrenders its socket through a move").
type runnable struct {
	run func(net.Conn)
}

func (r runnable) Run(conn net.Conn) { r.run(conn) }

// RegisterHandler subscribes the Upgrade Glue of spec.md §4.I to the
// http.upgrade topic: it validates the handshake preconditions out of the
// same hdr_*/method/version/uri parameters http.route receives, dispatches
// websocket.init, and on success attaches a Runnable that the Connection
// FSM hands the bare socket to once the 101 response is flushed.
//
// Registering this as an ordinary bus handler (rather than wiring it
// directly into the FSM) is what keeps WebSocket support swappable: an
// application can register its own http.upgrade handler at a higher
// priority number to claim other Upgrade: tokens first.
func RegisterHandler(b *bus.Bus, opts HandlerOptions) {
	b.Register("http.upgrade", opts.Priority, func(msg *bus.Message) bool {
		if msg.Param("method") != "GET" {
			return false
		}
		if !versionAtLeast11(msg.Param("version")) {
			return false
		}
		if !strings.EqualFold(msg.Param("hdr_Upgrade"), "websocket") {
			return false
		}

		key := msg.Param("hdr_Sec-WebSocket-Key")
		if key == "" {
			return false
		}
		if !Supported(msg.Param("hdr_Sec-WebSocket-Version")) {
			return false
		}

		init := bus.NewMessage("websocket.init")
		init.SetParam("address", msg.Param("address"))
		init.SetParam("local", msg.Param("local"))
		init.SetParam("server", msg.Param("server"))
		init.SetParam("uri", msg.Param("uri"))
		init.SetParam("protocol", msg.Param("hdr_Sec-WebSocket-Protocol"))

		if !b.Dispatch(init) {
			return false
		}

		obj, ok := init.Object("DataEndpoint")
		if !ok {
			return false
		}

		endpoint, ok := obj.(Endpoint)
		if !ok {
			return false
		}

		msg.RetValue = init.RetValue
		msg.SetParam("ohdr_Sec-WebSocket-Accept", AcceptKey(key))
		if init.RetValue != "" {
			msg.SetParam("ohdr_Sec-WebSocket-Protocol", init.RetValue)
		}

		msg.Attach("Runnable", runnable{run: func(conn net.Conn) {
			NewSession(conn, endpoint, opts.Timeout, opts.PingEvery, opts.MaxPayload, opts.Logger).Run()
		}})

		return true
	})
}

func versionAtLeast11(v string) bool {
	majorStr, minorStr, ok := strings.Cut(v, ".")
	if !ok {
		return false
	}

	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return false
	}

	return major > 1 || (major == 1 && minor >= 1)
}
