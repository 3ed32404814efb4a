package websocket

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/rs/zerolog"
)

// Endpoint is the DataEndpoint glossary term: the paired source/sink view
// a websocket.init handler hands back to wire a Session to local
// application logic. Pull blocks until a block is ready to send outbound
// and returns io.EOF once the local side has nothing more to say; Push
// delivers one inbound Text/Binary payload.
type Endpoint interface {
	Pull() ([]byte, error)
	Push(payload []byte) error
	Close() error
}

// Close codes used on the wire (§4.H, §7).
const (
	CloseNormal       = 1000
	CloseProtocolErr  = 1002
	CloseTooLarge     = 1009
	closeNoStatusRcvd = 1005
)

const readChunk = 1024

// Session is the post-upgrade bidirectional pump of spec.md §4.H: it owns
// the hijacked socket and pipes frames between it and an Endpoint, one
// reader loop and one writer loop, until either side closes.
//
// Grounded on coregx-stream's websocket.Conn pump, rewritten around the
// Endpoint capability instead of that package's channel-based hub so it
// composes with the bus's user-object hand-off (spec.md §4.I).
type Session struct {
	ID         string
	conn       net.Conn
	endpoint   Endpoint
	timeout    time.Duration
	pingEvery  time.Duration
	maxPayload int64
	log        zerolog.Logger

	sendMu   sync.Mutex
	closed   bool
	closedMu sync.Mutex
}

// NewSession constructs a Session over an already-upgraded socket. timeout
// is the idle close threshold; pingEvery is the keepalive ping interval
// (0 disables it); maxPayload bounds a single inbound frame (0 =
// unbounded). ID is a short random tag for correlating this session's log
// lines across its lifetime.
func NewSession(conn net.Conn, endpoint Endpoint, timeout, pingEvery time.Duration, maxPayload int64, log zerolog.Logger) *Session {
	id := uniuri.NewLen(8)
	return &Session{
		ID:         id,
		conn:       conn,
		endpoint:   endpoint,
		timeout:    timeout,
		pingEvery:  pingEvery,
		maxPayload: maxPayload,
		log:        log.With().Str("session", id).Logger(),
	}
}

// Run is the Session's Runnable entry point (spec.md §9 "Long-running
// sessions"): it blocks until the socket closes or a protocol-level
// shutdown completes, running the outbound pump in its own goroutine and
// the inbound reader loop on the caller's goroutine.
func (s *Session) Run() {
	s.log.Debug().Msg("websocket: session started")
	defer s.log.Debug().Msg("websocket: session ended")

	defer s.conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pumpOutbound()
	}()

	s.pumpInbound()

	// Unblock a pumpOutbound stuck in endpoint.Pull(): the inbound side
	// has already ended (peer closed, protocol error, idle timeout), so
	// the endpoint has nothing left to produce for.
	_ = s.endpoint.Close()
	<-done
}

// pumpOutbound implements the "local -> peer" half of §4.H: every block
// pulled from the endpoint becomes a single unmasked Text frame, holding
// sendMu so a concurrently-sent Pong/Close cannot interleave mid-frame.
func (s *Session) pumpOutbound() {
	for {
		block, err := s.endpoint.Pull()
		if err != nil {
			return
		}

		if s.sendFrame(Frame{Fin: true, Opcode: OpText, Payload: block}) != nil {
			return
		}
	}
}

// pumpInbound implements the "peer -> local" half of §4.H: it reads in up
// to readChunk-byte blocks, decodes whatever complete frames have
// accumulated, and dispatches each by opcode. A read deadline derived
// from timeout/pingEvery stands in for the source's 1-second select tick,
// so idle and ping policy are both checked on every wake-up.
func (s *Session) pumpInbound() {
	tick := s.pingEvery
	if tick <= 0 || (s.timeout > 0 && s.timeout < tick) {
		tick = s.timeout
	}
	if tick <= 0 {
		tick = time.Second
	}

	var buf []byte
	lastReceive := time.Now()

	for {
		if s.timeout > 0 && time.Since(lastReceive) > s.timeout {
			s.closeWith(CloseNormal, nil)
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(tick))

		chunk := make([]byte, readChunk)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			lastReceive = time.Now()

			for {
				frame, consumed, ferr := Decode(buf, s.maxPayload)
				if ferr == ErrTruncated {
					break
				}
				if ferr == ErrOversizedFrame {
					s.closeWith(CloseTooLarge, nil)
					return
				}
				if ferr != nil {
					s.closeWith(CloseProtocolErr, nil)
					return
				}

				buf = buf[consumed:]

				if done := s.handleFrame(frame); done {
					return
				}
			}
		}

		if err != nil {
			if isTimeout(err) {
				if s.pingEvery > 0 && !s.isClosed() && time.Since(lastReceive) >= s.pingEvery {
					if s.sendFrame(Frame{Fin: true, Opcode: OpPing}) != nil {
						return
					}
				}
				continue
			}

			return
		}
	}
}

// handleFrame dispatches one decoded inbound frame and reports whether the
// session should terminate.
func (s *Session) handleFrame(f Frame) (done bool) {
	switch f.Opcode {
	case OpText, OpBinary:
		if err := s.endpoint.Push(f.Payload); err != nil {
			return true
		}
		return false

	case OpPing:
		return s.sendFrame(Frame{Fin: true, Opcode: OpPong, Payload: f.Payload}) != nil

	case OpPong:
		return false

	case OpClose:
		if s.isClosed() {
			return true
		}

		code := closeNoStatusRcvd
		if len(f.Payload) >= 2 {
			code = int(binary.BigEndian.Uint16(f.Payload[:2]))
		}
		s.closeWith(code, nil)
		return true

	default:
		s.closeWith(CloseProtocolErr, nil)
		return true
	}
}

// closeWith sends a Close frame carrying code (and an optional reason)
// and marks the session closed, matching §4.H's "if we have not yet
// closed, send our own Close ... else full close".
func (s *Session) closeWith(code int, reason []byte) {
	s.closedMu.Lock()
	already := s.closed
	s.closed = true
	s.closedMu.Unlock()

	if already {
		return
	}

	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)

	_ = s.sendFrame(Frame{Fin: true, Opcode: OpClose, Payload: payload})
}

func (s *Session) isClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

func (s *Session) sendFrame(f Frame) error {
	encoded, err := Encode(f)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}

	_, err = s.conn.Write(encoded)
	return err
}

func isTimeout(err error) bool {
	if err == io.EOF {
		return false
	}

	type timeoutErr interface{ Timeout() bool }
	te, ok := err.(timeoutErr)
	return ok && te.Timeout()
}
