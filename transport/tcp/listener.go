// Package tcp implements the Listener component of spec.md §4.D: bind,
// accept loop, the optional TLS hand-off through a socket.ssl dispatch,
// and per-connection hand-off to a caller-supplied callback.
//
// Grounded on the teacher's transport.TCP/TLS pair: the accept loop here
// keeps their SetDeadline-on-the-listener interrupt trick (which is the
// idiomatic Go rendering of spec.md §5's "select with a 10 ms tick"), but
// the TLS branch is generalized from a fixed cert list into a bus
// dispatch, since spec.md §1 puts TLS negotiation itself out of scope and
// treats it as an external collaborator.
package tcp

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/corehttp/corehttp/bus"
	"github.com/corehttp/corehttp/internal/registry"
)

// acceptTick bounds how long Accept blocks before the loop re-checks for
// a stop request; the spec's HTTP-side tick is 10ms, and re-using it here
// keeps shutdown latency in the same ballpark without busy-polling.
const acceptTick = 10 * time.Millisecond

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Listener binds one configured endpoint and accepts connections onto it,
// handing each one to onConn on its own goroutine.
type Listener struct {
	sock     deadlineListener
	bus      *bus.Bus
	registry *registry.Registry
	onConn   func(net.Conn)

	nodelay    bool
	sslContext string
	verify     string

	wg   sync.WaitGroup
	stop chan struct{}
}

// Options configures a Listener. Addr is the bind address ("host:port").
// SSLContext names a TLS context to request via socket.ssl; empty means
// plaintext.
type Options struct {
	Addr       string
	NoDelay    bool
	SSLContext string
	Verify     string
}

// Listen binds addr and returns a Listener ready to Serve. b is the bus
// the socket.ssl dispatch (and nothing else at this layer) goes through;
// reg tracks the listener for registry.Registry's shutdown/busy queries.
func Listen(opts Options, b *bus.Bus, reg *registry.Registry, onConn func(net.Conn)) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", opts.Addr)
	if err != nil {
		return nil, err
	}

	sock, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		sock:       sock,
		bus:        b,
		registry:   reg,
		onConn:     onConn,
		nodelay:    opts.NoDelay,
		sslContext: opts.SSLContext,
		verify:     opts.Verify,
		stop:       make(chan struct{}),
	}

	reg.AddListener(l)

	return l, nil
}

// Serve runs the accept loop until Stop or GracefulShutdown closes the
// listener socket. Each accepted connection is prepared (NODELAY, optional
// TLS dispatch) and handed to onConn on its own goroutine, tracked in the
// registry for the duration of that call.
func (l *Listener) Serve() error {
	for {
		select {
		case <-l.stop:
			l.wg.Wait()
			return nil
		default:
		}

		if err := l.sock.SetDeadline(time.Now().Add(acceptTick)); err != nil {
			return err
		}

		conn, err := l.sock.Accept()
		if err != nil {
			if isDeadlineExceeded(err) {
				continue
			}

			select {
			case <-l.stop:
				l.wg.Wait()
				return nil
			default:
				return err
			}
		}

		prepared, ok := l.prepare(conn)
		if !ok {
			_ = conn.Close()
			continue
		}

		l.registry.AddConn(prepared)
		l.wg.Add(1)

		go func(c net.Conn) {
			defer l.wg.Done()
			defer l.registry.RemoveConn(c)
			defer c.Close()

			l.onConn(c)
		}(prepared)
	}
}

// prepare applies TCP_NODELAY and, if configured, runs the socket.ssl
// dispatch of spec.md §4.D, swapping the plaintext socket for whatever
// the handler attaches back under the "Socket" capability.
func (l *Listener) prepare(conn net.Conn) (net.Conn, bool) {
	if l.nodelay {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
	}

	if l.sslContext == "" {
		return conn, true
	}

	msg := bus.NewMessage("socket.ssl")
	msg.SetParam("server", "true")
	msg.SetParam("context", l.sslContext)
	msg.SetParam("verify", l.verify)
	msg.Attach("Socket", conn)

	if !l.bus.Dispatch(msg) {
		return nil, false
	}

	obj, ok := msg.Object("Socket")
	if !ok {
		return nil, false
	}

	secured, ok := obj.(net.Conn)
	if !ok {
		return nil, false
	}

	return secured, true
}

// Stop closes the listener socket and forcibly ends the accept loop;
// in-flight connections are left to registry.Registry.Stop to close.
func (l *Listener) Stop() error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}

	return l.sock.Close()
}

// GracefulShutdown stops accepting new connections but leaves whatever is
// already being served alone (spec.md §4.D, §9).
func (l *Listener) GracefulShutdown() error {
	return l.Stop()
}

func isDeadlineExceeded(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, os.ErrDeadlineExceeded)
}
