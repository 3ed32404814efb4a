// Package corehttp is the embeddable core described across spec.md: an
// App wires a Message Bus, one or more Listeners, and the WebSocket
// Upgrade Glue together, and owns their lifecycle.
//
// Grounded on the teacher's root indigo.App (New/Tune/Listen/Serve/
// GracefulStop/Stop), generalized from a router.Router handler chain onto
// bus-topic dispatch and from the teacher's transport.TCP/TLS pair onto
// transport/tcp.Listener plus a socket.ssl bus dispatch for TLS.
package corehttp

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corehttp/corehttp/bus"
	"github.com/corehttp/corehttp/config"
	"github.com/corehttp/corehttp/conn"
	"github.com/corehttp/corehttp/internal/registry"
	"github.com/corehttp/corehttp/transport/tcp"
	"github.com/corehttp/corehttp/websocket"
)

// ErrGracefulShutdown is returned by Serve after a GracefulStop: listeners
// stopped accepting, but already-open connections ran to completion.
var ErrGracefulShutdown = errors.New("corehttp: graceful shutdown")

// ErrShutdown is returned by Serve after a Stop: every connection was
// closed immediately.
var ErrShutdown = errors.New("corehttp: shutdown")

type listenerSpec struct {
	port       uint16
	sslContext string
	verify     string
}

// App is the embeddable server handle: construct one, register bus
// handlers on its Bus, add listeners, and call Serve.
type App struct {
	bus      *bus.Bus
	registry *registry.Registry

	addr     string
	cfg      config.Config
	wsOpts   websocket.HandlerOptions
	wsWired  bool
	specs    []listenerSpec

	hooks struct{ onStart, onStop func() }

	errCh chan error
}

// New returns an App bound to addr (host part; each listener supplies its
// own port) with a fresh Bus and default configuration.
func New(addr string) *App {
	def := config.Default()
	def.Addr = addr

	return &App{
		bus:      bus.New(),
		registry: registry.New(),
		addr:     addr,
		cfg:      *def,
		wsOpts:   websocket.HandlerOptions{Priority: 0, Timeout: 60 * time.Second, Logger: def.Logger},
		errCh:    make(chan error, 1),
	}
}

// Bus exposes the App's dispatch registry so handlers can subscribe
// before Serve is called.
func (a *App) Bus() *bus.Bus { return a.bus }

// Registry exposes the listener/connection bookkeeping handle for "is the
// server busy?" queries (spec.md §9).
func (a *App) Registry() *registry.Registry { return a.registry }

// Tune replaces the per-listener configuration template; each Listen call
// below inherits it, only overriding addr/port/sslcontext/verify.
func (a *App) Tune(cfg config.Config) *App {
	a.cfg = *config.Fill(cfg)
	a.wsOpts.Logger = a.cfg.Logger
	return a
}

// WebSocket configures the built-in Upgrade Glue (spec.md §4.H, §4.I):
// timeout is the idle close threshold, pingEvery the keepalive ping
// interval (0 disables it), and maxPayload bounds a single inbound frame
// (0 means unbounded).
func (a *App) WebSocket(timeout, pingEvery time.Duration, maxPayload int64) *App {
	a.wsOpts = websocket.HandlerOptions{
		Priority:   a.wsOpts.Priority,
		Timeout:    timeout,
		PingEvery:  pingEvery,
		MaxPayload: maxPayload,
		Logger:     a.cfg.Logger,
	}
	return a
}

// Listen adds a plaintext listener on port.
func (a *App) Listen(port uint16) *App {
	a.specs = append(a.specs, listenerSpec{port: port})
	return a
}

// HTTPS adds a TLS listener on port backed by a static certificate/key
// pair, registering the socket.ssl handler that performs the handshake
// (spec.md §1 treats TLS negotiation as an external collaborator; this is
// the core's own default collaborator for the common case).
func (a *App) HTTPS(port uint16, cert, key string) *App {
	ctxName := sslContextName(port)
	if err := registerStaticCert(a.bus, ctxName, cert, key); err != nil {
		a.deferErr(err)
		return a
	}

	a.specs = append(a.specs, listenerSpec{port: port, sslContext: ctxName})
	return a
}

// AutoHTTPS adds a TLS listener on port using golang.org/x/crypto's ACME
// autocert manager for the given domains, or a generated self-signed
// certificate when addr is a loopback address.
func (a *App) AutoHTTPS(port uint16, domains ...string) *App {
	ctxName := sslContextName(port)

	var err error
	if isLoopback(a.addr) {
		err = registerSelfSigned(a.bus, ctxName)
	} else {
		err = registerAutoTLS(a.bus, ctxName, domains...)
	}

	if err != nil {
		a.deferErr(err)
		return a
	}

	a.specs = append(a.specs, listenerSpec{port: port, sslContext: ctxName})
	return a
}

// NotifyOnStart calls cb once every listener is accepting.
func (a *App) NotifyOnStart(cb func()) *App {
	a.hooks.onStart = cb
	return a
}

// NotifyOnStop calls cb once every listener and connection has stopped.
func (a *App) NotifyOnStop(cb func()) *App {
	a.hooks.onStop = cb
	return a
}

func (a *App) deferErr(err error) {
	select {
	case a.errCh <- err:
	default:
	}
}

// Serve binds every configured listener and blocks until a shutdown is
// requested or a listener fails irrecoverably (spec.md §4.D, §5).
func (a *App) Serve() error {
	if !a.wsWired {
		websocket.RegisterHandler(a.bus, a.wsOpts)
		a.wsWired = true
	}

	specs := a.specs
	if len(specs) == 0 {
		specs = []listenerSpec{{port: a.cfg.Port}}
	}

	listeners := make([]*tcp.Listener, 0, len(specs))

	for _, spec := range specs {
		cfg := a.cfg
		cfg.Addr = a.addr
		cfg.Port = spec.port
		cfg.SSLContext = spec.sslContext
		cfg.Verify = spec.verify
		cfg = *config.Fill(cfg)

		l, err := tcp.Listen(tcp.Options{
			Addr:       net.JoinHostPort(cfg.Addr, portString(cfg.Port)),
			NoDelay:    cfg.NoDelay,
			SSLContext: cfg.SSLContext,
			Verify:     cfg.Verify,
		}, a.bus, a.registry, a.onAccept(cfg))
		if err != nil {
			return err
		}

		listeners = append(listeners, l)
	}

	// Fan the listeners out under a shared errgroup, grounded on the
	// pack's coregx-stream hub/session convention of reporting the first
	// failure rather than hand-rolling an atomic flag and a channel.
	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			err := l.Serve()
			if err != nil {
				a.deferErr(err)
			}
			return err
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			a.deferErr(err)
		}
	}()

	callIfNotNil(a.hooks.onStart)

	err := <-a.errCh
	if errors.Is(err, ErrGracefulShutdown) {
		_ = a.registry.Shutdown()
	} else {
		_ = a.registry.Stop()
	}

	_ = g.Wait()
	callIfNotNil(a.hooks.onStop)

	return err
}

// onAccept builds the per-connection entry point a Listener hands
// accepted sockets to: construct a Connection FSM and run it to
// completion (spec.md §4.D "A new Connection is constructed and started
// on its own thread").
func (a *App) onAccept(cfg config.Config) func(net.Conn) {
	return func(c net.Conn) {
		conn.New(c, &cfg, a.bus).Serve()
	}
}

// GracefulStop stops accepting new connections but lets in-flight ones
// finish (spec.md §9). Non-blocking: Serve returns once they all drain.
func (a *App) GracefulStop() {
	a.deferErr(ErrGracefulShutdown)
}

// Stop closes every listener and every live connection immediately.
func (a *App) Stop() {
	a.deferErr(ErrShutdown)
}

func callIfNotNil(f func()) {
	if f != nil {
		f()
	}
}
