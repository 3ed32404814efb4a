package conn

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corehttp/corehttp/bus"
	"github.com/corehttp/corehttp/config"
)

func testConfig() *config.Config {
	return config.Fill(config.Config{
		Timeout:    2 * time.Second,
		MaxReqBody: 1024,
	})
}

// serveOnPipe wires a Connection over one end of a net.Pipe and returns the
// client end, already fed with raw. The caller reads the response off
// client.
func serveOnPipe(t *testing.T, cfg *config.Config, b *bus.Bus, raw string) net.Conn {
	t.Helper()

	server, client := net.Pipe()
	c := New(server, cfg, b)

	go c.Serve()

	_, err := client.Write([]byte(raw))
	require.NoError(t, err)

	return client
}

func echoRouteAndServe(b *bus.Bus, body string) {
	b.Register("http.route", 0, func(msg *bus.Message) bool {
		msg.SetParam("handler", "echo")
		return true
	})
	b.Register("http.serve", 0, func(msg *bus.Message) bool {
		msg.RetValue = body
		msg.SetParam("status", "200")
		return true
	})
}

func TestHTTP10RequestClosesWithoutKeepAlive(t *testing.T) {
	b := bus.New()
	echoRouteAndServe(b, "hello")

	client := serveOnPipe(t, testConfig(), b, "GET / HTTP/1.0\r\n\r\n")
	defer client.Close()

	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	assert.Contains(t, string(resp), "HTTP/1.0 200 OK\r\n")
	assert.Contains(t, string(resp), "hello")
}

func TestResponseCarriesDefaultServerHeader(t *testing.T) {
	b := bus.New()
	echoRouteAndServe(b, "hello")

	cfg := testConfig()
	client := serveOnPipe(t, cfg, b, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	defer client.Close()

	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	assert.Contains(t, string(resp), "Server: "+cfg.Server+"\r\n")
}

func TestUnroutedRequestStillCarriesDefaultServerHeader(t *testing.T) {
	b := bus.New()

	cfg := testConfig()
	client := serveOnPipe(t, cfg, b, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	defer client.Close()

	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	assert.Contains(t, string(resp), "404")
	assert.Contains(t, string(resp), "Server: "+cfg.Server+"\r\n")
}

func TestHTTP11KeepAliveServesSecondRequest(t *testing.T) {
	b := bus.New()
	echoRouteAndServe(b, "hi")

	server, client := net.Pipe()
	c := New(server, testConfig(), b)
	go c.Serve()
	defer client.Close()

	reader := bufio.NewReader(client)

	_, err := client.Write([]byte("GET /one HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200")

	for {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		if l == "\r\n" {
			break
		}
	}

	body := make([]byte, 2)
	_, err = io.ReadFull(reader, body)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))

	_, err = client.Write([]byte("GET /two HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200")
}

func TestOversizedBodyIs413(t *testing.T) {
	b := bus.New()
	echoRouteAndServe(b, "unreachable")

	cfg := config.Fill(config.Config{Timeout: 2 * time.Second, MaxReqBody: 4})

	raw := "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\n0123456789"
	client := serveOnPipe(t, cfg, b, raw)
	defer client.Close()

	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	assert.Contains(t, string(resp), "413")
}

func TestChunkedRequestBodyIsDecoded(t *testing.T) {
	b := bus.New()
	b.Register("http.route", 0, func(msg *bus.Message) bool {
		msg.SetParam("handler", "echo")
		return true
	})
	b.Register("http.serve", 0, func(msg *bus.Message) bool {
		msg.RetValue = msg.Param("content")
		msg.SetParam("status", "200")
		return true
	})

	raw := "POST /upload HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"

	client := serveOnPipe(t, testConfig(), b, raw)
	defer client.Close()

	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	assert.Contains(t, string(resp), "200")
	assert.Contains(t, string(resp), "Wikipedia")
}

func TestMalformedRequestLineIs400(t *testing.T) {
	b := bus.New()

	client := serveOnPipe(t, testConfig(), b, "NOT A REQUEST\r\n\r\n")
	defer client.Close()

	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	assert.Contains(t, string(resp), "400")
}

func TestUnroutedRequestIs404(t *testing.T) {
	b := bus.New()

	client := serveOnPipe(t, testConfig(), b, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	defer client.Close()

	resp, err := io.ReadAll(client)
	require.NoError(t, err)

	assert.Contains(t, string(resp), "404")
}

type recordingRunnable struct {
	ran chan net.Conn
}

func (r *recordingRunnable) Run(conn net.Conn) {
	r.ran <- conn
}

func TestUpgradeHandsOffSocketToRunnable(t *testing.T) {
	b := bus.New()
	b.Register("http.route", 0, func(msg *bus.Message) bool {
		msg.SetParam("handler", "ws")
		return true
	})

	runnable := &recordingRunnable{ran: make(chan net.Conn, 1)}
	b.Register("http.upgrade", 0, func(msg *bus.Message) bool {
		msg.Attach("Runnable", runnable)
		return true
	})

	raw := "GET /echo HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	server, client := net.Pipe()
	c := New(server, testConfig(), b)
	go c.Serve()
	defer client.Close()

	_, err := client.Write([]byte(raw))
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "101")

	select {
	case got := <-runnable.ran:
		assert.Equal(t, server, got)
	case <-time.After(2 * time.Second):
		t.Fatal("runnable was never handed the socket")
	}
}
