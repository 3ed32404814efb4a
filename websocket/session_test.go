package websocket

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	mu      sync.Mutex
	outbox  chan []byte
	pushed  [][]byte
	closed  bool
	closeCh chan struct{}
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{outbox: make(chan []byte, 4), closeCh: make(chan struct{})}
}

func (f *fakeEndpoint) Pull() ([]byte, error) {
	block, ok := <-f.outbox
	if !ok {
		return nil, io.EOF
	}
	return block, nil
}

func (f *fakeEndpoint) Push(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, payload)
	return nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
		close(f.outbox)
	}
	return nil
}

func maskedFrame(t *testing.T, f Frame) []byte {
	t.Helper()
	f.Mask = true
	f.MaskingKey = [4]byte{1, 2, 3, 4}
	encoded, err := Encode(f)
	require.NoError(t, err)
	return encoded
}

func readFrame(t *testing.T, r net.Conn) Frame {
	t.Helper()

	var buf []byte
	for {
		chunk := make([]byte, 1024)
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frame, _, ferr := Decode(buf, 0)
			if ferr == nil {
				return frame
			}
			if ferr != ErrTruncated {
				require.NoError(t, ferr)
			}
		}
		if err != nil {
			require.NoError(t, err)
		}
	}
}

func TestSessionPumpsOutboundAsTextFrames(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ep := newFakeEndpoint()
	s := NewSession(server, ep, time.Minute, 0, 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	ep.outbox <- []byte("hello")

	frame := readFrame(t, client)
	assert.Equal(t, OpText, frame.Opcode)
	assert.Equal(t, []byte("hello"), frame.Payload)
	assert.False(t, frame.Mask)

	_ = ep.Close()
	client.Close()
	<-done
}

func TestSessionPushesInboundTextToEndpoint(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ep := newFakeEndpoint()
	s := NewSession(server, ep, time.Minute, 0, 0, zerolog.Nop())

	go s.Run()

	_, err := client.Write(maskedFrame(t, Frame{Fin: true, Opcode: OpText, Payload: []byte("ping")}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		return len(ep.pushed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []byte("ping"), ep.pushed[0])

	_ = ep.Close()
	client.Close()
}

func TestSessionRespondsToPingWithPong(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ep := newFakeEndpoint()
	s := NewSession(server, ep, time.Minute, 0, 0, zerolog.Nop())
	go s.Run()

	_, err := client.Write(maskedFrame(t, Frame{Fin: true, Opcode: OpPing, Payload: []byte("hi")}))
	require.NoError(t, err)

	frame := readFrame(t, client)
	assert.Equal(t, OpPong, frame.Opcode)
	assert.Equal(t, []byte("hi"), frame.Payload)

	_ = ep.Close()
	client.Close()
}

func TestSessionClosesOnClientCloseFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ep := newFakeEndpoint()
	s := NewSession(server, ep, time.Minute, 0, 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, CloseNormal)
	_, err := client.Write(maskedFrame(t, Frame{Fin: true, Opcode: OpClose, Payload: payload}))
	require.NoError(t, err)

	frame := readFrame(t, client)
	assert.Equal(t, OpClose, frame.Opcode)

	select {
	case <-ep.closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint was never closed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestSessionClosesWithNoStatusRcvdOnEmptyCloseFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ep := newFakeEndpoint()
	s := NewSession(server, ep, time.Minute, 0, 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	_, err := client.Write(maskedFrame(t, Frame{Fin: true, Opcode: OpClose}))
	require.NoError(t, err)

	frame := readFrame(t, client)
	assert.Equal(t, OpClose, frame.Opcode)
	require.Len(t, frame.Payload, 2)
	assert.Equal(t, closeNoStatusRcvd, int(binary.BigEndian.Uint16(frame.Payload[:2])))

	select {
	case <-ep.closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint was never closed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestSessionIdleTimeoutClosesSession(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ep := newFakeEndpoint()
	s := NewSession(server, ep, 50*time.Millisecond, 0, 0, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out")
	}

	select {
	case <-ep.closeCh:
	default:
		t.Fatal("endpoint was never closed on idle timeout")
	}
}

func TestIsTimeoutDistinguishesEOF(t *testing.T) {
	assert.False(t, isTimeout(io.EOF))
	assert.False(t, isTimeout(errors.New("boom")))

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	_ = server.SetReadDeadline(time.Now().Add(-time.Second))
	_, err := server.Read(make([]byte, 1))
	assert.True(t, isTimeout(err))
}
