package websocket

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corehttp/corehttp/bus"
	"github.com/corehttp/corehttp/conn"
)

func baseUpgradeMessage() *bus.Message {
	msg := bus.NewMessage("http.upgrade")
	msg.SetParam("method", "GET")
	msg.SetParam("version", "1.1")
	msg.SetParam("hdr_Upgrade", "websocket")
	msg.SetParam("hdr_Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	msg.SetParam("hdr_Sec-WebSocket-Version", "13")
	return msg
}

func TestRegisterHandlerCompletesHandshake(t *testing.T) {
	b := bus.New()
	b.Register("websocket.init", 0, func(msg *bus.Message) bool {
		msg.Attach("DataEndpoint", newFakeEndpoint())
		return true
	})

	RegisterHandler(b, HandlerOptions{Logger: zerolog.Nop()})

	msg := baseUpgradeMessage()
	handled := b.Dispatch(msg)

	require.True(t, handled)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", msg.Param("ohdr_Sec-WebSocket-Accept"))

	obj, ok := msg.Object("Runnable")
	require.True(t, ok)
	_, ok = obj.(conn.Runnable)
	assert.True(t, ok)
}

func TestRegisterHandlerRejectsWithoutUpgradeHeader(t *testing.T) {
	b := bus.New()
	RegisterHandler(b, HandlerOptions{Logger: zerolog.Nop()})

	msg := baseUpgradeMessage()
	msg.SetParam("hdr_Upgrade", "")

	assert.False(t, b.Dispatch(msg))
}

func TestRegisterHandlerRejectsUnsupportedVersion(t *testing.T) {
	b := bus.New()
	RegisterHandler(b, HandlerOptions{Logger: zerolog.Nop()})

	msg := baseUpgradeMessage()
	msg.SetParam("hdr_Sec-WebSocket-Version", "8")

	assert.False(t, b.Dispatch(msg))
}

func TestRegisterHandlerRejectsWhenInitUnhandled(t *testing.T) {
	b := bus.New()
	RegisterHandler(b, HandlerOptions{Logger: zerolog.Nop()})

	msg := baseUpgradeMessage()
	assert.False(t, b.Dispatch(msg))
}

func TestRegisterHandlerRejectsMissingDataEndpoint(t *testing.T) {
	b := bus.New()
	b.Register("websocket.init", 0, func(msg *bus.Message) bool {
		return true
	})
	RegisterHandler(b, HandlerOptions{Logger: zerolog.Nop()})

	msg := baseUpgradeMessage()
	assert.False(t, b.Dispatch(msg))
}

func TestVersionAtLeast11(t *testing.T) {
	assert.True(t, versionAtLeast11("1.1"))
	assert.True(t, versionAtLeast11("2.0"))
	assert.False(t, versionAtLeast11("1.0"))
	assert.False(t, versionAtLeast11("garbage"))
}
