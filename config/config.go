// Package config holds the per-listener configuration enumerated in
// spec.md §6, grounded on the teacher's config package: a typed struct
// with a Default() constructor and a Fill() merge function, never
// constructed by hand.
package config

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/corehttp/corehttp/httpwire"
)

// Config holds the settings of a single listener (spec.md §6).
type Config struct {
	// Addr is the bind address. Defaults to 127.0.0.1.
	Addr string
	// Port is the bind port. Defaults to 5038.
	Port uint16
	// NoDelay sets TCP_NODELAY on accepted sockets. Defaults to true.
	NoDelay bool
	// SSLContext names the TLS context to request from the socket.ssl
	// dispatch when non-empty; TLS negotiation itself stays out of
	// scope for the core (spec.md §1).
	SSLContext string `test:"nullable"`
	// Verify is an opaque passthrough string forwarded to socket.ssl.
	Verify string `test:"nullable"`
	// MaxRequests caps how many requests a connection serves before it
	// is closed after its next response. 0 means unlimited.
	MaxRequests int `test:"nullable"`
	// MaxReqBody caps request body size in bytes.
	MaxReqBody int64
	// Timeout is the per-operation I/O deadline.
	Timeout time.Duration
	// MaxSendChunk caps a single outbound chunk's size, clamped to
	// [10, 65535] by Fill.
	MaxSendChunk int
	// Server is the tag echoed into dispatch parameters and, by
	// default, the Server response header.
	Server string

	// Logger receives connection lifecycle and dispatch-failure events.
	// Never the zero value after Fill/Default.
	Logger zerolog.Logger

	explicitLogger bool `test:"nullable"`
}

// Default returns the configuration spec.md §6 names as defaults.
func Default() *Config {
	return &Config{
		Addr:         "127.0.0.1",
		Port:         5038,
		NoDelay:      true,
		MaxRequests:  0,
		MaxReqBody:   10 * 1024,
		Timeout:      10 * time.Second,
		MaxSendChunk: 8192,
		Server:       "corehttp",
		Logger:       zerolog.Nop(),
	}
}

// Fill merges cfg over the defaults: any zero-valued field in cfg is
// replaced by its default, and MaxSendChunk is clamped to [10, 65535]
// regardless of what was configured (spec.md §6, §8 boundary behavior).
func Fill(cfg Config) *Config {
	def := Default()

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.MaxReqBody == 0 {
		cfg.MaxReqBody = def.MaxReqBody
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Server == "" {
		cfg.Server = def.Server
	}
	if cfg.MaxSendChunk == 0 {
		cfg.MaxSendChunk = def.MaxSendChunk
	}
	cfg.MaxSendChunk = httpwire.ClampSendChunk(cfg.MaxSendChunk)

	if !cfg.explicitLogger {
		cfg.Logger = def.Logger
	}

	return &cfg
}

// WithLogger returns a copy of cfg carrying logger, marked so Fill will
// not overwrite it with the nop default.
func (c Config) WithLogger(logger zerolog.Logger) Config {
	c.Logger = logger
	c.explicitLogger = true
	return c
}

// FromMap decodes a flat key→value configuration view (spec.md §1: "a
// flat key→value view is assumed") into a Config, using mapstructure the
// way several of the pack's CLI/server tools load loosely-typed config.
// File parsing itself remains out of scope; callers are expected to have
// already turned whatever file format they use into this map.
func FromMap(m map[string]any) (*Config, error) {
	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(m); err != nil {
		return nil, err
	}

	return Fill(cfg), nil
}
