package httpwire

import "errors"

// Sentinel errors the parser and FSM exchange, grounded on the teacher's
// errors package (ErrBadRequest, ErrTooLarge, ErrCloseConnection, ...),
// trimmed and extended for the bus-dispatch core.
var (
	ErrBadRequest          = errors.New("httpwire: bad request")
	ErrTooLarge            = errors.New("httpwire: request entity too large")
	ErrUnsupportedProtocol = errors.New("httpwire: protocol not supported")
	ErrCloseConnection     = errors.New("httpwire: close connection")
	ErrHijacked            = errors.New("httpwire: connection hijacked by upgrade")
)
