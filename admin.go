package corehttp

import (
	"strconv"

	"github.com/corehttp/corehttp/bus"
	"github.com/corehttp/corehttp/httpwire/status"
)

const adminHandlerPriority = 0

// DebugEndpoint wires an http.route/http.serve pair at path that reports
// the bus's registered topics as JSON (bus.Bus.Dump), for operators
// inspecting what a running process has wired up. Not registered unless
// an application opts in.
func (a *App) DebugEndpoint(path string) *App {
	a.bus.Register("http.route", adminHandlerPriority, func(msg *bus.Message) bool {
		if msg.Param("method") != "GET" || msg.Param("uri") != path {
			return false
		}
		msg.SetParam("handler", "corehttp.debug.bus")
		return true
	})

	a.bus.Register("http.serve", adminHandlerPriority, func(msg *bus.Message) bool {
		if msg.Param("handler") != "corehttp.debug.bus" {
			return false
		}

		dump, err := a.bus.Dump()
		if err != nil {
			msg.SetParam("status", strconv.Itoa(int(status.InternalServerError)))
			return true
		}

		msg.SetParam("ohdr_Content-Type", "application/json")
		msg.RetValue = string(dump)
		return true
	})

	return a
}
