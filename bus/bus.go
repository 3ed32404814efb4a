// Package bus implements the process-wide named-topic dispatch registry
// described as the Message Bus component of the core: a topic name maps to
// an ordered list of handlers, each carrying an integer priority, and
// dispatch walks them in priority order until one reports handled=true.
//
// It is the only inter-module wiring mechanism between the connection FSM
// and the handlers that actually know how to serve files, list directories,
// run CGI scripts or speak WebSocket — none of which the core depends on
// directly.
package bus

import (
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Handler is a single subscriber to a topic. It may mutate the message's
// parameters, set RetValue, attach a capability object, and reports whether
// it considers the message handled — an unhandled return lets the next,
// lower-priority handler have a turn.
type Handler func(msg *Message) (handled bool)

type entry struct {
	priority int
	handler  Handler
}

// Bus is a registry of topics. The zero value is not usable; construct one
// with New.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]entry
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string][]entry, 8),
	}
}

// Register subscribes handler to topic at the given priority. Handlers at
// the same priority run in registration order. Registration takes the
// process-wide lock only around the list mutation, per the concurrency
// model: the bus never holds the lock while a handler runs.
func (b *Bus) Register(topic string, priority int, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := append(b.topics[topic], entry{priority: priority, handler: handler})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority > entries[j].priority
	})
	b.topics[topic] = entries
}

// Dispatch invokes topic's handlers, highest priority first, until one
// returns handled=true. It returns whether any handler claimed the
// message. Dispatch takes a snapshot of the handler list under the lock
// and then runs outside of it, so a handler is free to register more
// handlers (e.g. a WebSocket session subscribing its own cleanup hook)
// without deadlocking.
func (b *Bus) Dispatch(msg *Message) (handled bool) {
	b.mu.Lock()
	entries := b.topics[msg.Name]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	b.mu.Unlock()

	for _, pair := range snapshot {
		if pair.handler(msg) {
			return true
		}
	}

	return false
}

// DispatchTopic is a convenience wrapper constructing a fresh Message for
// topic, dispatching it, and returning the message for inspection.
func (b *Bus) DispatchTopic(topic string, params map[string]string) *Message {
	msg := NewMessage(topic)
	for k, v := range params {
		msg.Params[k] = v
	}

	b.Dispatch(msg)
	return msg
}

// TopicDump is one topic's registered handler count and priority spread,
// as reported by Dump.
type TopicDump struct {
	Topic      string `json:"topic"`
	Handlers   int    `json:"handlers"`
	Priorities []int  `json:"priorities"`
}

// Dump serializes the current topic registry for diagnostics — an admin
// introspection endpoint's natural shape, not anything a handler needs at
// request time.
func (b *Bus) Dump() ([]byte, error) {
	b.mu.Lock()
	dump := make([]TopicDump, 0, len(b.topics))
	for topic, entries := range b.topics {
		priorities := make([]int, len(entries))
		for i, e := range entries {
			priorities[i] = e.priority
		}
		dump = append(dump, TopicDump{Topic: topic, Handlers: len(entries), Priorities: priorities})
	}
	b.mu.Unlock()

	sort.Slice(dump, func(i, j int) bool { return dump[i].Topic < dump[j].Topic })

	return jsoniter.Marshal(dump)
}
