package bus

// Message is the mutable bag of parameters passed between the dispatcher and
// the handlers subscribed to a topic. It carries the string parameters every
// handler contract agrees on (method, uri, header values prefixed with
// hdr_, response headers prefixed with ohdr_, ...), a single return value,
// and an opaque slot of capability-named objects used to hand back streams,
// runnables, or sockets without resorting to a class hierarchy.
type Message struct {
	Name     string
	Params   map[string]string
	RetValue string

	objects map[string]any
}

// NewMessage returns an empty message for the given topic name.
func NewMessage(name string) *Message {
	return &Message{
		Name:   name,
		Params: make(map[string]string, 8),
	}
}

// Param returns the parameter value, or the empty string if absent.
func (m *Message) Param(key string) string {
	return m.Params[key]
}

// SetParam sets a parameter, overwriting any prior value.
func (m *Message) SetParam(key, value string) *Message {
	m.Params[key] = value
	return m
}

// Attach stores an object under a capability name ("Stream", "Runnable",
// "DataEndpoint", "Socket", ...), replacing anything previously attached
// under that name.
func (m *Message) Attach(capability string, object any) *Message {
	if m.objects == nil {
		m.objects = make(map[string]any, 2)
	}

	m.objects[capability] = object
	return m
}

// Object retrieves whatever was attached under a capability name.
func (m *Message) Object(capability string) (any, bool) {
	if m.objects == nil {
		return nil, false
	}

	object, found := m.objects[capability]
	return object, found
}

// Reset clears the message so it can be reused for the next dispatch on the
// same connection, without re-allocating the parameter map.
func (m *Message) Reset(name string) {
	m.Name = name
	m.RetValue = ""

	for k := range m.Params {
		delete(m.Params, k)
	}

	for k := range m.objects {
		delete(m.objects, k)
	}
}
