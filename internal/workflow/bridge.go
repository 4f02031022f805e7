package workflow

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// Transport publishes raw payloads to a topic.
type Transport interface {
	Publish(topic string, payload []byte) error
}

// Bridge mirrors locally originated events to a Transport under
// <prefix>/events/<name> and delivers remote events to the local bus.
type Bridge struct {
	engine    *Engine
	transport Transport
	prefix    string
	log       zerolog.Logger
}

// NewBridge wires the bridge into the engine's bus.
func NewBridge(engine *Engine, transport Transport, prefix string, log zerolog.Logger) *Bridge {
	b := &Bridge{
		engine:    engine,
		transport: transport,
		prefix:    strings.TrimRight(prefix, "/") + "/events/",
		log:       log,
	}
	engine.Bus().Listen(b.forward)
	return b
}

// TopicPrefix is the topic prefix the bridge publishes under.
func (b *Bridge) TopicPrefix() string { return b.prefix }

func (b *Bridge) forward(e Event) {
	if e.Origin != b.engine.Origin() {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Error().Err(err).Str("event", e.Name).Msg("marshal event for bridge")
		return
	}
	// paho blocks on the ack; keep the publisher's goroutine free
	go func() {
		if err := b.transport.Publish(b.prefix+e.Name, data); err != nil {
			b.log.Warn().Err(err).Str("event", e.Name).Msg("bridge publish failed")
		}
	}()
}

// HandleMessage injects an event received from the transport. Remote events
// resolve waits and replay but never trigger local functions; the origin
// process already ran them.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("invalid bridged event")
		return
	}
	if e.Origin == b.engine.Origin() || e.ID == "" {
		return
	}
	if e.Name == "" {
		e.Name = strings.TrimPrefix(topic, b.prefix)
	}
	b.engine.bus.Deliver(e)
}
