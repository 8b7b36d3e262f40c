package clusterkv

import (
	"fmt"
	"log/slog"
	"time"
)

// LogEvent is the interface every loggable occurrence in this module
// implements; see Logger.
type LogEvent interface {
	EventName() string
	Message() string
	LogLevel() slog.Level
	LogAttrs() []slog.Attr
}

type baseEvent struct {
	Addr      string
	EventTime time.Time
}

func newBaseEvent(addr string) baseEvent {
	return baseEvent{Addr: addr, EventTime: time.Now()}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.Time("event_time", e.EventTime)}
	if e.Addr != "" {
		attrs = append(attrs, slog.String("addr", e.Addr))
	}
	return attrs
}

// ConnectedEvent fires when a connection to a node is established.
type ConnectedEvent struct{ baseEvent }

func (e ConnectedEvent) EventName() string    { return "connected" }
func (e ConnectedEvent) Message() string      { return "connected to node" }
func (e ConnectedEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e ConnectedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.String("event", e.EventName()))
}

// DisconnectedEvent fires on entering quarantine (§4.B health) or on any
// unexpected connection loss. This is the EventHub's fire-disconnect.
type DisconnectedEvent struct {
	baseEvent
	Reason error
}

func (e DisconnectedEvent) EventName() string { return "disconnected" }
func (e DisconnectedEvent) Message() string {
	if e.Reason != nil {
		return fmt.Sprintf("disconnected from node: %s", e.Reason)
	}
	return "disconnected from node"
}
func (e DisconnectedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e DisconnectedEvent) LogAttrs() []slog.Attr {
	attrs := append(e.baseAttrs(), slog.String("event", e.EventName()))
	if e.Reason != nil {
		attrs = append(attrs, slog.String("reason", e.Reason.Error()))
	}
	return attrs
}

// SlaveDownEvent fires when a replica entry enters quarantine (§4.B).
type SlaveDownEvent struct{ baseEvent }

func (e SlaveDownEvent) EventName() string    { return "slave_down" }
func (e SlaveDownEvent) Message() string      { return "replica quarantined" }
func (e SlaveDownEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e SlaveDownEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.String("event", e.EventName()))
}

// SlaveUpEvent fires when a replica's reconnection probe succeeds.
type SlaveUpEvent struct{ baseEvent }

func (e SlaveUpEvent) EventName() string    { return "slave_up" }
func (e SlaveUpEvent) Message() string      { return "replica reconnected" }
func (e SlaveUpEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e SlaveUpEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.String("event", e.EventName()))
}

// ProbeFailedEvent fires when a reconnection probe attempt fails and will
// be rescheduled (§4.B step 5).
type ProbeFailedEvent struct {
	baseEvent
	Err error
}

func (e ProbeFailedEvent) EventName() string { return "probe_failed" }
func (e ProbeFailedEvent) Message() string {
	return fmt.Sprintf("reconnection probe failed: %s", e.Err)
}
func (e ProbeFailedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e ProbeFailedEvent) LogAttrs() []slog.Attr {
	attrs := append(e.baseAttrs(), slog.String("event", e.EventName()))
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	return attrs
}

// RedirectEvent fires whenever the executor follows a MOVED/ASK hint.
type RedirectEvent struct {
	baseEvent
	Kind string // "MOVED" or "ASK"
	Slot uint32
}

// NewRedirectEvent builds a RedirectEvent with its address set, for
// packages outside clusterkv that can't set the embedded baseEvent field
// directly.
func NewRedirectEvent(addr, kind string, slot uint32) RedirectEvent {
	return RedirectEvent{baseEvent: newBaseEvent(addr), Kind: kind, Slot: slot}
}

func (e RedirectEvent) EventName() string { return "redirect" }
func (e RedirectEvent) Message() string {
	return fmt.Sprintf("slot %d redirected (%s) to %s", e.Slot, e.Kind, e.Addr)
}
func (e RedirectEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e RedirectEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(),
		slog.String("event", e.EventName()),
		slog.String("kind", e.Kind),
		slog.Uint64("slot", uint64(e.Slot)))
}

// EventHub fans LogEvents out to fire-and-forget observers, a buffered
// notify channel per observer shared at the module level so pool and
// executor code can publish without holding a *Connection.
type EventHub struct {
	observers []chan LogEvent
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub { return &EventHub{} }

// Subscribe registers a new fire-and-forget observer channel with the given
// buffer size.
func (h *EventHub) Subscribe(buffer int) <-chan LogEvent {
	ch := make(chan LogEvent, buffer)
	h.observers = append(h.observers, ch)
	return ch
}

// Fire publishes an event to every observer without blocking; a full
// observer channel drops the event rather than stalling the publisher.
func (h *EventHub) Fire(event LogEvent) {
	for _, ch := range h.observers {
		select {
		case ch <- event:
		default:
		}
	}
}
