package livox

import "fmt"

// EventKind enumerates the discrete liveness/progress events a session
// emits to the host application's monitoring layer.
type EventKind int

const (
	EventConnected EventKind = iota
	EventSamplingStarted
	EventSamplingStopped
	EventDisconnected
	EventPacketDropped
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSamplingStarted:
		return "sampling-started"
	case EventSamplingStopped:
		return "sampling-stopped"
	case EventDisconnected:
		return "disconnected"
	case EventPacketDropped:
		return "packet-dropped"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a discrete notification from the session. Reason is set for
// EventDisconnected and EventPacketDropped.
type Event struct {
	Kind   EventKind
	Reason string
}

func (e Event) String() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
}

// EventSink receives session events. Implementations must not block;
// the session calls OnEvent from its internal goroutines.
type EventSink interface {
	OnEvent(Event)
}

// EventFunc adapts a function to the EventSink interface.
type EventFunc func(Event)

// OnEvent calls f(e).
func (f EventFunc) OnEvent(e Event) { f(e) }

// PointSink consumes decoded point batches, one batch per data
// datagram. The writer owns the slice after the call returns.
type PointSink interface {
	OnPointBatch([]PointRecord) error
}
