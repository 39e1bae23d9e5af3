package irq

import (
	"context"
	"fmt"
	"log/slog"
)

// EventKind classifies a condition the table reports instead of failing.
type EventKind uint8

const (
	EventDisabledVector EventKind = iota + 1
	EventOutOfRange
	EventExclusivity
	EventPendingOverrun
	EventUnhandled
)

func (k EventKind) String() string {
	switch k {
	case EventDisabledVector:
		return "disabled vector"
	case EventOutOfRange:
		return "vector out of range"
	case EventExclusivity:
		return "exclusivity violation"
	case EventPendingOverrun:
		return "pending loop cap exceeded"
	case EventUnhandled:
		return "unhandled interrupt"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a structured diagnostic emitted by the table.
type Event struct {
	Vector int
	Kind   EventKind
}

func (e Event) String() string {
	return fmt.Sprintf("%s %d", e.Kind, e.Vector)
}

// EventSink receives every diagnostic event. It may be called from dispatch
// context and must not block.
type EventSink func(Event)

// LogSink returns an EventSink that reports through logger, or slog.Default
// when logger is nil.
func LogSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev Event) {
		level := slog.LevelWarn
		if ev.Kind == EventPendingOverrun {
			level = slog.LevelError
		}
		logger.Log(context.Background(), level, "irq: "+ev.Kind.String(), "vector", ev.Vector)
	}
}
