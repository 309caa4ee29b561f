// Package fsm implements the guarded connector state machine that every
// caller-initiated state change (UI command, scenario node, remote CALL,
// CALLRESULT handler) must go through, so that every transition is
// validated identically, recorded once, and published once.
package fsm

import (
	"fmt"
	"sync"

	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
)

// Status is one of the nine OCPP 1.6J connector statuses.
type Status string

const (
	StatusAvailable     Status = "Available"
	StatusPreparing     Status = "Preparing"
	StatusCharging      Status = "Charging"
	StatusSuspendedEV   Status = "SuspendedEV"
	StatusSuspendedEVSE Status = "SuspendedEVSE"
	StatusFinishing     Status = "Finishing"
	StatusReserved      Status = "Reserved"
	StatusUnavailable   Status = "Unavailable"
	StatusFaulted       Status = "Faulted"
)

// Availability is the administrative flag, distinct from Status.
type Availability string

const (
	Operative   Availability = "Operative"
	Inoperative Availability = "Inoperative"
)

// EventKind names the events the FSM accepts.
type EventKind string

const (
	EventPlugin             EventKind = "Plugin"
	EventAuthorize          EventKind = "Authorize"
	EventStartTransaction   EventKind = "StartTransaction"
	EventStopTransaction    EventKind = "StopTransaction"
	EventPlugout            EventKind = "Plugout"
	EventError              EventKind = "Error"
	EventReserve            EventKind = "Reserve"
	EventCancelReservation  EventKind = "CancelReservation"
	EventReset              EventKind = "Reset"
	EventSuspendEV          EventKind = "SuspendEV"
	EventSuspendEVSE        EventKind = "SuspendEVSE"
	EventResume             EventKind = "Resume"
	EventSetUnavailable     EventKind = "SetUnavailable"
	EventSetAvailable       EventKind = "SetAvailable"
)

// Event is a single FSM input. Fields beyond Kind are interpreted only by
// the transitions that declare a matching effect.
type Event struct {
	Kind          EventKind
	TagID         string
	TransactionID int
	ErrorCode     string
	ReservationID int
}

// Context is the mutable data a connector's FSM carries alongside Status.
type Context struct {
	ConnectorID   int
	Authorized    bool
	TransactionID int // 0 means none
	TagID         string
	Availability  Availability
}

// ErrInvalidTransition is returned when an event is not valid from the
// connector's current status.
type ErrInvalidTransition struct {
	ConnectorID int
	From        Status
	Event       EventKind
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("connector %d: event %s is invalid from status %s", e.ConnectorID, e.Event, e.From)
}

type transition struct {
	to     Status
	guard  func(Context) bool
	effect func(*Context, Event)
}

// FSM is one connector's guarded state machine.
type FSM struct {
	mu      sync.Mutex
	status  Status
	ctx     Context
	bus     *eventbus.Bus
	onEnter func(connectorID int, old, new Status, ctx Context)
}

// New creates an FSM starting in Available, Operative.
func New(connectorID int, bus *eventbus.Bus, onEnter func(connectorID int, old, new Status, ctx Context)) *FSM {
	return &FSM{
		status: StatusAvailable,
		ctx: Context{
			ConnectorID:  connectorID,
			Availability: Operative,
		},
		bus:     bus,
		onEnter: onEnter,
	}
}

// Status returns the current status (thread-safe).
func (f *FSM) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Context returns a copy of the current context.
func (f *FSM) Context() Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

// table lazily returns the transition table for a given From status. Built
// as a function rather than a package-level map literal because several
// effects close over nothing but read clean from inline closures.
func table(from Status) map[EventKind]transition {
	switch from {
	case StatusAvailable:
		return map[EventKind]transition{
			EventPlugin: {
				to:    StatusPreparing,
				guard: func(c Context) bool { return c.Availability == Operative },
				effect: func(c *Context, e Event) {
					c.Authorized = false
				},
			},
			EventReserve:        {to: StatusReserved},
			EventSetUnavailable: {to: StatusUnavailable, effect: func(c *Context, e Event) { c.Availability = Inoperative }},
			EventError:          {to: StatusFaulted},
		}
	case StatusPreparing:
		return map[EventKind]transition{
			EventAuthorize: {
				to: StatusPreparing,
				effect: func(c *Context, e Event) {
					c.Authorized = true
					c.TagID = e.TagID
				},
			},
			EventStartTransaction: {
				to:    StatusCharging,
				guard: func(c Context) bool { return c.Authorized },
				effect: func(c *Context, e Event) {
					c.TransactionID = e.TransactionID
				},
			},
			EventPlugout: {
				to: StatusAvailable,
				effect: func(c *Context, e Event) {
					c.Authorized = false
					c.TagID = ""
				},
			},
			EventError: {to: StatusFaulted},
		}
	case StatusCharging:
		return map[EventKind]transition{
			EventSuspendEV:   {to: StatusSuspendedEV},
			EventSuspendEVSE: {to: StatusSuspendedEVSE},
			EventStopTransaction: {
				to: StatusFinishing,
				effect: func(c *Context, e Event) {
					c.TransactionID = 0
					c.Authorized = false
				},
			},
			EventError: {to: StatusFaulted},
		}
	case StatusSuspendedEV:
		return map[EventKind]transition{
			EventResume:      {to: StatusCharging},
			EventSuspendEVSE: {to: StatusSuspendedEVSE},
			EventStopTransaction: {
				to: StatusFinishing,
				effect: func(c *Context, e Event) {
					c.TransactionID = 0
					c.Authorized = false
				},
			},
			EventError: {to: StatusFaulted},
		}
	case StatusSuspendedEVSE:
		return map[EventKind]transition{
			EventResume:     {to: StatusCharging},
			EventSuspendEV:  {to: StatusSuspendedEV},
			EventStopTransaction: {
				to: StatusFinishing,
				effect: func(c *Context, e Event) {
					c.TransactionID = 0
					c.Authorized = false
				},
			},
			EventError: {to: StatusFaulted},
		}
	case StatusFinishing:
		return map[EventKind]transition{
			EventPlugout: {
				to:     StatusAvailable,
				effect: func(c *Context, e Event) { c.TagID = "" },
			},
			EventError: {to: StatusFaulted},
		}
	case StatusReserved:
		return map[EventKind]transition{
			EventPlugin: {
				to:    StatusPreparing,
				guard: func(c Context) bool { return c.Availability == Operative },
			},
			EventCancelReservation: {to: StatusAvailable},
			EventError:             {to: StatusFaulted},
		}
	case StatusUnavailable:
		return map[EventKind]transition{
			EventSetAvailable: {
				to:     StatusAvailable,
				effect: func(c *Context, e Event) { c.Availability = Operative },
			},
			EventError: {to: StatusFaulted},
		}
	case StatusFaulted:
		return map[EventKind]transition{
			EventReset: {
				to: StatusAvailable,
				effect: func(c *Context, e Event) {
					c.TransactionID = 0
					c.Authorized = false
					c.TagID = ""
				},
			},
		}
	default:
		return nil
	}
}

// Fire applies an event. On success it synchronously publishes a
// "connector.statusChange" event on the bus before returning, so that FSM
// transitions and their emissions are always delivered in issue order
// rather than via a detached goroutine.
func (f *FSM) Fire(e Event) error {
	f.mu.Lock()

	// Error is accepted from any non-Faulted status per "Any -> Faulted".
	if e.Kind == EventError && f.status != StatusFaulted {
		old := f.status
		f.status = StatusFaulted
		ctxCopy := f.ctx
		f.mu.Unlock()
		f.publish(old, StatusFaulted, ctxCopy)
		return nil
	}

	trans, ok := table(f.status)[e.Kind]
	if !ok {
		connectorID := f.ctx.ConnectorID
		from := f.status
		f.mu.Unlock()
		return &ErrInvalidTransition{ConnectorID: connectorID, From: from, Event: e.Kind}
	}
	if trans.guard != nil && !trans.guard(f.ctx) {
		connectorID := f.ctx.ConnectorID
		from := f.status
		f.mu.Unlock()
		return &ErrInvalidTransition{ConnectorID: connectorID, From: from, Event: e.Kind}
	}

	old := f.status
	if trans.effect != nil {
		trans.effect(&f.ctx, e)
	}
	f.status = trans.to
	ctxCopy := f.ctx
	f.mu.Unlock()

	f.publish(old, trans.to, ctxCopy)
	return nil
}

// EventFor returns an event kind that, fired from the FSM's current status,
// leads to target. Used by callers that receive a target status (rather
// than an event) from an external source, e.g. a scenario StatusChange
// node or an inbound ChangeAvailability-driven status push.
func (f *FSM) EventFor(target Status) (EventKind, bool) {
	f.mu.Lock()
	from := f.status
	f.mu.Unlock()
	for kind, t := range table(from) {
		if t.to == target {
			return kind, true
		}
	}
	return "", false
}

func (f *FSM) publish(old, new Status, ctx Context) {
	if f.onEnter != nil {
		f.onEnter(ctx.ConnectorID, old, new, ctx)
	}
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{
			Subject: "connector.statusChange",
			Data: map[string]interface{}{
				"connectorId": ctx.ConnectorID,
				"from":        string(old),
				"to":          string(new),
			},
		})
	}
}
