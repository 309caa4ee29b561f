package scenario

import (
	"context"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
)

// enterWaiting and leaveWaiting bracket every suspension point so State()
// reports Waiting for its duration and reverts to the executor's active
// mode state on every exit path, as every wait primitive below requires.
func (e *Executor) enterWaiting(nodeID string) {
	e.mu.Lock()
	e.setStateLocked(StateWaiting, nodeID)
	e.mu.Unlock()
	e.fireStateChange()
}

func (e *Executor) leaveWaiting(nodeID string) {
	e.mu.Lock()
	e.setStateLocked(runningState(e.mode), nodeID)
	e.mu.Unlock()
	e.fireStateChange()
}

// awaitEvent subscribes to subject, resolving on the first event matching
// match, a timeout (timeoutSeconds <= 0 disables it), or ctx cancellation.
// The subscription and any timer are released on every exit path.
func (e *Executor) awaitEvent(ctx context.Context, nodeID, subject string, match func(eventbus.Event) bool, timeoutSeconds int) (eventbus.Event, error) {
	e.enterWaiting(nodeID)
	defer e.leaveWaiting(nodeID)

	ch := make(chan eventbus.Event, 1)
	unsub := e.cb.Bus().Subscribe(subject, func(evt eventbus.Event) {
		if match == nil || match(evt) {
			select {
			case ch <- evt:
			default:
			}
		}
	})
	defer unsub()

	var timeoutCh chan struct{}
	var handle clock.Handle
	if timeoutSeconds > 0 {
		timeoutCh = make(chan struct{})
		handle = e.clk.AfterFunc(time.Duration(timeoutSeconds)*time.Second, func() { close(timeoutCh) })
		defer handle.Cancel()
	}

	select {
	case evt := <-ch:
		return evt, nil
	case <-timeoutCh:
		return eventbus.Event{}, ErrWaitTimeout
	case <-ctx.Done():
		return eventbus.Event{}, ErrStopped
	}
}

// awaitStatus implements StatusTrigger: wait for the target connector to
// reach targetStatus, with an optional hard timeout.
func (e *Executor) awaitStatus(ctx context.Context, node Node) error {
	target := node.str("targetStatus")
	connectorID := e.cb.ConnectorID()
	_, err := e.awaitEvent(ctx, node.ID, "connector.statusChange", func(evt eventbus.Event) bool {
		if id, _ := evt.Data["connectorId"].(int); id != connectorID {
			return false
		}
		to, _ := evt.Data["to"].(string)
		return to == target
	}, node.int("timeout"))
	return err
}

// awaitRemoteStart implements RemoteStartTrigger: register the connector as
// scenario-handled so an inbound RemoteStartTransaction is forwarded as an
// event rather than auto-started, wait for it, and always unregister.
func (e *Executor) awaitRemoteStart(ctx context.Context, node Node) error {
	connectorID := e.cb.ConnectorID()
	e.cb.RegisterRemoteStartHandler()
	defer e.cb.UnregisterRemoteStartHandler()

	_, err := e.awaitEvent(ctx, node.ID, "remoteStartReceived", func(evt eventbus.Event) bool {
		id, _ := evt.Data["connectorId"].(int)
		return id == connectorID
	}, node.int("timeout"))
	return err
}

// awaitReservation implements WaitForReservation: poll for an
// already-existing reservation first, then fall back to the event.
func (e *Executor) awaitReservation(ctx context.Context, node Node) error {
	if _, ok := e.cb.ReservationForConnector(); ok {
		return nil
	}
	connectorID := e.cb.ConnectorID()
	_, err := e.awaitEvent(ctx, node.ID, "reservation.created", func(evt eventbus.Event) bool {
		id, _ := evt.Data["connectorId"].(int)
		return id == connectorID || id == 0
	}, node.int("timeout"))
	return err
}

// awaitMeterValue implements WaitForMeterValue: wait until the target
// connector's meter reading reaches targetValue.
func (e *Executor) awaitMeterValue(ctx context.Context, node Node) error {
	target := node.int("targetValue")
	connectorID := e.cb.ConnectorID()
	_, err := e.awaitEvent(ctx, node.ID, "meterValueChange", func(evt eventbus.Event) bool {
		id, _ := evt.Data["connectorId"].(int)
		if id != connectorID {
			return false
		}
		v, _ := evt.Data["value"].(int)
		return v >= target
	}, node.int("timeout"))
	return err
}

// awaitDelay implements Delay: block for seconds ticks of the executor's
// clock, reporting remaining/total progress once per simulated second.
func (e *Executor) awaitDelay(ctx context.Context, node Node) error {
	total := node.int("seconds")
	e.enterWaiting(node.ID)
	defer e.leaveWaiting(node.ID)

	for remaining := total; remaining > 0; remaining-- {
		tick := make(chan struct{})
		handle := e.clk.AfterFunc(time.Second, func() { close(tick) })
		select {
		case <-tick:
			if e.hooks.OnNodeProgress != nil {
				e.hooks.OnNodeProgress(node.ID, remaining-1, total)
			}
		case <-ctx.Done():
			handle.Cancel()
			return ErrStopped
		}
	}
	return nil
}
