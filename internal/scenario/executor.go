package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
	"github.com/ruslanhut/ocpp-sim/internal/fsm"
	"github.com/ruslanhut/ocpp-sim/internal/metercurve"
)

// State is one of the executor's six lifecycle states.
type State string

const (
	StateIdle      State = "Idle"
	StateRunning   State = "Running"
	StateStepping  State = "Stepping"
	StateWaiting   State = "Waiting"
	StateCompleted State = "Completed"
	StateError     State = "Error"
)

// ErrWaitTimeout is returned by a wait primitive whose timeout elapsed
// before the awaited event occurred.
var ErrWaitTimeout = errors.New("scenario: wait timed out")

// ErrStopped is the internal sentinel a wait primitive returns when Stop()
// cancels it; it never reaches a collaborator callback.
var ErrStopped = errors.New("scenario: stopped")

// Status is a snapshot of executor state, passed to OnStateChange.
type Status struct {
	State    State
	NodeID   string
	Err      error
	Executed []string // node ids completed since the last Start or the last looping End node
}

// Hooks are progress callbacks beyond the Callbacks node effects:
// node-start, node-progress and state-change notifications. All are
// optional.
type Hooks struct {
	OnNodeExecute  func(nodeID string)
	OnNodeProgress func(nodeID string, remaining, total int)
	OnStateChange  func(Status)
}

// Executor interprets one Definition's graph against a Callbacks
// collaborator, one node at a time.
type Executor struct {
	def   *Definition
	cb    Callbacks
	clk   clock.Clock
	hooks Hooks

	wg conc.WaitGroup

	mu       sync.Mutex
	state    State
	nodeID   string
	err      error
	mode     ExecutionMode
	executed map[string]bool

	stepCh chan struct{}
	runCtx context.Context
	cancel context.CancelFunc
}

// New creates an Executor for def, driven by cb and clk. The executor
// starts Idle; call Start to begin.
func New(def *Definition, cb Callbacks, clk clock.Clock, hooks Hooks) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{
		def:      def,
		cb:       cb,
		clk:      clk,
		hooks:    hooks,
		state:    StateIdle,
		executed: make(map[string]bool),
	}
}

// State returns the executor's current lifecycle state.
func (e *Executor) State() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Executor) snapshotLocked() Status {
	ids := make([]string, 0, len(e.executed))
	for id := range e.executed {
		ids = append(ids, id)
	}
	return Status{State: e.state, NodeID: e.nodeID, Err: e.err, Executed: ids}
}

// Start begins execution in mode, from the graph's Start node. Valid only
// from Idle, Completed or Error; Start from Error clears the prior error
// and resets the executed-node set.
func (e *Executor) Start(mode ExecutionMode) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateCompleted && e.state != StateError {
		e.mu.Unlock()
		return fmt.Errorf("scenario: cannot start from state %s", e.state)
	}
	start, ok := e.def.StartNode()
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("scenario: definition %s has no Start node", e.def.ID)
	}
	e.mode = mode
	e.executed = make(map[string]bool)
	e.err = nil
	e.stepCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	e.runCtx = ctx
	e.cancel = cancel
	e.setStateLocked(runningState(mode), start.ID)
	e.mu.Unlock()
	e.fireStateChange()

	e.wg.Go(func() {
		defer cancel()
		e.run(ctx, start.ID)
	})
	return nil
}

// Step advances exactly one node while in Stepping state (either paused
// between nodes or not yet started its first). It blocks until the
// interpreter accepts the step, so consecutive Step calls each advance
// one node rather than racing each other.
func (e *Executor) Step() error {
	e.mu.Lock()
	if e.state != StateStepping {
		e.mu.Unlock()
		return fmt.Errorf("scenario: step is only valid while Stepping, current state %s", e.state)
	}
	ch := e.stepCh
	ctx := e.runCtx
	e.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scenario: stopped before the step was accepted")
	}
}

// Stop cancels any pending wait and returns the executor to Idle from any
// non-Idle state. Partially executed side effects are not rolled back.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.mu.Lock()
	e.setStateLocked(StateIdle, "")
	e.mu.Unlock()
	e.fireStateChange()
}

func runningState(mode ExecutionMode) State {
	if mode == ModeStep {
		return StateStepping
	}
	return StateRunning
}

// setStateLocked mutates state under e.mu. Callers must follow it with
// fireStateChange after unlocking; the hook is never invoked while e.mu is
// held, since a hook that calls back into the executor (e.g. State()) would
// otherwise deadlock on the non-reentrant mutex.
func (e *Executor) setStateLocked(s State, nodeID string) {
	e.state = s
	e.nodeID = nodeID
}

func (e *Executor) fireStateChange() {
	if e.hooks.OnStateChange == nil {
		return
	}
	e.mu.Lock()
	status := e.snapshotLocked()
	e.mu.Unlock()
	e.hooks.OnStateChange(status)
}

func (e *Executor) setError(err error) {
	e.mu.Lock()
	e.err = err
	e.setStateLocked(StateError, e.nodeID)
	e.mu.Unlock()
	e.fireStateChange()
}

// run is the interpreter loop; it owns ctx for the lifetime of one Start
// call and exits on End, on error, or on Stop-triggered cancellation.
func (e *Executor) run(ctx context.Context, nodeID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		node, ok := e.def.NodeByID(nodeID)
		if !ok {
			e.setError(fmt.Errorf("scenario: unknown node %s", nodeID))
			return
		}

		// End terminates (or loops) without consuming a step: a stepped
		// scenario needs one Step per effectful node, not one more to be
		// allowed to finish.
		if node.Type == NodeEnd {
			if e.hooks.OnNodeExecute != nil {
				e.hooks.OnNodeExecute(node.ID)
			}
			if node.boolean("loop") {
				e.mu.Lock()
				e.executed = make(map[string]bool)
				start, _ := e.def.StartNode()
				nodeID = start.ID
				e.setStateLocked(runningState(e.mode), nodeID)
				e.mu.Unlock()
				e.fireStateChange()
				continue
			}
			e.mu.Lock()
			e.setStateLocked(StateCompleted, node.ID)
			e.mu.Unlock()
			e.fireStateChange()
			return
		}

		e.mu.Lock()
		mode := e.mode
		e.mu.Unlock()

		if mode == ModeStep {
			select {
			case <-e.waitStepChan():
			case <-ctx.Done():
				return
			}
		}

		if e.hooks.OnNodeExecute != nil {
			e.hooks.OnNodeExecute(node.ID)
		}

		if err := e.execute(ctx, node); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			e.setError(fmt.Errorf("scenario: node %s (%s): %w", node.ID, node.Type, err))
			return
		}

		next := e.def.NextNodeIDs(node.ID)
		if len(next) == 0 {
			e.setError(fmt.Errorf("scenario: node %s has no outgoing edge", node.ID))
			return
		}
		nodeID = next[0]

		e.mu.Lock()
		e.executed[node.ID] = true
		e.setStateLocked(runningState(e.mode), nodeID)
		e.mu.Unlock()
		e.fireStateChange()
	}
}

func (e *Executor) waitStepChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepCh
}

// execute dispatches one node to its effect. Start is a no-op marker;
// End never reaches here.
func (e *Executor) execute(ctx context.Context, node Node) error {
	switch node.Type {
	case NodeStart:
		return nil

	case NodeStatusChange:
		return e.cb.OnStatusChange(fsm.Status(node.str("status")))

	case NodeTransactionStart:
		return e.cb.OnStartTransaction(node.str("tagId"), optionalFloat(node, "batteryKwh"), optionalFloat(node, "initialSoc"))

	case NodeTransactionStop:
		return e.cb.OnStopTransaction()

	case NodeMeterValue:
		if err := e.cb.OnSetMeterValue(node.int("value")); err != nil {
			return err
		}
		if node.boolean("sendMessage") {
			return e.cb.OnSendMeterValue()
		}
		return nil

	case NodeDelay:
		return e.awaitDelay(ctx, node)

	case NodeNotification:
		return e.cb.OnSendNotification(node.str("messageType"), node.Data["payload"])

	case NodeConnectorPlug:
		return e.cb.OnConnectorPlug(node.str("action") != "plugout")

	case NodeStatusTrigger:
		return e.awaitStatus(ctx, node)

	case NodeRemoteStartTrigger:
		return e.awaitRemoteStart(ctx, node)

	case NodeReserveNow:
		expiry := e.clk.Now().Add(time.Duration(node.num("expiryMinutes")) * time.Minute)
		return e.cb.OnReserveNow(node.int("reservationId"), node.str("idTag"), node.str("parentIdTag"), expiry)

	case NodeCancelReservation:
		return e.cb.OnCancelReservation(node.int("reservationId"))

	case NodeWaitForReservation:
		return e.awaitReservation(ctx, node)

	case NodeWaitForMeterValue:
		return e.awaitMeterValue(ctx, node)

	case NodeAutoMeterStart:
		return e.cb.OnAutoMeterStart(strategyFromNode(node), node.boolean("sendMessage"))

	case NodeAutoMeterStop:
		return e.cb.OnAutoMeterStop()

	default:
		return fmt.Errorf("unrecognized node type %q", node.Type)
	}
}

func optionalFloat(n Node, key string) *float64 {
	if _, ok := n.Data[key]; !ok {
		return nil
	}
	v := n.num(key)
	return &v
}

func strategyFromNode(n Node) metercurve.Strategy {
	if n.str("strategy") == "batteryCurve" {
		return metercurve.Strategy{BatteryCurve: &metercurve.BatteryCurveStrategy{
			CapacityKwh: n.num("capacityKwh"),
			InitialSoC:  n.num("initialSoc"),
			MaxPowerW:   n.num("maxPowerW"),
		}}
	}
	return metercurve.Strategy{Increment: &metercurve.IncrementStrategy{
		IntervalSeconds: n.int("intervalSeconds"),
		IncrementValue:  n.int("incrementValue"),
		MaxTimeSeconds:  n.int("maxTimeSeconds"),
		MaxValue:        n.int("maxValue"),
	}}
}
