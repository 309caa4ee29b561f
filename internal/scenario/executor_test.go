package scenario

import (
	"testing"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
	"github.com/ruslanhut/ocpp-sim/internal/fsm"
	"github.com/ruslanhut/ocpp-sim/internal/metercurve"
	"github.com/ruslanhut/ocpp-sim/internal/reservation"
)

type fakeCallbacks struct {
	bus *eventbus.Bus

	statusChanges []fsm.Status
	started       bool
	stopped       bool
	meterValues   []int
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{bus: eventbus.New(nil)}
}

func (f *fakeCallbacks) OnStatusChange(status fsm.Status) error {
	f.statusChanges = append(f.statusChanges, status)
	return nil
}
func (f *fakeCallbacks) OnStartTransaction(tagID string, batteryKwh, initialSoC *float64) error {
	f.started = true
	return nil
}
func (f *fakeCallbacks) OnStopTransaction() error {
	f.stopped = true
	return nil
}
func (f *fakeCallbacks) OnSetMeterValue(value int) error {
	f.meterValues = append(f.meterValues, value)
	return nil
}
func (f *fakeCallbacks) OnSendMeterValue() error { return nil }
func (f *fakeCallbacks) OnSendNotification(messageType string, payload interface{}) error {
	return nil
}
func (f *fakeCallbacks) OnConnectorPlug(plugIn bool) error { return nil }
func (f *fakeCallbacks) OnReserveNow(reservationID int, idTag, parentIDTag string, expiry time.Time) error {
	return nil
}
func (f *fakeCallbacks) OnCancelReservation(reservationID int) error { return nil }
func (f *fakeCallbacks) OnAutoMeterStart(strategy metercurve.Strategy, send bool) error {
	return nil
}
func (f *fakeCallbacks) OnAutoMeterStop() error { return nil }

func (f *fakeCallbacks) ReservationForConnector() (reservation.Reservation, bool) {
	return reservation.Reservation{}, false
}
func (f *fakeCallbacks) ConnectorID() int { return 1 }

func (f *fakeCallbacks) RegisterRemoteStartHandler()   {}
func (f *fakeCallbacks) UnregisterRemoteStartHandler() {}

func (f *fakeCallbacks) Bus() *eventbus.Bus        { return f.bus }
func (f *fakeCallbacks) Log(level, message string) {}

func waitForState(t *testing.T, e *Executor, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := e.State()
		if s.State == want {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, e.State().State)
	return Status{}
}

func simpleChargeDef() *Definition {
	return &Definition{
		ID:         "d1",
		TargetType: TargetConnector,
		TargetID:   1,
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "status", Type: NodeStatusChange, Data: map[string]interface{}{"status": string(fsm.StatusCharging)}},
			{ID: "meter", Type: NodeMeterValue, Data: map[string]interface{}{"value": 1000}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "status"},
			{ID: "e2", Source: "status", Target: "meter"},
			{ID: "e3", Source: "meter", Target: "end"},
		},
	}
}

func TestExecutor_OneshotRunCompletesAndAppliesEffects(t *testing.T) {
	cb := newFakeCallbacks()
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(simpleChargeDef(), cb, clk, Hooks{})

	if err := e.Start(ModeOneshot); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, e, StateCompleted)

	if len(cb.statusChanges) != 1 || cb.statusChanges[0] != fsm.StatusCharging {
		t.Fatalf("expected one StatusChange to Charging, got %+v", cb.statusChanges)
	}
	if len(cb.meterValues) != 1 || cb.meterValues[0] != 1000 {
		t.Fatalf("expected meter value 1000 recorded, got %+v", cb.meterValues)
	}
}

func TestExecutor_StepModePausesUntilStep(t *testing.T) {
	cb := newFakeCallbacks()
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(simpleChargeDef(), cb, clk, Hooks{})

	if err := e.Start(ModeStep); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Stepping holds at the Start node until the first explicit Step.
	time.Sleep(20 * time.Millisecond)
	if got := e.State().State; got != StateStepping {
		t.Fatalf("expected Stepping before any Step() call, got %s", got)
	}
	if len(cb.statusChanges) != 0 {
		t.Fatalf("expected no effects applied before stepping, got %+v", cb.statusChanges)
	}

	for i := 0; i < 3; i++ {
		if err := e.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}

	waitForState(t, e, StateCompleted)
	if len(cb.statusChanges) != 1 {
		t.Fatalf("expected StatusChange applied after stepping through, got %+v", cb.statusChanges)
	}
}

func TestExecutor_StopCancelsAWaitingNodeCleanly(t *testing.T) {
	cb := newFakeCallbacks()
	clk := clock.NewFake(time.Unix(0, 0))
	def := &Definition{
		ID: "d2",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "wait", Type: NodeStatusTrigger, Data: map[string]interface{}{"targetStatus": string(fsm.StatusCharging)}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "end"},
		},
	}
	e := New(def, cb, clk, Hooks{})

	if err := e.Start(ModeOneshot); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StateWaiting)

	e.Stop()

	s := e.State()
	if s.State != StateIdle {
		t.Fatalf("expected Idle after Stop, got %s", s.State)
	}
	if s.Err != nil {
		t.Fatalf("expected Stop to swallow ErrStopped rather than surface an error, got %v", s.Err)
	}
}

func TestExecutor_UnknownNodeTransitionsToError(t *testing.T) {
	cb := newFakeCallbacks()
	clk := clock.NewFake(time.Unix(0, 0))
	def := &Definition{
		ID: "d3",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "ghost"},
		},
	}
	e := New(def, cb, clk, Hooks{})

	if err := e.Start(ModeOneshot); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := waitForState(t, e, StateError)
	if s.Err == nil {
		t.Fatalf("expected an error set on reaching an unknown node")
	}
}

func TestExecutor_NoOutgoingEdgeTransitionsToError(t *testing.T) {
	cb := newFakeCallbacks()
	clk := clock.NewFake(time.Unix(0, 0))
	def := &Definition{
		ID: "d4",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "status", Type: NodeStatusChange, Data: map[string]interface{}{"status": string(fsm.StatusCharging)}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "status"},
		},
	}
	e := New(def, cb, clk, Hooks{})

	if err := e.Start(ModeOneshot); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitForState(t, e, StateError)
}

func TestExecutor_LoopingEndNodeRestartsFromStart(t *testing.T) {
	cb := newFakeCallbacks()
	clk := clock.NewFake(time.Unix(0, 0))
	def := &Definition{
		ID: "d5",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "meter", Type: NodeMeterValue, Data: map[string]interface{}{"value": 1}},
			{ID: "end", Type: NodeEnd, Data: map[string]interface{}{"loop": true}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "meter"},
			{ID: "e2", Source: "meter", Target: "end"},
			{ID: "e3", Source: "end", Target: "start"},
		},
	}
	e := New(def, cb, clk, Hooks{})

	if err := e.Start(ModeOneshot); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(cb.meterValues) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	e.Stop()

	if len(cb.meterValues) < 3 {
		t.Fatalf("expected the looping End node to re-run the graph at least 3 times, got %d runs", len(cb.meterValues))
	}
}

func TestExecutor_StartRejectedOutsideIdleCompletedOrError(t *testing.T) {
	cb := newFakeCallbacks()
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(simpleChargeDef(), cb, clk, Hooks{})

	if err := e.Start(ModeStep); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StateStepping)

	if err := e.Start(ModeOneshot); err == nil {
		t.Fatalf("expected Start to reject re-entry while Stepping")
	}

	e.Stop()
}
