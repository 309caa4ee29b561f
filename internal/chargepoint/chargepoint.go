// Package chargepoint implements the aggregate root of the simulator: one
// ChargePoint owns its Connectors, its Transport and MessageRouter wiring,
// its heartbeat timer, its ReservationManager, and its StateHistory.
package chargepoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/boundary"
	"github.com/ruslanhut/ocpp-sim/internal/clock"
	"github.com/ruslanhut/ocpp-sim/internal/cplog"
	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
	"github.com/ruslanhut/ocpp-sim/internal/fsm"
	"github.com/ruslanhut/ocpp-sim/internal/metercurve"
	"github.com/ruslanhut/ocpp-sim/internal/ocpp"
	"github.com/ruslanhut/ocpp-sim/internal/ocpp/v16"
	"github.com/ruslanhut/ocpp-sim/internal/reservation"
	"github.com/ruslanhut/ocpp-sim/internal/router"
	"github.com/ruslanhut/ocpp-sim/internal/statehistory"
	"github.com/ruslanhut/ocpp-sim/internal/transport"
)

// Status is the charge-point-wide (connector 0) status.
type Status string

const (
	StatusAvailable   Status = "Available"
	StatusUnavailable Status = "Unavailable"
	StatusFaulted     Status = "Faulted"
)

// BootInfo is the immutable identity the charge point announces on every
// BootNotification.
type BootInfo struct {
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
}

// Transport is the subset of the transport client a ChargePoint drives
// directly.
type Transport interface {
	router.Sender
	Connect() error
	Disconnect() error
	GetState() transport.State
}

// Config bundles the construction-time parameters of a ChargePoint.
type Config struct {
	ID               string
	ConnectorCount   int
	Boot             BootInfo
	AutoResetToAvail bool
	HistorySize      int

	// AutoMeterStrategy, when non-nil, is applied to a connector the
	// moment its StartTransaction is accepted, so a simulated session
	// progresses without scenario or CLI intervention.
	AutoMeterStrategy *metercurve.Strategy
	AutoMeterSend     bool

	// Bus, when non-nil, is the EventBus this ChargePoint publishes and
	// records against, shared with a caller-constructed Transport so that
	// transport.connected/transport.disconnected land on the same bus as
	// every domain event. A nil Bus gets a fresh one, as before.
	Bus *eventbus.Bus
}

// ChargePoint is the aggregate root: identity, connectors, and the wiring
// between Transport, MessageRouter, ReservationManager and StateHistory.
type ChargePoint struct {
	mu sync.Mutex

	id               string
	boot             BootInfo
	autoResetToAvail bool

	status Status
	errStr string

	connectors map[int]*Connector

	clk     clock.Clock
	bus     *eventbus.Bus
	logger  *cplog.Logger
	history *statehistory.History
	reserv  *reservation.Manager
	router  *router.Router

	transport Transport

	heartbeat     clock.Handle
	heartbeatSecs int

	scenarioHandled map[int]bool

	inFlightStart map[int]bool // connectors with an outstanding StartTransaction CALL

	autoMeterStrategy *metercurve.Strategy
	autoMeterSend     bool

	uploadSink boundary.FileUploadSink
}

// New constructs a ChargePoint with ConnectorCount connectors, all
// Available/Operative, and registers its OCPP action handlers on router.
// transport is not dialed until Connect is called.
func New(cfg Config, transport Transport, clk clock.Clock, logger *cplog.Logger) *ChargePoint {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.New(nil)
	}
	if logger == nil {
		logger = cplog.New(500, bus)
	}

	cp := &ChargePoint{
		id:               cfg.ID,
		boot:             cfg.Boot,
		autoResetToAvail: cfg.AutoResetToAvail,
		status:           StatusAvailable,
		connectors:       make(map[int]*Connector),
		clk:              clk,
		bus:              bus,
		logger:           logger,
		history:          statehistory.New(cfg.HistorySize),
		reserv:           reservation.New(clk),
		transport:         transport,
		scenarioHandled:   make(map[int]bool),
		inFlightStart:     make(map[int]bool),
		autoMeterStrategy: cfg.AutoMeterStrategy,
		autoMeterSend:     cfg.AutoMeterSend,
		uploadSink:        boundary.NoopUploadSink{},
	}
	cp.router = router.New(ocpp.NewRequestHistory(), transport, nil)
	cp.registerHandlers()
	cp.bus.Subscribe("transport.connected", cp.onTransportConnected)
	cp.bus.Subscribe("transport.disconnected", cp.onTransportDisconnected)

	for i := 1; i <= cfg.ConnectorCount; i++ {
		cp.connectors[i] = newConnector(i, fsm.New(i, bus, cp.onConnectorTransition), connectorHooks{
			sendMeterValue:  cp.sendMeterValueFrame,
			autoMeterFinish: cp.onAutoMeterFinish,
		})
	}
	return cp
}

// Bus exposes the ChargePoint's event bus for external subscribers
// (scenario executor, CLI, tests).
func (cp *ChargePoint) Bus() *eventbus.Bus { return cp.bus }

// Logger exposes the ring logger.
func (cp *ChargePoint) Logger() *cplog.Logger { return cp.logger }

// History exposes the state-transition ring.
func (cp *ChargePoint) History() *statehistory.History { return cp.history }

// Router exposes the message router, e.g. so a scenario node can send a
// Notification-type DataTransfer directly.
func (cp *ChargePoint) Router() *router.Router { return cp.router }

// Connector returns connector id, or nil if it does not exist.
func (cp *ChargePoint) Connector(id int) *Connector {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.connectors[id]
}

// ConnectorIDs returns every connector id in ascending order.
func (cp *ChargePoint) ConnectorIDs() []int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	ids := make([]int, 0, len(cp.connectors))
	for id := range cp.connectors {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Status returns the charge-point-wide status.
func (cp *ChargePoint) Status() Status {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.status
}

// Connect opens the transport and sends BootNotification.
func (cp *ChargePoint) Connect() error {
	if err := cp.transport.Connect(); err != nil {
		return err
	}
	return cp.Boot()
}

// Disconnect tears down every timer this ChargePoint owns before closing
// the socket, so no timer, auto-meter task, or sweeper outlives it.
func (cp *ChargePoint) Disconnect() error {
	cp.StopHeartbeat()
	cp.reserv.Stop()
	for _, c := range cp.connectors {
		c.stopAutoMeter()
	}
	cp.router.ClearHistory()
	return cp.transport.Disconnect()
}

// Reset is a disconnect followed by a reconnect.
func (cp *ChargePoint) Reset() error {
	_ = cp.Disconnect()
	return cp.Connect()
}

// Boot sends BootNotification. The result handler (registered in
// handlers.go) is the sole site that applies the Accepted side effects.
func (cp *ChargePoint) Boot() error {
	req := v16.BootNotificationRequest{
		ChargePointVendor: cp.boot.Vendor,
		ChargePointModel:  cp.boot.Model,
		FirmwareVersion:   cp.boot.FirmwareVersion,
	}
	_, err := cp.router.SendCall(string(v16.ActionBootNotification), req, 0)
	return err
}

// Authorize sends an Authorize CALL for tagId, independent of any
// connector's FSM state.
func (cp *ChargePoint) Authorize(tagID string) error {
	_, err := cp.router.SendCall(string(v16.ActionAuthorize), v16.AuthorizeRequest{IdTag: tagID}, 0)
	return err
}

// StartTransaction drives the connector through Plugin -> Authorize ->
// StartTransaction, attaches a transactionId=0 Transaction, and sends the
// StartTransaction CALL. The real transactionId is applied by the result
// handler once the CSMS responds.
func (cp *ChargePoint) StartTransaction(connectorID int, tagID string, batteryKwh, initialSoC *float64) error {
	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("chargepoint: no such connector %d", connectorID)
	}
	if c.hasTransaction() {
		return fmt.Errorf("chargepoint: connector %d already has an active transaction", connectorID)
	}
	cp.mu.Lock()
	inFlight := cp.inFlightStart[connectorID]
	cp.mu.Unlock()
	if inFlight {
		return fmt.Errorf("chargepoint: connector %d already has a StartTransaction in flight", connectorID)
	}

	switch c.Status() {
	case fsm.StatusAvailable, fsm.StatusReserved:
		if err := c.FSM.Fire(fsm.Event{Kind: fsm.EventPlugin}); err != nil {
			return err
		}
	}
	if err := c.FSM.Fire(fsm.Event{Kind: fsm.EventAuthorize, TagID: tagID}); err != nil {
		return err
	}

	// A transaction start consumes whatever reservation was holding this
	// connector, so a later ReserveNow for the same connector doesn't see
	// a stale Occupied entry.
	if r, ok := cp.reserv.ForConnector(connectorID); ok {
		cp.reserv.Use(r.ID)
	}

	meterStart, _, _ := c.snapshot()
	tx := &Transaction{
		ConnectorID: connectorID,
		TagID:       tagID,
		MeterStart:  meterStart,
		StartTime:   cp.clk.Now(),
		BatteryKwh:  batteryKwh,
		InitialSoC:  initialSoC,
	}
	c.setTransaction(tx)

	cp.mu.Lock()
	cp.inFlightStart[connectorID] = true
	cp.mu.Unlock()

	if err := c.FSM.Fire(fsm.Event{Kind: fsm.EventStartTransaction, TransactionID: 0}); err != nil {
		cp.mu.Lock()
		delete(cp.inFlightStart, connectorID)
		cp.mu.Unlock()
		c.clearTransaction()
		return err
	}

	_, err := cp.router.SendCall(string(v16.ActionStartTransaction), v16.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       tagID,
		MeterStart:  meterStart,
		Timestamp:   v16.DateTime{Time: cp.clk.Now()},
	}, connectorID)
	if err != nil {
		return err
	}

	cp.bus.Publish(eventbus.Event{Subject: "transactionStarted", Data: map[string]interface{}{
		"connectorId":   connectorID,
		"transactionId": 0,
		"tagId":         tagID,
	}})
	return nil
}

// StopTransaction stops the active transaction on connectorID, sends
// StopTransaction, and drives the FSM to Finishing. A connector with no
// active transaction is a no-op logged at WARN.
func (cp *ChargePoint) StopTransaction(connectorID int) error {
	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("chargepoint: no such connector %d", connectorID)
	}
	_, _, tx := c.snapshot()
	if tx == nil {
		cp.logger.Warn(cp.clk.Now(), "transaction", fmt.Sprintf("stopTransaction: connector %d has no active transaction", connectorID), nil)
		return nil
	}

	c.stopAutoMeter()
	meterValue, _, _ := c.snapshot()
	now := cp.clk.Now()
	tx.StopTime = &now
	stop := meterValue
	tx.MeterStop = &stop

	if err := c.FSM.Fire(fsm.Event{Kind: fsm.EventStopTransaction}); err != nil {
		return err
	}
	if cp.autoResetToAvail {
		_ = c.FSM.Fire(fsm.Event{Kind: fsm.EventPlugout})
	}

	_, err := cp.router.SendCall(string(v16.ActionStopTransaction), v16.StopTransactionRequest{
		TransactionId: tx.ID,
		MeterStop:     stop,
		Timestamp:     v16.DateTime{Time: now},
		IdTag:         tx.TagID,
	}, connectorID)
	if err != nil {
		return err
	}

	cp.bus.Publish(eventbus.Event{Subject: "transactionStopped", Data: map[string]interface{}{
		"connectorId":   connectorID,
		"transactionId": tx.ID,
	}})
	return nil
}

// SetMeterValue sets the connector's reading directly (CLI/scenario
// driven), without sending a frame. The reading may not decrease while a
// transaction is active.
func (cp *ChargePoint) SetMeterValue(connectorID, value int) error {
	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("chargepoint: no such connector %d", connectorID)
	}
	current, _, tx := c.snapshot()
	if tx != nil && value < current {
		return fmt.Errorf("chargepoint: meter value may not decrease during a transaction (%d < %d)", value, current)
	}
	c.SetMeterValue(value)
	cp.bus.Publish(eventbus.Event{Subject: "meterValueChange", Data: map[string]interface{}{
		"connectorId": connectorID,
		"value":       value,
	}})
	return nil
}

// SendMeterValue sends a MeterValues CALL for the connector's current
// reading. A no-op (logged, not errored) when the transport is closed.
func (cp *ChargePoint) SendMeterValue(connectorID int) error {
	return cp.sendMeterValueFrame(connectorID)
}

func (cp *ChargePoint) sendMeterValueFrame(connectorID int) error {
	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("chargepoint: no such connector %d", connectorID)
	}
	meterValue, soc, tx := c.snapshot()

	samples := []v16.SampledValue{{
		Value:     fmt.Sprintf("%d", meterValue),
		Measurand: v16.MeasurandEnergyActiveImportRegister,
		Unit:      v16.UnitOfMeasureWh,
	}}
	if soc != nil {
		samples = append(samples, v16.SampledValue{
			Value:     fmt.Sprintf("%.1f", *soc),
			Measurand: v16.MeasurandSoC,
			Unit:      v16.UnitOfMeasurePercent,
		})
	}

	req := v16.MeterValuesRequest{
		ConnectorId: connectorID,
		MeterValue: []v16.MeterValue{{
			Timestamp:    v16.DateTime{Time: cp.clk.Now()},
			SampledValue: samples,
		}},
	}
	if tx != nil && tx.ID != 0 {
		txID := tx.ID
		req.TransactionId = &txID
	}

	_, err := cp.router.SendCall(string(v16.ActionMeterValues), req, connectorID)
	if err != nil {
		cp.logger.Warn(cp.clk.Now(), "meterValue", fmt.Sprintf("meter value send failed for connector %d: %v", connectorID, err), nil)
		return nil
	}
	if tx != nil {
		tx.MeterSent = true
	}
	return nil
}

// UpdateConnectorStatus drives connectorID's FSM to status via whichever
// event leads there from its current state. connectorID 0 updates the
// charge point's own status rather than any connector.
func (cp *ChargePoint) UpdateConnectorStatus(connectorID int, status fsm.Status) error {
	if connectorID == 0 {
		cp.setStatus(chargePointStatusFor(status))
		// An Unavailable charge point implies every connector is
		// Unavailable too.
		if status == fsm.StatusUnavailable {
			for _, id := range cp.ConnectorIDs() {
				_ = cp.UpdateConnectorAvailability(id, fsm.Inoperative)
			}
		}
		return nil
	}
	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("chargepoint: no such connector %d", connectorID)
	}
	kind, ok := c.FSM.EventFor(status)
	if !ok {
		return &fsm.ErrInvalidTransition{ConnectorID: connectorID, From: c.Status(), Event: fsm.EventKind(status)}
	}
	return c.FSM.Fire(fsm.Event{Kind: kind})
}

// UpdateConnectorAvailability maps Operative/Inoperative onto the
// corresponding FSM events.
func (cp *ChargePoint) UpdateConnectorAvailability(connectorID int, availability fsm.Availability) error {
	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("chargepoint: no such connector %d", connectorID)
	}
	kind := fsm.EventSetAvailable
	if availability == fsm.Inoperative {
		kind = fsm.EventSetUnavailable
	}
	return c.FSM.Fire(fsm.Event{Kind: kind})
}

// StartHeartbeat starts periodic Heartbeat CALLs. A non-positive period is
// rejected.
func (cp *ChargePoint) StartHeartbeat(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("chargepoint: heartbeat period must be positive")
	}
	cp.StopHeartbeat()
	cp.mu.Lock()
	cp.heartbeat = cp.clk.TickFunc(period, func() { _ = cp.SendHeartbeat() })
	cp.heartbeatSecs = int(period.Seconds())
	cp.mu.Unlock()
	return nil
}

// StopHeartbeat cancels the heartbeat timer if running.
func (cp *ChargePoint) StopHeartbeat() {
	cp.mu.Lock()
	h := cp.heartbeat
	cp.heartbeat = nil
	cp.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// SendHeartbeat sends a single Heartbeat CALL.
func (cp *ChargePoint) SendHeartbeat() error {
	_, err := cp.router.SendCall(string(v16.ActionHeartbeat), v16.HeartbeatRequest{}, 0)
	return err
}

// RegisterScenarioHandler marks connectorID as handled by a running
// scenario: inbound RemoteStartTransaction on it is forwarded as an event
// rather than auto-started.
func (cp *ChargePoint) RegisterScenarioHandler(connectorID int) {
	cp.mu.Lock()
	cp.scenarioHandled[connectorID] = true
	cp.mu.Unlock()
}

// UnregisterScenarioHandler reverses RegisterScenarioHandler.
func (cp *ChargePoint) UnregisterScenarioHandler(connectorID int) {
	cp.mu.Lock()
	delete(cp.scenarioHandled, connectorID)
	cp.mu.Unlock()
}

// IsScenarioHandled reports whether connectorID is currently
// scenario-handled.
func (cp *ChargePoint) IsScenarioHandled(connectorID int) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.scenarioHandled[connectorID]
}

// NotifyRemoteStartReceived publishes remoteStartReceived for a
// scenario-handled RemoteStartTransaction.
func (cp *ChargePoint) NotifyRemoteStartReceived(connectorID int, tagID string) {
	cp.bus.Publish(eventbus.Event{Subject: "remoteStartReceived", Data: map[string]interface{}{
		"connectorId": connectorID,
		"tagId":       tagID,
	}})
}

// Reservations exposes the reservation manager for scenario/CLI use.
func (cp *ChargePoint) Reservations() *reservation.Manager { return cp.reserv }

// StartAutoMeter begins a meter-progression strategy on connectorID.
func (cp *ChargePoint) StartAutoMeter(connectorID int, strategy metercurve.Strategy, send bool) error {
	c := cp.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("chargepoint: no such connector %d", connectorID)
	}
	meterValue, _, _ := c.snapshot()
	c.startAutoMeter(cp.clk, strategy, meterValue, send)
	return nil
}

// StopAutoMeter cancels any running strategy on connectorID.
func (cp *ChargePoint) StopAutoMeter(connectorID int) {
	if c := cp.Connector(connectorID); c != nil {
		c.stopAutoMeter()
	}
}

func (cp *ChargePoint) onAutoMeterFinish(connectorID int) {
	_ = cp.StopTransaction(connectorID)
}

// defaultAutoMeterStrategy returns the strategy a newly accepted
// transaction should run under absent a scenario- or CLI-supplied one.
func (cp *ChargePoint) defaultAutoMeterStrategy() (metercurve.Strategy, bool) {
	if cp.autoMeterStrategy == nil {
		return metercurve.Strategy{}, false
	}
	return *cp.autoMeterStrategy, true
}

// uploadSinkOrNoop returns the configured diagnostics upload sink, or a
// no-op sink if none has been set.
func (cp *ChargePoint) uploadSinkOrNoop() boundary.FileUploadSink {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.uploadSink == nil {
		return boundary.NoopUploadSink{}
	}
	return cp.uploadSink
}

func (cp *ChargePoint) setStatus(s Status) {
	cp.mu.Lock()
	cp.status = s
	cp.mu.Unlock()
}

// Error returns the charge point's current error string, set from an
// unexpected transport disconnect and cleared on the next successful
// connect.
func (cp *ChargePoint) Error() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.errStr
}

func (cp *ChargePoint) setErrStr(s string) {
	cp.mu.Lock()
	cp.errStr = s
	cp.mu.Unlock()
}

// onTransportConnected clears a stale error string on reconnect.
func (cp *ChargePoint) onTransportConnected(evt eventbus.Event) {
	cp.setErrStr("")
}

// onTransportDisconnected: a close code of 1005 (no status received)
// leaves errStr untouched, an intentional Disconnect() clears it, and any
// other non-clean close propagates the transport's reported error onto
// the charge point.
func (cp *ChargePoint) onTransportDisconnected(evt eventbus.Event) {
	cp.router.ClearHistory()
	if intentional, _ := evt.Data["intentional"].(bool); intentional {
		cp.setErrStr("")
		return
	}
	errMsg, _ := evt.Data["error"].(string)
	if errMsg == "" {
		return // close code 1005: not an error, errStr stays as-is
	}
	cp.setErrStr(errMsg)
}

func chargePointStatusFor(s fsm.Status) Status {
	switch s {
	case fsm.StatusUnavailable:
		return StatusUnavailable
	case fsm.StatusFaulted:
		return StatusFaulted
	default:
		return StatusAvailable
	}
}

// onConnectorTransition is the FSM's onEnter callback: the single
// canonical site that records StateHistory and schedules the outbound
// StatusNotification for every accepted connector transition, before
// that transition's wire effect becomes observable elsewhere. It also
// drops a Finishing connector's Transaction object once it re-enters
// Available.
func (cp *ChargePoint) onConnectorTransition(connectorID int, old, newStatus fsm.Status, ctx fsm.Context) {
	cp.history.Record(statehistory.Entry{
		Entity:           statehistory.EntityConnector,
		EntityID:         connectorID,
		TransitionType:   "statusChange",
		FromState:        string(old),
		ToState:          string(newStatus),
		ValidationResult: statehistory.ValidationOK,
		Success:          true,
	}, cp.clk.Now())

	if old == fsm.StatusFinishing && newStatus == fsm.StatusAvailable {
		if c := cp.Connector(connectorID); c != nil {
			c.clearTransaction()
		}
	}

	errCode := v16.ChargePointErrorNoError
	if newStatus == fsm.StatusFaulted {
		errCode = v16.ChargePointErrorOtherError
	}
	_, _ = cp.router.SendCall(string(v16.ActionStatusNotification), v16.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   errCode,
		Status:      v16.ChargePointStatus(newStatus),
	}, connectorID)
}
