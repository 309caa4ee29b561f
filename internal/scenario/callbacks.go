package scenario

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/chargepoint"
	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
	"github.com/ruslanhut/ocpp-sim/internal/fsm"
	"github.com/ruslanhut/ocpp-sim/internal/metercurve"
	"github.com/ruslanhut/ocpp-sim/internal/ocpp/v16"
	"github.com/ruslanhut/ocpp-sim/internal/reservation"
)

// Callbacks is the collaborator layer the executor invokes for every node
// effect. A ChargePoint-backed implementation is provided by
// NewChargePointCallbacks; tests may substitute a fake.
type Callbacks interface {
	OnStatusChange(status fsm.Status) error
	OnStartTransaction(tagID string, batteryKwh, initialSoC *float64) error
	OnStopTransaction() error
	OnSetMeterValue(value int) error
	OnSendMeterValue() error
	OnSendNotification(messageType string, payload interface{}) error
	OnConnectorPlug(plugIn bool) error
	OnReserveNow(reservationID int, idTag, parentIDTag string, expiry time.Time) error
	OnCancelReservation(reservationID int) error
	OnAutoMeterStart(strategy metercurve.Strategy, send bool) error
	OnAutoMeterStop() error

	ReservationForConnector() (reservation.Reservation, bool)
	ConnectorID() int

	RegisterRemoteStartHandler()
	UnregisterRemoteStartHandler()

	Bus() *eventbus.Bus
	Log(level, message string)
}

// ChargePointCallbacks adapts one ChargePoint connector to Callbacks.
type ChargePointCallbacks struct {
	cp          *chargepoint.ChargePoint
	connectorID int
}

// NewChargePointCallbacks builds the Callbacks a Definition targeting
// connectorID on cp should run against. connectorID 0 is valid for
// chargePoint-targeted definitions (BootNotification/Reset/Heartbeat
// effects have no connector of their own).
func NewChargePointCallbacks(cp *chargepoint.ChargePoint, connectorID int) *ChargePointCallbacks {
	return &ChargePointCallbacks{cp: cp, connectorID: connectorID}
}

func (c *ChargePointCallbacks) OnStatusChange(status fsm.Status) error {
	return c.cp.UpdateConnectorStatus(c.connectorID, status)
}

func (c *ChargePointCallbacks) OnStartTransaction(tagID string, batteryKwh, initialSoC *float64) error {
	return c.cp.StartTransaction(c.connectorID, tagID, batteryKwh, initialSoC)
}

func (c *ChargePointCallbacks) OnStopTransaction() error {
	return c.cp.StopTransaction(c.connectorID)
}

func (c *ChargePointCallbacks) OnSetMeterValue(value int) error {
	return c.cp.SetMeterValue(c.connectorID, value)
}

func (c *ChargePointCallbacks) OnSendMeterValue() error {
	return c.cp.SendMeterValue(c.connectorID)
}

func (c *ChargePointCallbacks) OnSendNotification(messageType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("scenario: encode notification payload: %w", err)
	}
	_, err = c.cp.Router().SendCall(string(v16.ActionDataTransfer), v16.DataTransferRequest{
		VendorId:  "ocpp-sim.scenario",
		MessageId: messageType,
		Data:      string(data),
	}, c.connectorID)
	return err
}

func (c *ChargePointCallbacks) OnConnectorPlug(plugIn bool) error {
	conn := c.cp.Connector(c.connectorID)
	if conn == nil {
		return fmt.Errorf("scenario: no such connector %d", c.connectorID)
	}
	kind := fsm.EventPlugout
	if plugIn {
		kind = fsm.EventPlugin
	}
	return conn.FSM.Fire(fsm.Event{Kind: kind})
}

func (c *ChargePointCallbacks) OnReserveNow(reservationID int, idTag, parentIDTag string, expiry time.Time) error {
	ok := c.cp.Reservations().Create(reservation.Reservation{
		ID:          reservationID,
		ConnectorID: c.connectorID,
		IDTag:       idTag,
		ParentIDTag: parentIDTag,
		ExpiryDate:  expiry,
	})
	if !ok {
		return fmt.Errorf("scenario: connector %d already reserved", c.connectorID)
	}
	if err := c.cp.UpdateConnectorStatus(c.connectorID, fsm.StatusReserved); err != nil {
		return err
	}
	c.cp.Bus().Publish(eventbus.Event{Subject: "reservation.created", Data: map[string]interface{}{
		"reservationId": reservationID,
		"connectorId":   c.connectorID,
		"idTag":         idTag,
	}})
	return nil
}

func (c *ChargePointCallbacks) OnCancelReservation(reservationID int) error {
	c.cp.Reservations().Cancel(reservationID)
	conn := c.cp.Connector(c.connectorID)
	if conn != nil && conn.Status() == fsm.StatusReserved {
		return c.cp.UpdateConnectorStatus(c.connectorID, fsm.StatusAvailable)
	}
	return nil
}

func (c *ChargePointCallbacks) OnAutoMeterStart(strategy metercurve.Strategy, send bool) error {
	return c.cp.StartAutoMeter(c.connectorID, strategy, send)
}

func (c *ChargePointCallbacks) OnAutoMeterStop() error {
	c.cp.StopAutoMeter(c.connectorID)
	return nil
}

func (c *ChargePointCallbacks) ReservationForConnector() (reservation.Reservation, bool) {
	return c.cp.Reservations().ForConnector(c.connectorID)
}

func (c *ChargePointCallbacks) ConnectorID() int { return c.connectorID }

func (c *ChargePointCallbacks) RegisterRemoteStartHandler() {
	c.cp.RegisterScenarioHandler(c.connectorID)
}

func (c *ChargePointCallbacks) UnregisterRemoteStartHandler() {
	c.cp.UnregisterScenarioHandler(c.connectorID)
}

func (c *ChargePointCallbacks) Bus() *eventbus.Bus { return c.cp.Bus() }

func (c *ChargePointCallbacks) Log(level, message string) {
	now := time.Now()
	logger := c.cp.Logger()
	switch level {
	case "warn":
		logger.Warn(now, "scenario", message, nil)
	case "error":
		logger.Error(now, "scenario", message, nil)
	case "debug":
		logger.Debug(now, "scenario", message, nil)
	default:
		logger.Info(now, "scenario", message, nil)
	}
}
