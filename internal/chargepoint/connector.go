package chargepoint

import (
	"sync"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
	"github.com/ruslanhut/ocpp-sim/internal/fsm"
	"github.com/ruslanhut/ocpp-sim/internal/metercurve"
	"github.com/ruslanhut/ocpp-sim/internal/ocpp/v16"
)

// connectorHooks are the closures a Connector calls out through instead of
// holding a back-reference to its owning ChargePoint.
type connectorHooks struct {
	sendMeterValue  func(connectorID int) error
	autoMeterFinish func(connectorID int)
}

// Connector is one physical socket on the charge point. It holds the
// guarded status machine, the meter/SoC reading, and the active
// transaction if any. It never references its owning ChargePoint
// directly; cross-component effects run through hooks set at
// construction.
type Connector struct {
	mu sync.Mutex

	ID          int
	FSM         *fsm.FSM
	MeterValue  int
	SoC         *float64
	Transaction *Transaction
	Profiles    []v16.ChargingProfile

	autoMeter *metercurve.Runner
	hooks     connectorHooks
}

func newConnector(id int, f *fsm.FSM, hooks connectorHooks) *Connector {
	return &Connector{ID: id, FSM: f, hooks: hooks}
}

// Status returns the connector's current OCPP status.
func (c *Connector) Status() fsm.Status {
	return c.FSM.Status()
}

// SetMeterValue implements metercurve.Sink.
func (c *Connector) SetMeterValue(v int) {
	c.mu.Lock()
	c.MeterValue = v
	c.mu.Unlock()
}

// SendMeterValue implements metercurve.Sink.
func (c *Connector) SendMeterValue() {
	if c.hooks.sendMeterValue != nil {
		_ = c.hooks.sendMeterValue(c.ID)
	}
}

// SetSoC implements metercurve.Sink.
func (c *Connector) SetSoC(soc float64) {
	c.mu.Lock()
	c.SoC = &soc
	c.mu.Unlock()
}

// Finish implements metercurve.Sink: the active strategy reached its stop
// condition (max time/value, or 100% SoC).
func (c *Connector) Finish() {
	if c.hooks.autoMeterFinish != nil {
		c.hooks.autoMeterFinish(c.ID)
	}
}

// Meter returns the connector's current meter reading in Wh.
func (c *Connector) Meter() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.MeterValue
}

// StateOfCharge returns the connector's current SoC percentage, if defined.
func (c *Connector) StateOfCharge() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SoC == nil {
		return 0, false
	}
	return *c.SoC, true
}

// HasActiveTransaction reports whether a transaction is currently attached.
func (c *Connector) HasActiveTransaction() bool {
	return c.hasTransaction()
}

// ActiveTransactionID returns the connector's current transaction id, or 0
// if none is attached.
func (c *Connector) ActiveTransactionID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Transaction == nil {
		return 0
	}
	return c.Transaction.ID
}

// snapshot returns the current meter/SoC/transaction state under lock.
func (c *Connector) snapshot() (meterValue int, soc *float64, tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.MeterValue, c.SoC, c.Transaction
}

func (c *Connector) setTransaction(tx *Transaction) {
	c.mu.Lock()
	c.Transaction = tx
	c.mu.Unlock()
}

func (c *Connector) clearTransaction() {
	c.mu.Lock()
	c.Transaction = nil
	c.mu.Unlock()
}

func (c *Connector) hasTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Transaction != nil
}

// setProfile stores a charging profile, replacing any stored profile with
// the same chargingProfileId; profiles are not matched by stackLevel or
// purpose (storage only; the resulting power limit is not enforced on the
// simulated meter curve).
func (c *Connector) setProfile(p v16.ChargingProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.Profiles {
		if existing.ChargingProfileId == p.ChargingProfileId {
			c.Profiles[i] = p
			return
		}
	}
	c.Profiles = append(c.Profiles, p)
}

// clearProfiles removes profiles matching the given filters; a nil/zero
// filter field matches anything. Returns the number removed.
func (c *Connector) clearProfiles(id *int, purpose string, stackLevel *int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.Profiles[:0:0]
	removed := 0
	for _, p := range c.Profiles {
		match := true
		if id != nil && p.ChargingProfileId != *id {
			match = false
		}
		if purpose != "" && p.ChargingProfilePurpose != purpose {
			match = false
		}
		if stackLevel != nil && p.StackLevel != *stackLevel {
			match = false
		}
		if match {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	c.Profiles = kept
	return removed
}

// compositeSchedule picks the stored profile with the highest stack level
// (the one OCPP 1.6J says takes precedence) and echoes its schedule back
// unchanged; it is not clipped to any requested duration. Returns false if
// no profile is set.
func (c *Connector) compositeSchedule() (v16.ChargingSchedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Profiles) == 0 {
		return v16.ChargingSchedule{}, false
	}
	best := c.Profiles[0]
	for _, p := range c.Profiles[1:] {
		if p.StackLevel > best.StackLevel {
			best = p
		}
	}
	return best.ChargingSchedule, true
}

func (c *Connector) startAutoMeter(clk clock.Clock, strategy metercurve.Strategy, meterStart int, send bool) {
	c.stopAutoMeter()
	c.mu.Lock()
	c.autoMeter = metercurve.Start(clk, c, strategy, meterStart, send)
	c.mu.Unlock()
}

func (c *Connector) stopAutoMeter() {
	c.mu.Lock()
	runner := c.autoMeter
	c.autoMeter = nil
	c.mu.Unlock()
	if runner != nil {
		runner.Stop()
	}
}
