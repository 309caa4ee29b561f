// Package reservation implements the charge-point-wide reservation table,
// keyed by reservationId, with a periodic expiry sweep.
package reservation

import (
	"sync"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
)

// Reservation is an advance booking of a connector for a tag until expiry.
type Reservation struct {
	ID          int
	ConnectorID int // 0 means any connector
	IDTag       string
	ParentIDTag string
	ExpiryDate  time.Time
	CreatedAt   time.Time
}

// Manager owns every active reservation for one ChargePoint and sweeps
// expired entries every 60 seconds.
type Manager struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[int]Reservation
	sweep   clock.Handle
}

// New creates an empty Manager and starts its sweeper on clk.
func New(clk clock.Clock) *Manager {
	m := &Manager{
		clk:     clk,
		entries: make(map[int]Reservation),
	}
	m.sweep = clk.TickFunc(60*time.Second, m.sweepExpired)
	return m
}

// Stop cancels the sweeper. Call on ChargePoint.disconnect() so no timer
// attributable to this ChargePoint survives.
func (m *Manager) Stop() {
	if m.sweep != nil {
		m.sweep.Cancel()
	}
}

func (m *Manager) sweepExpired() {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.entries {
		if !r.ExpiryDate.After(now) {
			delete(m.entries, id)
		}
	}
}

// Create adds a reservation. Returns false if connectorID > 0 already has
// an active reservation.
func (m *Manager) Create(r Reservation) bool {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ConnectorID != 0 {
		for _, existing := range m.entries {
			if existing.ConnectorID == r.ConnectorID && existing.ExpiryDate.After(now) {
				return false
			}
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.clk.Now()
	}
	m.entries[r.ID] = r
	return true
}

// Cancel removes a reservation by id. Returns the removed reservation and
// true if one existed.
func (m *Manager) Cancel(reservationID int) (Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[reservationID]
	if ok {
		delete(m.entries, reservationID)
	}
	return r, ok
}

// Use removes a reservation, for the case where a transaction start
// consumes it.
func (m *Manager) Use(reservationID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, reservationID)
}

// ForConnector returns a non-expired reservation exactly matching
// connectorID, or (if connectorID != 0) a reservation held on connector 0
// ("any connector"), sweeping expired entries first.
func (m *Manager) ForConnector(connectorID int) (Reservation, bool) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.entries {
		if !r.ExpiryDate.After(now) {
			delete(m.entries, id)
		}
	}

	var anyMatch *Reservation
	for _, r := range m.entries {
		if !r.ExpiryDate.After(now) {
			continue
		}
		if r.ConnectorID == connectorID {
			return r, true
		}
		if connectorID != 0 && r.ConnectorID == 0 {
			cp := r
			anyMatch = &cp
		}
	}
	if anyMatch != nil {
		return *anyMatch, true
	}
	return Reservation{}, false
}

// Get returns a reservation by id if it has not expired.
func (m *Manager) Get(reservationID int) (Reservation, bool) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if !e.ExpiryDate.After(now) {
			delete(m.entries, id)
		}
	}
	r, ok := m.entries[reservationID]
	if !ok || !r.ExpiryDate.After(now) {
		return Reservation{}, false
	}
	return r, true
}
