package reservation

import (
	"testing"
	"time"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
)

func TestManager_CreateRejectsDuplicateConnector(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(clk)
	defer m.Stop()

	ok := m.Create(Reservation{ID: 1, ConnectorID: 1, IDTag: "tag-a", ExpiryDate: clk.Now().Add(time.Hour)})
	if !ok {
		t.Fatalf("expected first reservation on connector 1 to succeed")
	}

	ok = m.Create(Reservation{ID: 2, ConnectorID: 1, IDTag: "tag-b", ExpiryDate: clk.Now().Add(time.Hour)})
	if ok {
		t.Fatalf("expected second reservation on the same connector to be rejected")
	}
}

func TestManager_SweepRemovesExpiredEntries(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(clk)
	defer m.Stop()

	m.Create(Reservation{ID: 1, ConnectorID: 1, ExpiryDate: clk.Now().Add(30 * time.Second)})

	clk.Advance(61 * time.Second)

	if _, ok := m.Get(1); ok {
		t.Fatalf("expected reservation swept after expiry")
	}
}

func TestManager_StopCancelsSweeper(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(clk)
	m.Create(Reservation{ID: 1, ConnectorID: 1, ExpiryDate: clk.Now().Add(30 * time.Second)})

	m.Stop()
	clk.Advance(5 * time.Minute)

	// Entry is past its expiry but the sweeper was cancelled, so it is
	// removed on read rather than by the tick — Get still reports it gone.
	if _, ok := m.Get(1); ok {
		t.Fatalf("expected expired entry invisible to Get regardless of sweeper state")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers after Stop, got %d", clk.Pending())
	}
}

func TestManager_ForConnectorFallsBackToAnyConnectorReservation(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(clk)
	defer m.Stop()

	m.Create(Reservation{ID: 1, ConnectorID: 0, IDTag: "tag-any", ExpiryDate: clk.Now().Add(time.Hour)})

	r, ok := m.ForConnector(3)
	if !ok {
		t.Fatalf("expected connector-0 reservation to match any connector")
	}
	if r.IDTag != "tag-any" {
		t.Errorf("expected tag-any, got %s", r.IDTag)
	}
}

func TestManager_ForConnectorPrefersExactMatch(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(clk)
	defer m.Stop()

	m.Create(Reservation{ID: 1, ConnectorID: 0, IDTag: "tag-any", ExpiryDate: clk.Now().Add(time.Hour)})
	m.Create(Reservation{ID: 2, ConnectorID: 3, IDTag: "tag-exact", ExpiryDate: clk.Now().Add(time.Hour)})

	r, ok := m.ForConnector(3)
	if !ok || r.IDTag != "tag-exact" {
		t.Fatalf("expected exact-match reservation preferred, got %+v ok=%v", r, ok)
	}
}

func TestManager_CancelAndUseRemoveEntry(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(clk)
	defer m.Stop()

	m.Create(Reservation{ID: 1, ConnectorID: 1, ExpiryDate: clk.Now().Add(time.Hour)})
	r, ok := m.Cancel(1)
	if !ok || r.ConnectorID != 1 {
		t.Fatalf("expected cancel to return the removed reservation")
	}
	if _, ok := m.Get(1); ok {
		t.Fatalf("expected reservation gone after cancel")
	}

	m.Create(Reservation{ID: 2, ConnectorID: 1, ExpiryDate: clk.Now().Add(time.Hour)})
	m.Use(2)
	if _, ok := m.Get(2); ok {
		t.Fatalf("expected reservation gone after Use")
	}
}
