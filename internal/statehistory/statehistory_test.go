package statehistory

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHistory_RecordEvictsOldestAtCapacity(t *testing.T) {
	h := New(3)
	now := time.Unix(0, 0)

	for i := 0; i < 5; i++ {
		h.Record(Entry{TransitionType: "t", Context: string(rune('a' + i))}, now.Add(time.Duration(i)*time.Second))
	}

	if h.Len() != 3 {
		t.Fatalf("expected ring capped at 3, got %d", h.Len())
	}

	entries := h.Query(Filter{})
	if entries[0].Context != "c" || entries[2].Context != "e" {
		t.Fatalf("expected oldest two entries evicted, got %+v", entries)
	}
}

func TestHistory_RecordAssignsIDAndTimestampWhenUnset(t *testing.T) {
	h := New(10)
	now := time.Unix(100, 0)

	e := h.Record(Entry{TransitionType: "t"}, now)
	if e.ID == "" {
		t.Errorf("expected a generated ID")
	}
	if !e.Timestamp.Equal(now) {
		t.Errorf("expected timestamp defaulted to now, got %v", e.Timestamp)
	}
}

func TestHistory_QueryFiltersByEntityAndType(t *testing.T) {
	h := New(10)
	now := time.Unix(0, 0)
	h.Record(Entry{Entity: EntityConnector, EntityID: 1, TransitionType: "Plugin"}, now)
	h.Record(Entry{Entity: EntityConnector, EntityID: 2, TransitionType: "Plugin"}, now)
	h.Record(Entry{Entity: EntityChargePoint, EntityID: 0, TransitionType: "Boot"}, now)

	got := h.Query(Filter{Entity: EntityConnector, EntityID: 1})
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}

	got = h.Query(Filter{TransitionType: "Plugin"})
	if len(got) != 2 {
		t.Fatalf("expected 2 Plugin entries, got %d", len(got))
	}
}

func TestHistory_QueryRespectsLimit(t *testing.T) {
	h := New(10)
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		h.Record(Entry{TransitionType: "t", Context: string(rune('a' + i))}, now.Add(time.Duration(i)*time.Second))
	}

	got := h.Query(Filter{Limit: 2})
	if len(got) != 2 || got[0].Context != "d" || got[1].Context != "e" {
		t.Fatalf("expected last 2 entries, got %+v", got)
	}
}

func TestHistory_SummaryCountsByEntityAndValidation(t *testing.T) {
	h := New(10)
	now := time.Unix(0, 0)
	h.Record(Entry{Entity: EntityConnector, TransitionType: "Plugin", ValidationResult: ValidationOK}, now)
	h.Record(Entry{Entity: EntityConnector, TransitionType: "Plugin", ValidationResult: ValidationError}, now.Add(time.Minute))
	h.Record(Entry{Entity: EntityChargePoint, TransitionType: "Boot", ValidationResult: ValidationWarn}, now.Add(2*time.Minute))

	s := h.Summary(now.Add(2 * time.Minute))
	if s.Total != 3 {
		t.Fatalf("expected total 3, got %d", s.Total)
	}
	if s.ErrorCount != 1 || s.WarnCount != 1 {
		t.Fatalf("expected 1 error and 1 warn, got %+v", s)
	}
	if s.PerEntity[EntityConnector] != 2 {
		t.Errorf("expected 2 connector entries, got %d", s.PerEntity[EntityConnector])
	}
	// Three entries spread one per minute over three one-minute buckets.
	if s.TransitionsPerMinute != 1 {
		t.Errorf("expected a mean of 1 transition/minute, got %v", s.TransitionsPerMinute)
	}
	if s.PeakTransitionsPerMinute != 1 {
		t.Errorf("expected a peak of 1 transition/minute, got %v", s.PeakTransitionsPerMinute)
	}
}

func TestHistory_SummaryRateBucketsIncludeEmptyMinutes(t *testing.T) {
	h := New(10)
	now := time.Unix(0, 0)
	h.Record(Entry{Entity: EntityConnector, TransitionType: "Plugin"}, now)
	h.Record(Entry{Entity: EntityConnector, TransitionType: "Plugin"}, now.Add(10*time.Second))
	h.Record(Entry{Entity: EntityConnector, TransitionType: "Plugout"}, now.Add(20*time.Second))

	// All three land in the first of three one-minute buckets.
	s := h.Summary(now.Add(2 * time.Minute))
	if s.TransitionsPerMinute != 1 {
		t.Errorf("expected the quiet minutes to drag the mean down to 1, got %v", s.TransitionsPerMinute)
	}
	if s.PeakTransitionsPerMinute != 3 {
		t.Errorf("expected a peak of 3 in the busy minute, got %v", s.PeakTransitionsPerMinute)
	}
}

func TestHistory_ExportJSONRoundTrips(t *testing.T) {
	h := New(10)
	now := time.Unix(0, 0)
	h.Record(Entry{Entity: EntityConnector, EntityID: 1, TransitionType: "Plugin"}, now)

	data, err := h.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal exported JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].TransitionType != "Plugin" {
		t.Fatalf("unexpected exported entries: %+v", entries)
	}
}

func TestHistory_ExportCSVHasHeaderAndRows(t *testing.T) {
	h := New(10)
	now := time.Unix(0, 0)
	h.Record(Entry{Entity: EntityConnector, EntityID: 1, TransitionType: "Plugin", Success: true}, now)

	data, err := h.ExportCSV()
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty CSV output")
	}
}

func TestHistory_ExportJSONGzipDecompresses(t *testing.T) {
	h := New(10)
	h.Record(Entry{Entity: EntityConnector, TransitionType: "Plugin"}, time.Unix(0, 0))

	raw, err := h.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	gz, err := h.ExportJSONGzip()
	if err != nil {
		t.Fatalf("ExportJSONGzip: %v", err)
	}
	if len(gz) == 0 {
		t.Fatalf("expected non-empty gzip output")
	}
	if len(gz) >= len(raw)+100 {
		t.Errorf("gzip output unexpectedly large relative to raw JSON: %d vs %d", len(gz), len(raw))
	}
}
