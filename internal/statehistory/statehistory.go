// Package statehistory is the bounded, queryable, exportable ring of
// recorded transitions across the charge point and its connectors.
package statehistory

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/montanaflynn/stats"
)

// Entity names what kind of thing transitioned.
type Entity string

const (
	EntityChargePoint Entity = "chargePoint"
	EntityConnector   Entity = "connector"
)

// ValidationResult records whether a transition attempt succeeded.
type ValidationResult string

const (
	ValidationOK    ValidationResult = "OK"
	ValidationError ValidationResult = "ERROR"
	ValidationWarn  ValidationResult = "WARN"
)

// Entry is one recorded transition.
type Entry struct {
	ID               string
	Timestamp        time.Time
	Entity           Entity
	EntityID         int // connector id, or 0 for the charge point itself
	TransitionType   string
	FromState        string
	ToState          string
	Context          string
	ValidationResult ValidationResult
	Success          bool
	ErrorMessage     string
}

// History is a bounded ring buffer of Entry, append-only from the
// caller's perspective (oldest entries are silently evicted at capacity).
type History struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
	start    int
	count    int
	firstAt  time.Time
}

// New creates a History with the given capacity. capacity <= 0 defaults
// to 1000.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = 1000
	}
	return &History{
		capacity: capacity,
		entries:  make([]Entry, capacity),
	}
}

// Record appends an entry, generating its ID and timestamp if unset, and
// evicts the oldest entry if the ring is full.
func (h *History) Record(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		h.firstAt = e.Timestamp
	}

	idx := (h.start + h.count) % h.capacity
	h.entries[idx] = e
	if h.count < h.capacity {
		h.count++
	} else {
		h.start = (h.start + 1) % h.capacity
	}
	return e
}

// Len reports how many entries are retained.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Filter narrows a Query. Zero values are wildcards.
type Filter struct {
	Entity         Entity
	EntityID       int
	FromTS         time.Time
	ToTS           time.Time
	TransitionType string
	Limit          int // 0 means unlimited; otherwise the last Limit matches
}

// Query returns entries oldest-to-newest matching the filter, trimmed to
// the last Limit matches if set.
func (h *History) Query(f Filter) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := make([]Entry, 0, h.count)
	for i := 0; i < h.count; i++ {
		e := h.entries[(h.start+i)%h.capacity]
		if f.Entity != "" && e.Entity != f.Entity {
			continue
		}
		if f.EntityID != 0 && e.EntityID != f.EntityID {
			continue
		}
		if !f.FromTS.IsZero() && e.Timestamp.Before(f.FromTS) {
			continue
		}
		if !f.ToTS.IsZero() && e.Timestamp.After(f.ToTS) {
			continue
		}
		if f.TransitionType != "" && e.TransitionType != f.TransitionType {
			continue
		}
		matched = append(matched, e)
	}

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// Stats summarizes the retained history.
type Stats struct {
	Total                    int
	PerEntity                map[Entity]int
	PerTransitionType        map[string]int
	ErrorCount               int
	WarnCount                int
	TransitionsPerMinute     float64
	PeakTransitionsPerMinute float64
}

// Summary computes aggregate statistics over every retained entry. The
// rate figures come from bucketing entries into one-minute windows since
// the first retained entry (empty windows included) and feeding the
// bucket counts through montanaflynn/stats.
func (h *History) Summary(now time.Time) Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		PerEntity:         make(map[Entity]int),
		PerTransitionType: make(map[string]int),
	}

	for i := 0; i < h.count; i++ {
		e := h.entries[(h.start+i)%h.capacity]
		s.Total++
		s.PerEntity[e.Entity]++
		s.PerTransitionType[e.TransitionType]++
		switch e.ValidationResult {
		case ValidationError:
			s.ErrorCount++
		case ValidationWarn:
			s.WarnCount++
		}
	}

	if h.count > 0 {
		buckets := int(now.Sub(h.firstAt).Minutes()) + 1
		counts := make([]float64, buckets)
		for i := 0; i < h.count; i++ {
			e := h.entries[(h.start+i)%h.capacity]
			idx := int(e.Timestamp.Sub(h.firstAt).Minutes())
			if idx >= 0 && idx < buckets {
				counts[idx]++
			}
		}
		if mean, err := stats.Mean(counts); err == nil {
			s.TransitionsPerMinute = mean
		}
		if peak, err := stats.Max(counts); err == nil {
			s.PeakTransitionsPerMinute = peak
		}
	}
	return s
}

// ExportJSON serializes every retained entry as a JSON array, oldest
// first.
func (h *History) ExportJSON() ([]byte, error) {
	entries := h.Query(Filter{})
	return json.Marshal(entries)
}

// ExportCSV serializes every retained entry as CSV with a header row.
func (h *History) ExportCSV() ([]byte, error) {
	entries := h.Query(Filter{})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "timestamp", "entity", "entityId", "transitionType", "fromState", "toState", "context", "validationResult", "success", "errorMessage"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			string(e.Entity),
			fmt.Sprintf("%d", e.EntityID),
			e.TransitionType,
			e.FromState,
			e.ToState,
			e.Context,
			string(e.ValidationResult),
			fmt.Sprintf("%t", e.Success),
			e.ErrorMessage,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportJSONGzip is ExportJSON piped through gzip, for large histories
// destined for the file-upload sink.
func (h *History) ExportJSONGzip() ([]byte, error) {
	raw, err := h.ExportJSON()
	if err != nil {
		return nil, err
	}
	return gzipBytes(raw)
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
