package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Repository persists scenario definitions per charge point and
// (optionally) per connector, and notifies subscribers when one changes.
// Implemented by FileRepository below and by the Mongo-backed store in
// internal/persistence.
type Repository interface {
	Load(chargePointID string, connectorID int) (*Definition, error)
	Save(chargePointID string, def *Definition) error
	Delete(chargePointID string, name string) error
	List(chargePointID string) ([]*Definition, error)
	Subscribe(chargePointID string, connectorID int, fn func(*Definition)) (unsubscribe func())
}

// FileRepository is the filesystem-backed Repository implementation: one
// JSON file per Definition, under baseDir/<chargePointID>/<id>.json.
type FileRepository struct {
	baseDir string

	group singleflight.Group

	mu          sync.Mutex
	subscribers map[string][]subEntry
}

type subEntry struct {
	connectorID int
	fn          func(*Definition)
}

// NewFileRepository creates a FileRepository rooted at baseDir. baseDir is
// created on first Save if it does not already exist.
func NewFileRepository(baseDir string) *FileRepository {
	return &FileRepository{
		baseDir:     baseDir,
		subscribers: make(map[string][]subEntry),
	}
}

func (r *FileRepository) dir(chargePointID string) string {
	return filepath.Join(r.baseDir, chargePointID)
}

func (r *FileRepository) path(chargePointID, id string) string {
	return filepath.Join(r.dir(chargePointID), id+".json")
}

// Load returns the first enabled Definition targeting connectorID (or the
// charge point as a whole when connectorID is 0), or nil if none matches.
func (r *FileRepository) Load(chargePointID string, connectorID int) (*Definition, error) {
	key := fmt.Sprintf("%s/%d", chargePointID, connectorID)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		defs, err := r.List(chargePointID)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if !d.Enabled {
				continue
			}
			if connectorID == 0 && d.TargetType == TargetChargePoint {
				return d, nil
			}
			if connectorID != 0 && d.TargetType == TargetConnector && d.TargetID == connectorID {
				return d, nil
			}
		}
		return (*Definition)(nil), nil
	})
	if err != nil {
		return nil, err
	}
	def, _ := v.(*Definition)
	return def, nil
}

// Save writes def to baseDir/<chargePointID>/<def.ID>.json, creating the
// directory if needed, and notifies matching subscribers.
func (r *FileRepository) Save(chargePointID string, def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("scenario: definition id is required")
	}
	if err := os.MkdirAll(r.dir(chargePointID), 0o755); err != nil {
		return fmt.Errorf("scenario: create directory: %w", err)
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("scenario: encode definition: %w", err)
	}
	if err := os.WriteFile(r.path(chargePointID, def.ID), data, 0o644); err != nil {
		return fmt.Errorf("scenario: write definition: %w", err)
	}
	r.notify(chargePointID, def)
	return nil
}

// Delete removes the named definition file. Deleting a nonexistent
// definition is not an error.
func (r *FileRepository) Delete(chargePointID string, name string) error {
	err := os.Remove(r.path(chargePointID, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scenario: delete definition: %w", err)
	}
	r.notify(chargePointID, nil)
	return nil
}

// List returns every Definition persisted for chargePointID, sorted by id.
func (r *FileRepository) List(chargePointID string) ([]*Definition, error) {
	dir := r.dir(chargePointID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scenario: list definitions: %w", err)
	}

	var out []*Definition
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
			continue
		}
		def, err := r.readFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *FileRepository) readFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}
	return &def, nil
}

// Subscribe registers fn to be called with the latest matching Definition
// (or nil, on delete) whenever Save or Delete touches chargePointID.
func (r *FileRepository) Subscribe(chargePointID string, connectorID int, fn func(*Definition)) func() {
	r.mu.Lock()
	r.subscribers[chargePointID] = append(r.subscribers[chargePointID], subEntry{connectorID: connectorID, fn: fn})
	idx := len(r.subscribers[chargePointID]) - 1
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.subscribers[chargePointID]
		if idx < len(entries) {
			entries[idx].fn = func(*Definition) {}
		}
	}
}

func (r *FileRepository) notify(chargePointID string, def *Definition) {
	r.mu.Lock()
	entries := append([]subEntry(nil), r.subscribers[chargePointID]...)
	r.mu.Unlock()
	for _, e := range entries {
		if def == nil || e.connectorID == 0 || def.TargetID == e.connectorID {
			e.fn(def)
		}
	}
}
