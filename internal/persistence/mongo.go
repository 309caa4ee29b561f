// Package persistence provides a MongoDB-backed implementation of the
// boundary.ConfigStore and scenario.Repository traits, for
// deployments that want their charge point configuration and scenario
// library shared across simulator instances instead of kept on local
// disk. It mirrors the collection/index conventions the station
// management backend uses for its own scenario and station documents.
package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ruslanhut/ocpp-sim/internal/config"
	"github.com/ruslanhut/ocpp-sim/internal/scenario"
)

// MongoConfig names the connection parameters for the Mongo-backed stores.
type MongoConfig struct {
	URI               string
	Database          string
	ConnectionTimeout time.Duration
	MaxPoolSize       uint64
}

func (c MongoConfig) withDefaults() MongoConfig {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 20
	}
	return c
}

// Client wraps a connected *mongo.Client and the collections the stores
// below read and write. One Client is shared by a ConfigStore and a
// ScenarioRepository.
type Client struct {
	client   *mongo.Client
	database *mongo.Database

	configs   *mongo.Collection
	scenarios *mongo.Collection
}

// Dial connects to MongoDB and verifies the connection with a ping.
func Dial(ctx context.Context, cfg MongoConfig) (*Client, error) {
	cfg = cfg.withDefaults()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetServerSelectionTimeout(cfg.ConnectionTimeout)

	cl, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := cl.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}

	db := cl.Database(cfg.Database)
	c := &Client{
		client:    cl,
		database:  db,
		configs:   db.Collection("charge_point_configs"),
		scenarios: db.Collection("scenarios"),
	}
	if err := c.createIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) createIndexes(ctx context.Context) error {
	if _, err := c.configs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "cpId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("persistence: config index: %w", err)
	}
	scenarioIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "chargePointId", Value: 1}, {Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "chargePointId", Value: 1}, {Key: "targetType", Value: 1}, {Key: "targetId", Value: 1}}},
	}
	if _, err := c.scenarios.Indexes().CreateMany(ctx, scenarioIndexes); err != nil {
		return fmt.Errorf("persistence: scenario index: %w", err)
	}
	return nil
}

// Disconnect closes the underlying Mongo client.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// ConfigStore returns a boundary.ConfigStore backed by this client, scoped
// to a single charge point id.
func (c *Client) ConfigStore(cpID string) *ConfigStore {
	return &ConfigStore{client: c, cpID: cpID}
}

// ScenarioRepository returns a scenario.Repository backed by this client.
func (c *Client) ScenarioRepository() *ScenarioRepository {
	return &ScenarioRepository{client: c, subscribers: make(map[string][]scenarioSub)}
}

// ConfigStore persists a single Config document keyed by cpId.
type ConfigStore struct {
	client *Client
	cpID   string

	mu   sync.Mutex
	subs []func(*config.Config)
}

type configDoc struct {
	config.Config `bson:",inline"`
}

// Load returns the persisted Config for this charge point, or nil if none
// has been saved yet.
func (s *ConfigStore) Load() (*config.Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var doc configDoc
	err := s.client.configs.FindOne(ctx, bson.M{"cpId": s.cpID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: load config: %w", err)
	}
	cfg := doc.Config
	return &cfg, nil
}

// Save upserts the Config document and notifies subscribers.
func (s *ConfigStore) Save(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.configs.UpdateOne(ctx,
		bson.M{"cpId": s.cpID},
		bson.M{"$set": configDoc{Config: *cfg}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("persistence: save config: %w", err)
	}

	s.mu.Lock()
	subs := append([]func(*config.Config){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Subscribe registers fn to be called after every successful Save.
func (s *ConfigStore) Subscribe(fn func(*config.Config)) func() {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[idx] = func(*config.Config) {}
	}
}

// ScenarioRepository persists scenario.Definition documents, one per
// (chargePointId, definition id) pair.
type ScenarioRepository struct {
	client *Client

	mu          sync.Mutex
	subscribers map[string][]scenarioSub
}

type scenarioSub struct {
	connectorID int
	fn          func(*scenario.Definition)
}

type scenarioDoc struct {
	ChargePointID string `bson:"chargePointId"`
	scenario.Definition `bson:",inline"`
}

// Load returns the first enabled Definition targeting connectorID (or the
// charge point as a whole, when connectorID is 0).
func (r *ScenarioRepository) Load(chargePointID string, connectorID int) (*scenario.Definition, error) {
	defs, err := r.List(chargePointID)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if !d.Enabled {
			continue
		}
		if connectorID == 0 && d.TargetType == scenario.TargetChargePoint {
			return d, nil
		}
		if connectorID != 0 && d.TargetType == scenario.TargetConnector && d.TargetID == connectorID {
			return d, nil
		}
	}
	return nil, nil
}

// Save upserts the Definition document and notifies matching subscribers.
func (r *ScenarioRepository) Save(chargePointID string, def *scenario.Definition) error {
	if def.ID == "" {
		return fmt.Errorf("persistence: definition id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc := scenarioDoc{ChargePointID: chargePointID, Definition: *def}
	_, err := r.client.scenarios.UpdateOne(ctx,
		bson.M{"chargePointId": chargePointID, "id": def.ID},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("persistence: save scenario: %w", err)
	}
	r.notify(chargePointID, def)
	return nil
}

// Delete removes the named Definition. Deleting one that does not exist is
// not an error.
func (r *ScenarioRepository) Delete(chargePointID, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := r.client.scenarios.DeleteOne(ctx, bson.M{"chargePointId": chargePointID, "id": name}); err != nil {
		return fmt.Errorf("persistence: delete scenario: %w", err)
	}
	r.notify(chargePointID, nil)
	return nil
}

// List returns every Definition persisted for chargePointID.
func (r *ScenarioRepository) List(chargePointID string) ([]*scenario.Definition, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cur, err := r.client.scenarios.Find(ctx, bson.M{"chargePointId": chargePointID})
	if err != nil {
		return nil, fmt.Errorf("persistence: list scenarios: %w", err)
	}
	defer cur.Close(ctx)

	var docs []scenarioDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("persistence: decode scenarios: %w", err)
	}
	out := make([]*scenario.Definition, 0, len(docs))
	for i := range docs {
		def := docs[i].Definition
		out = append(out, &def)
	}
	return out, nil
}

// Subscribe registers fn to be called with the latest matching Definition
// (or nil, on delete) whenever Save or Delete touches chargePointID.
func (r *ScenarioRepository) Subscribe(chargePointID string, connectorID int, fn func(*scenario.Definition)) func() {
	r.mu.Lock()
	r.subscribers[chargePointID] = append(r.subscribers[chargePointID], scenarioSub{connectorID: connectorID, fn: fn})
	idx := len(r.subscribers[chargePointID]) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.subscribers[chargePointID]
		if idx < len(entries) {
			entries[idx].fn = func(*scenario.Definition) {}
		}
	}
}

func (r *ScenarioRepository) notify(chargePointID string, def *scenario.Definition) {
	r.mu.Lock()
	entries := append([]scenarioSub(nil), r.subscribers[chargePointID]...)
	r.mu.Unlock()
	for _, e := range entries {
		if def == nil || e.connectorID == 0 || def.TargetID == e.connectorID {
			e.fn(def)
		}
	}
}
