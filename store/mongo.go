package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/reading"
)

// MongoConfig represents the MongoDB configuration
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// MongoStore stores readings as documents in a MongoDB collection. The
// underlying client is pooled and shared by all callers.
type MongoStore struct {
	config     MongoConfig
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.SugaredLogger
}

// Insert stores the reading as one new document
func (s *MongoStore) Insert(ctx context.Context, r reading.Reading) error {
	if _, err := s.collection.InsertOne(ctx, bson.M(r)); err != nil {
		return fmt.Errorf("MongoStore: insert: %w", err)
	}

	return nil
}

// Latest returns the document with the highest timestamp for the sensor type
func (s *MongoStore) Latest(ctx context.Context, sensorType string) (reading.Reading, error) {
	// Non-numeric timestamps would sort above every number.
	filter := bson.M{
		reading.FieldSensorType: sensorType,
		reading.FieldTimestamp:  bson.M{"$type": "number"},
	}

	// ObjectIDs grow with insertion time, so ties on timestamp go to the later insert
	opts := options.FindOne().SetSort(bson.D{
		{Key: reading.FieldTimestamp, Value: -1},
		{Key: reading.FieldID, Value: -1},
	})

	var doc bson.M

	err := s.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("MongoStore: find latest %q: %w", sensorType, err)
	}

	return reading.Reading(doc), nil
}

// Ping checks that the primary is reachable
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (s *MongoStore) Close(ctx context.Context) error {
	s.logger.Info("MongoStore: disconnecting")

	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("MongoStore: disconnect: %w", err)
	}

	return nil
}

// NewMongoStore creates a MongoStore. The driver connects lazily, use Ping to
// wait for the server.
func NewMongoStore(ctx context.Context, config MongoConfig, logger *zap.SugaredLogger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("MongoStore: %w", err)
	}

	return &MongoStore{
		config:     config,
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
		logger:     logger,
	}, nil
}
