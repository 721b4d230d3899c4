package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/reading"
)

// Supported drivers
const (
	DriverMongo  = "mongo"
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// ErrNotFound is returned by Latest when no reading of the sensor type exists
var ErrNotFound = errors.New("store: no reading found")

// Config selects and configures the Reading Store
type Config struct {
	Driver          string      `yaml:"driver"`
	Mongo           MongoConfig `yaml:"mongo"`
	MySQL           MySQLConfig `yaml:"mysql"`
	ConnectAttempts uint        `yaml:"connect_attempts"`
}

// Writer persists readings
type Writer interface {
	Insert(ctx context.Context, r reading.Reading) error
}

// Finder looks up the most recent reading of a sensor type. The returned
// document still carries the store identifier under reading.FieldID.
type Finder interface {
	Latest(ctx context.Context, sensorType string) (reading.Reading, error)
}

// Store is a Reading Store. Implementations are safe for concurrent use.
type Store interface {
	Writer
	Finder
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open connects to the configured store and waits until it answers a ping
func Open(ctx context.Context, config Config, logger *zap.SugaredLogger) (Store, error) {
	var s Store
	var err error

	switch config.Driver {
	case DriverMongo, "":
		s, err = NewMongoStore(ctx, config.Mongo, logger)
	case DriverMySQL:
		db, dbErr := NewDbConnection(config.MySQL)
		if dbErr != nil {
			return nil, dbErr
		}
		s, err = NewMySQLStore(config.MySQL, db, logger)
		if err != nil {
			db.Close()
		}
	case DriverMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("Store: unknown driver %q", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	attempts := config.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}

	err = retry.Do(
		func() error {
			if err := s.Ping(ctx); err != nil {
				logger.Warnf("Store: ping failed: %s", err)

				return err
			}

			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(time.Second),
	)
	if err != nil {
		s.Close(ctx)

		return nil, fmt.Errorf("Store: %s unreachable: %w", config.Driver, err)
	}

	if m, ok := s.(*MySQLStore); ok {
		if err := m.Migrate(ctx); err != nil {
			s.Close(ctx)

			return nil, err
		}
	}

	logger.Infof("Store: connected (driver: %s)", driverName(config.Driver))

	return s, nil
}

func driverName(driver string) string {
	if driver == "" {
		return DriverMongo
	}

	return driver
}
