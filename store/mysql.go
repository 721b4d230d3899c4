package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/reading"
)

var tableRegex = regexp.MustCompile(`^\w+$`)

// MySQLConfig represents the MySQL configuration
type MySQLConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// MySQLStore keeps every reading as a JSON document next to the two columns
// needed to answer Latest.
type MySQLStore struct {
	config MySQLConfig
	db     *sql.DB
	mu     sync.Mutex
	stmt   *sql.Stmt
	logger *zap.SugaredLogger
}

func (s *MySQLStore) table() string {
	return "`" + s.config.Table + "`"
}

// Migrate creates the readings table when it does not exist yet
func (s *MySQLStore) Migrate(ctx context.Context) error {
	query := "CREATE TABLE IF NOT EXISTS " + s.table() + " (" +
		"`id` BIGINT NOT NULL AUTO_INCREMENT, " +
		"`sensor_type` VARCHAR(255) NOT NULL, " +
		"`timestamp` DOUBLE NULL, " +
		"`document` JSON NOT NULL, " +
		"PRIMARY KEY (`id`), " +
		"KEY `sensor_type_timestamp` (`sensor_type`, `timestamp`))"

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("MySQLStore: migrate: %w", err)
	}

	return nil
}

func (s *MySQLStore) prepareStmt(ctx context.Context) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stmt != nil {
		return s.stmt, nil
	}

	var err error

	query := "INSERT INTO " + s.table() + " (`sensor_type`, `timestamp`, `document`) " +
		"VALUES (?, ?, ?)"

	s.stmt, err = s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("MySQLStore: %w", err)
	}

	return s.stmt, nil
}

// Insert stores the reading as one new row
func (s *MySQLStore) Insert(ctx context.Context, r reading.Reading) error {
	stmt, err := s.prepareStmt(ctx)
	if err != nil {
		return err
	}

	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("MySQLStore: encode: %w", err)
	}

	var ts sql.NullFloat64
	ts.Float64, ts.Valid = r.Timestamp()

	if _, err := stmt.ExecContext(ctx, r.SensorType(), ts, doc); err != nil {
		return fmt.Errorf("MySQLStore: insert: %w", err)
	}

	return nil
}

// Latest returns the row with the highest timestamp; on a tie the higher id wins
func (s *MySQLStore) Latest(ctx context.Context, sensorType string) (reading.Reading, error) {
	query := "SELECT `id`, `document` FROM " + s.table() + " " +
		"WHERE `sensor_type` = ? AND `timestamp` IS NOT NULL " +
		"ORDER BY `timestamp` DESC, `id` DESC LIMIT 1"

	var id int64
	var doc []byte

	err := s.db.QueryRowContext(ctx, query, sensorType).Scan(&id, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("MySQLStore: find latest %q: %w", sensorType, err)
	}

	r, err := reading.Decode(doc)
	if err != nil {
		return nil, fmt.Errorf("MySQLStore: row %d: %w", id, err)
	}
	r[reading.FieldID] = id

	return r, nil
}

// Ping checks the database connection
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the prepared statement and the connection pool
func (s *MySQLStore) Close(context.Context) error {
	s.mu.Lock()
	if s.stmt != nil {
		s.stmt.Close()
		s.stmt = nil
	}
	s.mu.Unlock()

	return s.db.Close()
}

// NewDbConnection opens a new connection using the configured DSN
func NewDbConnection(config MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %s", err)
	}

	return db, nil
}

// NewMySQLStore creates a MySQLStore on top of an open database handle
func NewMySQLStore(config MySQLConfig, db *sql.DB, logger *zap.SugaredLogger) (*MySQLStore, error) {
	if config.Table == "" {
		config.Table = "readings"
	}
	if !tableRegex.MatchString(config.Table) {
		return nil, fmt.Errorf("MySQLStore: invalid table name %q", config.Table)
	}

	return &MySQLStore{
		config: config,
		db:     db,
		logger: logger,
	}, nil
}
