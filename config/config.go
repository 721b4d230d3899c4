package config

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/granxa/sensor-storage/ingest"
	"github.com/granxa/sensor-storage/query"
	"github.com/granxa/sensor-storage/store"
)

// Config is the main configuration
type Config struct {
	Env      string                `yaml:"env"`
	Listener ingest.ListenerConfig `yaml:"listener"`
	Store    store.Config          `yaml:"store"`
	Query    query.Config          `yaml:"query"`
	AMQP     ingest.AMQPConfig     `yaml:"amqp"`
	Topics   []string              `yaml:"topics"`
}

// Default returns the configuration the service runs with when no file sets a value
func Default() Config {
	return Config{
		Env: "prod",
		Listener: ingest.ListenerConfig{
			Address:    ingest.DefaultAddress,
			MaxPayload: ingest.DefaultMaxPayload,
		},
		Store: store.Config{
			Driver: store.DriverMongo,
			Mongo: store.MongoConfig{
				URI:        "mongodb://localhost:27017/",
				Database:   "granxa",
				Collection: "readings",
			},
			MySQL: store.MySQLConfig{
				Table: "readings",
			},
			ConnectAttempts: 5,
		},
		Query: query.Config{
			Address:    query.DefaultAddress,
			SensorType: query.DefaultSensorType,
		},
		AMQP: ingest.AMQPConfig{
			Tag:      "granxa",
			Exchange: "readings",
		},
	}
}

// Parse overlays the YAML document on the defaults
func Parse(data []byte) (Config, error) {
	c := Default()

	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return c, nil
}

// Load reads and parses the YAML file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	f, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return Parse(f)
}
