package ingest

import (
	"fmt"
	"regexp"
)

var stationRegex = regexp.MustCompile(`^(\w+)\..*$`)

// Topic represents an AMQP routing key of the form <station>.<anything>
type Topic struct {
	Value string
}

// GetStationID returns the StationID from the Topic value
func (t *Topic) GetStationID() (string, error) {
	matches := stationRegex.FindStringSubmatch(t.Value)

	if matches == nil {
		return "", fmt.Errorf("Topic: '%s' does not match topic regex", t.Value)
	}

	return matches[1], nil
}

// Source names the origin of a delivery for logs: the station when the
// routing key carries one, the raw key otherwise.
func (t *Topic) Source() string {
	station, err := t.GetStationID()
	if err != nil {
		return "amqp:" + t.Value
	}

	return "amqp:" + station
}

// NewTopic constructs a new Topic
func NewTopic(value string) *Topic {
	return &Topic{Value: value}
}
