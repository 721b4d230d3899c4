package store

import (
	"context"
	"sync"

	"github.com/granxa/sensor-storage/reading"
)

// MemoryStore keeps readings in process. It backs tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []reading.Reading
}

// Insert appends a copy of the reading with a sequential identifier
func (s *MemoryStore) Insert(_ context.Context, r reading.Reading) error {
	doc := r.Clone()

	s.mu.Lock()
	doc[reading.FieldID] = int64(len(s.readings) + 1)
	s.readings = append(s.readings, doc)
	s.mu.Unlock()

	return nil
}

// Latest returns the reading with the highest timestamp; on a tie the later insert wins
func (s *MemoryStore) Latest(_ context.Context, sensorType string) (reading.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest reading.Reading
	var latestTs float64

	for _, r := range s.readings {
		if r.SensorType() != sensorType {
			continue
		}

		ts, ok := r.Timestamp()
		if !ok {
			continue
		}

		if latest == nil || ts >= latestTs {
			latest, latestTs = r, ts
		}
	}

	if latest == nil {
		return nil, ErrNotFound
	}

	return latest.Clone(), nil
}

// All returns a copy of every stored reading in insertion order
func (s *MemoryStore) All() []reading.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reading.Reading, len(s.readings))
	for i, r := range s.readings {
		out[i] = r.Clone()
	}

	return out
}

// Len returns the number of stored readings
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.readings)
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close(context.Context) error {
	return nil
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}
