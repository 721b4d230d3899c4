package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/reading"
	"github.com/granxa/sensor-storage/store"
)

// Service returns the most recent reading of a sensor type, ready to render
type Service struct {
	finder store.Finder
	logger *zap.SugaredLogger
}

// Latest returns the reading with the highest timestamp for sensorType.
// store.ErrNotFound is passed through unchanged.
func (s *Service) Latest(ctx context.Context, sensorType string) (reading.Reading, error) {
	r, err := s.finder.Latest(ctx, sensorType)
	if err != nil {
		return nil, err
	}

	return Render(r), nil
}

// Render strips the store identifier and turns the epoch timestamp into an
// ISO-8601 string (UTC, no offset). A timestamp outside years 1 to 9999 is
// left as the device sent it.
func Render(r reading.Reading) reading.Reading {
	out := r.Clone()
	delete(out, reading.FieldID)

	if ts, ok := out.Timestamp(); ok {
		if iso, ok := reading.FormatISO(ts); ok {
			out[reading.FieldTimestamp] = iso
		}
	}

	return out
}

// NewService creates a new Service
func NewService(finder store.Finder, logger *zap.SugaredLogger) *Service {
	return &Service{
		finder: finder,
		logger: logger,
	}
}
