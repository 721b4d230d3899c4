package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/reading"
	"github.com/granxa/sensor-storage/store"
)

// DropError reports why a single payload did not end up in the store
type DropError struct {
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("reading dropped (%s): %s", e.Reason, e.Err)
}

func (e *DropError) Unwrap() error {
	return e.Err
}

// Ingestor decodes payloads and writes them to the Reading Store. It is shared
// by every handler and keeps no per-reading state.
type Ingestor struct {
	store   store.Writer
	metrics *Metrics
	logger  *zap.SugaredLogger
}

// Ingest decodes one payload and inserts it as one new record. Nothing is retried.
func (i *Ingestor) Ingest(ctx context.Context, source string, payload []byte) error {
	r, err := reading.Decode(payload)
	if err != nil {
		return i.drop(source, ReasonDecode, err)
	}

	if err := i.store.Insert(ctx, r); err != nil {
		return i.drop(source, ReasonStore, err)
	}

	i.metrics.Stored.Inc()
	i.logger.Infow("Ingestor: reading stored",
		"source", source,
		"sensorType", r.SensorType(),
	)

	return nil
}

// drop counts and logs a failed attempt in one place
func (i *Ingestor) drop(source, reason string, err error) error {
	i.metrics.Dropped.WithLabelValues(reason).Inc()
	i.logger.Warnw("Ingestor: reading dropped",
		"source", source,
		"reason", reason,
		"error", err,
	)

	return &DropError{Reason: reason, Err: err}
}

// NewIngestor creates a new Ingestor
func NewIngestor(w store.Writer, metrics *Metrics, logger *zap.SugaredLogger) *Ingestor {
	return &Ingestor{
		store:   w,
		metrics: metrics,
		logger:  logger,
	}
}
