package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/reading"
	"github.com/granxa/sensor-storage/store"
)

type failingStore struct{}

func (failingStore) Insert(context.Context, reading.Reading) error {
	return errors.New("store unreachable")
}

// panickingStore panics for one sensor type and stores everything else
type panickingStore struct {
	*store.MemoryStore
}

func (s panickingStore) Insert(ctx context.Context, r reading.Reading) error {
	if r.SensorType() == "boom" {
		panic("driver bug")
	}

	return s.MemoryStore.Insert(ctx, r)
}

// blockingStore holds every insert until release is closed
type blockingStore struct {
	*store.MemoryStore
	release chan struct{}
}

func (s blockingStore) Insert(ctx context.Context, r reading.Reading) error {
	<-s.release

	return s.MemoryStore.Insert(ctx, r)
}

func startListener(t *testing.T, config ListenerConfig, w store.Writer) (*Listener, *Metrics) {
	t.Helper()

	if config.Address == "" {
		config.Address = "127.0.0.1:0"
	}

	logger := zap.NewNop().Sugar()
	metrics := NewMetrics(nil)
	l := NewListener(config, NewIngestor(w, metrics, logger), metrics, logger)
	require.NoError(t, l.Listen())

	served := make(chan error, 1)
	go func() { served <- l.Serve() }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		assert.NoError(t, l.Shutdown(ctx))
		assert.NoError(t, <-served)
	})

	return l, metrics
}

// send writes payload on a fresh connection and returns everything the server replied
func send(t *testing.T, addr net.Addr, payload []byte) (string, error) {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := io.ReadAll(conn)

	return string(reply), err
}

func dropped(m *Metrics, reason string) float64 {
	return testutil.ToFloat64(m.Dropped.WithLabelValues(reason))
}

func TestListenerStoresReading(t *testing.T) {
	s := store.NewMemoryStore()
	l, m := startListener(t, ListenerConfig{}, s)

	reply, err := send(t, l.Addr(), []byte(`{"sensorType":"temperature","timestamp":1700000000,"value":21.5}`))
	require.NoError(t, err)
	assert.Equal(t, Acknowledgment, reply)

	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Stored) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.Len())

	r := s.All()[0]
	assert.Equal(t, "temperature", r.SensorType())
	assert.Equal(t, int64(1700000000), r[reading.FieldTimestamp])
	assert.Equal(t, 21.5, r["value"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Received))
}

func TestListenerAcknowledgesMalformedPayload(t *testing.T) {
	s := store.NewMemoryStore()
	l, m := startListener(t, ListenerConfig{}, s)

	for _, payload := range [][]byte{
		[]byte("not json"),
		[]byte(`[1,2,3]`),
		{0xff, 0xfe, 0xfd},
	} {
		reply, err := send(t, l.Addr(), payload)
		require.NoError(t, err)
		assert.Equal(t, Acknowledgment, reply)
	}

	require.Eventually(t, func() bool { return dropped(m, ReasonDecode) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestListenerAcknowledgesWhenStoreFails(t *testing.T) {
	l, m := startListener(t, ListenerConfig{}, failingStore{})

	reply, err := send(t, l.Addr(), []byte(`{"sensorType":"temperature","timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, Acknowledgment, reply)

	require.Eventually(t, func() bool { return dropped(m, ReasonStore) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Stored))
}

func TestListenerTruncatesOversizedPayload(t *testing.T) {
	s := store.NewMemoryStore()
	l, m := startListener(t, ListenerConfig{}, s)

	payload := fmt.Sprintf(`{"sensorType":"temperature","timestamp":1,"pad":%q}`, strings.Repeat("x", 2000))

	// The server closes with unread bytes pending, so the reply may be cut by a reset.
	send(t, l.Addr(), []byte(payload))

	require.Eventually(t, func() bool { return dropped(m, ReasonDecode) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestListenerReadIsSingleAndBounded(t *testing.T) {
	l := NewListener(ListenerConfig{}, nil, NewMetrics(nil), zap.NewNop().Sugar())

	server, client := net.Pipe()
	defer server.Close()

	payload := []byte(strings.Repeat("a", 1500))
	go func() {
		client.Write(payload)
		client.Close()
	}()

	got, err := l.read(server)
	require.NoError(t, err)
	assert.Equal(t, payload[:DefaultMaxPayload], got)
}

func TestListenerConcurrentSenders(t *testing.T) {
	s := store.NewMemoryStore()
	l, m := startListener(t, ListenerConfig{}, s)

	const senders = 50

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			payload := fmt.Sprintf(`{"sensorType":"temperature","timestamp":%d}`, i)
			if i%5 == 0 {
				payload = "garbage"
			}

			reply, err := send(t, l.Addr(), []byte(payload))
			assert.NoError(t, err)
			assert.Equal(t, Acknowledgment, reply)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return s.Len() == 40 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return dropped(m, ReasonDecode) == 10 }, 2*time.Second, 10*time.Millisecond)

	seen := make(map[float64]bool)
	for _, r := range s.All() {
		ts, ok := r.Timestamp()
		require.True(t, ok)
		assert.False(t, seen[ts], "timestamp %v stored twice", ts)
		seen[ts] = true
	}
}

func TestListenerContainsHandlerPanic(t *testing.T) {
	s := store.NewMemoryStore()
	l, m := startListener(t, ListenerConfig{}, panickingStore{s})

	reply, err := send(t, l.Addr(), []byte(`{"sensorType":"boom","timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, Acknowledgment, reply)

	require.Eventually(t, func() bool { return dropped(m, ReasonPanic) == 1 }, 2*time.Second, 10*time.Millisecond)

	reply, err = send(t, l.Addr(), []byte(`{"sensorType":"temperature","timestamp":2}`))
	require.NoError(t, err)
	assert.Equal(t, Acknowledgment, reply)

	require.Eventually(t, func() bool { return s.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Active) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestListenerReadTimeout(t *testing.T) {
	s := store.NewMemoryStore()
	l, m := startListener(t, ListenerConfig{ReadTimeout: 50 * time.Millisecond}, s)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, _ := io.ReadAll(conn)

	assert.Empty(t, reply)
	require.Eventually(t, func() bool { return dropped(m, ReasonRead) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestListenerMaxHandlers(t *testing.T) {
	s := blockingStore{MemoryStore: store.NewMemoryStore(), release: make(chan struct{})}
	l, _ := startListener(t, ListenerConfig{MaxHandlers: 1}, s)

	reply, err := send(t, l.Addr(), []byte(`{"sensorType":"temperature","timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, Acknowledgment, reply)

	// The only slot is held by the first handler, blocked in Insert.
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"sensorType":"temperature","timestamp":2}`))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = conn.Read(make([]byte, 64))
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected timeout, got %v", err)

	close(s.release)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, Acknowledgment, string(rest))

	require.Eventually(t, func() bool { return s.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestListenerBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	l := NewListener(ListenerConfig{Address: taken.Addr().String()}, nil, NewMetrics(nil), zap.NewNop().Sugar())
	assert.Error(t, l.Listen())
}

func TestListenerDefaults(t *testing.T) {
	l := NewListener(ListenerConfig{}, nil, NewMetrics(nil), zap.NewNop().Sugar())

	assert.Equal(t, DefaultAddress, l.config.Address)
	assert.Equal(t, DefaultMaxPayload, l.config.MaxPayload)
	assert.Nil(t, l.slots)
}
