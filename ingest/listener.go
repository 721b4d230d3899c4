package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Acknowledgment is written back to every device once its payload has been read
const Acknowledgment = "Temperature storage has received the package!"

// Listener defaults
const (
	DefaultAddress    = "0.0.0.0:19970"
	DefaultMaxPayload = 1024
)

// ListenerConfig represents the config of the Listener.
//
// MaxHandlers and ReadTimeout are off (zero) by default: every connection gets
// its own goroutine and a silent peer keeps it open forever.
type ListenerConfig struct {
	Address     string        `yaml:"address"`
	MaxPayload  int           `yaml:"max_payload"`
	MaxHandlers int           `yaml:"max_handlers"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Listener accepts device connections and turns each one into at most one
// stored reading.
type Listener struct {
	config   ListenerConfig
	ingestor *Ingestor
	metrics  *Metrics
	logger   *zap.SugaredLogger

	listener net.Listener
	slots    chan struct{}
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Listen binds the configured address
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("Listener: %w", err)
	}

	l.listener = ln
	l.logger.Infof("Listener: listening on %s", ln.Addr())

	return nil
}

// Addr returns the bound address, or nil before Listen
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}

	return l.listener.Addr()
}

// Serve runs the accept loop until Shutdown is called. Each connection is
// handed to its own goroutine; Serve never waits for a handler to finish
// unless MaxHandlers are already running.
func (l *Listener) Serve() error {
	if l.listener == nil {
		return fmt.Errorf("Listener: not listening")
	}

	for {
		if !l.acquire() {
			return nil
		}

		conn, err := l.listener.Accept()
		if err != nil {
			l.release()

			select {
			case <-l.done:
				return nil
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logger.Warnf("Listener: accept: %s", err)

				continue
			}

			return fmt.Errorf("Listener: accept: %w", err)
		}

		l.logger.Infof("Listener: accepted connection from %s", conn.RemoteAddr())

		l.wg.Add(1)
		go l.handle(conn)
	}
}

// Shutdown stops accepting connections and waits for running handlers
func (l *Listener) Shutdown(ctx context.Context) error {
	l.logger.Info("Listener: shutting down")

	var err error

	l.once.Do(func() {
		close(l.done)
		if l.listener != nil {
			err = l.listener.Close()
		}
	})
	if err != nil {
		return fmt.Errorf("Listener: %w", err)
	}

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		l.logger.Info("Listener: shutdown OK")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("Listener: handlers still running: %w", ctx.Err())
	}
}

func (l *Listener) acquire() bool {
	if l.slots == nil {
		return true
	}

	select {
	case l.slots <- struct{}{}:
		return true
	case <-l.done:
		return false
	}
}

func (l *Listener) release() {
	if l.slots != nil {
		<-l.slots
	}
}

// handle runs in its own goroutine. A panic is contained to this connection.
func (l *Listener) handle(conn net.Conn) {
	source := conn.RemoteAddr().String()

	l.metrics.Active.Inc()

	defer func() {
		if p := recover(); p != nil {
			conn.Close()
			l.ingestor.drop(source, ReasonPanic, fmt.Errorf("%v", p))
		}

		l.metrics.Active.Dec()
		l.release()
		l.wg.Done()
	}()

	l.process(conn, source)
}

// process walks one connection through read, acknowledge+close, decode and store
func (l *Listener) process(conn net.Conn, source string) error {
	payload, err := l.read(conn)
	if err != nil {
		conn.Close()

		return l.ingestor.drop(source, ReasonRead, err)
	}

	l.metrics.Received.Inc()
	l.logger.Infow("Listener: received", "source", source, "payload", string(payload))

	// The device is acknowledged before anything is parsed or stored.
	_, err = conn.Write([]byte(Acknowledgment))
	conn.Close()
	if err != nil {
		return l.ingestor.drop(source, ReasonAck, err)
	}

	return l.ingestor.Ingest(context.Background(), source, payload)
}

// read performs exactly one read of at most MaxPayload bytes. Anything the
// peer sends beyond that, or after the first segment, is ignored.
func (l *Listener) read(conn net.Conn) ([]byte, error) {
	if l.config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout)); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, l.config.MaxPayload)

	n, err := conn.Read(buf)
	if n > 0 || errors.Is(err, io.EOF) {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// NewListener creates a new Listener
func NewListener(config ListenerConfig, ingestor *Ingestor, metrics *Metrics, logger *zap.SugaredLogger) *Listener {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.MaxPayload <= 0 {
		config.MaxPayload = DefaultMaxPayload
	}

	l := &Listener{
		config:   config,
		ingestor: ingestor,
		metrics:  metrics,
		logger:   logger,
		done:     make(chan struct{}),
	}

	if config.MaxHandlers > 0 {
		l.slots = make(chan struct{}, config.MaxHandlers)
	}

	return l
}
