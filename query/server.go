package query

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/granxa/sensor-storage/reading"
	"github.com/granxa/sensor-storage/store"
)

// Server defaults
const (
	DefaultAddress    = "0.0.0.0:5000"
	DefaultSensorType = "temperature"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Config represents the config of the Query Service HTTP server. SensorType
// is the type served by the index page and /update_doc.
type Config struct {
	Address    string        `yaml:"address"`
	SensorType string        `yaml:"sensor_type"`
	Refresh    time.Duration `yaml:"refresh"`
}

// Server exposes the Query Service over HTTP
type Server struct {
	config   Config
	service  *Service
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
	server   *http.Server
}

// Handler returns the routed, access-logged handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.index).Methods(http.MethodGet)
	r.HandleFunc("/update_doc", s.updateDoc).Methods(http.MethodGet)
	r.HandleFunc("/readings/{sensorType}/latest", s.latest).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	accessLog := zap.NewStdLog(s.logger.Desugar()).Writer()

	return handlers.LoggingHandler(accessLog, r)
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	s.logger.Infof("Query: listening on %s", s.config.Address)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("Query: %w", err)
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Query: shutting down")

	return s.server.Shutdown(ctx)
}

type indexData struct {
	SensorType    string
	Reading       reading.Reading
	RefreshMillis int64
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.Latest(r.Context(), s.config.SensorType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.fail(w, err)

		return
	}

	data := indexData{
		SensorType:    s.config.SensorType,
		Reading:       doc,
		RefreshMillis: s.config.Refresh.Milliseconds(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if doc == nil {
		w.WriteHeader(http.StatusNotFound)
	}
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Warnf("Query: render index: %s", err)
	}
}

func (s *Server) updateDoc(w http.ResponseWriter, r *http.Request) {
	s.writeLatest(w, r, s.config.SensorType)
}

func (s *Server) latest(w http.ResponseWriter, r *http.Request) {
	s.writeLatest(w, r, mux.Vars(r)["sensorType"])
}

func (s *Server) writeLatest(w http.ResponseWriter, r *http.Request, sensorType string) {
	doc, err := s.service.Latest(r.Context(), sensorType)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("no reading for sensor type %q", sensorType),
		})

		return
	}
	if err != nil {
		s.fail(w, err)

		return
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Errorf("Query: %s", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewServer creates a new Server. gatherer may be nil to disable /metrics.
func NewServer(config Config, service *Service, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) *Server {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.SensorType == "" {
		config.SensorType = DefaultSensorType
	}
	if config.Refresh <= 0 {
		config.Refresh = 5 * time.Second
	}

	s := &Server{
		config:   config,
		service:  service,
		gatherer: gatherer,
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:              config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}
