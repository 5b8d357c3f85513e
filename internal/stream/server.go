// Package stream serves pipeline output to websocket clients and exposes
// the metrics registry over HTTP.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"changewatch/internal/logging"
	"changewatch/internal/metrics"
	"changewatch/internal/pipeline"
	"changewatch/internal/watcher"
	"changewatch/internal/wire"

	"github.com/gorilla/websocket"
)

const (
	EventsPath  = "/events"
	MetricsPath = "/metrics"
	LogsPath    = "/logs"
)

const defaultLogLimit = 100

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var ErrNoSource = errors.New("stream source is nil")

type Options struct {
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AllowedOrigins []string
	WriteTimeout   time.Duration
}

type Server struct {
	source         pipeline.EventSource
	logger         *logging.Logger
	metrics        *metrics.Registry
	allowedOrigins []string
	writeTimeout   time.Duration
}

func NewServer(source pipeline.EventSource, options Options) (*Server, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	return &Server{
		source:         source,
		logger:         logger,
		metrics:        registry,
		allowedOrigins: options.AllowedOrigins,
		writeTimeout:   writeTimeout,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EventsPath, s.handleEvents)
	mux.HandleFunc(MetricsPath, s.handleMetrics)
	mux.HandleFunc(LogsPath, s.handleLogs)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts the listener
// down. Streams already upgraded end when the source closes.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.logger.Info("stream server listening", map[string]string{
		"addr": listener.Addr().String(),
	})

	errorsChan := make(chan error, 1)
	go func() {
		errorsChan <- server.Serve(listener)
	}()

	select {
	case err := <-errorsChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownContext); err != nil {
		s.logger.Warn("stream server shutdown failed", map[string]string{
			"error": err.Error(),
		})
	}
	if err := <-errorsChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = wire.FormatJSON
	}
	encode, err := wire.Encoder(format)
	if err != nil {
		writeWSError(w, r, nil, s.logger, wsError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}
	messageType := websocket.TextMessage
	if format == wire.FormatProto {
		messageType = websocket.BinaryMessage
	}

	output, cancel := s.source.Subscribe()
	defer cancel()

	conn, err := upgradeWebSocket(w, r, s.allowedOrigins)
	if err != nil {
		logWSError(s.logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}
	defer conn.Close()

	s.logger.Debug("stream client connected", map[string]string{
		"remote_addr": r.RemoteAddr,
		"format":      format,
	})

	// Reads only detect the peer going away; clients send nothing.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case change, ok := <-output:
			if !ok {
				closeConn(conn, websocket.CloseNormalClosure, "stream finished")
				return
			}
			payload, err := encode(change)
			if err != nil {
				s.logEncodeFailure(change, err)
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, payload); err != nil {
				return
			}
		case <-peerGone:
			return
		}
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := s.metrics.WritePrometheus(w); err != nil {
		s.logger.Warn("metrics write failed", map[string]string{
			"error": err.Error(),
		})
	}
}

// handleLogs returns the logger's recent entries as JSON. level sets the
// lowest severity and limit caps the count, newest kept.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	floor := logging.LevelDebug
	if raw := query.Get("level"); raw != "" {
		parsed, ok := logging.ParseLevel(raw)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown level %q", raw), http.StatusBadRequest)
			return
		}
		floor = parsed
	}
	limit := defaultLogLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries := s.logger.Recent().Select(floor, limit)
	if entries == nil {
		entries = []logging.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Warn("logs write failed", map[string]string{
			"error": err.Error(),
		})
	}
}

func (s *Server) logEncodeFailure(change watcher.Event, err error) {
	s.logger.Warn("stream encode failed", map[string]string{
		"path":  change.Path,
		"error": err.Error(),
	})
}
