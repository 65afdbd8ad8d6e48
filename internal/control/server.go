// Package control provides a Unix socket control interface for the agent's
// transport: a JSON status endpoint and a Prometheus scrape endpoint.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duskline/rcagent/internal/identity"
)

// TransportInfo exposes the read-only transport state the control interface
// reports. *transport.Transport satisfies this directly.
type TransportInfo interface {
	// ID returns the transport's session identity.
	ID() identity.SessionID

	// Connected reports whether the transport currently has a live
	// connection.
	Connected() bool

	// Bound reports whether the current or last connection was a bind
	// (listen) rather than a reverse connect.
	Bound() bool

	// LastPacketAge returns the time elapsed since the last packet was
	// received over the dispatch loop.
	LastPacketAge() time.Duration

	// ExpiresIn returns the time remaining before the transport's
	// session expiry budget elapses.
	ExpiresIn() time.Duration

	// Target returns the transport's configured connection URL.
	Target() string

	// BytesSent returns the cumulative wire bytes transmitted over the
	// transport's codec.
	BytesSent() uint64

	// BytesReceived returns the cumulative wire bytes read over the
	// transport's codec.
	BytesReceived() uint64
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	SessionID     string  `json:"session_id"`
	URL           string  `json:"url"`
	Connected     bool    `json:"connected"`
	Bound         bool    `json:"bound"`
	LastPacketAge float64 `json:"last_packet_age_seconds"`
	ExpiresIn     float64 `json:"expires_in_seconds"`
	BytesSent     uint64  `json:"bytes_sent"`
	BytesReceived uint64  `json:"bytes_received"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	// MetricsRegistry is gathered by the /metrics endpoint. Defaults to
	// the global Prometheus registry when nil.
	MetricsRegistry *prometheus.Registry
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg       ServerConfig
	transport TransportInfo
	server    *http.Server
	listener  net.Listener
	running   atomic.Bool
}

// NewServer creates a new control server reporting on transport.
func NewServer(cfg ServerConfig, transport TransportInfo) *Server {
	s := &Server{
		cfg:       cfg,
		transport: transport,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)

	if cfg.MetricsRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.MetricsRegistry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		SessionID:     s.transport.ID().ShortString(),
		URL:           s.transport.Target(),
		Connected:     s.transport.Connected(),
		Bound:         s.transport.Bound(),
		LastPacketAge: s.transport.LastPacketAge().Seconds(),
		ExpiresIn:     s.transport.ExpiresIn().Seconds(),
		BytesSent:     s.transport.BytesSent(),
		BytesReceived: s.transport.BytesReceived(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
