package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskline/rcagent/internal/identity"
)

// fakeTransport implements TransportInfo for testing.
type fakeTransport struct {
	id            identity.SessionID
	connected     bool
	bound         bool
	lastPacketAge time.Duration
	expiresIn     time.Duration
	target        string
	bytesSent     uint64
	bytesReceived uint64
}

func (f *fakeTransport) ID() identity.SessionID       { return f.id }
func (f *fakeTransport) Connected() bool              { return f.connected }
func (f *fakeTransport) Bound() bool                  { return f.bound }
func (f *fakeTransport) LastPacketAge() time.Duration { return f.lastPacketAge }
func (f *fakeTransport) ExpiresIn() time.Duration     { return f.expiresIn }
func (f *fakeTransport) Target() string               { return f.target }
func (f *fakeTransport) BytesSent() uint64            { return f.bytesSent }
func (f *fakeTransport) BytesReceived() uint64        { return f.bytesReceived }

func TestNewServer(t *testing.T) {
	cfg := DefaultServerConfig()
	tp := &fakeTransport{connected: true}

	s := NewServer(cfg, tp)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "control.sock")

	cfg := ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	id, _ := identity.NewSessionID()
	tp := &fakeTransport{id: id, connected: true}

	s := NewServer(cfg, tp)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Error("socket file does not exist")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_ClientIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "control.sock")

	cfg := ServerConfig{
		SocketPath:   socketPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	id, _ := identity.NewSessionID()
	tp := &fakeTransport{
		id:            id,
		connected:     true,
		bound:         true,
		lastPacketAge: 2 * time.Second,
		expiresIn:     time.Hour,
		target:        "tcp://0.0.0.0:4444",
	}

	s := NewServer(cfg, tp)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer s.Stop()

	client := NewClient(socketPath)
	defer client.Close()

	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.SessionID != id.ShortString() {
		t.Errorf("expected session id %s, got %s", id.ShortString(), status.SessionID)
	}
	if !status.Connected {
		t.Error("expected connected=true")
	}
	if !status.Bound {
		t.Error("expected bound=true")
	}
	if status.URL != "tcp://0.0.0.0:4444" {
		t.Errorf("expected url tcp://0.0.0.0:4444, got %s", status.URL)
	}

	metrics, err := client.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if len(metrics) == 0 {
		t.Error("expected non-empty metrics response")
	}
}
