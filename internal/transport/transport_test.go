package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/duskline/rcagent/internal/logging"
	"github.com/duskline/rcagent/internal/metrics"
	"github.com/duskline/rcagent/internal/protocol"
)

func TestNew_PersistsSessionIDAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()

	first, err := New("tcp://example:4444", Timeouts{}, logging.NopLogger(), dataDir)
	if err != nil {
		t.Fatalf("New() first run error = %v", err)
	}

	second, err := New("tcp://example:4444", Timeouts{}, logging.NopLogger(), dataDir)
	if err != nil {
		t.Fatalf("New() second run error = %v", err)
	}

	if !first.SessionID.Equal(second.SessionID) {
		t.Errorf("SessionID changed across restart: first=%s, second=%s", first.SessionID, second.SessionID)
	}
}

func TestNew_EmptyDataDirGeneratesEphemeralID(t *testing.T) {
	first, err := New("tcp://example:4444", Timeouts{}, logging.NopLogger(), "")
	if err != nil {
		t.Fatalf("New() first call error = %v", err)
	}
	second, err := New("tcp://example:4444", Timeouts{}, logging.NopLogger(), "")
	if err != nil {
		t.Fatalf("New() second call error = %v", err)
	}

	if first.SessionID.Equal(second.SessionID) {
		t.Error("two New() calls with an empty dataDir produced the same session id")
	}
}

func TestTransport_AccessorsBeforeConnect(t *testing.T) {
	tp, err := New("tcp://example:4444", Timeouts{Expiry: time.Hour}, logging.NopLogger(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if tp.Connected() {
		t.Error("Connected() = true before any connection was set")
	}
	if tp.Target() != "tcp://example:4444" {
		t.Errorf("Target() = %q, want %q", tp.Target(), "tcp://example:4444")
	}
	if tp.ID().IsZero() {
		t.Error("ID() should not be zero")
	}
	if tp.ExpiresIn() <= 0 {
		t.Error("ExpiresIn() should be positive when Expiry is set")
	}
}

func TestTransport_SetConn_MarksConnected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tp, err := New("tcp://example:4444", Timeouts{}, logging.NopLogger(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tp.SetConn(server)

	if !tp.Connected() {
		t.Error("Connected() = false after SetConn")
	}
	if tp.Socket() != server {
		t.Error("Socket() did not return the connection passed to SetConn")
	}

	done := make(chan error, 1)
	go func() {
		p := protocol.NewPacket(protocol.TypePlainRequest, []byte("hi"))
		done <- tp.Transmit(p, nil)
	}()

	buf := make([]byte, protocol.HeaderSize+2)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read from client side: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
}

func TestTransport_SetMetrics_RecordsPacketsOverSetConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tp, err := New("tcp://example:4444", Timeouts{}, logging.NopLogger(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	tp.SetMetrics(m)
	tp.SetConn(server)

	done := make(chan error, 1)
	go func() {
		p := protocol.NewPacket(protocol.TypePlainRequest, []byte("hi"))
		done <- tp.Transmit(p, nil)
	}()

	buf := make([]byte, protocol.HeaderSize+2)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read from client side: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}

	if got := testutil.ToFloat64(m.PacketsSent.WithLabelValues("PLAIN_REQUEST")); got != 1 {
		t.Errorf("packets_sent_total{type=PLAIN_REQUEST} = %v, want 1", got)
	}
}

func TestTransport_Deinit_RecordsDisconnected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tp, err := New("tcp://example:4444", Timeouts{}, logging.NopLogger(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	tp.SetMetrics(m)
	tp.SetConn(server)
	m.RecordConnected(0.01)

	if err := tp.Deinit(); err != nil {
		t.Fatalf("Deinit() error = %v", err)
	}

	if got := testutil.ToFloat64(m.Connected); got != 0 {
		t.Errorf("connected gauge = %v, want 0 after Deinit", got)
	}
	if tp.Connected() {
		t.Error("Connected() = true after Deinit")
	}
}

func TestDirectiveKindName(t *testing.T) {
	cases := map[DirectiveKind]string{
		DirectiveReverseV4: "reverse_v4",
		DirectiveReverseV6: "reverse_v6",
		DirectiveBindV4:    "bind_v4",
		DirectiveInherit:   "inherit",
	}
	for kind, want := range cases {
		if got := directiveKindName(kind); got != want {
			t.Errorf("directiveKindName(%v) = %q, want %q", kind, got, want)
		}
	}
}
