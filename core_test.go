package mcpcore

import (
	"context"
	"testing"
	"time"

	"github.com/machinectx/mcp-go/connections"
	"github.com/machinectx/mcp-go/contexts"
	"github.com/machinectx/mcp-go/faults"
	"github.com/machinectx/mcp-go/mcp"
	"github.com/machinectx/mcp-go/messaging"
	"github.com/machinectx/mcp-go/ports"
)

type nullTransport struct{}

func (nullTransport) Deliver(ctx context.Context, msg *mcp.ProtocolMessage) error { return nil }

func testCoreConfig() Config {
	return Config{
		Ports: ports.Config{MinPort: 200, MaxPort: 210},
		Messaging: messaging.Config{
			MaxMessageSize: 1 << 20,
			MessageTimeout: time.Second,
			RetryAttempts:  1,
			RetryDelay:     time.Millisecond,
		},
		Connections: connections.Config{
			MaxConnections:    4,
			ConnectionTimeout: 5 * time.Second,
			KeepAliveInterval: 10 * time.Second,
			KeepAliveGrace:    3,
			MaxMessageQueue:   8,
		},
		Sync: contexts.SyncConfig{
			SyncInterval:     time.Minute,
			MaxRetries:       3,
			Timeout:          5 * time.Second,
			CleanupOlderThan: time.Hour,
		},
	}
}

func TestCoreEndToEnd(t *testing.T) {
	dialer := connections.DialerFunc(func(ctx context.Context, remote string, port uint16) (messaging.Transport, error) {
		return nullTransport{}, nil
	})
	core, err := NewCore(testCoreConfig(), dialer)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}

	_, cred, err := core.Security.RegisterKey("peer-a")
	if err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}
	if err := core.Contexts.CreateContext("node-a"); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	id, err := core.Connections.Open(context.Background(), "10.0.0.2:9000", "peer-a", cred)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	snap := core.Monitor.Take(faults.Filter{})
	if snap.Connections[connections.StatusActive] != 1 {
		t.Errorf("active connections = %d, want 1", snap.Connections[connections.StatusActive])
	}
	if snap.PortsBound != 1 {
		t.Errorf("bound ports = %d, want 1", snap.PortsBound)
	}
	if len(snap.ActiveContexts) != 0 {
		t.Errorf("active contexts = %v, want none before activation", snap.ActiveContexts)
	}

	if err := core.Connections.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	snap = core.Monitor.Take(faults.Filter{})
	if snap.PortsBound != 0 {
		t.Errorf("bound ports after close = %d, want 0", snap.PortsBound)
	}
}

func TestCoreRunStopsWithContext(t *testing.T) {
	dialer := connections.DialerFunc(func(ctx context.Context, remote string, port uint16) (messaging.Transport, error) {
		return nullTransport{}, nil
	})
	core, err := NewCore(testCoreConfig(), dialer)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
