package ports

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/machinectx/mcp-go/security"
)

func newTestManager(t *testing.T, min, max uint16, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(Config{MinPort: min, MaxPort: max}, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAllocateLowestFree(t *testing.T) {
	m := newTestManager(t, 10, 12)
	for _, want := range []uint16{10, 11, 12} {
		got, err := m.Allocate("peer-a")
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if got != want {
			t.Errorf("allocated %d, want %d", got, want)
		}
	}
}

func TestExhaustionAndReuse(t *testing.T) {
	m := newTestManager(t, 10, 11)
	if _, err := m.Allocate("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Allocate("a"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Allocate("a")
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != ErrExhausted {
		t.Fatalf("got %v, want exhausted", err)
	}

	if err := m.Release(10); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, err := m.Allocate("a")
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if got != 10 {
		t.Errorf("allocated %d, want released port 10", got)
	}
}

func TestBindLifecycle(t *testing.T) {
	m := newTestManager(t, 10, 10)
	port, err := m.Allocate("peer-a")
	if err != nil {
		t.Fatal(err)
	}
	info, err := m.Status(port)
	if err != nil || info.State != Reserved {
		t.Fatalf("status after allocate = %+v, %v", info, err)
	}

	if err := m.Bind(port, "conn-1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	var pe *Error
	if err := m.Bind(port, "conn-2"); !errors.As(err, &pe) || pe.Kind != ErrAlreadyBound {
		t.Fatalf("second bind: got %v, want already_bound", err)
	}

	info, _ = m.Status(port)
	if info.State != Bound || info.Owner != "conn-1" || info.TotalBindings != 1 {
		t.Errorf("bound info = %+v", info)
	}

	if err := m.Release(port); err != nil {
		t.Fatalf("Release: %v", err)
	}
	info, _ = m.Status(port)
	if info.State != Free || info.Owner != "" {
		t.Errorf("released info = %+v", info)
	}
}

func TestNoDoubleBoundOwners(t *testing.T) {
	m := newTestManager(t, 100, 131)
	var mu sync.Mutex
	owners := make(map[uint16]string)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := m.Allocate("peer")
			if err != nil {
				return
			}
			if err := m.Bind(port, string(rune('a'+i))); err != nil {
				return
			}
			mu.Lock()
			if _, ok := owners[port]; ok {
				t.Errorf("port %d bound twice", port)
			}
			owners[port] = string(rune('a' + i))
			mu.Unlock()
		}(i)
	}
	wg.Wait()
}

func TestInvalidRange(t *testing.T) {
	_, err := NewManager(Config{MinPort: 20, MaxPort: 10})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != ErrInvalidRange {
		t.Fatalf("got %v, want invalid_range", err)
	}
}

func TestPolicyDenial(t *testing.T) {
	m := newTestManager(t, 10, 12, WithPolicy(NewPolicy(nil, []string{"banned"})))
	if _, err := m.Allocate("banned"); !security.IsKind(err, security.ErrPermissionDenied) {
		t.Fatalf("got %v, want permission_denied", err)
	}
	if _, err := m.Allocate("anyone-else"); err != nil {
		t.Fatalf("allowed subject failed: %v", err)
	}
}

func TestPolicyAllowList(t *testing.T) {
	p := NewPolicy([]string{"vip"}, nil)
	if !p.Allows("vip") {
		t.Error("listed subject denied")
	}
	if p.Allows("other") {
		t.Error("unlisted subject allowed with non-empty allow list")
	}
}

func TestPolicyFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	write := func(allow, deny []string) {
		raw, _ := json.Marshal(policyFile{Allow: allow, Deny: deny})
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	write(nil, []string{"eve"})
	p, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if p.Allows("eve") {
		t.Error("denied subject allowed")
	}

	write(nil, nil)
	if err := p.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !p.Allows("eve") {
		t.Error("subject still denied after reload")
	}
}

func TestAllocateWait(t *testing.T) {
	m := newTestManager(t, 10, 10)
	if _, err := m.Allocate("a"); err != nil {
		t.Fatal(err)
	}

	done := make(chan uint16, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		port, err := m.AllocateWait(ctx, "b")
		if err != nil {
			t.Errorf("AllocateWait: %v", err)
		}
		done <- port
	}()

	time.Sleep(10 * time.Millisecond)
	if err := m.Release(10); err != nil {
		t.Fatal(err)
	}
	select {
	case port := <-done:
		if port != 10 {
			t.Errorf("waited allocation = %d, want 10", port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AllocateWait never completed")
	}
}

func TestAllocateWaitBounded(t *testing.T) {
	m := newTestManager(t, 10, 10)
	if _, err := m.Allocate("a"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.AllocateWait(ctx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
