package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/crossquery/internal/connector"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// stubTransport satisfies connector.Transport without any I/O.
type stubTransport struct {
	connected atomic.Bool
}

func (s *stubTransport) Connect(context.Context) error {
	s.connected.Store(true)
	return nil
}

func (s *stubTransport) Close() error {
	s.connected.Store(false)
	return nil
}

func (s *stubTransport) Call(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *stubTransport) Notify(context.Context, string, any) error { return nil }

func (s *stubTransport) Events() <-chan *connector.Notification { return nil }

func (s *stubTransport) Connected() bool { return s.connected.Load() }

func stubDef(id models.ProviderID) *connector.Definition {
	return &connector.Definition{ID: id, Transport: connector.TransportHTTP, URL: "http://connector.test"}
}

// newStubManager returns a manager whose dial hands out stub-backed clients
// and counts how often it runs.
func newStubManager(idle time.Duration) (*sessionManager, *atomic.Int64) {
	m := newSessionManager(idle, nil)
	var dials atomic.Int64
	m.dial = func(ctx context.Context, def *connector.Definition) (*connector.Client, error) {
		dials.Add(1)
		transport := &stubTransport{}
		transport.Connect(ctx) //nolint:errcheck
		return connector.NewClientWithTransport(def, transport, nil), nil
	}
	return m, &dials
}

func TestSessionManager_AcquireReuses(t *testing.T) {
	m, dials := newStubManager(time.Minute)

	first, err := m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Error("expected the same session to be reused")
	}
	if dials.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", dials.Load())
	}
}

func TestSessionManager_RecreatesDisconnected(t *testing.T) {
	m, dials := newStubManager(time.Minute)

	first, err := m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.client.Close()

	second, err := m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Error("expected a fresh session after the connector closed")
	}
	if dials.Load() != 2 {
		t.Errorf("expected 2 dials, got %d", dials.Load())
	}
}

func TestSessionManager_RecreatesAfterIdle(t *testing.T) {
	m, dials := newStubManager(10 * time.Minute)
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	if _, err := m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(11 * time.Minute)
	if _, err := m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dials.Load() != 2 {
		t.Errorf("expected idle session replaced, got %d dials", dials.Load())
	}
}

func TestSessionManager_SweepIdle(t *testing.T) {
	m, _ := newStubManager(10 * time.Minute)
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets)) //nolint:errcheck
	m.acquire(context.Background(), "user-2", models.ProviderMail, stubDef(models.ProviderMail))       //nolint:errcheck

	now = now.Add(5 * time.Minute)
	m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets)) //nolint:errcheck

	// user-2's session is now 4 minutes past the idle age; user-1's was
	// touched 9 minutes ago and survives.
	now = now.Add(9 * time.Minute)
	if closed := m.sweepIdle(); closed != 1 {
		t.Errorf("expected 1 session swept, got %d", closed)
	}
	if n := m.count(); n != 1 {
		t.Errorf("expected 1 session left, got %d", n)
	}
}

func TestSessionManager_EvictProvider(t *testing.T) {
	m, _ := newStubManager(time.Minute)

	m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets)) //nolint:errcheck
	m.acquire(context.Background(), "user-2", models.ProviderTickets, stubDef(models.ProviderTickets)) //nolint:errcheck
	m.acquire(context.Background(), "user-1", models.ProviderMail, stubDef(models.ProviderMail))       //nolint:errcheck

	if n := m.evictProvider(models.ProviderTickets); n != 2 {
		t.Errorf("expected 2 sessions evicted, got %d", n)
	}
	if n := m.count(); n != 1 {
		t.Errorf("expected mail session to survive, got %d live", n)
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	m, _ := newStubManager(time.Minute)

	sess, err := m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.closeAll()
	if n := m.count(); n != 0 {
		t.Errorf("expected 0 sessions, got %d", n)
	}
	if sess.client.Connected() {
		t.Error("expected underlying client closed")
	}
	m.closeAll() // second call is a no-op
}

func TestSessionManager_ConcurrentAcquireSingleDial(t *testing.T) {
	m, dials := newStubManager(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.acquire(context.Background(), "user-1", models.ProviderTickets, stubDef(models.ProviderTickets)) //nolint:errcheck
		}()
	}
	wg.Wait()

	if dials.Load() != 1 {
		t.Errorf("expected a single dial under contention, got %d", dials.Load())
	}
}
