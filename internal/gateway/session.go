package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/crossquery/internal/connector"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// session is one live connector client bound to a (principal, provider)
// pair. Sessions are never shared across principals.
type session struct {
	provider  models.ProviderID
	principal string
	client    *connector.Client
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
}

func (s *session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

func (s *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}

// sessionSlot serializes create/validate per key so two callers racing on a
// cold session spawn one connector process, not two.
type sessionSlot struct {
	mu   sync.Mutex
	sess *session
}

type sessionManager struct {
	logger  *observability.Logger
	idle    time.Duration
	nowFunc func() time.Time
	dial    func(ctx context.Context, def *connector.Definition) (*connector.Client, error)

	mu    sync.Mutex
	slots map[string]*sessionSlot
}

func newSessionManager(idle time.Duration, logger *observability.Logger) *sessionManager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	m := &sessionManager{
		logger:  logger,
		idle:    idle,
		nowFunc: time.Now,
		slots:   make(map[string]*sessionSlot),
	}
	m.dial = func(ctx context.Context, def *connector.Definition) (*connector.Client, error) {
		client := connector.NewClient(def, m.logger)
		if err := client.Connect(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
	return m
}

func sessionKey(principal string, provider models.ProviderID) string {
	return principal + "\x00" + string(provider)
}

func (m *sessionManager) slot(key string) *sessionSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &sessionSlot{}
		m.slots[key] = s
	}
	return s
}

// acquire returns a live session for the pair, creating or replacing one as
// needed. def must already carry the principal's credentials.
func (m *sessionManager) acquire(ctx context.Context, principal string, provider models.ProviderID, def *connector.Definition) (*session, error) {
	key := sessionKey(principal, provider)
	slot := m.slot(key)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	now := m.nowFunc()
	if s := slot.sess; s != nil {
		if s.client.Connected() && s.idleSince(now) < m.idle {
			s.touch(now)
			return s, nil
		}
		s.client.Close()
		slot.sess = nil
	}

	client, err := m.dial(ctx, def)
	if err != nil {
		return nil, err
	}

	s := &session{
		provider:  provider,
		principal: principal,
		client:    client,
		createdAt: now,
	}
	s.touch(now)
	slot.sess = s

	m.logger.Debug(ctx, "provider session opened",
		"provider", provider,
		"principal", models.RedactPrincipal(principal))
	return s, nil
}

// sweepIdle closes sessions whose last use is older than the idle age and
// reports how many it closed.
func (m *sessionManager) sweepIdle() int {
	now := m.nowFunc()

	m.mu.Lock()
	slots := make(map[string]*sessionSlot, len(m.slots))
	for k, s := range m.slots {
		slots[k] = s
	}
	m.mu.Unlock()

	closed := 0
	for key, slot := range slots {
		slot.mu.Lock()
		if s := slot.sess; s != nil && s.idleSince(now) >= m.idle {
			s.client.Close()
			slot.sess = nil
			closed++
		}
		empty := slot.sess == nil
		slot.mu.Unlock()

		if empty {
			m.mu.Lock()
			if cur, ok := m.slots[key]; ok && cur == slot && cur.sess == nil {
				delete(m.slots, key)
			}
			m.mu.Unlock()
		}
	}
	return closed
}

// evictProvider drops every session for one provider. Called when the
// provider's circuit opens so a stale handle does not outlive the failure.
func (m *sessionManager) evictProvider(provider models.ProviderID) int {
	m.mu.Lock()
	matched := make([]*sessionSlot, 0, 4)
	for key, slot := range m.slots {
		if keyProvider(key) == provider {
			matched = append(matched, slot)
			delete(m.slots, key)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, slot := range matched {
		slot.mu.Lock()
		if slot.sess != nil {
			slot.sess.client.Close()
			slot.sess = nil
			closed++
		}
		slot.mu.Unlock()
	}
	return closed
}

func keyProvider(key string) models.ProviderID {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return models.ProviderID(key[i+1:])
		}
	}
	return ""
}

// closeAll tears down every session. Safe to call more than once.
func (m *sessionManager) closeAll() {
	m.mu.Lock()
	slots := m.slots
	m.slots = make(map[string]*sessionSlot)
	m.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		if slot.sess != nil {
			slot.sess.client.Close()
			slot.sess = nil
		}
		slot.mu.Unlock()
	}
}

// count reports live sessions, for stats and tests.
func (m *sessionManager) count() int {
	m.mu.Lock()
	slots := make([]*sessionSlot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	n := 0
	for _, slot := range slots {
		slot.mu.Lock()
		if slot.sess != nil {
			n++
		}
		slot.mu.Unlock()
	}
	return n
}
