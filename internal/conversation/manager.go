package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/store"
)

// Manager hands out one controller per peer and tears them all down on
// shutdown. Opening an already-open conversation returns the existing
// controller.
type Manager struct {
	db        *store.DB
	bus       *bus.Bus
	transport Transport
	historian Historian
	guard     *Guard
	selfID    int64
	logger    *zap.Logger

	mu   sync.Mutex
	open map[int64]*Controller
}

func NewManager(db *store.DB, b *bus.Bus, t Transport, h Historian, guard *Guard, selfID int64, logger *zap.Logger) *Manager {
	return &Manager{
		db:        db,
		bus:       b,
		transport: t,
		historian: h,
		guard:     guard,
		selfID:    selfID,
		logger:    logger,
		open:      make(map[int64]*Controller),
	}
}

// Open returns the controller for the peer, opening it if needed.
func (m *Manager) Open(ctx context.Context, peerID int64) (*Controller, error) {
	m.mu.Lock()
	if c, ok := m.open[peerID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c := NewController(m.db, m.bus, m.transport, m.historian, m.guard, m.selfID, peerID, m.logger)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.open[peerID]; ok {
		// Lost the race to a concurrent Open for the same peer.
		go c.Close(context.Background())
		return existing, nil
	}
	m.open[peerID] = c
	return c, nil
}

// Close tears down the conversation with the peer, if open.
func (m *Manager) Close(ctx context.Context, peerID int64) {
	m.mu.Lock()
	c, ok := m.open[peerID]
	delete(m.open, peerID)
	m.mu.Unlock()
	if ok {
		c.Close(ctx)
	}
}

// CloseAll tears down every open conversation.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.open))
	for _, c := range m.open {
		controllers = append(controllers, c)
	}
	m.open = make(map[int64]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.Close(ctx)
	}
}
