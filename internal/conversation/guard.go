package conversation

import (
	"sync"

	"github.com/pairloop/chatsync/internal/wire"
)

// Guard serializes chat-identifier promotion per participant pair across the
// whole process. A conversation closed and reopened before its first ack
// resolves re-attaches to the same in-flight creation instead of racing a
// second one, and of N concurrent acks exactly one wins the promotion.
type Guard struct {
	mu      sync.Mutex
	pending map[string]*promotion
}

type promotion struct {
	chatID int64 // unassigned until resolved
}

func NewGuard() *Guard {
	return &Guard{pending: make(map[string]*promotion)}
}

// Begin registers a pending creation for the pair. Re-attaching to an
// existing pending or resolved promotion is a no-op.
func (g *Guard) Begin(a, b int64) {
	key := wire.Room(a, b)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[key]; !ok {
		g.pending[key] = &promotion{chatID: wire.UnassignedChat}
	}
}

// Resolve records the server-assigned chat id for the pair. The first call
// wins and returns (chatID, true); every later call returns the id the
// winner adopted and false, regardless of what the server said afterwards.
func (g *Guard) Resolve(a, b, chatID int64) (int64, bool) {
	key := wire.Room(a, b)
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[key]
	if !ok {
		p = &promotion{chatID: wire.UnassignedChat}
		g.pending[key] = p
	}
	if p.chatID != wire.UnassignedChat {
		return p.chatID, false
	}
	p.chatID = chatID
	return chatID, true
}

// Resolved returns the adopted chat id for the pair, or the unassigned
// sentinel when no promotion has completed.
func (g *Guard) Resolved(a, b int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[wire.Room(a, b)]; ok {
		return p.chatID
	}
	return wire.UnassignedChat
}
