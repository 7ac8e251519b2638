// Package conversation owns the lifecycle of a single open conversation:
// history load, room membership, optimistic sends, chat-identifier
// promotion, seen batches, and typing edges.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/outbox"
	"github.com/pairloop/chatsync/internal/presence"
	"github.com/pairloop/chatsync/internal/store"
	"github.com/pairloop/chatsync/internal/wire"
)

const (
	tickInterval = 1 * time.Second
	quietWindow  = 1 * time.Second
)

// Transport is the slice of the session the controller drives directly.
// Message sends go through the outbox instead.
type Transport interface {
	Join(ctx context.Context, room string, senderID, receiverID int64) error
	SendTyping(ctx context.Context, p wire.TypingPayload) error
	SendSeen(ctx context.Context, p wire.SeenPayload) error
	CheckOnline(ctx context.Context, senderID, receiverID int64) error
	AnnounceOnline(ctx context.Context, senderID, receiverID int64) error
	AnnounceOffline(ctx context.Context, senderID, receiverID int64) error
	Destroy(ctx context.Context, room string) error
}

// Historian loads server-side message history for an assigned chat.
type Historian interface {
	History(ctx context.Context, chatID int64) ([]store.Message, error)
}

// Controller is the single logical owner of an open conversation. All
// mutation is serialized behind one mutex. The visible message sequence is
// history (loaded once at open) followed by live appends; it is never
// re-sorted or de-duplicated.
type Controller struct {
	db        *store.DB
	bus       *bus.Bus
	transport Transport
	historian Historian
	guard     *Guard
	presence  *presence.Tracker
	logger    *zap.Logger

	selfID int64
	peerID int64
	room   string

	mu          sync.Mutex
	chatID      int64
	history     []store.Message
	live        []store.Message
	unconfirmed map[string]string
	opened      bool
	typing      bool
	typingTimer *time.Timer

	tick   time.Duration
	quiet  time.Duration
	cancel context.CancelFunc
	unsub  func()
	done   chan struct{}
}

func NewController(db *store.DB, b *bus.Bus, t Transport, h Historian, guard *Guard, selfID, peerID int64, logger *zap.Logger) *Controller {
	return &Controller{
		db:          db,
		bus:         b,
		transport:   t,
		historian:   h,
		guard:       guard,
		presence:    presence.NewTracker(),
		logger:      logger.Named("conversation"),
		selfID:      selfID,
		peerID:      peerID,
		room:        wire.Room(selfID, peerID),
		unconfirmed: make(map[string]string),
		tick:        tickInterval,
		quiet:       quietWindow,
	}
}

// Open loads history, joins the conversation room, resets presence and
// starts the periodic seen/presence probe. History prefers the server and
// falls back to the local cache when the fetch fails.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return fmt.Errorf("conversation with %d already open", c.peerID)
	}
	c.opened = true
	c.chatID = c.resolveChatID()
	chatID := c.chatID
	c.mu.Unlock()

	history := c.loadHistory(ctx, chatID)

	c.presence.Reset()

	if err := c.transport.Join(ctx, c.room, c.selfID, c.peerID); err != nil {
		c.logger.Warn("room join failed", zap.String("room", c.room), zap.Error(err))
	}
	if err := c.transport.AnnounceOnline(ctx, c.selfID, c.peerID); err != nil {
		c.logger.Warn("online announce failed", zap.Error(err))
	}

	events, unsub := c.bus.Subscribe("", 64)
	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.history = history
	c.unsub = unsub
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(loopCtx, events)
	return nil
}

// resolveChatID prefers the cached chat row and falls back to a promotion
// this process already completed but has not persisted through a roster
// refresh yet.
func (c *Controller) resolveChatID() int64 {
	chat, err := c.db.FindChatByPair(c.selfID, c.peerID)
	if err != nil {
		c.logger.Warn("chat lookup failed", zap.Error(err))
	}
	if chat != nil {
		return chat.ID
	}
	return c.guard.Resolved(c.selfID, c.peerID)
}

// loadHistory never fails: a dead server falls back to the cache, and a
// broken cache still leaves the conversation renderable with zero history.
func (c *Controller) loadHistory(ctx context.Context, chatID int64) []store.Message {
	if chatID == wire.UnassignedChat {
		return nil
	}
	msgs, err := c.historian.History(ctx, chatID)
	if err != nil {
		c.logger.Warn("history fetch failed, using cache", zap.Int64("chat", chatID), zap.Error(err))
		cached, cerr := c.db.ListMessages(chatID)
		if cerr != nil {
			c.logger.Error("history cache read failed", zap.Int64("chat", chatID), zap.Error(cerr))
			return nil
		}
		return cached
	}
	if err := c.db.UpsertMessages(chatID, msgs); err != nil {
		c.logger.Warn("history cache write failed", zap.Int64("chat", chatID), zap.Error(err))
	}
	return msgs
}

func (c *Controller) loop(ctx context.Context, events <-chan bus.Event) {
	defer close(c.done)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case ev := <-events:
			c.handle(ctx, ev)
		case <-ticker.C:
			c.onTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case "transport.typing":
		p := ev.Payload.(*wire.TypingPayload)
		if p.SenderID == c.peerID {
			c.presence.SetTyping(p.Typing)
		}
	case "transport.presence":
		p := ev.Payload.(*wire.PresencePayload)
		if p.SenderID == c.peerID {
			c.presence.SetOnline(p.Online)
		}
	case "message.upserted":
		m := ev.Payload.(*store.Message)
		c.appendPeerMessage(m)
	case "message.send_ack":
		a := ev.Payload.(*outbox.Ack)
		if a.SenderID == c.selfID && a.ReceiverID == c.peerID {
			c.onAck(a)
		}
	case "message.send_unconfirmed":
		u := ev.Payload.(*outbox.Unconfirmed)
		c.mu.Lock()
		c.unconfirmed[u.ClientID] = u.Reason
		c.mu.Unlock()
	case "chat.seen":
		p := ev.Payload.(*wire.SeenPayload)
		c.ApplySeen(p.ChatID)
	}
}

func (c *Controller) appendPeerMessage(m *store.Message) {
	c.mu.Lock()
	if m.SentBy != c.peerID {
		c.mu.Unlock()
		return
	}
	promoted := false
	if c.chatID == wire.UnassignedChat && m.ChatID != wire.UnassignedChat {
		// Peer spoke first: the delivered message carries the
		// server-assigned id, adopt it through the same promotion
		// compare-and-swap an outbox ack would use.
		chatID, won := c.guard.Resolve(c.selfID, c.peerID, m.ChatID)
		c.chatID = chatID
		promoted = won
		for i := range c.live {
			if c.live[i].ChatID == wire.UnassignedChat {
				c.live[i].ChatID = chatID
			}
		}
	}
	if c.chatID == wire.UnassignedChat || m.ChatID != c.chatID {
		c.mu.Unlock()
		return
	}
	c.live = append(c.live, *m)
	chatID := c.chatID
	c.mu.Unlock()

	if promoted {
		c.bus.Publish(bus.Event{
			Kind:      "chat.promoted",
			Timestamp: time.Now(),
			Payload:   &store.Chat{ID: chatID, SenderID: c.selfID, ReceiverID: c.peerID},
		})
		c.logger.Info("conversation promoted", zap.Int64("chat", chatID), zap.Int64("peer", c.peerID))
	}
}

// onAck runs the promotion compare-and-swap. Only the first ack for an
// unassigned conversation adopts the server chat id; later acks (and late
// acks from a previous open) reuse whatever the winner adopted.
func (c *Controller) onAck(a *outbox.Ack) {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	promoted := false
	if c.chatID == wire.UnassignedChat {
		chatID, won := c.guard.Resolve(c.selfID, c.peerID, a.ChatID)
		c.chatID = chatID
		promoted = won
		for i := range c.live {
			if c.live[i].ChatID == wire.UnassignedChat {
				c.live[i].ChatID = chatID
			}
		}
	}
	chatID := c.chatID
	var acked *store.Message
	for i := range c.live {
		if c.live[i].ID == a.ClientID {
			acked = &c.live[i]
			break
		}
	}
	c.mu.Unlock()

	if promoted {
		now := time.Now().UnixMilli()
		if err := c.db.UpsertChat(&store.Chat{
			ID:         chatID,
			SenderID:   c.selfID,
			ReceiverID: c.peerID,
			CreatedAt:  now,
		}); err != nil {
			c.logger.Error("promoted chat upsert failed", zap.Int64("chat", chatID), zap.Error(err))
		}
		c.bus.Publish(bus.Event{
			Kind:      "chat.promoted",
			Timestamp: time.Now(),
			Payload:   &store.Chat{ID: chatID, SenderID: c.selfID, ReceiverID: c.peerID},
		})
		c.logger.Info("conversation promoted", zap.Int64("chat", chatID), zap.Int64("peer", c.peerID))
	}

	if acked != nil {
		if err := c.db.UpsertMessages(chatID, []store.Message{*acked}); err != nil {
			c.logger.Error("acked message persist failed", zap.String("client_id", a.ClientID), zap.Error(err))
		}
		if err := c.db.SetLastMessage(chatID, acked, time.Now().UnixMilli()); err != nil {
			c.logger.Error("last message update failed", zap.Int64("chat", chatID), zap.Error(err))
		}
	}
}

// onTick probes peer presence and flushes a seen batch when unread peer
// messages are pending.
func (c *Controller) onTick(ctx context.Context) {
	if err := c.transport.CheckOnline(ctx, c.selfID, c.peerID); err != nil {
		c.logger.Debug("presence probe failed", zap.Error(err))
	}

	c.mu.Lock()
	chatID := c.chatID
	unread := false
	for i := range c.history {
		if c.history[i].SentBy == c.peerID && !c.history[i].IsSeen {
			unread = true
			break
		}
	}
	for i := range c.live {
		if unread {
			break
		}
		if c.live[i].SentBy == c.peerID && !c.live[i].IsSeen {
			unread = true
		}
	}
	c.mu.Unlock()
	if chatID == wire.UnassignedChat {
		return
	}
	if !unread {
		// The visible sequence may lag the cache when ingestion ran
		// while no conversation was open; the counter covers that.
		chat, err := c.db.GetChat(chatID)
		if err != nil || chat == nil || chat.UnseenCount == 0 {
			return
		}
	}

	if err := c.db.MarkMessagesSeen(chatID, c.peerID); err != nil {
		c.logger.Error("seen batch write failed", zap.Int64("chat", chatID), zap.Error(err))
		return
	}
	if err := c.db.ResetUnseen(chatID); err != nil {
		c.logger.Error("unseen reset failed", zap.Int64("chat", chatID), zap.Error(err))
	}
	c.mu.Lock()
	for i := range c.history {
		if c.history[i].SentBy == c.peerID {
			c.history[i].IsSeen = true
		}
	}
	for i := range c.live {
		if c.live[i].SentBy == c.peerID {
			c.live[i].IsSeen = true
		}
	}
	c.mu.Unlock()
	if err := c.transport.SendSeen(ctx, wire.SeenPayload{
		ChatID:     chatID,
		SenderID:   c.selfID,
		ReceiverID: c.peerID,
	}); err != nil {
		c.logger.Warn("seen emit failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}

// Send appends an optimistic message and queues it for delivery. The
// message appears immediately; confirmation arrives asynchronously through
// the outbox ack.
func (c *Controller) Send(kind, body, file string) (store.Message, error) {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return store.Message{}, fmt.Errorf("conversation with %d not open", c.peerID)
	}
	msg := store.Message{
		ID:     uuid.NewString(),
		ChatID: c.chatID,
		SentBy: c.selfID,
		Type:   kind,
		Body:   body,
		File:   file,
	}
	c.live = append(c.live, msg)
	chatID := c.chatID
	c.mu.Unlock()

	if chatID == wire.UnassignedChat {
		c.guard.Begin(c.selfID, c.peerID)
	}
	if err := c.db.QueueOutbox(&store.OutboxEntry{
		ClientID:   msg.ID,
		ChatID:     chatID,
		SenderID:   c.selfID,
		ReceiverID: c.peerID,
		Type:       kind,
		Body:       body,
		File:       file,
	}); err != nil {
		return store.Message{}, fmt.Errorf("queue message: %w", err)
	}
	return msg, nil
}

// UserTyped reports a keystroke. The first keystroke after idle emits
// typing:true; a single typing:false follows after one quiet window, and
// further keystrokes push that window out.
func (c *Controller) UserTyped(ctx context.Context) {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	first := !c.typing
	c.typing = true
	payload := wire.TypingPayload{
		ChatID:     c.chatID,
		SenderID:   c.selfID,
		ReceiverID: c.peerID,
		Typing:     true,
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.quiet, c.typingQuiet)
	c.mu.Unlock()

	// Fire-and-forget: the socket write never runs under the mutex.
	if first {
		if err := c.transport.SendTyping(ctx, payload); err != nil {
			c.logger.Debug("typing emit failed", zap.Error(err))
		}
	}
}

func (c *Controller) typingQuiet() {
	c.mu.Lock()
	if !c.typing || !c.opened {
		c.mu.Unlock()
		return
	}
	c.typing = false
	payload := wire.TypingPayload{
		ChatID:     c.chatID,
		SenderID:   c.selfID,
		ReceiverID: c.peerID,
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.transport.SendTyping(ctx, payload); err != nil {
		c.logger.Debug("typing emit failed", zap.Error(err))
	}
}

// ApplySeen flips the seen flag on every message this account sent in the
// chat, in the cache and in the visible sequence. Idempotent; other chats
// are untouched.
func (c *Controller) ApplySeen(chatID int64) {
	c.mu.Lock()
	if chatID == wire.UnassignedChat || chatID != c.chatID {
		c.mu.Unlock()
		return
	}
	for i := range c.history {
		if c.history[i].SentBy == c.selfID {
			c.history[i].IsSeen = true
		}
	}
	for i := range c.live {
		if c.live[i].SentBy == c.selfID {
			c.live[i].IsSeen = true
		}
	}
	c.mu.Unlock()
	if err := c.db.MarkMessagesSeen(chatID, c.selfID); err != nil {
		c.logger.Error("seen flip failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}

// Messages returns the visible sequence: history as loaded at open, then
// every live append in arrival order.
func (c *Controller) Messages() []store.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Message, 0, len(c.history)+len(c.live))
	out = append(out, c.history...)
	out = append(out, c.live...)
	return out
}

// ChatID returns the assigned chat id, or the unassigned sentinel.
func (c *Controller) ChatID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Presence exposes the peer's tracked online/typing state.
func (c *Controller) Presence() *presence.Tracker {
	return c.presence
}

// Unconfirmed reports messages whose ack never arrived, by client id.
func (c *Controller) Unconfirmed() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.unconfirmed))
	for k, v := range c.unconfirmed {
		out[k] = v
	}
	return out
}

// Close leaves the conversation: offline announcement, room teardown,
// timers stopped, bus detached. Acks that arrive after Close are handled by
// the outbox and a future open, never by this controller.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	cancel := c.cancel
	unsub := c.unsub
	done := c.done
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
		<-done
	}

	if err := c.transport.AnnounceOffline(ctx, c.selfID, c.peerID); err != nil {
		c.logger.Debug("offline announce failed", zap.Error(err))
	}
	if err := c.transport.Destroy(ctx, c.room); err != nil {
		c.logger.Debug("room teardown failed", zap.Error(err))
	}
}
