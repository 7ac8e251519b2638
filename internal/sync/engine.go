// Package sync applies inbound transport events to the local store so the
// cache stays correct whether or not a conversation is open on screen.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/store"
	"github.com/pairloop/chatsync/internal/wire"
)

// Engine subscribes to decoded transport events and ingests them into the
// store. Ingestion is idempotent: a message delivered twice lands once.
// After each write the engine republishes a store-level event so open
// conversation views can update without re-reading the database.
type Engine struct {
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
	accountID int64

	unsub func()
	done  chan struct{}
}

func NewEngine(db *store.DB, b *bus.Bus, accountID int64, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		bus:       b,
		logger:    logger.Named("sync"),
		accountID: accountID,
	}
}

// Start begins consuming transport events until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	events, unsub := e.bus.Subscribe("transport.", 64)
	e.unsub = unsub
	e.done = make(chan struct{})
	go e.loop(ctx, events)
}

// Stop detaches from the bus and waits for the loop to drain.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	if e.done != nil {
		<-e.done
	}
}

func (e *Engine) loop(ctx context.Context, events <-chan bus.Event) {
	defer close(e.done)
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case "transport.received_message":
				e.ingestMessage(ev.Payload.(*wire.MessagePayload))
			case "transport.seen":
				e.applySeen(ev.Payload.(*wire.SeenPayload))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) ingestMessage(p *wire.MessagePayload) {
	if p.ChatID == wire.UnassignedChat {
		// Delivered messages always carry a server-assigned chat id.
		e.logger.Warn("dropping delivered message without chat id",
			zap.Int64("sender", p.SenderID))
		return
	}

	now := time.Now().UnixMilli()
	if err := e.db.EnsureChat(p.ChatID, p.SenderID, p.ReceiverID, now); err != nil {
		e.logger.Error("ensure chat failed", zap.Int64("chat", p.ChatID), zap.Error(err))
		return
	}

	id := p.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	msg := store.Message{
		ID:     id,
		ChatID: p.ChatID,
		SentBy: p.SenderID,
		Type:   p.Type,
		Body:   p.Message,
		File:   p.File,
		IsSeen: p.IsSeen,
	}
	if err := e.db.UpsertMessages(p.ChatID, []store.Message{msg}); err != nil {
		e.logger.Error("message upsert failed", zap.Int64("chat", p.ChatID), zap.Error(err))
		return
	}
	if err := e.db.SetLastMessage(p.ChatID, &msg, now); err != nil {
		e.logger.Error("last message update failed", zap.Int64("chat", p.ChatID), zap.Error(err))
	}
	if p.SenderID != e.accountID {
		if err := e.db.IncrementUnseen(p.ChatID); err != nil {
			e.logger.Error("unseen bump failed", zap.Int64("chat", p.ChatID), zap.Error(err))
		}
	}

	e.bus.Publish(bus.Event{Kind: "message.upserted", Timestamp: time.Now(), Payload: &msg})
}

// applySeen flips every message this account sent in the chat to seen.
// The peer's seen event covers the whole conversation, not a message range.
func (e *Engine) applySeen(p *wire.SeenPayload) {
	if err := e.db.MarkMessagesSeen(p.ChatID, e.accountID); err != nil {
		e.logger.Error("seen apply failed", zap.Int64("chat", p.ChatID), zap.Error(err))
		return
	}
	e.bus.Publish(bus.Event{Kind: "chat.seen", Timestamp: time.Now(), Payload: p})
}
