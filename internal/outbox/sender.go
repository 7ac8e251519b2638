// Package outbox drains queued sends over the transport, one at a time, and
// records what the server acknowledged.
package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/status"
	"github.com/pairloop/chatsync/internal/store"
	"github.com/pairloop/chatsync/internal/transport"
	"github.com/pairloop/chatsync/internal/wire"
)

const drainInterval = 500 * time.Millisecond

// Transport is the slice of the session the sender needs. SendMessage blocks
// until the server acks with a chat id or the ack window expires.
type Transport interface {
	SendMessage(ctx context.Context, p wire.MessagePayload) (int64, error)
}

// Ack is the payload of "message.send_ack" events.
type Ack struct {
	ClientID   string
	ChatID     int64
	SenderID   int64
	ReceiverID int64
}

// Unconfirmed is the payload of "message.send_unconfirmed" events.
type Unconfirmed struct {
	ClientID string
	Reason   string
}

// Sender is the single send path. Draining is strictly serial: each entry
// waits for its ack (or times out) before the next is attempted, so a burst
// of sends into a brand-new conversation yields exactly one server-assigned
// chat id. An entry whose ack never arrives is parked as unconfirmed and
// never retried automatically.
type Sender struct {
	db        *store.DB
	transport Transport
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger

	interval time.Duration
	done     chan struct{}
}

func NewSender(db *store.DB, t Transport, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:        db,
		transport: t,
		machine:   machine,
		bus:       b,
		logger:    logger.Named("outbox"),
		interval:  drainInterval,
		done:      make(chan struct{}),
	}
}

// Start launches the drain loop until ctx is cancelled.
func (s *Sender) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Wait blocks until the drain loop has exited.
func (s *Sender) Wait() {
	<-s.done
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) drain(ctx context.Context) {
	if s.machine.Current() != status.Connected {
		return
	}
	entries, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("outbox read failed", zap.Error(err))
		return
	}
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		acked := s.sendOne(ctx, &entries[i])
		if acked == wire.UnassignedChat {
			continue
		}
		// Later entries in this pass were read before the ack landed;
		// stamp the assigned id so they don't open a second chat.
		for j := i + 1; j < len(entries); j++ {
			if entries[j].ChatID == wire.UnassignedChat &&
				entries[j].SenderID == entries[i].SenderID &&
				entries[j].ReceiverID == entries[i].ReceiverID {
				entries[j].ChatID = acked
			}
		}
	}
}

// sendOne attempts a single entry and returns the acked chat id, or the
// unassigned sentinel when no ack was obtained.
func (s *Sender) sendOne(ctx context.Context, e *store.OutboxEntry) int64 {
	if err := s.db.MarkOutboxSending(e.ClientID); err != nil {
		s.logger.Error("mark sending failed", zap.String("client_id", e.ClientID), zap.Error(err))
		return wire.UnassignedChat
	}

	chatID, err := s.transport.SendMessage(ctx, wire.MessagePayload{
		ClientID:   e.ClientID,
		Type:       e.Type,
		SenderID:   e.SenderID,
		ReceiverID: e.ReceiverID,
		ChatID:     e.ChatID,
		Message:    e.Body,
		File:       e.File,
	})
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			// The socket dropped mid-drain. Requeue and let the next
			// tick retry after reconnect.
			if qerr := s.db.RequeueOutbox(e.ClientID); qerr != nil {
				s.logger.Error("requeue failed", zap.String("client_id", e.ClientID), zap.Error(qerr))
			}
			return wire.UnassignedChat
		}
		s.logger.Warn("send unconfirmed",
			zap.String("client_id", e.ClientID),
			zap.Error(err))
		if merr := s.db.MarkOutboxUnconfirmed(e.ClientID, err.Error()); merr != nil {
			s.logger.Error("mark unconfirmed failed", zap.String("client_id", e.ClientID), zap.Error(merr))
		}
		s.bus.Publish(bus.Event{
			Kind:      "message.send_unconfirmed",
			Timestamp: time.Now(),
			Payload:   &Unconfirmed{ClientID: e.ClientID, Reason: err.Error()},
		})
		return wire.UnassignedChat
	}

	if err := s.db.MarkOutboxSent(e.ClientID, chatID); err != nil {
		s.logger.Error("mark sent failed", zap.String("client_id", e.ClientID), zap.Error(err))
	}
	if e.ChatID == wire.UnassignedChat {
		// First ack for a new conversation: stamp the assigned id onto
		// every queued entry for the same pair.
		if err := s.db.AssignOutboxChat(e.SenderID, e.ReceiverID, chatID); err != nil {
			s.logger.Error("chat assignment failed", zap.Int64("chat", chatID), zap.Error(err))
		}
	}
	s.bus.Publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: time.Now(),
		Payload: &Ack{
			ClientID:   e.ClientID,
			ChatID:     chatID,
			SenderID:   e.SenderID,
			ReceiverID: e.ReceiverID,
		},
	})
	return chatID
}
