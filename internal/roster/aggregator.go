// Package roster keeps the local conversation list in step with the server
// and exposes it for display even when the server is unreachable.
package roster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/rest"
	"github.com/pairloop/chatsync/internal/store"
)

// Aggregator merges the cached conversation list with server refreshes.
// Reads never fail: a broken store yields an empty roster, because the
// caller is a display surface that has nothing useful to do with an error.
type Aggregator struct {
	db     *store.DB
	client *rest.Client
	bus    *bus.Bus
	logger *zap.Logger
}

func NewAggregator(db *store.DB, client *rest.Client, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		db:     db,
		client: client,
		bus:    b,
		logger: logger.Named("roster"),
	}
}

// Snapshot returns the cached conversation list, newest first.
func (a *Aggregator) Snapshot() []store.Chat {
	chats, err := a.db.ListChats()
	if err != nil {
		a.logger.Warn("roster read failed", zap.Error(err))
		return nil
	}
	return chats
}

// Candidates returns users that can start a new conversation: every known
// contact without an existing chat against the local account.
func (a *Aggregator) Candidates(selfID int64) []store.User {
	users, err := a.db.ListUsers()
	if err != nil {
		a.logger.Warn("candidate read failed", zap.Error(err))
		return nil
	}
	out := make([]store.User, 0, len(users))
	for _, u := range users {
		if u.ID == selfID {
			continue
		}
		chat, err := a.db.FindChatByPair(selfID, u.ID)
		if err != nil {
			a.logger.Warn("candidate lookup failed", zap.Int64("user", u.ID), zap.Error(err))
			continue
		}
		if chat == nil {
			out = append(out, u)
		}
	}
	return out
}

// Refresh pulls the authoritative conversation list from the server and
// replaces the cached roster with it. Cached per-conversation message
// history is left untouched. On success a "roster.updated" event is
// published with the fresh list.
func (a *Aggregator) Refresh(ctx context.Context) error {
	chats, users, err := a.client.ConversationList(ctx)
	if err != nil {
		return fmt.Errorf("refresh roster: %w", err)
	}
	for i := range users {
		if err := a.db.UpsertUser(&users[i]); err != nil {
			return fmt.Errorf("refresh roster: %w", err)
		}
	}
	if err := a.db.ReplaceChats(chats); err != nil {
		return fmt.Errorf("refresh roster: %w", err)
	}
	a.logger.Info("roster refreshed", zap.Int("chats", len(chats)), zap.Int("users", len(users)))
	a.bus.Publish(bus.Event{Kind: "roster.updated", Timestamp: time.Now(), Payload: chats})
	return nil
}
