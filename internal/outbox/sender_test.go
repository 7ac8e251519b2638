package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/status"
	"github.com/pairloop/chatsync/internal/store"
	"github.com/pairloop/chatsync/internal/transport"
	"github.com/pairloop/chatsync/internal/wire"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chatsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// fakeTransport acks every send with a fixed chat id, or fails with err.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []wire.MessagePayload
	chatID int64
	err    error
}

func (f *fakeTransport) SendMessage(_ context.Context, p wire.MessagePayload) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, p)
	return f.chatID, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func startSender(t *testing.T, db *store.DB, ft *fakeTransport, b *bus.Bus) *status.Machine {
	t.Helper()
	machine := status.NewMachine(nil)
	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := machine.Transition(status.Connected); err != nil {
		t.Fatalf("transition: %v", err)
	}

	s := NewSender(db, ft, machine, b, zap.NewNop())
	s.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	return machine
}

func waitForKind(t *testing.T, events <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestDrainSendsQueuedEntryAndPublishesAck(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe("message.", 16)
	defer unsub()

	if err := db.QueueOutbox(&store.OutboxEntry{
		ClientID: "c1", SenderID: 10, ReceiverID: 20,
		Type: wire.KindText, Body: "hi",
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	ft := &fakeTransport{chatID: 42}
	startSender(t, db, ft, b)

	ev := waitForKind(t, events, "message.send_ack")
	ack := ev.Payload.(*Ack)
	if ack.ClientID != "c1" || ack.ChatID != 42 {
		t.Fatalf("ack = %+v", ack)
	}

	entries := outboxByStatus(t, db, store.OutboxSent)
	if len(entries) != 1 || entries[0].ChatID != 42 {
		t.Fatalf("sent entries = %+v", entries)
	}
}

func TestBurstIntoNewConversationAdoptsOneChatID(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe("message.", 16)
	defer unsub()

	// Three sends queued before any ack: all unassigned.
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := db.QueueOutbox(&store.OutboxEntry{
			ClientID: id, SenderID: 10, ReceiverID: 20,
			Type: wire.KindText, Body: id,
		}); err != nil {
			t.Fatalf("queue %s: %v", id, err)
		}
	}

	ft := &fakeTransport{chatID: 42}
	startSender(t, db, ft, b)

	for i := 0; i < 3; i++ {
		waitForKind(t, events, "message.send_ack")
	}

	// The first ack stamps 42 onto the rest, so the later frames carry it.
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(ft.sent))
	}
	if ft.sent[0].ChatID != wire.UnassignedChat {
		t.Fatalf("first frame chat id = %d, want unassigned", ft.sent[0].ChatID)
	}
	for _, p := range ft.sent[1:] {
		if p.ChatID != 42 {
			t.Fatalf("later frame chat id = %d, want 42", p.ChatID)
		}
	}
}

func TestAckTimeoutParksEntryWithoutRetry(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe("message.", 16)
	defer unsub()

	if err := db.QueueOutbox(&store.OutboxEntry{
		ClientID: "c1", SenderID: 10, ReceiverID: 20,
		Type: wire.KindText, Body: "hi",
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	ft := &fakeTransport{err: transport.ErrAckTimeout}
	startSender(t, db, ft, b)

	ev := waitForKind(t, events, "message.send_unconfirmed")
	if got := ev.Payload.(*Unconfirmed); got.ClientID != "c1" {
		t.Fatalf("unconfirmed = %+v", got)
	}

	// Several drain ticks later the entry must still be parked.
	time.Sleep(100 * time.Millisecond)
	if n := len(outboxByStatus(t, db, store.OutboxUnconfirmed)); n != 1 {
		t.Fatalf("unconfirmed entries = %d, want 1", n)
	}
	if got := ft.sentCount(); got != 0 {
		t.Fatalf("transport saw %d successful sends, want 0", got)
	}
}

func TestDisconnectedSenderLeavesQueueAlone(t *testing.T) {
	db := testDB(t)
	b := bus.New()

	if err := db.QueueOutbox(&store.OutboxEntry{
		ClientID: "c1", SenderID: 10, ReceiverID: 20,
		Type: wire.KindText, Body: "hi",
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	ft := &fakeTransport{chatID: 42}
	machine := status.NewMachine(nil)

	s := NewSender(db, ft, machine, b, zap.NewNop())
	s.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})

	time.Sleep(100 * time.Millisecond)
	if got := ft.sentCount(); got != 0 {
		t.Fatalf("sent %d frames while disconnected, want 0", got)
	}
	if n := len(outboxByStatus(t, db, store.OutboxQueued)); n != 1 {
		t.Fatalf("queued entries = %d, want 1", n)
	}
}

func outboxByStatus(t *testing.T, db *store.DB, state string) []store.OutboxEntry {
	t.Helper()
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, sender_id, receiver_id, type, message, file, status, error_message
		FROM outbox WHERE status = ?`, state)
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	defer rows.Close()
	var entries []store.OutboxEntry
	for rows.Next() {
		var e store.OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ChatID, &e.SenderID, &e.ReceiverID,
			&e.Type, &e.Body, &e.File, &e.Status, &e.ErrorMessage); err != nil {
			t.Fatalf("scan outbox: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}
