package roster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/rest"
	"github.com/pairloop/chatsync/internal/store"
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

func TestSnapshotEmptyOnFreshStore(t *testing.T) {
	db := testDB(t)
	a := NewAggregator(db, nil, bus.New(), zap.NewNop())
	if got := a.Snapshot(); len(got) != 0 {
		t.Fatalf("fresh snapshot = %d chats, want 0", len(got))
	}
}

func TestRefreshReplacesRosterAndPublishes(t *testing.T) {
	db := testDB(t)

	// A stale cached chat that no longer exists server-side.
	if err := db.UpsertChat(&store.Chat{ID: 99, SenderID: 10, ReceiverID: 30}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"chats": []map[string]any{
				{"id": 7, "sender_id": 10, "receiver_id": 20, "unseen_count": 2},
			},
			"users": []map[string]any{
				{"id": 20, "first_name": "Ada"},
				{"id": 30, "first_name": "Grace"},
			},
		})
	}))
	defer srv.Close()

	b := bus.New()
	events, unsub := b.Subscribe("roster.", 4)
	defer unsub()

	a := NewAggregator(db, rest.NewClient(srv.URL, "tok"), b, zap.NewNop())
	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	chats := a.Snapshot()
	if len(chats) != 1 || chats[0].ID != 7 {
		t.Fatalf("snapshot = %+v, want single chat 7", chats)
	}
	if chats[0].UnseenCount != 2 {
		t.Fatalf("unseen = %d, want 2", chats[0].UnseenCount)
	}

	select {
	case ev := <-events:
		if ev.Kind != "roster.updated" {
			t.Fatalf("event = %s, want roster.updated", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("roster.updated never published")
	}
}

func TestCandidatesExcludeSelfAndExistingChats(t *testing.T) {
	db := testDB(t)
	for _, u := range []store.User{{ID: 10}, {ID: 20}, {ID: 30}} {
		u := u
		if err := db.UpsertUser(&u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	if err := db.UpsertChat(&store.Chat{ID: 7, SenderID: 10, ReceiverID: 20}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}

	a := NewAggregator(db, nil, bus.New(), zap.NewNop())
	got := a.Candidates(10)
	if len(got) != 1 || got[0].ID != 30 {
		t.Fatalf("candidates = %+v, want only user 30", got)
	}
}
