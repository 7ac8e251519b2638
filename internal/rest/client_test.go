package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/501/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"a","chat_id":501,"sent_by":10,"type":"text","message":"hi","is_seen":true},
			{"id":"b","chat_id":501,"sent_by":20,"type":"image","file":"data:image/png;base64,AA"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msgs, err := c.History(context.Background(), 501)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "hi" || !msgs[0].IsSeen {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Type != "image" || msgs[1].File == "" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestConversationList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"chats":[{"id":7,"sender_id":10,"receiver_id":20,"unseen_count":1,
				"last_message":{"id":"m","type":"text","message":"yo"},
				"receiver":{"id":20,"first_name":"Bea","photos":[{"id":1,"user_id":20,"file":"f"}]}}],
			"users":[{"id":30,"first_name":"Cal"}]
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	chats, users, err := c.ConversationList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != 7 {
		t.Fatalf("chats = %+v", chats)
	}
	if chats[0].LastMessage == nil || chats[0].LastMessage.Body != "yo" {
		t.Errorf("last message = %+v", chats[0].LastMessage)
	}
	if chats[0].Receiver == nil || len(chats[0].Receiver.Photos) != 1 {
		t.Errorf("receiver = %+v", chats[0].Receiver)
	}
	if len(users) != 1 || users[0].FirstName != "Cal" {
		t.Errorf("users = %+v", users)
	}
}

func TestHTTPErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if _, err := c.History(context.Background(), 1); err == nil {
		t.Error("expected error on HTTP 403")
	}
}
