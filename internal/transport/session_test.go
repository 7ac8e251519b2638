package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/status"
	"github.com/pairloop/chatsync/internal/wire"
)

func newTestServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(t *testing.T, url string, opts ...Option) (*Session, *bus.Bus) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	opts = append([]Option{
		WithAckTimeout(2 * time.Second),
		WithBackoff(20*time.Millisecond, 100*time.Millisecond),
	}, opts...)
	s := NewSession(url, "", b, machine, zap.NewNop(), opts...)
	t.Cleanup(s.Close)
	return s, b
}

// readEnvelope and writeEvent run on server handler goroutines, so they
// report errors instead of failing the test directly.
func readEnvelope(ctx context.Context, conn *websocket.Conn) (wire.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return wire.Envelope{}, err
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.Envelope{}, err
	}
	return env, nil
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event string, payload any) {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func waitForState(t *testing.T, events <-chan bus.Event, want status.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != "transport.status_changed" {
				continue
			}
			if ev.Payload.(status.StatusChange).To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestSendMessageWaitsForAck(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			env, err := readEnvelope(ctx, conn)
			if err != nil {
				return
			}
			if env.Event != wire.EventSendMessage {
				continue
			}
			var p wire.MessagePayload
			if json.Unmarshal(env.Data, &p) != nil {
				return
			}
			writeEvent(ctx, conn, wire.EventMessageAck, wire.AckPayload{
				ClientID: p.ClientID,
				ChatID:   42,
			})
		}
	})

	s, b := newTestSession(t, srv.URL)
	events, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	s.Start(context.Background())
	waitForState(t, events, status.Connected)

	chatID, err := s.SendMessage(context.Background(), wire.MessagePayload{
		ClientID:   "abc-123",
		Type:       wire.KindText,
		SenderID:   10,
		ReceiverID: 20,
		Message:    "hi",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if chatID != 42 {
		t.Fatalf("chat id = %d, want 42", chatID)
	}
}

func TestSendMessageAckTimeout(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// Swallow everything, never ack.
		for {
			if _, err := readEnvelope(ctx, conn); err != nil {
				return
			}
		}
	})

	s, b := newTestSession(t, srv.URL, WithAckTimeout(100*time.Millisecond))
	events, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	s.Start(context.Background())
	waitForState(t, events, status.Connected)

	_, err := s.SendMessage(context.Background(), wire.MessagePayload{
		ClientID: "abc-123",
		Type:     wire.KindText,
		SenderID: 10,
	})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
}

func TestSendMessageRequiresClientID(t *testing.T) {
	s, _ := newTestSession(t, "http://127.0.0.1:0")
	if _, err := s.SendMessage(context.Background(), wire.MessagePayload{SenderID: 10}); err == nil {
		t.Fatal("expected error for missing client id")
	}
}

func TestInboundEventsReachBus(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		writeEvent(ctx, conn, wire.EventReceivedMessage, wire.MessagePayload{
			SenderID:   20,
			ReceiverID: 10,
			ChatID:     7,
			Type:       wire.KindText,
			Message:    "there",
		})
		writeEvent(ctx, conn, wire.EventUserOnline, wire.PresencePayload{
			SenderID: 20, ReceiverID: 10,
		})
		<-ctx.Done()
	})

	s, b := newTestSession(t, srv.URL)
	events, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	s.Start(context.Background())

	var gotMessage, gotPresence bool
	deadline := time.After(3 * time.Second)
	for !gotMessage || !gotPresence {
		select {
		case ev := <-events:
			switch ev.Kind {
			case "transport.received_message":
				p := ev.Payload.(*wire.MessagePayload)
				if p.Message != "there" || p.ChatID != 7 {
					t.Fatalf("unexpected message payload %+v", p)
				}
				gotMessage = true
			case "transport.presence":
				p := ev.Payload.(*wire.PresencePayload)
				if !p.Online {
					t.Fatalf("presence should be online, got %+v", p)
				}
				gotPresence = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for inbound events")
		}
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"received-message","data":{"type":""}}`))
		writeEvent(ctx, conn, wire.EventReceivedMessage, wire.MessagePayload{
			SenderID: 20, Type: wire.KindText, Message: "valid",
		})
		<-ctx.Done()
	})

	s, b := newTestSession(t, srv.URL)
	events, unsub := b.Subscribe("transport.received_message", 16)
	defer unsub()

	s.Start(context.Background())

	select {
	case ev := <-events:
		if ev.Payload.(*wire.MessagePayload).Message != "valid" {
			t.Fatalf("malformed frame leaked: %+v", ev.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid frame never arrived")
	}
}

func TestPendingJoinFlushedOnceAndRejoinedAfterReconnect(t *testing.T) {
	var connCount atomic.Int64
	joins := make(chan string, 16)
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		n := connCount.Add(1)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env wire.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Event == wire.EventJoin {
				var p wire.JoinPayload
				_ = json.Unmarshal(env.Data, &p)
				joins <- p.Room
				if n == 1 {
					// Drop the first connection right after the join
					// so the client has to reconnect.
					conn.Close(websocket.StatusGoingAway, "bye")
					return
				}
			}
		}
	})

	s, b := newTestSession(t, srv.URL)
	events, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	// Joined while disconnected: buffered until the first connect.
	if err := s.Join(context.Background(), wire.Room(10, 20), 10, 20); err != nil {
		t.Fatalf("Join: %v", err)
	}

	s.Start(context.Background())
	waitForState(t, events, status.Connected)

	// Exactly one join lands on the first connection.
	select {
	case room := <-joins:
		if room != "10-20" {
			t.Fatalf("room = %q, want 10-20", room)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("buffered join never flushed")
	}

	// The server drops the connection; the membership is re-joined exactly
	// once on the next connection.
	select {
	case room := <-joins:
		if room != "10-20" {
			t.Fatalf("rejoin room = %q, want 10-20", room)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("room never re-joined after reconnect")
	}

	select {
	case room := <-joins:
		t.Fatalf("unexpected extra join for %q", room)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLeaveStopsRejoin(t *testing.T) {
	joins := make(chan string, 16)
	closeFirst := make(chan struct{})
	var connCount atomic.Int64
	srv := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		n := connCount.Add(1)
		if n == 1 {
			go func() {
				<-closeFirst
				conn.Close(websocket.StatusGoingAway, "bye")
			}()
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env wire.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Event == wire.EventJoin {
				var p wire.JoinPayload
				_ = json.Unmarshal(env.Data, &p)
				joins <- p.Room
			}
		}
	})

	s, b := newTestSession(t, srv.URL)
	events, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	s.Start(context.Background())
	waitForState(t, events, status.Connected)

	if err := s.Join(context.Background(), wire.Room(10, 20), 10, 20); err != nil {
		t.Fatalf("Join: %v", err)
	}
	select {
	case <-joins:
	case <-time.After(3 * time.Second):
		t.Fatal("join never sent")
	}

	s.Leave(wire.Room(10, 20))
	close(closeFirst)
	waitForState(t, events, status.Connected)

	select {
	case room := <-joins:
		t.Fatalf("left room %q was re-joined", room)
	case <-time.After(300 * time.Millisecond):
	}
}
