package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/status"
	"github.com/pairloop/chatsync/internal/wire"
)

var (
	// ErrNotConnected is returned when a frame is sent while the socket is
	// down. Callers are expected to retry after the next connect.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAckTimeout is returned when the server does not acknowledge a
	// message within the ack window.
	ErrAckTimeout = errors.New("transport: ack timeout")
)

const (
	defaultAckTimeout = 1 * time.Second
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

// membership is a room the session participates in, remembered so it can be
// re-joined (and presence re-announced) after a reconnect.
type membership struct {
	room     string
	sender   int64
	receiver int64
}

// Session maintains the websocket connection to the relay. It owns the
// connect/reconnect loop, decodes inbound frames onto the bus under the
// "transport." namespace, and correlates send-message acks by client id.
type Session struct {
	socketURL string
	token     string
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger

	ackTimeout time.Duration
	recon      *reconnector

	mu          sync.Mutex
	conn        *websocket.Conn
	rooms       map[string]membership
	pendingJoin *membership
	pendingAcks map[string]chan int64
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithAckTimeout overrides the window the session waits for a message ack.
func WithAckTimeout(d time.Duration) Option {
	return func(s *Session) { s.ackTimeout = d }
}

// WithBackoff overrides the redial backoff bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Session) { s.recon = newReconnector(base, max) }
}

func NewSession(socketURL, token string, b *bus.Bus, machine *status.Machine, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		socketURL:   socketURL,
		token:       token,
		bus:         b,
		machine:     machine,
		logger:      logger.Named("transport"),
		ackTimeout:  defaultAckTimeout,
		recon:       newReconnector(defaultBaseDelay, defaultMaxDelay),
		rooms:       make(map[string]membership),
		pendingAcks: make(map[string]chan int64),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the connect loop. It returns immediately; connection state
// is observable through the status machine and the bus.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

// Close tears the session down. Pending acks are abandoned and the status
// machine is moved to DISCONNECTED.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	for id, ch := range s.pendingAcks {
		close(ch)
		delete(s.pendingAcks, id)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if cancel != nil {
		cancel()
		<-s.done
	}
	_ = s.machine.Transition(status.Disconnected)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.machine.Transition(status.Connecting)

		conn, _, err := websocket.Dial(ctx, s.dialURL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := s.recon.nextDelay()
			s.logger.Warn("dial failed, backing off",
				zap.Error(err),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
		s.conn = conn
		s.mu.Unlock()

		_ = s.machine.Transition(status.Connected)
		s.recon.markConnected()
		s.logger.Info("connected", zap.String("url", s.socketURL))

		s.flushMemberships(ctx)

		err = s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		s.mu.Unlock()

		if closed || ctx.Err() != nil {
			return
		}
		delay := s.recon.nextDelay()
		s.logger.Warn("connection dropped, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dialURL() string {
	if s.token == "" {
		return s.socketURL
	}
	return s.socketURL + "?token=" + url.QueryEscape(s.token)
}

// flushMemberships re-joins every known room and replays the single buffered
// pending join, which is sent once and then tracked as a normal membership.
func (s *Session) flushMemberships(ctx context.Context) {
	s.mu.Lock()
	members := make([]membership, 0, len(s.rooms)+1)
	for _, m := range s.rooms {
		members = append(members, m)
	}
	if s.pendingJoin != nil {
		m := *s.pendingJoin
		s.rooms[m.room] = m
		s.pendingJoin = nil
		members = append(members, m)
	}
	s.mu.Unlock()

	for _, m := range members {
		if err := s.send(ctx, wire.EventJoin, wire.JoinPayload{Room: m.room}); err != nil {
			s.logger.Warn("room re-join failed", zap.String("room", m.room), zap.Error(err))
			continue
		}
		payload := wire.PresencePayload{SenderID: m.sender, ReceiverID: m.receiver, Online: true}
		if err := s.send(ctx, wire.EventOnline, payload); err != nil {
			s.logger.Warn("online announce failed", zap.String("room", m.room), zap.Error(err))
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		event, payload, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		s.dispatch(event, payload)
	}
}

func (s *Session) dispatch(event string, payload any) {
	switch event {
	case wire.EventMessageAck:
		ack := payload.(*wire.AckPayload)
		s.resolveAck(ack.ClientID, ack.ChatID)
	case wire.EventReceivedMessage:
		s.bus.Publish(bus.Event{Kind: "transport.received_message", Timestamp: time.Now(), Payload: payload})
	case wire.EventSeen:
		s.bus.Publish(bus.Event{Kind: "transport.seen", Timestamp: time.Now(), Payload: payload})
	case wire.EventTyping:
		s.bus.Publish(bus.Event{Kind: "transport.typing", Timestamp: time.Now(), Payload: payload})
	case wire.EventUserOnline, wire.EventUserOffline:
		s.bus.Publish(bus.Event{Kind: "transport.presence", Timestamp: time.Now(), Payload: payload})
	default:
		s.logger.Debug("ignoring event", zap.String("event", event))
	}
}

func (s *Session) resolveAck(clientID string, chatID int64) {
	s.mu.Lock()
	ch, ok := s.pendingAcks[clientID]
	if ok {
		delete(s.pendingAcks, clientID)
	}
	s.mu.Unlock()
	if !ok {
		// Ack arrived after the sender gave up on it.
		s.logger.Debug("late ack dropped", zap.String("client_id", clientID))
		return
	}
	ch <- chatID
}

// Join registers the session in a room. While disconnected at most one join
// is buffered; a newer join replaces the buffered one.
func (s *Session) Join(ctx context.Context, room string, senderID, receiverID int64) error {
	m := membership{room: room, sender: senderID, receiver: receiverID}
	s.mu.Lock()
	connected := s.conn != nil
	if connected {
		s.rooms[room] = m
	} else {
		s.pendingJoin = &m
	}
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.send(ctx, wire.EventJoin, wire.JoinPayload{Room: room})
}

// Leave drops the room membership so it is not re-joined after a reconnect.
func (s *Session) Leave(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	if s.pendingJoin != nil && s.pendingJoin.room == room {
		s.pendingJoin = nil
	}
	s.mu.Unlock()
}

// SendMessage writes a send-message frame and waits for the server ack
// carrying the chat identifier. The payload must carry a client id, which is
// the correlation key for the ack.
func (s *Session) SendMessage(ctx context.Context, p wire.MessagePayload) (int64, error) {
	if p.ClientID == "" {
		return 0, fmt.Errorf("transport: send-message without client id")
	}

	ch := make(chan int64, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	s.pendingAcks[p.ClientID] = ch
	s.mu.Unlock()

	if err := s.send(ctx, wire.EventSendMessage, p); err != nil {
		s.dropAck(p.ClientID)
		return 0, err
	}

	select {
	case chatID, ok := <-ch:
		if !ok {
			return 0, ErrNotConnected
		}
		return chatID, nil
	case <-time.After(s.ackTimeout):
		s.dropAck(p.ClientID)
		return 0, ErrAckTimeout
	case <-ctx.Done():
		s.dropAck(p.ClientID)
		return 0, ctx.Err()
	}
}

func (s *Session) dropAck(clientID string) {
	s.mu.Lock()
	delete(s.pendingAcks, clientID)
	s.mu.Unlock()
}

// SendTyping emits a typing-status frame. Fire and forget.
func (s *Session) SendTyping(ctx context.Context, p wire.TypingPayload) error {
	return s.send(ctx, wire.EventTyping, p)
}

// SendSeen emits a seen batch for a conversation. Fire and forget.
func (s *Session) SendSeen(ctx context.Context, p wire.SeenPayload) error {
	return s.send(ctx, wire.EventSeen, p)
}

// CheckOnline asks the server whether the peer is connected. The answer
// arrives as a user-online or user-offline event.
func (s *Session) CheckOnline(ctx context.Context, senderID, receiverID int64) error {
	return s.send(ctx, wire.EventCheckOnline, wire.PresencePayload{
		SenderID:   senderID,
		ReceiverID: receiverID,
	})
}

// AnnounceOnline tells the peer this side is active in the conversation.
func (s *Session) AnnounceOnline(ctx context.Context, senderID, receiverID int64) error {
	return s.send(ctx, wire.EventOnline, wire.PresencePayload{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Online:     true,
	})
}

// AnnounceOffline tells the peer this side left the conversation.
func (s *Session) AnnounceOffline(ctx context.Context, senderID, receiverID int64) error {
	return s.send(ctx, wire.EventOffline, wire.PresencePayload{
		SenderID:   senderID,
		ReceiverID: receiverID,
	})
}

// Destroy leaves a room on the server and forgets the local membership.
func (s *Session) Destroy(ctx context.Context, room string) error {
	s.Leave(room)
	return s.send(ctx, wire.EventDestroy, wire.DestroyPayload{Room: room})
}

func (s *Session) send(ctx context.Context, event string, payload any) error {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
