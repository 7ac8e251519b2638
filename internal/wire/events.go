// Package wire defines the event vocabulary exchanged with the chat server
// and the JSON wire format each event uses.
package wire

import (
	"encoding/json"
	"fmt"
)

// Outbound event names.
const (
	EventJoin        = "join"
	EventOnline      = "online"
	EventOffline     = "offline"
	EventSendMessage = "send-message"
	EventTyping      = "typing-status"
	EventSeen        = "seen"
	EventCheckOnline = "check-online"
	EventDestroy     = "destroy"
)

// Inbound event names.
const (
	EventUserOnline      = "user-online"
	EventUserOffline     = "user-offline"
	EventReceivedMessage = "received-message"
	EventMessageAck      = "message-ack"
)

// Message content kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
)

// UnassignedChat is the sentinel chat identifier for conversations the
// server has not acknowledged yet.
const UnassignedChat int64 = 0

// Envelope is the outer frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessagePayload carries a message in either direction. File attachments are
// inlined as data-URI-prefixed base64 strings rather than separate blobs.
type MessagePayload struct {
	ClientID   string `json:"client_id"`
	Type       string `json:"type"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	ChatID     int64  `json:"chat_id"`
	Message    string `json:"message"`
	File       string `json:"file"`
	IsSeen     bool   `json:"is_seen"`
}

// AckPayload confirms a send-message, carrying the server-assigned chat id.
type AckPayload struct {
	ClientID string `json:"client_id"`
	ChatID   int64  `json:"chat_id"`
}

// TypingPayload signals a typing edge. Fire-and-forget.
type TypingPayload struct {
	ChatID     int64 `json:"chat_id"`
	SenderID   int64 `json:"sender_id"`
	ReceiverID int64 `json:"receiver_id"`
	Typing     bool  `json:"typing"`
}

// SeenPayload marks all of the sender's outbound messages in a chat seen.
type SeenPayload struct {
	ChatID     int64 `json:"chat_id"`
	SenderID   int64 `json:"sender_id"`
	ReceiverID int64 `json:"receiver_id"`
}

// PresencePayload announces or reports online state.
type PresencePayload struct {
	SenderID   int64 `json:"sender_id"`
	ReceiverID int64 `json:"receiver_id"`
	Online     bool  `json:"online"`
}

// JoinPayload requests membership in a conversation room.
type JoinPayload struct {
	Room string `json:"room"`
}

// DestroyPayload tears down the server-side room association.
type DestroyPayload struct {
	Room       string `json:"room"`
	ChatID     int64  `json:"chat_id"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
}

// Encode frames a payload in an envelope ready for the socket.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses a raw frame into its event name and typed payload.
// A malformed frame or unknown event returns an error; callers drop the
// event without mutating any state.
func Decode(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Event {
	case EventReceivedMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return env.Event, nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.SenderID == 0 || p.Type == "" {
			return env.Event, nil, fmt.Errorf("decode %s: missing sender or type", env.Event)
		}
		return env.Event, &p, nil
	case EventMessageAck:
		var p AckPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return env.Event, nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ClientID == "" || p.ChatID == UnassignedChat {
			return env.Event, nil, fmt.Errorf("decode %s: missing client id or chat id", env.Event)
		}
		return env.Event, &p, nil
	case EventSeen:
		var p SeenPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return env.Event, nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if p.ChatID == UnassignedChat {
			return env.Event, nil, fmt.Errorf("decode %s: missing chat id", env.Event)
		}
		return env.Event, &p, nil
	case EventTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return env.Event, nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return env.Event, &p, nil
	case EventUserOnline, EventUserOffline:
		var p PresencePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return env.Event, nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		p.Online = env.Event == EventUserOnline
		return env.Event, &p, nil
	default:
		return env.Event, nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

// Room derives the canonical room name for a pair of participants. Both
// sides must compute the same name regardless of who opens the conversation.
func Room(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d-%d", a, b)
}
