package store

// Chat is one two-party conversation. ID 0 is the unassigned sentinel for
// conversations the server has not acknowledged yet; such chats are never
// written to the store.
type Chat struct {
	ID          int64
	SenderID    int64
	ReceiverID  int64
	CreatedAt   int64
	UnseenCount int

	// Denormalized snapshots carried alongside the row so list rendering
	// needs no live fetch. Optional on writes; attached on reads when present.
	LastMessage *Message
	Sender      *User
	Receiver    *User
}

// Message is one unit of content inside a chat. IDs are client-generated
// UUIDs used for display and ack correlation only, not as durable
// cross-device keys.
type Message struct {
	ID     string
	ChatID int64
	SentBy int64
	Type   string // text, image, audio
	Body   string
	File   string // data-URI base64 attachment, if any
	IsSeen bool
}

// User is a cached participant snapshot.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	Mobile    string
	Gender    string
	DOB       string
	Lat       float64
	Long      float64
	Location  string
	PageKey   string
	Image     string

	Photos []Photo
}

// Photo is one profile photo belonging to a cached user snapshot.
type Photo struct {
	ID        int64
	UserID    int64
	File      string
	FileType  string
	Thumbnail string
}

// OutboxEntry is a pending optimistic send persisted until acknowledged.
type OutboxEntry struct {
	ID           int64
	ClientID     string
	ChatID       int64 // 0 until the conversation is promoted
	SenderID     int64
	ReceiverID   int64
	Type         string
	Body         string
	File         string
	Status       string // queued, sending, sent, unconfirmed
	ErrorMessage string
}
