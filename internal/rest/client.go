// Package rest consumes the backend's REST collaborators: the per-chat
// history fetch and the canonical conversation list fetch.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pairloop/chatsync/internal/store"
)

const defaultTimeout = 10 * time.Second

// Client is a thin JSON client over the backend REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a REST client with a bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type messageDTO struct {
	ID     string `json:"id"`
	ChatID int64  `json:"chat_id"`
	SentBy int64  `json:"sent_by"`
	Type   string `json:"type"`
	Body   string `json:"message"`
	File   string `json:"file"`
	IsSeen bool   `json:"is_seen"`
}

type photoDTO struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	File      string `json:"file"`
	FileType  string `json:"file_type"`
	Thumbnail string `json:"thumbnail"`
}

type userDTO struct {
	ID        int64      `json:"id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Email     string     `json:"email"`
	Mobile    string     `json:"mobile"`
	Gender    string     `json:"gender"`
	DOB       string     `json:"dob"`
	Lat       float64    `json:"lat"`
	Long      float64    `json:"long"`
	Location  string     `json:"location"`
	PageKey   string     `json:"page_key"`
	Image     string     `json:"image"`
	Photos    []photoDTO `json:"photos"`
}

type chatDTO struct {
	ID          int64       `json:"id"`
	SenderID    int64       `json:"sender_id"`
	ReceiverID  int64       `json:"receiver_id"`
	CreatedAt   int64       `json:"created_at"`
	UnseenCount int         `json:"unseen_count"`
	LastMessage *messageDTO `json:"last_message"`
	Sender      *userDTO    `json:"sender"`
	Receiver    *userDTO    `json:"receiver"`
}

// History fetches the ordered message history for one chat. Used once per
// conversation open; callers fall back to the local store on failure.
func (c *Client) History(ctx context.Context, chatID int64) ([]store.Message, error) {
	var resp struct {
		Messages []messageDTO `json:"messages"`
	}
	if err := c.get(ctx, fmt.Sprintf("/chats/%d/messages", chatID), &resp); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, m.toStore())
	}
	return msgs, nil
}

// ConversationList fetches the canonical chat list plus candidate users
// without prior history. Used once per aggregator refresh.
func (c *Client) ConversationList(ctx context.Context) ([]store.Chat, []store.User, error) {
	var resp struct {
		Chats []chatDTO `json:"chats"`
		Users []userDTO `json:"users"`
	}
	if err := c.get(ctx, "/chats", &resp); err != nil {
		return nil, nil, err
	}

	chats := make([]store.Chat, 0, len(resp.Chats))
	for _, d := range resp.Chats {
		chat := store.Chat{
			ID:          d.ID,
			SenderID:    d.SenderID,
			ReceiverID:  d.ReceiverID,
			CreatedAt:   d.CreatedAt,
			UnseenCount: d.UnseenCount,
		}
		if d.LastMessage != nil {
			m := d.LastMessage.toStore()
			chat.LastMessage = &m
		}
		if d.Sender != nil {
			u := d.Sender.toStore()
			chat.Sender = &u
		}
		if d.Receiver != nil {
			u := d.Receiver.toStore()
			chat.Receiver = &u
		}
		chats = append(chats, chat)
	}

	users := make([]store.User, 0, len(resp.Users))
	for _, d := range resp.Users {
		users = append(users, d.toStore())
	}
	return chats, users, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (m messageDTO) toStore() store.Message {
	return store.Message{
		ID:     m.ID,
		ChatID: m.ChatID,
		SentBy: m.SentBy,
		Type:   m.Type,
		Body:   m.Body,
		File:   m.File,
		IsSeen: m.IsSeen,
	}
}

func (u userDTO) toStore() store.User {
	out := store.User{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Mobile:    u.Mobile,
		Gender:    u.Gender,
		DOB:       u.DOB,
		Lat:       u.Lat,
		Long:      u.Long,
		Location:  u.Location,
		PageKey:   u.PageKey,
		Image:     u.Image,
	}
	for _, p := range u.Photos {
		out.Photos = append(out.Photos, store.Photo{
			ID:        p.ID,
			UserID:    p.UserID,
			File:      p.File,
			FileType:  p.FileType,
			Thumbnail: p.Thumbnail,
		})
	}
	return out
}
