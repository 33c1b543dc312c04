// Package syncer refreshes local read models when another instance announces
// a change. It does not interpret payloads beyond the conversation hint; the
// store is always the source of truth.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"chitchat-client/internal/channel"
	"chitchat-client/internal/store"
)

// Storage is the read surface the coordinator refreshes from.
type Storage interface {
	ConversationsByLastMessage(ctx context.Context) ([]store.ConversationRow, error)
	MessagesByConversation(ctx context.Context, conversationID string) ([]store.MessageRow, error)
}

// Notification is the mailbox payload shape. Zero-value fields are fine: a
// bare ping still triggers a conversation refresh.
type Notification struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Kind           string `json:"kind,omitempty"`
}

// Coordinator listens on one user's mailbox channel and re-reads the store
// on every notification, fanning the fresh rows out to registered listeners.
type Coordinator struct {
	storage Storage
	bus     channel.Bus
	userID  string
	logger  *slog.Logger

	mu              sync.Mutex
	onConversations []func([]store.ConversationRow)
	onMessages      []func(conversationID string, messages []store.MessageRow)
	cancelSub       func()
	started         bool
	closed          bool
}

func New(storage Storage, bus channel.Bus, userID string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		storage: storage,
		bus:     bus,
		userID:  userID,
		logger:  logger.With("component", "syncer", "userId", userID),
	}
}

// OnConversations registers a listener for refreshed conversation listings.
// Register before Start.
func (c *Coordinator) OnConversations(fn func([]store.ConversationRow)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConversations = append(c.onConversations, fn)
}

// OnMessages registers a listener for refreshed message listings of the
// conversation a notification names.
func (c *Coordinator) OnMessages(fn func(conversationID string, messages []store.MessageRow)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessages = append(c.onMessages, fn)
}

// Start subscribes to the user's mailbox. Idempotent.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return channel.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	cancel := c.bus.Subscribe(channel.Mailbox(c.userID), c.handle)

	c.mu.Lock()
	c.cancelSub = cancel
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancelSub
	c.cancelSub = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Refresh re-reads conversations unconditionally, outside of any
// notification. Used on startup to seed listeners.
func (c *Coordinator) Refresh(ctx context.Context) error {
	conversations, err := c.storage.ConversationsByLastMessage(ctx)
	if err != nil {
		return err
	}
	for _, fn := range c.conversationListeners() {
		fn(conversations)
	}
	return nil
}

func (c *Coordinator) handle(env channel.Envelope) {
	ctx := context.Background()

	var note Notification
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &note); err != nil {
			c.logger.Warn("unreadable mailbox notification", "error", err)
		}
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("conversation refresh failed", "error", err)
		return
	}

	if note.ConversationID == "" {
		return
	}
	messages, err := c.storage.MessagesByConversation(ctx, note.ConversationID)
	if err != nil {
		c.logger.Error("message refresh failed", "conversationId", note.ConversationID, "error", err)
		return
	}
	for _, fn := range c.messageListeners() {
		fn(note.ConversationID, messages)
	}
}

func (c *Coordinator) conversationListeners() []func([]store.ConversationRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func([]store.ConversationRow), len(c.onConversations))
	copy(out, c.onConversations)
	return out
}

func (c *Coordinator) messageListeners() []func(string, []store.MessageRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(string, []store.MessageRow), len(c.onMessages))
	copy(out, c.onMessages)
	return out
}
