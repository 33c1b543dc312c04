// Package chat is the application layer: account lifecycle, contacts,
// conversations and messaging on top of the store, with change notifications
// fanned out on the participants' mailbox channels.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chitchat-client/internal/channel"
	"chitchat-client/internal/store"
	"chitchat-client/internal/syncer"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotParticipant rejects writes into conversations the acting user is
	// not part of.
	ErrNotParticipant = errors.New("not a conversation participant")
)

type Service struct {
	store  *store.Store
	bus    channel.Bus
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(st *store.Store, bus channel.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		logger: logger.With("component", "chat"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (s *Service) SignUp(ctx context.Context, email, displayName, password string) (store.UserRow, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)
	if email == "" || displayName == "" || password == "" {
		return store.UserRow{}, fmt.Errorf("%w: email, display name and password are required", store.ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.UserRow{}, fmt.Errorf("hash password: %w", err)
	}

	nowMs := s.now().UnixMilli()
	user := store.UserRow{
		ID:           s.newID(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		IsOnline:     true,
		LastSeenMs:   nowMs,
		CreatedAtMs:  nowMs,
		UpdatedAtMs:  nowMs,
	}
	if err := s.store.AddUser(ctx, user); err != nil {
		return store.UserRow{}, err
	}

	s.logger.Info("user signed up", "userId", user.ID)
	s.notify(ctx, []string{user.ID}, syncer.Notification{Kind: "presence"})
	return user, nil
}

func (s *Service) LogIn(ctx context.Context, email, password string) (store.UserRow, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.UserRow{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.UserRow{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.UserRow{}, ErrInvalidCredentials
	}

	user.IsOnline = true
	user.LastSeenMs = s.now().UnixMilli()
	user.UpdatedAtMs = user.LastSeenMs
	if err := s.store.PutUser(ctx, user); err != nil {
		return store.UserRow{}, err
	}

	s.logger.Info("user logged in", "userId", user.ID)
	s.notify(ctx, []string{user.ID}, syncer.Notification{Kind: "presence"})
	return user, nil
}

func (s *Service) LogOut(ctx context.Context, userID string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	user.IsOnline = false
	user.LastSeenMs = s.now().UnixMilli()
	user.UpdatedAtMs = user.LastSeenMs
	if err := s.store.PutUser(ctx, user); err != nil {
		return err
	}

	s.notify(ctx, []string{user.ID}, syncer.Notification{Kind: "presence"})
	return nil
}

// ProfileUpdate carries the fields to change; nil means leave as is.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
	StatusText  *string
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (store.UserRow, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return store.UserRow{}, err
	}

	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if name == "" {
			return store.UserRow{}, fmt.Errorf("%w: display name cannot be empty", store.ErrInvalidInput)
		}
		user.DisplayName = name
	}
	if update.AvatarURL != nil {
		user.AvatarURL = update.AvatarURL
	}
	if update.StatusText != nil {
		user.StatusText = update.StatusText
	}
	user.UpdatedAtMs = s.now().UnixMilli()

	if err := s.store.PutUser(ctx, user); err != nil {
		return store.UserRow{}, err
	}
	s.notify(ctx, []string{user.ID}, syncer.Notification{Kind: "presence"})
	return user, nil
}

func (s *Service) AddContact(ctx context.Context, userID, contactUserID string) (store.ContactRow, error) {
	if userID == contactUserID {
		return store.ContactRow{}, fmt.Errorf("%w: cannot add self as contact", store.ErrInvalidInput)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return store.ContactRow{}, fmt.Errorf("owner: %w", err)
	}
	if _, err := s.store.GetUser(ctx, contactUserID); err != nil {
		return store.ContactRow{}, fmt.Errorf("contact: %w", err)
	}

	existing, err := s.store.ContactsByUser(ctx, userID)
	if err != nil {
		return store.ContactRow{}, err
	}
	for _, c := range existing {
		if c.ContactID == contactUserID {
			return store.ContactRow{}, store.ErrConflict
		}
	}

	contact := store.ContactRow{
		ID:        s.newID(),
		UserID:    userID,
		ContactID: contactUserID,
		AddedAtMs: s.now().UnixMilli(),
	}
	if err := s.store.AddContact(ctx, contact); err != nil {
		return store.ContactRow{}, err
	}

	s.notify(ctx, []string{userID}, syncer.Notification{Kind: "contacts"})
	return contact, nil
}

func (s *Service) Contacts(ctx context.Context, userID string) ([]store.ContactRow, error) {
	return s.store.ContactsByUser(ctx, userID)
}

// StartDirectConversation returns the one direct conversation for the pair,
// creating it only when none exists. The second return reports whether this
// call created it.
func (s *Service) StartDirectConversation(ctx context.Context, userID, otherUserID string) (store.ConversationRow, bool, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return store.ConversationRow{}, false, fmt.Errorf("user: %w", err)
	}
	if _, err := s.store.GetUser(ctx, otherUserID); err != nil {
		return store.ConversationRow{}, false, fmt.Errorf("peer: %w", err)
	}

	conv, created, err := s.store.AddConversation(ctx, store.ConversationRow{
		ID:             s.newID(),
		Kind:           store.ConversationKindDirect,
		ParticipantIDs: []string{userID, otherUserID},
		CreatedAtMs:    s.now().UnixMilli(),
	})
	if err != nil {
		return store.ConversationRow{}, false, err
	}

	if created {
		s.notify(ctx, conv.ParticipantIDs, syncer.Notification{
			ConversationID: conv.ID,
			Kind:           "conversation",
		})
	}
	return conv, created, nil
}

func (s *Service) CreateGroupConversation(ctx context.Context, creatorID, name string, participantIDs []string) (store.ConversationRow, error) {
	members := dedupeIDs(append([]string{creatorID}, participantIDs...))
	for _, id := range members {
		if _, err := s.store.GetUser(ctx, id); err != nil {
			return store.ConversationRow{}, fmt.Errorf("participant %s: %w", id, err)
		}
	}

	conv := store.ConversationRow{
		ID:             s.newID(),
		Kind:           store.ConversationKindGroup,
		ParticipantIDs: members,
		CreatedAtMs:    s.now().UnixMilli(),
	}
	if name = strings.TrimSpace(name); name != "" {
		conv.Name = &name
	}

	saved, _, err := s.store.AddConversation(ctx, conv)
	if err != nil {
		return store.ConversationRow{}, err
	}

	s.notify(ctx, saved.ParticipantIDs, syncer.Notification{
		ConversationID: saved.ID,
		Kind:           "conversation",
	})
	return saved, nil
}

func (s *Service) Conversations(ctx context.Context) ([]store.ConversationRow, error) {
	return s.store.ConversationsByLastMessage(ctx)
}

func (s *Service) Messages(ctx context.Context, conversationID string) ([]store.MessageRow, error) {
	return s.store.MessagesByConversation(ctx, conversationID)
}

type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           string
	MediaURL       *string
	ReplyToID      *string
}

func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (store.MessageRow, error) {
	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return store.MessageRow{}, err
	}
	if !containsID(conv.ParticipantIDs, in.SenderID) {
		return store.MessageRow{}, ErrNotParticipant
	}
	if in.ReplyToID != nil {
		parent, err := s.store.GetMessage(ctx, *in.ReplyToID)
		if err != nil {
			return store.MessageRow{}, fmt.Errorf("reply target: %w", err)
		}
		if parent.ConversationID != conv.ID {
			return store.MessageRow{}, fmt.Errorf("%w: reply target is in another conversation", store.ErrInvalidInput)
		}
	}

	msgType := in.Type
	if msgType == "" {
		msgType = store.MessageTypeText
	}

	msg, err := s.store.AppendMessage(ctx, store.MessageRow{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           msgType,
		MediaURL:       in.MediaURL,
		ReplyToID:      in.ReplyToID,
		Status:         store.MessageStatusSent,
		CreatedAtMs:    s.now().UnixMilli(),
	})
	if err != nil {
		return store.MessageRow{}, err
	}

	// The sender's own mailbox is included so other tabs of the same user
	// refresh too.
	s.notify(ctx, conv.ParticipantIDs, syncer.Notification{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Kind:           "message",
	})
	return msg, nil
}

func (s *Service) ReactToMessage(ctx context.Context, messageID, userID, emoji string) (store.MessageRow, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.MessageRow{}, err
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return store.MessageRow{}, err
	}
	if !containsID(conv.ParticipantIDs, userID) {
		return store.MessageRow{}, ErrNotParticipant
	}

	updated, err := s.store.SetReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return store.MessageRow{}, err
	}

	s.notify(ctx, conv.ParticipantIDs, syncer.Notification{
		ConversationID: conv.ID,
		MessageID:      messageID,
		Kind:           "reaction",
	})
	return updated, nil
}

func (s *Service) MarkDelivered(ctx context.Context, messageID string) (store.MessageRow, error) {
	return s.advanceStatus(ctx, messageID, store.MessageStatusDelivered)
}

func (s *Service) MarkRead(ctx context.Context, messageID string) (store.MessageRow, error) {
	return s.advanceStatus(ctx, messageID, store.MessageStatusRead)
}

// advanceStatus moves the delivery status forward only: a read message never
// drops back to delivered, regardless of notification arrival order.
func (s *Service) advanceStatus(ctx context.Context, messageID, status string) (store.MessageRow, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.MessageRow{}, err
	}
	if store.MessageStatusRank(status) <= store.MessageStatusRank(msg.Status) {
		return msg, nil
	}

	if err := s.store.UpdateMessageStatus(ctx, messageID, status); err != nil {
		return store.MessageRow{}, err
	}
	msg.Status = status

	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return store.MessageRow{}, err
	}
	s.notify(ctx, conv.ParticipantIDs, syncer.Notification{
		ConversationID: conv.ID,
		MessageID:      messageID,
		Kind:           "status",
	})
	return msg, nil
}

// notify broadcasts on each user's mailbox channel. Delivery is best effort;
// readers recover by re-reading the store on their next notification.
func (s *Service) notify(ctx context.Context, userIDs []string, note syncer.Notification) {
	for _, id := range userIDs {
		if err := s.bus.Broadcast(ctx, channel.Mailbox(id), note); err != nil {
			s.logger.Warn("mailbox notify failed", "userId", id, "error", err)
		}
	}
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
