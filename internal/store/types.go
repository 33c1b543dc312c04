package store

import "errors"

const (
	ConversationKindDirect = "direct"
	ConversationKindGroup  = "group"
)

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeAudio = "audio"
)

const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

var (
	// ErrNotInitialized is returned when the handle is nil or was never opened.
	ErrNotInitialized = errors.New("store not initialized")
	// ErrConflict is returned by Add* operations when the key already exists.
	ErrConflict = errors.New("key conflict")
	ErrNotFound = errors.New("not found")
	// ErrEmailExists is the conflict on the users email unique index.
	ErrEmailExists  = errors.New("email exists")
	ErrInvalidInput = errors.New("invalid input")
)

type UserRow struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	AvatarURL    *string
	StatusText   *string
	LastSeenMs   int64
	IsOnline     bool
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

type ContactRow struct {
	ID        string
	UserID    string
	ContactID string
	AddedAtMs int64
}

type ConversationRow struct {
	ID             string
	Kind           string
	ParticipantIDs []string
	// ParticipantsHash dedups direct conversations: sha256 of the sorted
	// participant pair, unique-indexed. Nil for groups.
	ParticipantsHash *string
	Name             *string
	AvatarURL        *string
	LastMessageAtMs  int64
	CreatedAtMs      int64
}

type MessageRow struct {
	ID             string
	Seq            int64
	ConversationID string
	SenderID       string
	Content        string
	Type           string
	MediaURL       *string
	ReplyToID      *string
	Status         string
	Reactions      map[string]string
	CreatedAtMs    int64
}

type ChannelValueRow struct {
	Name        string
	Payload     []byte
	Origin      string
	TimestampMs int64
	Rev         int64
}

type ChannelFrameRow struct {
	Seq         int64
	Name        string
	Payload     []byte
	Origin      string
	TimestampMs int64
}

func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio:
		return true
	default:
		return false
	}
}

func ValidMessageStatus(st string) bool {
	switch st {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusRead:
		return true
	default:
		return false
	}
}

// MessageStatusRank orders sent < delivered < read. Unknown statuses rank
// below sent so a forward-only caller never writes them.
func MessageStatusRank(st string) int {
	switch st {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return 0
	}
}
