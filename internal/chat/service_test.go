package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"chitchat-client/internal/channel"
	"chitchat-client/internal/store"
	"chitchat-client/internal/syncer"
)

func newTestService(t *testing.T) (*Service, *channel.Local) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), "sqlite::memory:", logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := channel.NewLocal("tab-1")
	t.Cleanup(func() { _ = bus.Close() })
	return NewService(st, bus, logger), bus
}

func signUp(t *testing.T, svc *Service, email, name string) store.UserRow {
	t.Helper()
	user, err := svc.SignUp(context.Background(), email, name, "hunter2!")
	if err != nil {
		t.Fatalf("SignUp(%q) error = %v", email, err)
	}
	return user
}

type mailboxRecorder struct {
	notes []syncer.Notification
}

func (r *mailboxRecorder) watch(bus *channel.Local, userID string) func() {
	return bus.Subscribe(channel.Mailbox(userID), func(env channel.Envelope) {
		var note syncer.Notification
		if err := json.Unmarshal(env.Payload, &note); err != nil {
			return
		}
		r.notes = append(r.notes, note)
	})
}

func TestService_SignUpAndLogIn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	user := signUp(t, svc, "Alice@Example.com", "Alice")
	if user.Email != "alice@example.com" {
		t.Fatalf("SignUp() email = %q, want normalized lowercase", user.Email)
	}
	if user.PasswordHash == "hunter2!" || user.PasswordHash == "" {
		t.Fatal("SignUp() stored the password without hashing")
	}
	if !user.IsOnline {
		t.Fatal("SignUp() user is not online")
	}

	if _, err := svc.SignUp(ctx, "alice@example.com", "Other", "pw12345"); !errors.Is(err, store.ErrEmailExists) {
		t.Fatalf("duplicate SignUp() error = %v, want ErrEmailExists", err)
	}

	logged, err := svc.LogIn(ctx, "ALICE@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("LogIn() error = %v", err)
	}
	if logged.ID != user.ID {
		t.Fatalf("LogIn() user = %q, want %q", logged.ID, user.ID)
	}

	if _, err := svc.LogIn(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("LogIn() with bad password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.LogIn(ctx, "nobody@example.com", "hunter2!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("LogIn() with unknown email error = %v, want ErrInvalidCredentials", err)
	}
}

func TestService_LogOut(t *testing.T) {
	ctx := context.Background()
	svc, bus := newTestService(t)

	user := signUp(t, svc, "alice@example.com", "Alice")

	rec := &mailboxRecorder{}
	cancel := rec.watch(bus, user.ID)
	defer cancel()

	if err := svc.LogOut(ctx, user.ID); err != nil {
		t.Fatalf("LogOut() error = %v", err)
	}

	stored, err := svc.store.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if stored.IsOnline {
		t.Fatal("user still online after LogOut()")
	}
	if len(rec.notes) != 1 || rec.notes[0].Kind != "presence" {
		t.Fatalf("mailbox notes = %+v, want one presence note", rec.notes)
	}

	if err := svc.LogOut(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LogOut() for unknown user error = %v, want ErrNotFound", err)
	}
}

func TestService_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	user := signUp(t, svc, "alice@example.com", "Alice")

	name := "Alice L."
	status := "out riding"
	updated, err := svc.UpdateProfile(ctx, user.ID, ProfileUpdate{DisplayName: &name, StatusText: &status})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if updated.DisplayName != "Alice L." {
		t.Fatalf("DisplayName = %q, want %q", updated.DisplayName, "Alice L.")
	}
	if updated.StatusText == nil || *updated.StatusText != "out riding" {
		t.Fatalf("StatusText = %v, want %q", updated.StatusText, "out riding")
	}
	// Untouched fields survive.
	if updated.Email != user.Email {
		t.Fatalf("Email changed to %q", updated.Email)
	}

	empty := "   "
	if _, err := svc.UpdateProfile(ctx, user.ID, ProfileUpdate{DisplayName: &empty}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("UpdateProfile() with blank name error = %v, want ErrInvalidInput", err)
	}
}

func TestService_AddContact(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	alice := signUp(t, svc, "alice@example.com", "Alice")
	bob := signUp(t, svc, "bob@example.com", "Bob")

	contact, err := svc.AddContact(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("AddContact() error = %v", err)
	}
	if contact.UserID != alice.ID || contact.ContactID != bob.ID {
		t.Fatalf("AddContact() = %+v, want alice -> bob", contact)
	}

	if _, err := svc.AddContact(ctx, alice.ID, bob.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate AddContact() error = %v, want ErrConflict", err)
	}
	if _, err := svc.AddContact(ctx, alice.ID, alice.ID); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("self AddContact() error = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.AddContact(ctx, alice.ID, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown AddContact() error = %v, want ErrNotFound", err)
	}

	contacts, err := svc.Contacts(ctx, alice.ID)
	if err != nil {
		t.Fatalf("Contacts() error = %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("Contacts() = %d rows, want 1", len(contacts))
	}
}

func TestService_StartDirectConversation(t *testing.T) {
	ctx := context.Background()
	svc, bus := newTestService(t)

	alice := signUp(t, svc, "alice@example.com", "Alice")
	bob := signUp(t, svc, "bob@example.com", "Bob")

	aliceRec := &mailboxRecorder{}
	bobRec := &mailboxRecorder{}
	defer aliceRec.watch(bus, alice.ID)()
	defer bobRec.watch(bus, bob.ID)()

	conv, created, err := svc.StartDirectConversation(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("StartDirectConversation() error = %v", err)
	}
	if !created {
		t.Fatal("first StartDirectConversation() reported created = false")
	}
	if len(aliceRec.notes) != 1 || len(bobRec.notes) != 1 {
		t.Fatalf("mailbox notes = %d/%d, want 1/1", len(aliceRec.notes), len(bobRec.notes))
	}

	// Reversed order converges on the same conversation without a new note.
	again, created, err := svc.StartDirectConversation(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("repeat StartDirectConversation() error = %v", err)
	}
	if created {
		t.Fatal("repeat StartDirectConversation() reported created = true")
	}
	if again.ID != conv.ID {
		t.Fatalf("repeat conversation id = %q, want %q", again.ID, conv.ID)
	}
	if len(aliceRec.notes) != 1 {
		t.Fatalf("mailbox notes after repeat = %d, want still 1", len(aliceRec.notes))
	}

	if _, _, err := svc.StartDirectConversation(ctx, alice.ID, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("StartDirectConversation() with unknown peer error = %v, want ErrNotFound", err)
	}
}

func TestService_CreateGroupConversation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	alice := signUp(t, svc, "alice@example.com", "Alice")
	bob := signUp(t, svc, "bob@example.com", "Bob")
	carol := signUp(t, svc, "carol@example.com", "Carol")

	conv, err := svc.CreateGroupConversation(ctx, alice.ID, " riders ", []string{bob.ID, carol.ID, bob.ID, alice.ID})
	if err != nil {
		t.Fatalf("CreateGroupConversation() error = %v", err)
	}
	if conv.Kind != store.ConversationKindGroup {
		t.Fatalf("Kind = %q, want %q", conv.Kind, store.ConversationKindGroup)
	}
	if len(conv.ParticipantIDs) != 3 {
		t.Fatalf("participants = %v, want 3 distinct members", conv.ParticipantIDs)
	}
	if conv.ParticipantIDs[0] != alice.ID {
		t.Fatalf("creator %q not first in %v", alice.ID, conv.ParticipantIDs)
	}
	if conv.Name == nil || *conv.Name != "riders" {
		t.Fatalf("Name = %v, want trimmed %q", conv.Name, "riders")
	}
	if conv.ParticipantsHash != nil {
		t.Fatal("group conversation carries a participants hash")
	}

	if _, err := svc.CreateGroupConversation(ctx, alice.ID, "ghosts", []string{"missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CreateGroupConversation() with unknown member error = %v, want ErrNotFound", err)
	}
}

func TestService_SendMessage(t *testing.T) {
	ctx := context.Background()
	svc, bus := newTestService(t)

	alice := signUp(t, svc, "alice@example.com", "Alice")
	bob := signUp(t, svc, "bob@example.com", "Bob")
	mallory := signUp(t, svc, "mallory@example.com", "Mallory")

	conv, _, err := svc.StartDirectConversation(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("StartDirectConversation() error = %v", err)
	}

	aliceRec := &mailboxRecorder{}
	bobRec := &mailboxRecorder{}
	defer aliceRec.watch(bus, alice.ID)()
	defer bobRec.watch(bus, bob.ID)()

	msg, err := svc.SendMessage(ctx, SendMessageInput{
		ConversationID: conv.ID,
		SenderID:       alice.ID,
		Content:        "hello bob",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.Type != store.MessageTypeText || msg.Status != store.MessageStatusSent {
		t.Fatalf("message defaults = type %q status %q", msg.Type, msg.Status)
	}

	// Sender and peer both get the note, so another tab of the sender
	// refreshes too.
	if len(aliceRec.notes) != 1 || len(bobRec.notes) != 1 {
		t.Fatalf("mailbox notes = %d/%d, want 1/1", len(aliceRec.notes), len(bobRec.notes))
	}
	if bobRec.notes[0].ConversationID != conv.ID || bobRec.notes[0].MessageID != msg.ID {
		t.Fatalf("note = %+v, want conversation and message ids", bobRec.notes[0])
	}

	// The conversation surfaced to the top of the listing.
	convs, err := svc.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if convs[len(convs)-1].ID != conv.ID || convs[len(convs)-1].LastMessageAtMs != msg.CreatedAtMs {
		t.Fatalf("conversation ordering not refreshed: %+v", convs)
	}

	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: mallory.ID, Content: "hi"}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider SendMessage() error = %v, want ErrNotParticipant", err)
	}

	reply, err := svc.SendMessage(ctx, SendMessageInput{
		ConversationID: conv.ID,
		SenderID:       bob.ID,
		Content:        "hi alice",
		ReplyToID:      &msg.ID,
	})
	if err != nil {
		t.Fatalf("reply SendMessage() error = %v", err)
	}
	if reply.ReplyToID == nil || *reply.ReplyToID != msg.ID {
		t.Fatalf("ReplyToID = %v, want %q", reply.ReplyToID, msg.ID)
	}

	// A reply cannot target a message from another conversation.
	other, err := svc.CreateGroupConversation(ctx, alice.ID, "side", []string{bob.ID})
	if err != nil {
		t.Fatalf("CreateGroupConversation() error = %v", err)
	}
	if _, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: other.ID, SenderID: alice.ID, Content: "x", ReplyToID: &msg.ID}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("cross-conversation reply error = %v, want ErrInvalidInput", err)
	}

	messages, err := svc.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != 2 || messages[0].ID != msg.ID || messages[1].ID != reply.ID {
		t.Fatalf("Messages() = %d rows in wrong order", len(messages))
	}
}

func TestService_Reactions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	alice := signUp(t, svc, "alice@example.com", "Alice")
	bob := signUp(t, svc, "bob@example.com", "Bob")
	mallory := signUp(t, svc, "mallory@example.com", "Mallory")

	conv, _, err := svc.StartDirectConversation(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("StartDirectConversation() error = %v", err)
	}
	msg, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: alice.ID, Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	updated, err := svc.ReactToMessage(ctx, msg.ID, bob.ID, "👍")
	if err != nil {
		t.Fatalf("ReactToMessage() error = %v", err)
	}
	if updated.Reactions[bob.ID] != "👍" {
		t.Fatalf("Reactions = %v, want bob's thumbs up", updated.Reactions)
	}

	// Last write per user wins; clearing removes the entry.
	updated, err = svc.ReactToMessage(ctx, msg.ID, bob.ID, "🎉")
	if err != nil {
		t.Fatalf("ReactToMessage() replace error = %v", err)
	}
	if updated.Reactions[bob.ID] != "🎉" {
		t.Fatalf("Reactions = %v, want replaced emoji", updated.Reactions)
	}
	updated, err = svc.ReactToMessage(ctx, msg.ID, bob.ID, "")
	if err != nil {
		t.Fatalf("ReactToMessage() clear error = %v", err)
	}
	if _, ok := updated.Reactions[bob.ID]; ok {
		t.Fatalf("Reactions = %v, want bob's entry cleared", updated.Reactions)
	}

	if _, err := svc.ReactToMessage(ctx, msg.ID, mallory.ID, "👀"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider ReactToMessage() error = %v, want ErrNotParticipant", err)
	}
}

func TestService_StatusAdvancesForwardOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	alice := signUp(t, svc, "alice@example.com", "Alice")
	bob := signUp(t, svc, "bob@example.com", "Bob")

	conv, _, err := svc.StartDirectConversation(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("StartDirectConversation() error = %v", err)
	}
	msg, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: conv.ID, SenderID: alice.ID, Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	read, err := svc.MarkRead(ctx, msg.ID)
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if read.Status != store.MessageStatusRead {
		t.Fatalf("Status = %q, want %q", read.Status, store.MessageStatusRead)
	}

	// A late delivery receipt must not regress a read message.
	after, err := svc.MarkDelivered(ctx, msg.ID)
	if err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	if after.Status != store.MessageStatusRead {
		t.Fatalf("Status after late delivery receipt = %q, want %q", after.Status, store.MessageStatusRead)
	}

	if _, err := svc.MarkRead(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("MarkRead() for unknown message error = %v, want ErrNotFound", err)
	}
}
