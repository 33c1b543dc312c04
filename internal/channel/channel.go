// Package channel is the cross-instance notification surface. Channels are
// per-recipient mailboxes, not multiplexed topics: data nudges go to
// Mailbox(userID), call signaling to Signaling(conversationID).
//
// Two delivery modes exist. Broadcast/Subscribe is latest-value-only: the
// surface retains the most recent write per channel, intermediate writes can
// be lost, and consumers must treat payloads as a cue to re-read the store.
// Publish/SubscribeQueue is the ordered frame log used for signaling, where
// losing an intermediate frame would wedge the negotiation.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrClosed = errors.New("channel bus closed")

// Envelope is the wire shape of every notification: the application payload
// enriched with a write timestamp and the writing instance's id.
type Envelope struct {
	Channel     string          `json:"channel"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMs int64           `json:"timestamp"`
	Origin      string          `json:"origin"`
}

type Handler func(Envelope)

// Bus is the best-effort latest-value surface. Broadcast invokes local
// subscribers of the channel synchronously with the enriched envelope, so a
// writer observes its own broadcast without the external watch mechanism.
type Bus interface {
	Broadcast(ctx context.Context, channel string, payload any) error
	Subscribe(channel string, h Handler) (cancel func())
	Close() error
}

// Queue is the ordered, at-least-once frame log. Publish does not self-
// deliver; frames come back only through the watch path, in write order.
type Queue interface {
	Publish(ctx context.Context, channel string, payload any) error
	SubscribeQueue(channel string, h Handler) (cancel func())
}

func Mailbox(userID string) string {
	return "user:" + userID
}

func Signaling(conversationID string) string {
	return "signal:" + conversationID
}

// subscribers is the shared handler registry. All methods are safe for
// concurrent use.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	byName map[string]map[int]Handler
}

func newSubscribers() *subscribers {
	return &subscribers{byName: make(map[string]map[int]Handler)}
}

func (s *subscribers) add(channel string, h Handler) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.byName[channel] == nil {
		s.byName[channel] = make(map[int]Handler)
	}
	s.byName[channel][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byName[channel], id)
			if len(s.byName[channel]) == 0 {
				delete(s.byName, channel)
			}
		})
	}
}

func (s *subscribers) handlersFor(channel string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs := make([]Handler, 0, len(s.byName[channel]))
	for _, h := range s.byName[channel] {
		hs = append(hs, h)
	}
	return hs
}

func (s *subscribers) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}

func (s *subscribers) dispatch(env Envelope) {
	for _, h := range s.handlersFor(env.Channel) {
		h(env)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
