package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chitchat-client/internal/channel"
)

// Bus implements the channel contracts over a hub connection. Inbound
// envelopes arrive in publish order and the hub never echoes our own
// publishes back, so queued signaling delivery comes for free.
type Bus struct {
	origin string
	logger *slog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	subMu    sync.Mutex
	refcount map[string]int

	subs      subscriberSet
	queueSubs subscriberSet

	closeOnce sync.Once
	done      chan struct{}
}

// subscriberSet mirrors the channel package's registry; kept local so the
// relay only depends on the exported channel contract.
type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	byName map[string]map[int]channel.Handler
}

func (s *subscriberSet) add(name string, h channel.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName == nil {
		s.byName = make(map[string]map[int]channel.Handler)
	}
	id := s.nextID
	s.nextID++
	if s.byName[name] == nil {
		s.byName[name] = make(map[int]channel.Handler)
	}
	s.byName[name][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byName[name], id)
		})
	}
}

func (s *subscriberSet) dispatch(env channel.Envelope) {
	s.mu.Lock()
	handlers := make([]channel.Handler, 0, len(s.byName[env.Channel]))
	for _, h := range s.byName[env.Channel] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func Dial(ctx context.Context, url, origin string, logger *slog.Logger) (*Bus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url+"?instance="+origin, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	b := &Bus{
		origin:   origin,
		logger:   logger.With("component", "relaybus"),
		conn:     conn,
		refcount: make(map[string]int),
		done:     make(chan struct{}),
	}
	go b.readPump()
	return b, nil
}

func (b *Bus) Broadcast(ctx context.Context, name string, payload any) error {
	env, err := b.envelope(name, payload)
	if err != nil {
		return err
	}
	if err := b.send(clientMessage{Op: opBroadcast, Envelope: &env}); err != nil {
		return err
	}

	// Synchronous self-delivery; the hub excludes this connection.
	b.subs.dispatch(env)
	return nil
}

func (b *Bus) Subscribe(name string, h channel.Handler) (cancel func()) {
	remove := b.subs.add(name, h)
	b.retain(name)
	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			b.release(name)
		})
	}
}

func (b *Bus) Publish(ctx context.Context, name string, payload any) error {
	env, err := b.envelope(name, payload)
	if err != nil {
		return err
	}
	return b.send(clientMessage{Op: opPublish, Envelope: &env})
}

func (b *Bus) SubscribeQueue(name string, h channel.Handler) (cancel func()) {
	remove := b.queueSubs.add(name, h)
	b.retain(name)
	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			b.release(name)
		})
	}
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		_ = b.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"),
			time.Now().Add(writeWait),
		)
		err = b.conn.Close()
		<-b.done
	})
	return err
}

func (b *Bus) envelope(name string, payload any) (channel.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return channel.Envelope{}, err
	}
	return channel.Envelope{
		Channel:     name,
		Payload:     raw,
		TimestampMs: time.Now().UnixMilli(),
		Origin:      b.origin,
	}, nil
}

func (b *Bus) send(msg clientMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return b.conn.WriteJSON(msg)
}

// retain/release keep the hub-side subscription alive while any local
// handler wants the channel.
func (b *Bus) retain(name string) {
	b.subMu.Lock()
	b.refcount[name]++
	first := b.refcount[name] == 1
	b.subMu.Unlock()

	if first {
		if err := b.send(clientMessage{Op: opSubscribe, Channel: name}); err != nil {
			b.logger.Warn("relay subscribe failed", "channel", name, "error", err)
		}
	}
}

func (b *Bus) release(name string) {
	b.subMu.Lock()
	b.refcount[name]--
	last := b.refcount[name] <= 0
	if last {
		delete(b.refcount, name)
	}
	b.subMu.Unlock()

	if last {
		if err := b.send(clientMessage{Op: opUnsubscribe, Channel: name}); err != nil {
			b.logger.Warn("relay unsubscribe failed", "channel", name, "error", err)
		}
	}
}

func (b *Bus) readPump() {
	defer close(b.done)

	b.conn.SetReadLimit(maxMessage)
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Envelope == nil {
			b.logger.Warn("relay dropping malformed message", "error", err)
			continue
		}

		// The op decides which subscriber set sees the envelope, channel
		// names carry no mode of their own.
		switch msg.Op {
		case opBroadcast:
			b.subs.dispatch(*msg.Envelope)
		case opPublish:
			b.queueSubs.dispatch(*msg.Envelope)
		default:
			b.logger.Warn("relay dropping unknown op", "op", msg.Op)
		}
	}
}
