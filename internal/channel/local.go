package channel

import (
	"context"
	"sync"
	"time"
)

// Local is an in-memory bus for a single process: direct wiring in the
// client binary and tests. Semantics match the shared surfaces: broadcast
// retains only the latest value per channel and self-delivers synchronously;
// published frames reach queue subscribers in order.
type Local struct {
	origin string

	mu     sync.Mutex
	latest map[string]Envelope
	closed bool

	subs      *subscribers
	queueSubs *subscribers

	now func() time.Time
}

func NewLocal(origin string) *Local {
	return &Local{
		origin:    origin,
		latest:    make(map[string]Envelope),
		subs:      newSubscribers(),
		queueSubs: newSubscribers(),
		now:       time.Now,
	}
}

func (l *Local) Broadcast(ctx context.Context, channel string, payload any) error {
	env, err := l.envelope(channel, payload)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.latest[channel] = env
	l.mu.Unlock()

	l.subs.dispatch(env)
	return nil
}

func (l *Local) Subscribe(channel string, h Handler) (cancel func()) {
	return l.subs.add(channel, h)
}

func (l *Local) Publish(ctx context.Context, channel string, payload any) error {
	env, err := l.envelope(channel, payload)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	l.queueSubs.dispatch(env)
	return nil
}

func (l *Local) SubscribeQueue(channel string, h Handler) (cancel func()) {
	return l.queueSubs.add(channel, h)
}

// Latest returns the retained value for a channel, if any.
func (l *Local) Latest(channel string) (Envelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	env, ok := l.latest[channel]
	return env, ok
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Local) envelope(channel string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Channel:     channel,
		Payload:     raw,
		TimestampMs: l.now().UnixMilli(),
		Origin:      l.origin,
	}, nil
}
