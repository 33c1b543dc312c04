package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chitchat-client/internal/store"
)

// Backend is the slice of the persistent store the bus needs. *store.Store
// satisfies it.
type Backend interface {
	PutChannelValue(ctx context.Context, name string, payload []byte, origin string, timestampMs int64) (int64, error)
	ChannelValuesSince(ctx context.Context, rev int64) ([]store.ChannelValueRow, error)
	MaxChannelRev(ctx context.Context) (int64, error)
	AppendChannelFrame(ctx context.Context, name string, payload []byte, origin string, timestampMs int64) (int64, error)
	ChannelFramesAfter(ctx context.Context, seq int64) ([]store.ChannelFrameRow, error)
	MaxChannelFrameSeq(ctx context.Context) (int64, error)
	PruneChannelFrames(ctx context.Context, beforeMs int64) (int64, error)
}

// Frames are transient signaling traffic; anything older than frameRetention
// predates every live call and can go. Every running instance prunes, the
// deletes are idempotent.
const (
	frameRetention = time.Minute
	pruneInterval  = 30 * time.Second
)

// DBBus connects independently running instances through the shared
// database: writes land in the channel tables, a poll loop watches for other
// instances' writes. The writer's own watch never fires (envelopes from this
// instance are filtered by origin); self-delivery happens synchronously in
// Broadcast instead, mirroring how a storage event never reaches the tab
// that wrote it.
type DBBus struct {
	backend Backend
	origin  string
	logger  *slog.Logger

	subs      *subscribers
	queueSubs *subscribers

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// NewDBBus starts the watcher. The cursor starts at the current head: history
// written before this instance came up is not replayed.
func NewDBBus(ctx context.Context, backend Backend, origin string, pollInterval time.Duration, logger *slog.Logger) (*DBBus, error) {
	lastRev, err := backend.MaxChannelRev(ctx)
	if err != nil {
		return nil, err
	}
	lastSeq, err := backend.MaxChannelFrameSeq(ctx)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	b := &DBBus{
		backend:   backend,
		origin:    origin,
		logger:    logger.With("component", "channel"),
		subs:      newSubscribers(),
		queueSubs: newSubscribers(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go b.watch(watchCtx, pollInterval, lastRev, lastSeq)
	return b, nil
}

func (b *DBBus) Broadcast(ctx context.Context, channel string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	nowMs := time.Now().UnixMilli()

	if _, err := b.backend.PutChannelValue(ctx, channel, raw, b.origin, nowMs); err != nil {
		return err
	}

	// Synchronous self-delivery: the watch loop skips our own writes.
	b.subs.dispatch(Envelope{
		Channel:     channel,
		Payload:     raw,
		TimestampMs: nowMs,
		Origin:      b.origin,
	})
	return nil
}

func (b *DBBus) Subscribe(channel string, h Handler) (cancel func()) {
	return b.subs.add(channel, h)
}

func (b *DBBus) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = b.backend.AppendChannelFrame(ctx, channel, raw, b.origin, time.Now().UnixMilli())
	return err
}

func (b *DBBus) SubscribeQueue(channel string, h Handler) (cancel func()) {
	return b.queueSubs.add(channel, h)
}

func (b *DBBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
	})
	return nil
}

func (b *DBBus) watch(ctx context.Context, pollInterval time.Duration, lastRev, lastSeq int64) {
	defer close(b.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastPrune time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lastRev = b.pollValues(ctx, lastRev)
		lastSeq = b.pollFrames(ctx, lastSeq)

		// First tick prunes immediately to clear frames left behind by a
		// previous run.
		if lastPrune.IsZero() || time.Since(lastPrune) >= pruneInterval {
			b.pruneFrames(ctx)
			lastPrune = time.Now()
		}
	}
}

func (b *DBBus) pruneFrames(ctx context.Context) {
	cutoff := time.Now().Add(-frameRetention).UnixMilli()
	pruned, err := b.backend.PruneChannelFrames(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("channel frame prune failed", "error", err)
		}
		return
	}
	if pruned > 0 {
		b.logger.Debug("pruned channel frames", "count", pruned)
	}
}

func (b *DBBus) pollValues(ctx context.Context, lastRev int64) int64 {
	values, err := b.backend.ChannelValuesSince(ctx, lastRev)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("channel value poll failed", "error", err)
		}
		return lastRev
	}

	for _, v := range values {
		if v.Rev > lastRev {
			lastRev = v.Rev
		}
		if v.Origin == b.origin {
			continue
		}
		if !json.Valid(v.Payload) {
			b.logger.Warn("dropping malformed channel value", "channel", v.Name)
			continue
		}
		b.subs.dispatch(Envelope{
			Channel:     v.Name,
			Payload:     v.Payload,
			TimestampMs: v.TimestampMs,
			Origin:      v.Origin,
		})
	}
	return lastRev
}

func (b *DBBus) pollFrames(ctx context.Context, lastSeq int64) int64 {
	frames, err := b.backend.ChannelFramesAfter(ctx, lastSeq)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("channel frame poll failed", "error", err)
		}
		return lastSeq
	}

	for _, f := range frames {
		if f.Seq > lastSeq {
			lastSeq = f.Seq
		}
		if f.Origin == b.origin {
			continue
		}
		if !json.Valid(f.Payload) {
			b.logger.Warn("dropping malformed channel frame", "channel", f.Name)
			continue
		}
		b.queueSubs.dispatch(Envelope{
			Channel:     f.Name,
			Payload:     f.Payload,
			TimestampMs: f.TimestampMs,
			Origin:      f.Origin,
		})
	}
	return lastSeq
}
