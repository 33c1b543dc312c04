package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chitchat-client/internal/channel"
)

func newTestHub(t *testing.T) (hub *Hub, wsURL string) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	hub = NewHub(logger)

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.CloseAll)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRaw(t *testing.T, wsURL, instance string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?instance="+instance, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHub_RequiresInstanceID(t *testing.T) {
	_, wsURL := newTestHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Dial() without instance id should fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("status = %v, want 400", resp)
	}
}

func TestHub_ForwardsInOrderAndSkipsPublisher(t *testing.T) {
	_, wsURL := newTestHub(t)

	pub := dialRaw(t, wsURL, "inst-a")
	sub := dialRaw(t, wsURL, "inst-b")

	subscribe := clientMessage{Op: opSubscribe, Channel: "signal:conv1"}
	if err := sub.WriteJSON(subscribe); err != nil {
		t.Fatalf("WriteJSON(subscribe) error = %v", err)
	}
	if err := pub.WriteJSON(subscribe); err != nil {
		t.Fatalf("WriteJSON(subscribe) error = %v", err)
	}
	// Let the hub register both subscriptions before publishing.
	time.Sleep(50 * time.Millisecond)

	const frames = 5
	for i := 0; i < frames; i++ {
		payload, _ := json.Marshal(map[string]any{"n": i})
		env := channel.Envelope{Channel: "signal:conv1", Payload: payload, TimestampMs: time.Now().UnixMilli(), Origin: "inst-a"}
		if err := pub.WriteJSON(clientMessage{Op: opPublish, Envelope: &env}); err != nil {
			t.Fatalf("WriteJSON(publish %d) error = %v", i, err)
		}
	}

	for i := 0; i < frames; i++ {
		_ = sub.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg clientMessage
		if err := sub.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON(%d) error = %v", i, err)
		}
		if msg.Op != opPublish || msg.Envelope == nil {
			t.Fatalf("forwarded message = %+v, want op %q with envelope", msg, opPublish)
		}
		var p struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(msg.Envelope.Payload, &p); err != nil {
			t.Fatalf("payload unmarshal error = %v", err)
		}
		if p.N != i {
			t.Fatalf("frame %d carried %d, want %d (publish order)", i, p.N, i)
		}
	}

	// The publisher subscribed too but must not get its frames echoed back.
	_ = pub.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := pub.ReadMessage(); err == nil {
		t.Fatal("publisher received its own frame")
	}
}

func TestHub_OnlySubscribedChannelsDelivered(t *testing.T) {
	_, wsURL := newTestHub(t)

	pub := dialRaw(t, wsURL, "inst-a")
	sub := dialRaw(t, wsURL, "inst-b")

	if err := sub.WriteJSON(clientMessage{Op: opSubscribe, Channel: "user:u1"}); err != nil {
		t.Fatalf("WriteJSON(subscribe) error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	for _, ch := range []string{"user:u2", "user:u1"} {
		payload, _ := json.Marshal(map[string]any{"channel": ch})
		env := channel.Envelope{Channel: ch, Payload: payload, TimestampMs: time.Now().UnixMilli(), Origin: "inst-a"}
		if err := pub.WriteJSON(clientMessage{Op: opPublish, Envelope: &env}); err != nil {
			t.Fatalf("WriteJSON(publish) error = %v", err)
		}
	}

	_ = sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg clientMessage
	if err := sub.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Envelope == nil || msg.Envelope.Channel != "user:u1" {
		t.Fatalf("received %+v, want only the subscribed user:u1", msg)
	}
}

func TestHub_DropsMalformedMessages(t *testing.T) {
	_, wsURL := newTestHub(t)

	conn := dialRaw(t, wsURL, "inst-a")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	// The connection survives a malformed frame.
	if err := conn.WriteJSON(clientMessage{Op: opSubscribe, Channel: "user:u1"}); err != nil {
		t.Fatalf("WriteJSON() after malformed frame error = %v", err)
	}
}

func TestBus_EndToEnd(t *testing.T) {
	_, wsURL := newTestHub(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	a, err := Dial(context.Background(), wsURL, "inst-a", logger)
	if err != nil {
		t.Fatalf("Dial(a) error = %v", err)
	}
	defer a.Close()

	b, err := Dial(context.Background(), wsURL, "inst-b", logger)
	if err != nil {
		t.Fatalf("Dial(b) error = %v", err)
	}
	defer b.Close()

	var mu sync.Mutex
	var atA, atB []int
	record := func(dst *[]int) channel.Handler {
		return func(env channel.Envelope) {
			var p struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return
			}
			mu.Lock()
			*dst = append(*dst, p.N)
			mu.Unlock()
		}
	}
	cancelA := a.SubscribeQueue("signal:conv1", record(&atA))
	defer cancelA()
	cancelB := b.SubscribeQueue("signal:conv1", record(&atB))
	defer cancelB()

	// Hub-side subscription registration races the first publish otherwise.
	time.Sleep(50 * time.Millisecond)

	const frames = 5
	for i := 0; i < frames; i++ {
		if err := a.Publish(context.Background(), "signal:conv1", map[string]any{"n": i}); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(atB) == frames
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(atB) != frames {
		t.Fatalf("b received %d frames, want %d", len(atB), frames)
	}
	for i, n := range atB {
		if n != i {
			t.Fatalf("frame %d carried %d, want %d", i, n, i)
		}
	}
	if len(atA) != 0 {
		t.Fatalf("publisher received %d of its own frames, want 0", len(atA))
	}
}

func TestBus_BroadcastSelfDelivers(t *testing.T) {
	_, wsURL := newTestHub(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	a, err := Dial(context.Background(), wsURL, "inst-a", logger)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer a.Close()

	got := 0
	cancel := a.Subscribe("user:u1", func(env channel.Envelope) {
		if env.TimestampMs == 0 {
			t.Error("envelope missing timestamp")
		}
		got++
	})
	defer cancel()

	if err := a.Broadcast(context.Background(), "user:u1", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if got != 1 {
		t.Fatalf("self-delivery invoked %d times, want 1 (synchronous)", got)
	}
}

// A single channel name with both kinds of subscribers must route broadcasts
// and publishes to their own subscriber set, never both.
func TestBus_BroadcastAndPublishStaySeparate(t *testing.T) {
	_, wsURL := newTestHub(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	a, err := Dial(context.Background(), wsURL, "inst-a", logger)
	if err != nil {
		t.Fatalf("Dial(a) error = %v", err)
	}
	defer a.Close()

	b, err := Dial(context.Background(), wsURL, "inst-b", logger)
	if err != nil {
		t.Fatalf("Dial(b) error = %v", err)
	}
	defer b.Close()

	var mu sync.Mutex
	var latest, queued []string
	record := func(dst *[]string) channel.Handler {
		return func(env channel.Envelope) {
			var p struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return
			}
			mu.Lock()
			*dst = append(*dst, p.Kind)
			mu.Unlock()
		}
	}
	cancelLatest := b.Subscribe("user:u1", record(&latest))
	defer cancelLatest()
	cancelQueued := b.SubscribeQueue("user:u1", record(&queued))
	defer cancelQueued()

	time.Sleep(50 * time.Millisecond)

	if err := a.Broadcast(context.Background(), "user:u1", map[string]any{"kind": "broadcast"}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if err := a.Publish(context.Background(), "user:u1", map[string]any{"kind": "publish"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(latest) >= 1 && len(queued) >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(latest) != 1 || latest[0] != "broadcast" {
		t.Fatalf("latest-value subscriber saw %v, want only the broadcast", latest)
	}
	if len(queued) != 1 || queued[0] != "publish" {
		t.Fatalf("queue subscriber saw %v, want only the publish", queued)
	}
}
