package channel

import (
	"context"
	"encoding/json"
	"testing"
)

func TestLocal_BroadcastSelfDeliversSynchronously(t *testing.T) {
	bus := NewLocal("inst-a")
	defer bus.Close()

	var got *Envelope
	cancel := bus.Subscribe("user:u1", func(env Envelope) {
		got = &env
	})
	defer cancel()

	if err := bus.Broadcast(context.Background(), "user:u1", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	// No waiting: delivery is synchronous.
	if got == nil {
		t.Fatal("subscriber not invoked synchronously")
	}
	var payload struct {
		X int `json:"x"`
	}
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
	if payload.X != 1 {
		t.Fatalf("payload.x = %d, want 1", payload.X)
	}
	if got.TimestampMs == 0 {
		t.Fatal("envelope missing timestamp")
	}
	if got.Origin != "inst-a" {
		t.Fatalf("origin = %q, want inst-a", got.Origin)
	}
}

func TestLocal_LatestValueOnly(t *testing.T) {
	bus := NewLocal("inst-a")
	defer bus.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bus.Broadcast(ctx, "user:u1", map[string]any{"n": i}); err != nil {
			t.Fatalf("Broadcast() error = %v", err)
		}
	}

	env, ok := bus.Latest("user:u1")
	if !ok {
		t.Fatal("Latest() found nothing")
	}
	var payload struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
	if payload.N != 2 {
		t.Fatalf("retained n = %d, want 2 (most recent write)", payload.N)
	}
}

func TestLocal_SubscribeCancelIsIdempotent(t *testing.T) {
	bus := NewLocal("inst-a")
	defer bus.Close()

	calls := 0
	cancel := bus.Subscribe("user:u1", func(Envelope) { calls++ })
	cancel()
	cancel()

	if err := bus.Broadcast(context.Background(), "user:u1", map[string]any{}); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if calls != 0 {
		t.Fatalf("cancelled subscriber invoked %d times", calls)
	}
}

func TestLocal_QueueDeliversEveryFrameInOrder(t *testing.T) {
	bus := NewLocal("inst-a")
	defer bus.Close()

	var seen []int
	cancel := bus.SubscribeQueue("signal:conv1", func(env Envelope) {
		var p struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload unmarshal error = %v", err)
		}
		seen = append(seen, p.N)
	})
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "signal:conv1", map[string]any{"n": i}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if len(seen) != 5 {
		t.Fatalf("delivered %d frames, want 5", len(seen))
	}
	for i, n := range seen {
		if n != i {
			t.Fatalf("frame %d carried %d, want %d (order preserved)", i, n, i)
		}
	}
}

func TestLocal_ClosedBusRejectsWrites(t *testing.T) {
	bus := NewLocal("inst-a")
	_ = bus.Close()

	if err := bus.Broadcast(context.Background(), "user:u1", map[string]any{}); err != ErrClosed {
		t.Fatalf("Broadcast() on closed bus error = %v, want ErrClosed", err)
	}
}
