package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsume(t *testing.T) {
	b := New()
	b.Publish(&Envelope{Kind: KindEvent, Payload: []byte(`{}`)})

	if b.Size() != 1 {
		t.Errorf("Size = %d, want 1", b.Size())
	}

	env, err := b.Consume(context.Background())
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if env.Kind != KindEvent {
		t.Errorf("kind = %s, want %s", env.Kind, KindEvent)
	}
	if env.ReceivedAt.IsZero() {
		t.Error("ReceivedAt was not defaulted")
	}
}

func TestConsumeHonorsCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Consume(ctx); err == nil {
		t.Error("Consume on empty bus returned without error after cancel")
	}
}
