package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/relay/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestMemoryBus_PublishDeliversToExactSubjectSubscriber(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan *Message, 1)
	if _, err := b.Subscribe("relay.session.a", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "relay.session.a", &Message{ID: "a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != "a" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBus_WildcardSubjectMatches(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)
	if _, err := b.Subscribe("relay.session.*", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(context.Background(), "relay.session.a", &Message{ID: "a"})
	b.Publish(context.Background(), "relay.session.b", &Message{ID: "b"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 wildcard deliveries, got %d: %v", len(got), got)
	}
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	received := make(chan *Message, 1)
	sub, err := b.Subscribe("relay.session.a", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if sub.Active() {
		t.Fatal("expected subscription to be inactive after Unsubscribe")
	}

	b.Publish(context.Background(), "relay.session.a", &Message{ID: "a"})

	select {
	case <-received:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_PublishAfterCloseReturnsError(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	b.Close()

	if err := b.Publish(context.Background(), "relay.session.a", &Message{ID: "a"}); err == nil {
		t.Fatal("expected Publish after Close to return an error")
	}
	if b.Connected() {
		t.Fatal("expected Connected() to report false after Close")
	}
}

func TestSessionSubject_FormatsCanonicalSubject(t *testing.T) {
	if got := SessionSubject("sess_1"); got != "relay.session.sess_1" {
		t.Fatalf("unexpected subject: %s", got)
	}
}
