package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := NewBus(Config{}, slog.Default())
	if err != nil {
		t.Fatalf("Failed to start bus: %v", err)
	}
	t.Cleanup(bus.Stop)
	return bus
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *nats.Msg, 1)
	if err := bus.Subscribe(SubjectMotionDetected, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := MotionEvent{Timestamp: time.Now(), ClipAccepted: true}
	if err := bus.Publish(SubjectMotionDetected, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		var got MotionEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		if !got.ClipAccepted {
			t.Error("Expected clip_accepted true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBusWildcardSubscription(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan string, 4)
	if err := bus.Subscribe(SubjectCameraAll, func(msg *nats.Msg) {
		received <- msg.Subject
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	subjects := []string{SubjectStillCaptured, SubjectRecordingStarted, SubjectRecordingFinished}
	for _, subject := range subjects {
		if err := bus.Publish(subject, map[string]string{"path": "/tmp/x"}); err != nil {
			t.Fatalf("Publish %s failed: %v", subject, err)
		}
	}

	seen := make(map[string]bool)
	for range subjects {
		select {
		case subject := <-received:
			seen[subject] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out; saw %v", seen)
		}
	}

	for _, subject := range subjects {
		if !seen[subject] {
			t.Errorf("Wildcard subscription missed %s", subject)
		}
	}

	// The fleet subject is outside camera.>
	if err := bus.Publish(SubjectFleetAction, map[string]string{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case subject := <-received:
		t.Errorf("Unexpected delivery of %s on camera wildcard", subject)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBusHealthCheck(t *testing.T) {
	bus := newTestBus(t)

	if err := bus.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed on running bus: %v", err)
	}
}

func TestBusPublishUnmarshalable(t *testing.T) {
	bus := newTestBus(t)

	if err := bus.Publish(SubjectMotionDetected, make(chan int)); err == nil {
		t.Error("Expected marshal error for channel payload")
	}
}
