package eventbus

import (
	"testing"
	"time"
)

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New()
	ch := bus.Subscribe(TopicExecutionCompleted)

	bus.Publish(TopicExecutionCompleted, "exec-1")

	select {
	case evt := <-ch:
		if evt.Topic != TopicExecutionCompleted {
			t.Errorf("expected topic %q, got %q", TopicExecutionCompleted, evt.Topic)
		}
		if evt.Payload != "exec-1" {
			t.Errorf("expected payload 'exec-1', got %v", evt.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout: expected event to be received within 100ms")
	}
}

func TestEventBus_MultipleSubscribers_AllReceive(t *testing.T) {
	t.Parallel()

	bus := New()
	ch1 := bus.Subscribe(TopicCommandBlocked)
	ch2 := bus.Subscribe(TopicCommandBlocked)

	bus.Publish(TopicCommandBlocked, 42)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Payload != 42 {
				t.Errorf("subscriber %d: expected payload 42, got %v", i, evt.Payload)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("subscriber %d: timeout waiting for event", i)
		}
	}
}

func TestEventBus_DifferentTopics_NoInterference(t *testing.T) {
	t.Parallel()

	bus := New()
	chA := bus.Subscribe("topic.a")
	chB := bus.Subscribe("topic.b")

	bus.Publish("topic.a", "for-a")

	select {
	case <-chA:
	case <-time.After(100 * time.Millisecond):
		t.Error("topic.a: timeout waiting for event")
	}

	select {
	case evt := <-chB:
		t.Errorf("topic.b: received unexpected event: %v", evt)
	default:
	}
}

func TestEventBus_FullBuffer_DropsAndCounts(t *testing.T) {
	t.Parallel()

	bus := New()
	_ = bus.Subscribe("overflow.topic")

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			bus.Publish("overflow.topic", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Publish blocked when buffer was full")
	}
	if got := bus.Dropped(); got != 10 {
		t.Errorf("expected 10 dropped deliveries, got %d", got)
	}
}

func TestEventBus_Unsubscribe_ClosesChannel(t *testing.T) {
	t.Parallel()

	bus := New()
	ch := bus.Subscribe(TopicToolPublished)
	keep := bus.Subscribe(TopicToolPublished)

	bus.Unsubscribe(TopicToolPublished, ch)
	bus.Publish(TopicToolPublished, "x")

	if _, ok := <-ch; ok {
		t.Error("expected unsubscribed channel to be closed")
	}
	select {
	case <-keep:
	case <-time.After(100 * time.Millisecond):
		t.Error("remaining subscriber should still receive")
	}

	bus.Unsubscribe(TopicToolPublished, ch)
}
