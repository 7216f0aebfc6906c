package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: SessionState, Data: SessionStateChanged{From: "connecting", To: "ready"}})
	b.Publish(Event{Type: DeliveryStarted})

	if got := (<-a).Type; got != SessionState {
		t.Fatalf("a: got %q", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped: got %d, want 1", b.Dropped())
	}

	e := <-c
	if e.Time.IsZero() {
		t.Fatalf("publish must stamp time")
	}
	if st, ok := e.Data.(SessionStateChanged); !ok || st.To != "ready" {
		t.Fatalf("payload: %#v", e.Data)
	}
	if got := (<-c).Type; got != DeliveryStarted {
		t.Fatalf("c second: got %q", got)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel must be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: DeliveryFinished})
}
