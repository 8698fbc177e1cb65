package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBus_PublishInvokesHandlersInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Register(func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	bus.Publish(Event{Type: WorkflowStarted, InstanceID: "wf-1"})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected handlers invoked in registration order, got %v", order)
	}
}

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var called bool
	bus.Register(func(Event) { panic("boom") })
	bus.Register(func(Event) { called = true })

	bus.Publish(Event{Type: StepFailed, InstanceID: "wf-1"})

	if !called {
		t.Fatal("expected second handler to run despite first panicking")
	}
}

func TestBus_SubscribeReceivesAndUnsubscribeCloses(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch, unsubscribe := bus.Subscribe("wf-1", "client-a", 4)
	bus.Publish(Event{Type: StepStarted, InstanceID: "wf-1", StepID: "step-1"})

	select {
	case e := <-ch:
		if e.StepID != "step-1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}

	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestBus_UnrelatedInstanceDoesNotReceive(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch, _ := bus.Subscribe("wf-other", "client-a", 4)

	bus.Publish(Event{Type: StepStarted, InstanceID: "wf-1"})

	select {
	case e := <-ch:
		t.Fatalf("did not expect event for unrelated instance, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
