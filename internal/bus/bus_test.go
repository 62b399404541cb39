package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_TaskPrefix(t *testing.T) {
	b := New()
	tasks := b.Subscribe("task.")
	defer b.Unsubscribe(tasks)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicTaskCreated, TaskEvent{UserID: "u1", TaskID: "t1", Kind: "created"})
	b.Publish(TopicTurnCompleted, TurnEvent{UserID: "u1", ConversationID: "c1"})

	ev := recv(t, tasks)
	if ev.Topic != TopicTaskCreated {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskCreated)
	}
	payload, ok := ev.Payload.(TaskEvent)
	if !ok || payload.TaskID != "t1" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
	expectNone(t, tasks)

	recv(t, all)
	recv(t, all)
}

func TestBus_SubscribeUserFiltersOwner(t *testing.T) {
	b := New()
	alice := b.SubscribeUser("task.", "alice")
	defer b.Unsubscribe(alice)

	b.Publish(TopicTaskDeleted, TaskEvent{UserID: "bob", TaskID: "t-bob"})
	b.Publish(TopicTaskDeleted, TaskEvent{UserID: "alice", TaskID: "t-alice"})
	b.Publish(TopicTaskDeleted, "unowned payload")

	ev := recv(t, alice)
	if got := ev.Payload.(TaskEvent).TaskID; got != "t-alice" {
		t.Fatalf("task id = %q, want t-alice", got)
	}
	expectNone(t, alice)
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskUpdated, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
			continue
		default:
		}
		break
	}
	if count != defaultBufferSize {
		t.Fatalf("received %d events, want %d", count, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(TopicTaskCreated, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const workers, each = 8, 6
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicTaskCompleted, id*100+i)
			}
		}(w)
	}
	wg.Wait()

	if got := len(sub.ch); got != workers*each {
		t.Fatalf("buffered %d events, want %d", got, workers*each)
	}
}
