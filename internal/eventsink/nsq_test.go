package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

type fakePublisher struct {
	mu      sync.Mutex
	topics  []string
	bodies  [][]byte
	fail    bool
	stopped bool
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("nsqd unavailable")
	}
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakePublisher) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func TestSinkForwardsFilteredEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	pub := &fakePublisher{}
	sink := NewWithPublisher(Config{Topic: "runs", Only: []string{"run."}}, pub, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx, bus)
	}()

	// Subscription happens inside Run; republish until the first event lands.
	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no event forwarded")
		}
		bus.Publish(eventbus.Event{Type: eventbus.BatchStarted, Identity: "alice"})
		bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Identity: "alice", Data: map[string]any{"run_id": "r1"}})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if !pub.stopped {
		t.Fatalf("producer not stopped")
	}
	for i, body := range pub.bodies {
		if pub.topics[i] != "runs" {
			t.Fatalf("topic = %q, want runs", pub.topics[i])
		}
		var env struct {
			Type     string         `json:"type"`
			Identity string         `json:"identity"`
			Data     map[string]any `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if env.Type != eventbus.RunStarted || env.Identity != "alice" || env.Data["run_id"] != "r1" {
			t.Fatalf("envelope = %+v", env)
		}
	}
}

func TestSinkCountsFailures(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{fail: true}
	sink := NewWithPublisher(Config{}, pub, logx.Nop())
	sink.forward(eventbus.Event{Type: eventbus.JobFired})
	sink.forward(eventbus.Event{Type: eventbus.JobFinished})
	if got := sink.Failed(); got != 2 {
		t.Fatalf("Failed() = %d, want 2", got)
	}
}

func TestNewRejectsBadTopic(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Addr: "127.0.0.1:4150", Topic: "bad topic!"}, logx.Nop()); err == nil {
		t.Fatalf("New with invalid topic succeeded")
	}
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("New without address succeeded")
	}
}
