package hub

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain collects everything currently buffered on the client's queue.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func typesOf(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func TestRegistryFanOut(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), time.Minute, NewMetrics(nil))

	a := NewClient("c1", "u1", 8)
	b := NewClient("c2", "u2", 8)
	reg.Subscribe(a, v1.DocumentTopic("p1"), v1.KindDocument)
	reg.Subscribe(b, v1.DocumentTopic("p1"), v1.KindDocument)

	if !reg.Publish(v1.DocumentTopic("p1"), v1.Envelope{Type: "x"}) {
		t.Fatalf("publish to live topic reported no topic")
	}

	for _, c := range []*Client{a, b} {
		got := drain(c)
		if len(got) != 1 || got[0].Type != "x" {
			t.Fatalf("client %s: got %v", c.ID, typesOf(got))
		}
	}
}

func TestRegistryPublishUnknownTopic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), time.Minute, NewMetrics(nil))
	if reg.Publish("doc:nope", v1.Envelope{Type: "x"}) {
		t.Fatalf("expected publish to report missing topic")
	}
}

func TestRegistryUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger(), time.Minute, NewMetrics(nil))
	c := NewClient("c1", "u1", 8)
	reg.Subscribe(c, "channel:general", v1.KindChannel)
	reg.Unsubscribe("c1", "channel:general")

	reg.Publish("channel:general", v1.Envelope{Type: "x"})
	if got := drain(c); len(got) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %v", typesOf(got))
	}
}

func TestRegistrySweepHonorsGrace(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRegistry(testLogger(), 30*time.Second, NewMetrics(nil))

	c := NewClient("c1", "u1", 8)
	topic := reg.Subscribe(c, v1.JobTopic("j1"), v1.KindJob)
	topic.Leave("c1", now)

	reg.Sweep(now.Add(10 * time.Second))
	if reg.Get(v1.JobTopic("j1")) == nil {
		t.Fatalf("topic torn down inside grace window")
	}

	reg.Sweep(now.Add(31 * time.Second))
	if reg.Get(v1.JobTopic("j1")) != nil {
		t.Fatalf("topic survived past grace window")
	}
}

func TestRegistrySweepKeepsReoccupiedTopic(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg := NewRegistry(testLogger(), 30*time.Second, NewMetrics(nil))

	c := NewClient("c1", "u1", 8)
	topic := reg.Subscribe(c, v1.JobTopic("j1"), v1.KindJob)
	topic.Leave("c1", now)

	// Reconnect before the sweep fires.
	c2 := NewClient("c2", "u1", 8)
	topic.Join(c2)

	reg.Sweep(now.Add(time.Hour))
	if reg.Get(v1.JobTopic("j1")) == nil {
		t.Fatalf("occupied topic was torn down")
	}
}

func TestRegistrySubscribeSurvivesSweepRace(t *testing.T) {
	t.Parallel()

	// Zero grace makes every empty topic immediately sweepable, so the
	// window between topic creation and join inside Subscribe is as wide
	// as it gets. Once Subscribe returns, the topic must be reachable by
	// Publish no matter how the sweep interleaved.
	reg := NewRegistry(testLogger(), 0, NewMetrics(nil))
	id := v1.DocumentTopic("p1")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				reg.Sweep(time.Now().UTC().Add(time.Hour))
			}
		}
	}()

	for i := 0; i < 100; i++ {
		c := NewClient(fmt.Sprintf("c%d", i), "u1", 8)
		reg.Subscribe(c, id, v1.KindDocument)

		if !reg.Publish(id, v1.Envelope{Type: "x"}) {
			t.Fatalf("iteration %d: publish found no topic after subscribe returned", i)
		}
		if got := drain(c); len(got) != 1 || got[0].Type != "x" {
			t.Fatalf("iteration %d: subscriber received %v", i, typesOf(got))
		}
		reg.Unsubscribe(c.ID, id)
	}

	close(stop)
	wg.Wait()
}

func TestClientEnqueueDropOldest(t *testing.T) {
	t.Parallel()

	c := NewClient("c1", "u1", 2)

	if d := c.Enqueue(v1.Envelope{Type: "a"}); d != 0 {
		t.Fatalf("unexpected drop: %d", d)
	}
	if d := c.Enqueue(v1.Envelope{Type: "b"}); d != 0 {
		t.Fatalf("unexpected drop: %d", d)
	}
	// Queue full: the oldest entry is shed to admit the newest.
	if d := c.Enqueue(v1.Envelope{Type: "c"}); d != 1 {
		t.Fatalf("expected 1 drop, got %d", d)
	}

	got := typesOf(drain(c))
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected [b c], got %v", got)
	}
}

func TestClientEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	c := NewClient("c1", "u1", 2)
	c.Close()
	c.Close() // idempotent

	if d := c.Enqueue(v1.Envelope{Type: "a"}); d != 0 {
		t.Fatalf("enqueue after close should be a no-op, dropped=%d", d)
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("closed client buffered %v", typesOf(got))
	}
}

func TestTopicBroadcastSkipsClosed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	topic := newTopic("doc:p1", v1.KindDocument, now)

	live := NewClient("c1", "u1", 8)
	dead := NewClient("c2", "u2", 8)
	topic.Join(live)
	topic.Join(dead)
	dead.Close()

	delivered, dropped := topic.Broadcast(v1.Envelope{Type: "x"})
	if delivered != 1 || dropped != 0 {
		t.Fatalf("delivered=%d dropped=%d", delivered, dropped)
	}
}
