package hub

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

// registryShards buckets topics by a stable hash of their id. Each shard
// guards its own map, so unrelated topics never contend on one lock. The
// shard hash is also the partitioning seam for running multiple hub
// instances, each owning a subset of shards.
const registryShards = 16

// Registry maps topic ids to live topics and owns the subscribe/unsubscribe
// lifecycle. It is the shared fan-out entry point: connections and external
// producers publish through the same Publish call.
type Registry struct {
	log     *slog.Logger
	grace   time.Duration
	metrics *Metrics

	shards [registryShards]registryShard
}

type registryShard struct {
	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewRegistry constructs a Registry. grace is how long an empty topic
// survives before the sweep tears it down.
func NewRegistry(log *slog.Logger, grace time.Duration, m *Metrics) *Registry {
	r := &Registry{log: log, grace: grace, metrics: m}
	for i := range r.shards {
		r.shards[i].topics = make(map[string]*Topic)
	}
	return r
}

func (r *Registry) shard(topicID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topicID))
	return &r.shards[h.Sum32()%registryShards]
}

// Get returns the live topic for id, or nil.
func (r *Registry) Get(id string) *Topic {
	s := r.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topics[id]
}

// GetOrCreate returns a stable topic handle, creating it on first use.
func (r *Registry) GetOrCreate(id, kind string) *Topic {
	s := r.shard(id)

	s.mu.RLock()
	t := s.topics[id]
	s.mu.RUnlock()
	if t != nil {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t = s.topics[id]; t != nil {
		return t
	}
	t = newTopic(id, kind, time.Now().UTC())
	s.topics[id] = t
	r.metrics.TopicCreated()
	r.log.Debug("hub.topic.create", "topic", id, "kind", kind)
	return t
}

// Subscribe adds c to the topic, creating the topic on first subscribe.
//
// Join runs outside the shard lock, so a sweep can tear the topic down
// between creation and join, leaving the subscriber on an orphaned handle
// that Publish will never find. Membership is confirmed under the shard
// lock after joining and retried on a fresh handle if the sweep won; once
// the joined handle is confirmed live it cannot expire while occupied.
func (r *Registry) Subscribe(c *Client, id, kind string) *Topic {
	s := r.shard(id)
	for {
		t := r.GetOrCreate(id, kind)
		t.Join(c)

		s.mu.RLock()
		live := s.topics[id] == t
		s.mu.RUnlock()
		if live {
			return t
		}
	}
}

// Unsubscribe removes the connection from the topic if it exists.
func (r *Registry) Unsubscribe(connID, id string) {
	if t := r.Get(id); t != nil {
		t.Leave(connID, time.Now().UTC())
	}
}

// Publish fans env out to every subscriber of id and returns immediately;
// delivery to any individual connection is not awaited. It reports false if
// the topic does not exist.
func (r *Registry) Publish(id string, env v1.Envelope) bool {
	t := r.Get(id)
	if t == nil {
		return false
	}
	delivered, dropped := t.Broadcast(env)
	r.metrics.Broadcast(t.Kind, delivered, dropped)
	return true
}

// Drop removes a topic unconditionally (used for terminal-job teardown).
func (r *Registry) Drop(id string) {
	s := r.shard(id)
	s.mu.Lock()
	if _, ok := s.topics[id]; ok {
		delete(s.topics, id)
		r.metrics.TopicDestroyed()
	}
	s.mu.Unlock()
}

// Topics returns the number of live topics.
func (r *Registry) Topics() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].topics)
		r.shards[i].mu.RUnlock()
	}
	return n
}

// Sweep tears down topics that have been empty past the grace window.
func (r *Registry) Sweep(now time.Time) {
	for i := range r.shards {
		s := &r.shards[i]

		s.mu.Lock()
		for id, t := range s.topics {
			if t.expired(now, r.grace) {
				delete(s.topics, id)
				r.metrics.TopicDestroyed()
				r.log.Debug("hub.topic.teardown", "topic", id)
			}
		}
		s.mu.Unlock()
	}
}
