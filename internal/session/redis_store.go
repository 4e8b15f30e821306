package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the distributed session registry.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// ShutdownNotice is broadcast over the fleet pub/sub topic when one
// node begins a graceful shutdown, so dashboards attached to other
// nodes can annotate the event stream.
type ShutdownNotice struct {
	NodeID string    `json:"node_id"`
	At     time.Time `json:"at"`
}

// RedisStore is a Store backed by Redis, for operators running more
// than one trapline node behind the same set of dashboards. Every
// Put replicates a JSON snapshot keyed by session ID with a TTL
// slightly longer than the session timeout; Get reads those snapshots
// back for sessions this process does not own, while List and Count
// see only sessions owned by this process. Sessions loaded from Redis
// are read-only views: a
// remote node's handler, not this one, owns the live mutex-guarded
// Session for its own connections.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	shutdownTopic string
	pubsub        *redis.PubSub

	mu    sync.RWMutex
	local map[string]*Session // sessions owned by this process
}

// NewRedisStore connects to Redis and subscribes to the fleet
// shutdown-broadcast topic.
func NewRedisStore(cfg RedisConfig, sessionTimeout time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "trapline:session:"
	}

	store := &RedisStore{
		client:        client,
		keyPrefix:     prefix,
		ttl:           sessionTimeout + 5*time.Minute,
		shutdownTopic: "trapline:shutdown",
		local:         make(map[string]*Session),
	}
	store.pubsub = client.Subscribe(context.Background(), store.shutdownTopic)

	slog.Info("distributed session registry connected", "addr", cfg.Addr, "key_prefix", prefix)
	return store, nil
}

// BroadcastShutdown publishes a ShutdownNotice so other fleet nodes'
// dashboards can see this node going down.
func (r *RedisStore) BroadcastShutdown(nodeID string) error {
	notice := ShutdownNotice{NodeID: nodeID, At: time.Now()}
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return r.client.Publish(context.Background(), r.shutdownTopic, data).Err()
}

// Shutdowns returns a channel of shutdown notices from other nodes.
func (r *RedisStore) Shutdowns() <-chan ShutdownNotice {
	ch := make(chan ShutdownNotice, 8)
	go func() {
		defer close(ch)
		for msg := range r.pubsub.Channel() {
			var notice ShutdownNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				continue
			}
			ch <- notice
		}
	}()
	return ch
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}

// Get returns a locally-owned Session if this process created it,
// otherwise reconstructs a read-only snapshot from Redis.
func (r *RedisStore) Get(id string) (*Session, bool) {
	r.mu.RLock()
	if sess, ok := r.local[id]; ok {
		r.mu.RUnlock()
		return sess, true
	}
	r.mu.RUnlock()

	data, err := r.client.Get(context.Background(), r.key(id)).Bytes()
	if err != nil {
		return nil, false
	}
	var snap Session
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// Put replicates the session snapshot to Redis and tracks ownership
// locally so this process's own Get calls return the live object.
func (r *RedisStore) Put(sess *Session) {
	r.mu.Lock()
	r.local[sess.ID] = sess
	r.mu.Unlock()

	snap := sess.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("failed to marshal session for replication", "session_id", sess.ID, "error", err)
		return
	}
	if err := r.client.Set(context.Background(), r.key(sess.ID), data, r.ttl).Err(); err != nil {
		slog.Error("failed to replicate session", "session_id", sess.ID, "error", err)
	}
}

// Delete removes a session from Redis and local ownership tracking.
func (r *RedisStore) Delete(id string) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	r.client.Del(context.Background(), r.key(id))
}

// List only ever enumerates sessions owned by this process: a
// cluster-wide SCAN on every sweep tick would be wasteful and the
// Manager's sweep only needs to act on sessions it can actually close.
func (r *RedisStore) List(filter func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Session
	for _, sess := range r.local {
		if filter == nil || filter(sess) {
			result = append(result, sess)
		}
	}
	return result
}

// Count counts locally-owned sessions matching filter.
func (r *RedisStore) Count(filter func(*Session) bool) int {
	return len(r.List(filter))
}

// Close releases the Redis client and pub/sub subscription.
func (r *RedisStore) Close() error {
	r.pubsub.Close()
	return r.client.Close()
}
