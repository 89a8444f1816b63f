package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/protocol"
)

const globalSubject = "haivemind.global"

func projectSubject(namespace, slug string) string {
	if namespace != "" {
		return fmt.Sprintf("haivemind.%s.project.%s", namespace, slug)
	}
	return fmt.Sprintf("haivemind.project.%s", slug)
}

// NATSBus implements Bus over a NATS connection, letting a swarm of
// hAIvemind processes share one event fan-out (spec's "a single swarm
// runner may extend capacity"). Local subscriber bookkeeping mirrors
// MemoryBus; delivery is driven by NATS subject subscriptions rather
// than the in-process map.
type NATSBus struct {
	mu          sync.RWMutex
	conn        *nats.Conn
	namespace   string
	subscribers map[string]*Subscriber
	natsSubs    map[string]*nats.Subscription // keyed by subscriber id + slug
	resolver    ProjectResolver
	recorder    TimelineRecorder
	logger      *logger.Logger
	closed      bool
}

// NewNATSBus connects to NATS and returns a ready NATSBus.
func NewNATSBus(cfg config.NATSConfig, namespace string, log *logger.Logger) (*NATSBus, error) {
	log = log.WithFields(zap.String("component", "eventbus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSBus{
		conn:        conn,
		namespace:   namespace,
		subscribers: make(map[string]*Subscriber),
		natsSubs:    make(map[string]*nats.Subscription),
		logger:      log,
	}, nil
}

// Subscribe creates a new Subscriber; it has no NATS subjects until
// SubscribeProject is called.
func (b *NATSBus) Subscribe(bufSize int) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id:       uuid.New().String(),
		C:        make(chan protocol.Envelope, bufSize),
		projects: make(map[string]bool),
	}
	b.subscribers[sub.id] = sub
	return sub
}

// SubscribeProject subscribes to the NATS subject for slug and routes
// delivered messages onto sub.C.
func (b *NATSBus) SubscribeProject(sub *Subscriber, slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.projects[slug] {
		return
	}
	sub.projects[slug] = true

	key := sub.id + ":" + slug
	natsSub, err := b.conn.Subscribe(projectSubject(b.namespace, slug), func(msg *nats.Msg) {
		b.deliver(sub, msg.Data)
	})
	if err != nil {
		b.logger.WithError(err).Warn("failed to subscribe to project subject", zap.String("slug", slug))
		return
	}
	b.natsSubs[key] = natsSub

	if _, ok := b.natsSubs[sub.id+":__global__"]; !ok {
		globalSub, err := b.conn.Subscribe(globalSubject, func(msg *nats.Msg) {
			b.deliver(sub, msg.Data)
		})
		if err == nil {
			b.natsSubs[sub.id+":__global__"] = globalSub
		}
	}
}

// UnsubscribeProject removes slug from sub's subscription set and
// drains the corresponding NATS subscription.
func (b *NATSBus) UnsubscribeProject(sub *Subscriber, slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !sub.projects[slug] {
		return
	}
	delete(sub.projects, slug)

	key := sub.id + ":" + slug
	if natsSub, ok := b.natsSubs[key]; ok {
		_ = natsSub.Unsubscribe()
		delete(b.natsSubs, key)
	}
}

// Unsubscribe retires sub entirely.
func (b *NATSBus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	for key, natsSub := range b.natsSubs {
		if key[:len(sub.id)] == sub.id {
			_ = natsSub.Unsubscribe()
			delete(b.natsSubs, key)
		}
	}
	delete(b.subscribers, sub.id)
	close(sub.C)
}

// SetResolver installs the task→project resolver used by Broadcast.
func (b *NATSBus) SetResolver(r ProjectResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolver = r
}

// SetTimelineRecorder installs the timeline sink used by Broadcast.
func (b *NATSBus) SetTimelineRecorder(r TimelineRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorder = r
}

// Broadcast publishes env to its project's NATS subject, or to the
// global subject when env.Kind is global.
func (b *NATSBus) Broadcast(ctx context.Context, env protocol.Envelope) error {
	b.mu.RLock()
	closed := b.closed
	resolver := b.resolver
	recorder := b.recorder
	namespace := b.namespace
	b.mu.RUnlock()

	if closed {
		return fmt.Errorf("event bus is closed")
	}

	slug := env.ProjectSlug
	if slug == "" && env.TaskID != "" && resolver != nil {
		if resolved, ok := resolver.ResolveProject(env.TaskID); ok {
			slug = resolved
			env.ProjectSlug = resolved
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	subject := globalSubject
	if !env.Kind.IsGlobal() {
		subject = projectSubject(namespace, slug)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	if recorder != nil && env.Kind != protocol.KindAgentOutput {
		recorder.RecordTimeline(env)
	}

	return nil
}

// Close drains all subscriptions and closes the NATS connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, natsSub := range b.natsSubs {
		_ = natsSub.Unsubscribe()
	}
	for id, sub := range b.subscribers {
		close(sub.C)
		delete(b.subscribers, id)
	}
	b.conn.Close()
	b.logger.Info("nats event bus closed")
}

func (b *NATSBus) deliver(sub *Subscriber, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.WithError(err).Warn("failed to unmarshal envelope")
		return
	}
	select {
	case sub.C <- env:
	default:
		atomic.AddInt64(&sub.dropped, 1)
		b.logger.Warn("dropped envelope on full subscriber buffer",
			zap.String("subscriber", sub.id),
			zap.String("kind", string(env.Kind)))
	}
}
