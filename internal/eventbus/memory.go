package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/protocol"
)

// MemoryBus implements Bus using in-process channels. It is the default
// bus; a single process running Task Runner/Agent Manager/Verify-Fix
// Loop/Session Service/Autopilot needs no external broker.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	resolver    ProjectResolver
	recorder    TimelineRecorder
	logger      *logger.Logger
	closed      bool
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string]*Subscriber),
		logger:      log.WithFields(zap.String("component", "eventbus")),
	}
}

// Subscribe creates a new Subscriber with a buffered channel of the
// given capacity.
func (b *MemoryBus) Subscribe(bufSize int) *Subscriber {
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

// SubscribeProject adds slug to sub's subscription set.
func (b *MemoryBus) SubscribeProject(sub *Subscriber, slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.projects[slug] = true
}

// UnsubscribeProject removes slug from sub's subscription set.
func (b *MemoryBus) UnsubscribeProject(sub *Subscriber, slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(sub.projects, slug)
}

// Unsubscribe retires sub entirely, closing its channel.
func (b *MemoryBus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.C)
}

// SetResolver installs the task→project resolver used by Broadcast.
func (b *MemoryBus) SetResolver(r ProjectResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolver = r
}

// SetTimelineRecorder installs the timeline sink used by Broadcast.
func (b *MemoryBus) SetTimelineRecorder(r TimelineRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorder = r
}

// Broadcast delivers env to every subscriber whose subscription set
// contains env.ProjectSlug (resolving via TaskID when ProjectSlug is
// empty), or to every subscriber when env.Kind is global. Delivery is
// non-blocking: a full subscriber channel drops the envelope rather than
// stalling the producer.
func (b *MemoryBus) Broadcast(ctx context.Context, env protocol.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	slug := env.ProjectSlug
	if slug == "" && env.TaskID != "" && b.resolver != nil {
		if resolved, ok := b.resolver.ResolveProject(env.TaskID); ok {
			slug = resolved
			env.ProjectSlug = resolved
		}
	}

	global := env.Kind.IsGlobal()

	for _, sub := range b.subscribers {
		if !global && !sub.hasProject(slug) {
			continue
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

	if b.recorder != nil && env.Kind != protocol.KindAgentOutput {
		b.recorder.RecordTimeline(env)
	}

	return nil
}

// Close retires every subscriber and releases bus resources.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.C)
		delete(b.subscribers, id)
	}
	b.logger.Info("event bus closed")
}
