// Package eventbus provides scoped publish/subscribe delivery of
// protocol envelopes to transport subscribers, filtered by project
// slug. The default implementation is in-memory; a NATS-backed
// implementation is available for multi-process fan-out.
package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/haivemind/core/internal/protocol"
)

// ProjectResolver resolves the project a task belongs to, used when an
// envelope carries a taskId but no project slug.
type ProjectResolver interface {
	ResolveProject(taskID string) (slug string, ok bool)
}

// TimelineRecorder receives every non-output envelope broadcast through
// the bus so the owning session's timeline can be appended to. Output
// chunks (protocol.KindAgentOutput) are excluded, per spec.md §4.1's
// "every event except pure output chunks is appended."
type TimelineRecorder interface {
	RecordTimeline(env protocol.Envelope)
}

// Bus delivers envelopes to project-scoped subscribers.
type Bus interface {
	// Subscribe creates a new Subscriber with the given buffered channel
	// capacity. Callers read env.Payload from Subscriber.C.
	Subscribe(bufSize int) *Subscriber

	// SubscribeProject adds slug to sub's subscription set. Subscribing
	// twice to the same slug is a no-op.
	SubscribeProject(sub *Subscriber, slug string)

	// UnsubscribeProject removes slug from sub's subscription set.
	// Unsubscribing an unknown slug is a silent no-op.
	UnsubscribeProject(sub *Subscriber, slug string)

	// Unsubscribe retires sub entirely, closing its channel.
	Unsubscribe(sub *Subscriber)

	// Broadcast delivers env to every subscriber whose subscription set
	// contains env.ProjectSlug, or to every subscriber if env.Kind is
	// global. If env carries a TaskID but no ProjectSlug, the configured
	// ProjectResolver is consulted first.
	Broadcast(ctx context.Context, env protocol.Envelope) error

	// SetResolver installs the task→project resolver used by Broadcast.
	SetResolver(r ProjectResolver)

	// SetTimelineRecorder installs the timeline sink used by Broadcast.
	SetTimelineRecorder(r TimelineRecorder)

	// Close retires every subscriber and releases bus resources.
	Close()
}

// Subscriber is one bus subscription. Its channel delivers envelopes
// for every project slug currently in its subscription set, plus any
// global-kind envelope.
type Subscriber struct {
	id       string
	C        chan protocol.Envelope
	dropped  int64
	projects map[string]bool
}

// ID returns the subscriber's opaque identifier.
func (s *Subscriber) ID() string { return s.id }

// Dropped returns the number of envelopes dropped for this subscriber
// due to a full channel buffer, making backpressure observable per
// spec.md §4.1's "drop-on-backpressure... must be observable."
func (s *Subscriber) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

func (s *Subscriber) hasProject(slug string) bool {
	return s.projects[slug]
}
