// Package notify fans call-state changes out to live clients. Delivery is
// best-effort: no acknowledgment, no persistence, no retry.
package notify

import (
	"context"
	"sync"

	"outbound-caller/internal/calls"
)

const TypeCallUpdate = "call_update"

// Message is what subscribers receive.
type Message struct {
	Type string         `json:"type"`
	Call calls.CallView `json:"call"`
}

func CallUpdate(v calls.CallView) Message {
	return Message{Type: TypeCallUpdate, Call: v}
}

// Notifier publishes messages. Implementations must not block the caller on
// slow subscribers and never report delivery failures.
type Notifier interface {
	Publish(ctx context.Context, m Message)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, Message) {}

// Multi publishes to every notifier in order.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, msg Message) {
	for _, n := range m {
		if n != nil {
			n.Publish(ctx, msg)
		}
	}
}

// Recorder keeps published messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Publish(_ context.Context, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Last returns the most recent message for a call.
func (r *Recorder) Last(callID string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Call.ID == callID {
			return r.msgs[i], true
		}
	}
	return Message{}, false
}
