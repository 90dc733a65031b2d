package adapter

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Subscription is the handle returned by Subscribe. It owns the
// cancellation context that stops event delivery.
type Subscription struct {
	ID         string    `json:"id"`
	AdapterID  string    `json:"adapterId"`
	DeviceID   string    `json:"deviceId"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscription creates a handle detached from the cancellation of ctx,
// so a subscription outlives the call that created it
func NewSubscription(ctx context.Context, adapterID, deviceID string, eventTypes []string) *Subscription {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Subscription{
		ID:         uuid.NewString(),
		AdapterID:  adapterID,
		DeviceID:   deviceID,
		EventTypes: slices.Clone(eventTypes),
		CreatedAt:  time.Now(),
		ctx:        subCtx,
		cancel:     cancel,
	}
}

// Context is cancelled when the subscription ends
func (s *Subscription) Context() context.Context {
	return s.ctx
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cancel ends the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Active reports whether the subscription has not been cancelled
func (s *Subscription) Active() bool {
	return s.ctx.Err() == nil
}

// Wants reports whether an event type passes the subscription filter.
// An empty filter accepts everything.
func (s *Subscription) Wants(eventType string) bool {
	return len(s.EventTypes) == 0 || slices.Contains(s.EventTypes, eventType)
}

// Deliver calls fn with ev if the subscription is active and wants it
func (s *Subscription) Deliver(fn EventCallback, ev DeviceEvent) bool {
	if !s.Active() || !s.Wants(ev.Type) {
		return false
	}
	fn(ev)
	return true
}

// DefaultEventQueueSize is the backlog an EventQueue holds before it drops
const DefaultEventQueueSize = 64

// EventQueue hands events to one subscription's callback on a goroutine
// of its own. A callback may call back into the adapter, including
// ExecuteCommand on the device that raised the event, because the
// connection reader only ever enqueues.
type EventQueue struct {
	sub       *Subscription
	fn        EventCallback
	ch        chan DeviceEvent
	done      chan struct{}
	delivered func()
}

// NewEventQueue starts the delivery goroutine. It runs until sub ends.
// delivered, when set, is called after every event handed to fn.
func NewEventQueue(sub *Subscription, fn EventCallback, size int, delivered func()) *EventQueue {
	if size <= 0 {
		size = DefaultEventQueueSize
	}
	q := &EventQueue{
		sub:       sub,
		fn:        fn,
		ch:        make(chan DeviceEvent, size),
		done:      make(chan struct{}),
		delivered: delivered,
	}
	go q.run()
	return q
}

func (q *EventQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.sub.Done():
			return
		case ev := <-q.ch:
			if q.sub.Deliver(q.fn, ev) && q.delivered != nil {
				q.delivered()
			}
		}
	}
}

// Push queues ev without blocking. Events the subscription filters out
// are skipped; a full backlog yields ErrEventQueueFull.
func (q *EventQueue) Push(ev DeviceEvent) error {
	if !q.sub.Active() || !q.sub.Wants(ev.Type) {
		return nil
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrEventQueueFull
	}
}

// Subscription returns the subscription the queue serves
func (q *EventQueue) Subscription() *Subscription {
	return q.sub
}

// Stopped is closed once the delivery goroutine has exited
func (q *EventQueue) Stopped() <-chan struct{} {
	return q.done
}
