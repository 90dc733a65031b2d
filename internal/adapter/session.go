package adapter

import (
	"sync"
	"time"
)

// Session is one connected device. Conn is the adapter's transport handle.
type Session[C any] struct {
	Config      DeviceConfiguration
	Conn        C
	Info        DeviceInfo
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Sessions is the device and subscription table shared by adapter
// implementations. Lookups return copies; Conn should be a pointer or
// another handle that is safe to share.
type Sessions[C any] struct {
	mu      sync.RWMutex
	devices map[string]*Session[C]
	subs    map[string]*Subscription
}

// NewSessions creates an empty table
func NewSessions[C any]() *Sessions[C] {
	return &Sessions[C]{
		devices: make(map[string]*Session[C]),
		subs:    make(map[string]*Subscription),
	}
}

// Get returns a copy of the device's session
func (s *Sessions[C]) Get(deviceID string) (Session[C], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.devices[deviceID]
	if !ok {
		return Session[C]{}, false
	}
	return *sess, true
}

// Has reports whether a device is connected
func (s *Sessions[C]) Has(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[deviceID]
	return ok
}

// Put stores a session, returning the one it replaced
func (s *Sessions[C]) Put(sess Session[C]) (Session[C], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.devices[sess.Config.DeviceID]
	s.devices[sess.Config.DeviceID] = &sess
	if !ok {
		return Session[C]{}, false
	}
	return *prev, true
}

// Reserve stores sess unless the table already holds limit other devices.
// Reconnecting an existing device always succeeds.
func (s *Sessions[C]) Reserve(sess Session[C], limit int) (prev Session[C], replaced bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.devices[sess.Config.DeviceID]
	if !exists && limit > 0 && len(s.devices) >= limit {
		return Session[C]{}, false, false
	}
	s.devices[sess.Config.DeviceID] = &sess
	if exists {
		return *old, true, true
	}
	return Session[C]{}, false, true
}

// Update runs fn on the stored session under the table lock. fn returns
// false to leave the session unchanged.
func (s *Sessions[C]) Update(deviceID string, fn func(*Session[C]) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	next := *sess
	if !fn(&next) {
		return false
	}
	s.devices[deviceID] = &next
	return true
}

// Touch records activity on a device
func (s *Sessions[C]) Touch(deviceID string, at time.Time) {
	s.mu.Lock()
	if sess, ok := s.devices[deviceID]; ok {
		sess.LastSeen = at
	}
	s.mu.Unlock()
}

// Remove drops a device and cancels its subscriptions
func (s *Sessions[C]) Remove(deviceID string) (Session[C], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.devices[deviceID]
	if !ok {
		return Session[C]{}, false
	}
	delete(s.devices, deviceID)
	for id, sub := range s.subs {
		if sub.DeviceID == deviceID {
			sub.Cancel()
			delete(s.subs, id)
		}
	}
	return *sess, true
}

// Drain empties the table, cancelling every subscription, and returns the
// sessions that were held
func (s *Sessions[C]) Drain() []Session[C] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session[C], 0, len(s.devices))
	for _, sess := range s.devices {
		out = append(out, *sess)
	}
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.devices = make(map[string]*Session[C])
	s.subs = make(map[string]*Subscription)
	return out
}

// All returns copies of every session
func (s *Sessions[C]) All() []Session[C] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session[C], 0, len(s.devices))
	for _, sess := range s.devices {
		out = append(out, *sess)
	}
	return out
}

// Len is the number of connected devices
func (s *Sessions[C]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// AddSubscription tracks sub until it is removed or its device disconnects
func (s *Sessions[C]) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
}

// RemoveSubscription cancels and forgets sub. It reports whether sub was
// tracked.
func (s *Sessions[C]) RemoveSubscription(sub *Subscription) bool {
	sub.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return false
	}
	delete(s.subs, sub.ID)
	return true
}

// Subscriptions returns the active subscriptions for a device
func (s *Sessions[C]) Subscriptions(deviceID string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.DeviceID == deviceID && sub.Active() {
			out = append(out, sub)
		}
	}
	return out
}
