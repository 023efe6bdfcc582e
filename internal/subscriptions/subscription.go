package subscriptions

import (
	"sync"
	"time"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// Event is one generated subscription event: a frozen focus snapshot plus
// the additional-context resources the topic's notification shape pulled in.
type Event struct {
	Number     int64
	Focus      fhir.Resource
	Additional []fhir.Resource
	Timestamp  time.Time
}

// maxQueuedEvents bounds the per-subscription delivery queue. Events past
// the bound stay registered and are recoverable through $events; only their
// immediate delivery is dropped, coalesced into the next send.
const maxQueuedEvents = 256

// Subscription is the engine's runtime state for one subscription. The
// mutex guards the counters and the generated-event map together, so event
// numbers stay contiguous and registration is atomic with assignment.
type Subscription struct {
	mu sync.Mutex

	record   *fhir.SubscriptionRecord
	resource fhir.Resource
	status   string

	eventCount int64
	generated  map[int64]*Event

	consecutiveFailures int
	notificationErrors  []string
	lastCommunication   time.Time
	registered          time.Time

	// Delivery queue. pending is coalesced into one bundle per send.
	pending []*Event
	wake    chan struct{}
	done    chan struct{}
}

func newSubscription(record *fhir.SubscriptionRecord, resource fhir.Resource) *Subscription {
	return &Subscription{
		record:     record,
		resource:   fhir.DeepCopy(resource),
		status:     record.Status,
		generated:  map[int64]*Event{},
		registered: time.Now(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the subscription's resource id.
func (s *Subscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ID
}

// Record returns the parsed subscription record.
func (s *Subscription) Record() *fhir.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Status returns the lifecycle state.
func (s *Subscription) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EventCount returns the number of events generated so far.
func (s *Subscription) EventCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCount
}

// LastCommunication returns the time of the last successful delivery.
func (s *Subscription) LastCommunication() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommunication
}

// NotificationErrors returns the accumulated delivery error log.
func (s *Subscription) NotificationErrors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.notificationErrors))
	copy(out, s.notificationErrors)
	return out
}

func (s *Subscription) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// nextEvent assigns the next event number and registers the event in one
// critical section.
func (s *Subscription) nextEvent(focus fhir.Resource, additional []fhir.Resource) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCount++
	ev := &Event{
		Number:     s.eventCount,
		Focus:      focus,
		Additional: additional,
		Timestamp:  time.Now(),
	}
	s.generated[ev.Number] = ev
	return ev
}

// generatedEvents returns registered events in a number range, ascending.
// A zero until means "through the latest".
func (s *Subscription) generatedEvents(since, until int64) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until <= 0 {
		until = s.eventCount
	}
	var out []*Event
	for n := since; n <= until; n++ {
		if ev, ok := s.generated[n]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// enqueue adds an event to the delivery queue and wakes the sender. A full
// queue defers the event: it is already registered, so the next send after
// drain can pick it back up through generatedEvents.
func (s *Subscription) enqueue(ev *Event) {
	s.mu.Lock()
	if len(s.pending) < maxQueuedEvents {
		s.pending = append(s.pending, ev)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takePending drains the queue, coalescing everything waiting into one
// batch.
func (s *Subscription) takePending() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// recordDelivery updates the failure counters. It reports true when the
// third consecutive failure tripped and the subscription should move to
// error.
func (s *Subscription) recordDelivery(err error, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.consecutiveFailures = 0
		s.lastCommunication = at
		return false
	}
	s.notificationErrors = append(s.notificationErrors,
		at.UTC().Format(time.RFC3339)+" "+err.Error())
	s.consecutiveFailures++
	return s.consecutiveFailures >= 3
}

func (s *Subscription) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
