package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
	"github.com/fhircandle/candle/internal/store"
)

// captureNotifier records notifications and can be told to fail.
type captureNotifier struct {
	mu    sync.Mutex
	sent  []*Notification
	fail  bool
	calls int
}

func (c *captureNotifier) Notify(ctx context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return errors.New("endpoint unreachable")
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *captureNotifier) notifications() []*Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

func newTestEngine(t *testing.T) (*store.TenantStore, *Engine, *captureNotifier) {
	t.Helper()
	ts := store.NewTenantStore(store.Config{
		Name:    "r5",
		Release: fhir.ReleaseR5,
		BaseURL: "http://localhost:5826/fhir/r5",
	}, zerolog.Nop())
	notifier := &captureNotifier{}
	engine := NewEngine(ts, notifier, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, engine, notifier
}

func create(t *testing.T, ts *store.TenantStore, r fhir.Resource) fhir.Resource {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	resp := ts.Handle(&store.RequestContext{
		Method: "POST", URL: fhir.ResourceType(r), Body: data,
	})
	if resp.Status != 201 {
		t.Fatalf("create %s: %d (%v)", fhir.ResourceType(r), resp.Status, resp.Resource)
	}
	return resp.Resource
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func completedEncounterTopic() fhir.Resource {
	return fhir.Resource{
		"resourceType": "SubscriptionTopic",
		"url":          "http://example.org/topics/encounter-complete",
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "http://hl7.org/fhir/StructureDefinition/Encounter",
				"supportedInteraction": []interface{}{"create", "update"},
				"queryCriteria": map[string]interface{}{
					"current":         "status=completed",
					"resultForCreate": "test-passes",
				},
			},
		},
		"canFilterBy": []interface{}{
			map[string]interface{}{
				"resource":        "Encounter",
				"filterParameter": "patient",
			},
		},
	}
}

func restHookSubscription(filters ...map[string]interface{}) fhir.Resource {
	sub := fhir.Resource{
		"resourceType": "Subscription",
		"status":       "requested",
		"topic":        "http://example.org/topics/encounter-complete",
		"channelType": map[string]interface{}{
			"code": "rest-hook",
		},
		"endpoint":    "https://client.example.org/hook",
		"content":     "full-resource",
		"contentType": "application/fhir+json",
	}
	if len(filters) > 0 {
		arr := make([]interface{}, len(filters))
		for i, f := range filters {
			arr[i] = f
		}
		sub["filterBy"] = arr
	}
	return sub
}

func TestHandshakeActivatesSubscription(t *testing.T) {
	ts, engine, notifier := newTestEngine(t)
	create(t, ts, completedEncounterTopic())
	created := create(t, ts, restHookSubscription())
	id := fhir.ResourceID(created)

	waitFor(t, "handshake", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionActive
	})

	sent := notifier.notifications()
	if len(sent) == 0 || sent[0].Type != fhir.NotificationHandshake {
		t.Fatalf("notifications = %+v", sent)
	}

	// The stored resource reflects the transition.
	waitFor(t, "status write-through", func() bool {
		stored := ts.Store("Subscription").InstanceRead(id)
		return stored != nil && stored["status"] == fhir.SubscriptionActive
	})
}

func TestHandshakeFailureMarksError(t *testing.T) {
	ts, engine, notifier := newTestEngine(t)
	notifier.setFail(true)
	create(t, ts, completedEncounterTopic())
	created := create(t, ts, restHookSubscription())
	id := fhir.ResourceID(created)

	waitFor(t, "error transition", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionError
	})
}

func TestEventGenerationAndNumbering(t *testing.T) {
	ts, engine, notifier := newTestEngine(t)
	create(t, ts, completedEncounterTopic())
	created := create(t, ts, restHookSubscription())
	id := fhir.ResourceID(created)
	waitFor(t, "handshake", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionActive
	})

	// Matches the trigger.
	create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "completed"})
	// Does not match status=completed.
	create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "planned"})
	// Matches again.
	create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "completed"})

	waitFor(t, "two events", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.EventCount() == 2
	})

	waitFor(t, "event delivery", func() bool {
		for _, n := range notifier.notifications() {
			if n.Type == fhir.NotificationEvent {
				return true
			}
		}
		return false
	})
	var eventNums []int64
	for _, n := range notifier.notifications() {
		if n.Type != fhir.NotificationEvent {
			continue
		}
		for _, ev := range n.Events {
			eventNums = append(eventNums, ev.Number)
		}
	}
	for i := 1; i < len(eventNums); i++ {
		if eventNums[i] <= eventNums[i-1] {
			t.Fatalf("event numbers not increasing: %v", eventNums)
		}
	}
}

func TestSubscriptionFilterGatesEvents(t *testing.T) {
	ts, engine, _ := newTestEngine(t)
	create(t, ts, completedEncounterTopic())
	created := create(t, ts, restHookSubscription(map[string]interface{}{
		"resourceType":    "Encounter",
		"filterParameter": "patient",
		"value":           "Patient/p1",
	}))
	id := fhir.ResourceID(created)
	waitFor(t, "handshake", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionActive
	})

	create(t, ts, fhir.Resource{
		"resourceType": "Encounter",
		"status":       "completed",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	})
	create(t, ts, fhir.Resource{
		"resourceType": "Encounter",
		"status":       "completed",
		"subject":      map[string]interface{}{"reference": "Patient/other"},
	})

	waitFor(t, "filtered event", func() bool {
		return engine.Subscription(id).EventCount() == 1
	})
	// Give the second write a chance to be (wrongly) counted.
	time.Sleep(100 * time.Millisecond)
	if n := engine.Subscription(id).EventCount(); n != 1 {
		t.Fatalf("event count = %d, want 1", n)
	}
}

func TestUpdateTriggerWithPreviousQuery(t *testing.T) {
	ts, engine, _ := newTestEngine(t)
	topic := completedEncounterTopic()
	trigger := topic["resourceTrigger"].([]interface{})[0].(map[string]interface{})
	trigger["queryCriteria"] = map[string]interface{}{
		"previous":        "status:not=completed",
		"current":         "status=completed",
		"requireBoth":     true,
		"resultForCreate": "test-fails",
	}
	create(t, ts, topic)
	created := create(t, ts, restHookSubscription())
	id := fhir.ResourceID(created)
	waitFor(t, "handshake", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionActive
	})

	// Creation cannot satisfy resultForCreate=test-fails.
	enc := create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "in-progress"})
	time.Sleep(100 * time.Millisecond)
	if n := engine.Subscription(id).EventCount(); n != 0 {
		t.Fatalf("event count after create = %d", n)
	}

	// The in-progress -> completed transition satisfies both sides.
	enc["status"] = "completed"
	data, _ := json.Marshal(enc)
	resp := ts.Handle(&store.RequestContext{
		Method: "PUT", URL: "Encounter/" + fhir.ResourceID(enc), Body: data,
	})
	if resp.Status != 200 {
		t.Fatalf("update status = %d", resp.Status)
	}
	waitFor(t, "transition event", func() bool {
		return engine.Subscription(id).EventCount() == 1
	})

	// completed -> completed does not transition.
	data, _ = json.Marshal(resp.Resource)
	ts.Handle(&store.RequestContext{
		Method: "PUT", URL: "Encounter/" + fhir.ResourceID(enc), Body: data,
	})
	time.Sleep(100 * time.Millisecond)
	if n := engine.Subscription(id).EventCount(); n != 1 {
		t.Fatalf("event count after no-op update = %d", n)
	}
}

func TestThreeFailuresMoveToError(t *testing.T) {
	ts, engine, notifier := newTestEngine(t)
	create(t, ts, completedEncounterTopic())
	created := create(t, ts, restHookSubscription())
	id := fhir.ResourceID(created)
	waitFor(t, "handshake", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionActive
	})

	notifier.setFail(true)
	for i := 0; i < 3; i++ {
		create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "completed"})
		time.Sleep(50 * time.Millisecond)
	}

	waitFor(t, "error transition", func() bool {
		return engine.Subscription(id).Status() == fhir.SubscriptionError
	})
	if errs := engine.Subscription(id).NotificationErrors(); len(errs) < 3 {
		t.Errorf("notification errors = %v", errs)
	}
}

func TestDeliverySplitsBundlesAtMaxCount(t *testing.T) {
	_, engine, notifier := newTestEngine(t)

	record := &fhir.SubscriptionRecord{
		ID:           "s2",
		TopicURL:     "http://example.org/topics/encounter-complete",
		Status:       fhir.SubscriptionActive,
		ContentLevel: fhir.ContentIDOnly,
		MaxPerBundle: 2,
	}
	sub := newSubscription(record, fhir.Resource{"resourceType": "Subscription", "id": "s2"})
	sub.setStatus(fhir.SubscriptionActive)
	for i := 0; i < 5; i++ {
		focus := fhir.Resource{"resourceType": "Encounter", "id": "e" + strconv.Itoa(i)}
		sub.enqueue(sub.nextEvent(focus, nil))
	}

	engine.deliverPending(context.Background(), sub)

	sent := notifier.notifications()
	if len(sent) != 3 {
		t.Fatalf("notifications = %d, want 3", len(sent))
	}
	wantSizes := []int{2, 2, 1}
	next := int64(1)
	for i, n := range sent {
		if len(n.Events) != wantSizes[i] {
			t.Errorf("bundle %d carries %d events, want %d", i, len(n.Events), wantSizes[i])
		}
		for _, ev := range n.Events {
			if ev.Number != next {
				t.Errorf("event number = %d, want %d", ev.Number, next)
			}
			next++
		}
	}
}

func TestExpiredSubscriptionTurnsOff(t *testing.T) {
	ts, engine, _ := newTestEngine(t)
	create(t, ts, completedEncounterTopic())
	sub := restHookSubscription()
	sub["end"] = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	created := create(t, ts, sub)
	id := fhir.ResourceID(created)
	waitFor(t, "handshake", func() bool {
		s := engine.Subscription(id)
		return s != nil && s.Status() == fhir.SubscriptionActive
	})

	create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "completed"})

	waitFor(t, "expiry transition", func() bool {
		return engine.Subscription(id).Status() == fhir.SubscriptionOff
	})
	if n := engine.Subscription(id).EventCount(); n != 0 {
		t.Errorf("event count = %d, want 0", n)
	}
	// The stored resource reflects the transition.
	waitFor(t, "status write-through", func() bool {
		stored := ts.Store("Subscription").InstanceRead(id)
		return stored != nil && stored["status"] == fhir.SubscriptionOff
	})
}

func TestNotificationBundleContentLevels(t *testing.T) {
	_, engine, _ := newTestEngine(t)

	focus := fhir.Resource{"resourceType": "Encounter", "id": "e1", "status": "completed"}
	for _, tc := range []struct {
		level        string
		wantEntries  int
		wantResource bool
	}{
		{fhir.ContentEmpty, 1, false},
		{fhir.ContentIDOnly, 2, false},
		{fhir.ContentFullResource, 2, true},
	} {
		t.Run(tc.level, func(t *testing.T) {
			record := &fhir.SubscriptionRecord{
				ID:           "s1",
				TopicURL:     "http://example.org/topics/encounter-complete",
				Status:       fhir.SubscriptionActive,
				ContentLevel: tc.level,
			}
			sub := newSubscription(record, fhir.Resource{"resourceType": "Subscription", "id": "s1"})
			sub.setStatus(fhir.SubscriptionActive)
			ev := sub.nextEvent(focus, nil)

			bundle := engine.notificationBundle(sub, fhir.NotificationEvent, []*Event{ev})
			if bundle["type"] != fhir.BundleSubscriptionNotif {
				t.Errorf("bundle type = %v", bundle["type"])
			}
			entries := fhir.BundleEntries(bundle)
			if len(entries) != tc.wantEntries {
				t.Fatalf("entries = %d, want %d", len(entries), tc.wantEntries)
			}
			status := fhir.EntryResource(entries[0])
			if fhir.ResourceType(status) != "SubscriptionStatus" {
				t.Errorf("first entry = %q", fhir.ResourceType(status))
			}
			if tc.wantEntries > 1 {
				_, hasResource := entries[1]["resource"]
				if hasResource != tc.wantResource {
					t.Errorf("entry resource present = %v, want %v", hasResource, tc.wantResource)
				}
				if entries[1]["fullUrl"] != "http://localhost:5826/fhir/r5/Encounter/e1" {
					t.Errorf("fullUrl = %v", entries[1]["fullUrl"])
				}
			}
		})
	}
}

func TestParseNotificationBundleRoundTrip(t *testing.T) {
	_, engine, _ := newTestEngine(t)

	focus := fhir.Resource{"resourceType": "Encounter", "id": "e1"}
	record := &fhir.SubscriptionRecord{
		ID: "s1", TopicURL: "http://example.org/topics/encounter-complete",
		ContentLevel: fhir.ContentFullResource,
	}
	sub := newSubscription(record, fhir.Resource{"resourceType": "Subscription", "id": "s1"})
	sub.setStatus(fhir.SubscriptionActive)
	ev := sub.nextEvent(focus, nil)

	bundle := engine.notificationBundle(sub, fhir.NotificationEvent, []*Event{ev})
	rn, err := engine.ParseNotificationBundle(bundle)
	if err != nil {
		t.Fatal(err)
	}
	if rn.Info.SubscriptionReference != "Subscription/s1" {
		t.Errorf("subscription = %q", rn.Info.SubscriptionReference)
	}
	if rn.Info.NotificationType != fhir.NotificationEvent {
		t.Errorf("type = %q", rn.Info.NotificationType)
	}
	if len(rn.Focus) != 1 || fhir.ResourceID(rn.Focus[0]) != "e1" {
		t.Errorf("focus = %v", rn.Focus)
	}
}

func TestStatusOperation(t *testing.T) {
	ts, engine, _ := newTestEngine(t)
	create(t, ts, completedEncounterTopic())
	created := create(t, ts, restHookSubscription())
	id := fhir.ResourceID(created)
	waitFor(t, "handshake", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionActive
	})

	resp := ts.Handle(&store.RequestContext{Method: "GET", URL: "Subscription/" + id + "/$status"})
	if resp.Status != 200 {
		t.Fatalf("$status = %d (%v)", resp.Status, resp.Resource)
	}
	entries := fhir.BundleEntries(resp.Resource)
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	info, ok := ts.Adapter().ParseNotificationStatus(fhir.EntryResource(entries[0]))
	if !ok {
		t.Fatal("status entry did not parse")
	}
	if info.Status != fhir.SubscriptionActive || info.NotificationType != fhir.NotificationQueryStatus {
		t.Errorf("info = %+v", info)
	}
}

func TestEventsOperationRedelivers(t *testing.T) {
	ts, engine, _ := newTestEngine(t)
	create(t, ts, completedEncounterTopic())
	created := create(t, ts, restHookSubscription())
	id := fhir.ResourceID(created)
	waitFor(t, "handshake", func() bool {
		sub := engine.Subscription(id)
		return sub != nil && sub.Status() == fhir.SubscriptionActive
	})
	create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "completed"})
	create(t, ts, fhir.Resource{"resourceType": "Encounter", "status": "completed"})
	waitFor(t, "events", func() bool {
		return engine.Subscription(id).EventCount() == 2
	})

	resp := ts.Handle(&store.RequestContext{
		Method: "GET",
		URL:    "Subscription/" + id + "/$events?eventsSinceNumber=2",
	})
	if resp.Status != 200 {
		t.Fatalf("$events = %d (%v)", resp.Status, resp.Resource)
	}
	entries := fhir.BundleEntries(resp.Resource)
	// Status entry plus the one redelivered focus.
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	info, ok := ts.Adapter().ParseNotificationStatus(fhir.EntryResource(entries[0]))
	if !ok || info.NotificationType != fhir.NotificationQueryEvent {
		t.Errorf("info = %+v", info)
	}
}

func TestSubscriptionHookOperation(t *testing.T) {
	ts, engine, _ := newTestEngine(t)

	record := &fhir.SubscriptionRecord{
		ID: "s9", TopicURL: "http://example.org/topics/encounter-complete",
		ContentLevel: fhir.ContentIDOnly,
	}
	sub := newSubscription(record, fhir.Resource{"resourceType": "Subscription", "id": "s9"})
	sub.setStatus(fhir.SubscriptionActive)
	ev := sub.nextEvent(fhir.Resource{"resourceType": "Encounter", "id": "e1"}, nil)
	bundle := engine.notificationBundle(sub, fhir.NotificationEvent, []*Event{ev})

	data, _ := json.Marshal(bundle)
	resp := ts.Handle(&store.RequestContext{Method: "POST", URL: "$subscription-hook", Body: data})
	if resp.Status != 200 {
		t.Fatalf("$subscription-hook = %d (%v)", resp.Status, resp.Resource)
	}
	received := engine.Received()
	if len(received) != 1 || received[0].Info.SubscriptionReference != "Subscription/s9" {
		t.Fatalf("received = %+v", received)
	}
}
