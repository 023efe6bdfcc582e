// Package subscriptions implements the topic-based subscription engine:
// topic and subscription registries, trigger evaluation against the
// previous and current resource snapshots, event numbering, notification
// bundle construction, and the lifecycle state machine.
package subscriptions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
	"github.com/fhircandle/candle/internal/store"
)

// Notification is one outbound delivery handed to the dispatcher.
type Notification struct {
	Tenant string
	Type   string // handshake | heartbeat | event-notification
	Record *fhir.SubscriptionRecord
	Bundle fhir.Resource
	Events []*Event
}

// Notifier delivers a notification over the subscription's channel. The
// dispatcher implements it; calls may block for the channel timeout.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// Engine runs the subscription machinery for one tenant. It consumes the
// tenant's change stream, so registration of topics and subscriptions is
// driven by ordinary writes to the store.
type Engine struct {
	tenant   *store.TenantStore
	notifier Notifier
	log      zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*fhir.Topic
	subs   map[string]*Subscription

	receivedMu sync.Mutex
	received   []*ReceivedNotification
}

// ReceivedNotification is a notification bundle posted to the loopback
// $subscription-hook endpoint.
type ReceivedNotification struct {
	Info      *fhir.NotificationInfo
	Focus     []fhir.Resource
	Timestamp time.Time
}

// NewEngine wires the engine to a tenant store and a dispatcher.
func NewEngine(tenant *store.TenantStore, notifier Notifier, log zerolog.Logger) *Engine {
	e := &Engine{
		tenant:   tenant,
		notifier: notifier,
		log:      log.With().Str("tenant", tenant.Name()).Str("component", "subscriptions").Logger(),
		topics:   map[string]*fhir.Topic{},
		subs:     map[string]*Subscription{},
	}
	e.registerOperations()
	return e
}

// Run consumes the tenant's change stream until the context ends or the
// stream closes.
func (e *Engine) Run(ctx context.Context) {
	events := e.tenant.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleChange(ctx, ev)
		}
	}
}

func (e *Engine) handleChange(ctx context.Context, ev store.ChangeEvent) {
	switch ev.ResourceType {
	case "SubscriptionTopic":
		e.handleTopicChange(ev)
		return
	case "Subscription":
		e.handleSubscriptionChange(ctx, ev)
		return
	}
	switch ev.Action {
	case store.ActionCreate:
		e.TestCreateAgainstSubscriptions(ctx, ev.Current)
	case store.ActionUpdate:
		e.TestUpdateAgainstSubscriptions(ctx, ev.Current, ev.Previous)
	case store.ActionDelete:
		e.TestDeleteAgainstSubscriptions(ctx, ev.Previous)
	}
}

// ----------------------------------------------------------------------------
// Registries
// ----------------------------------------------------------------------------

func (e *Engine) handleTopicChange(ev store.ChangeEvent) {
	if ev.Action == store.ActionDelete {
		if url, _ := ev.Previous["url"].(string); url != "" {
			e.mu.Lock()
			delete(e.topics, url)
			e.mu.Unlock()
			e.log.Info().Str("topic", url).Msg("topic unregistered")
		}
		return
	}
	topic, err := fhir.ParseTopic(ev.Current)
	if err != nil {
		e.log.Warn().Err(err).Msg("ignoring unparseable topic")
		return
	}
	e.mu.Lock()
	e.topics[topic.URL] = topic
	e.mu.Unlock()
	e.log.Info().Str("topic", topic.URL).Msg("topic registered")
}

func (e *Engine) handleSubscriptionChange(ctx context.Context, ev store.ChangeEvent) {
	if ev.Action == store.ActionDelete {
		e.mu.Lock()
		if sub, ok := e.subs[fhir.ResourceID(ev.Previous)]; ok {
			sub.stop()
			delete(e.subs, fhir.ResourceID(ev.Previous))
		}
		e.mu.Unlock()
		return
	}
	record, err := e.tenant.Adapter().ParseSubscription(ev.Current)
	if err != nil {
		e.log.Warn().Err(err).Msg("ignoring unparseable subscription")
		return
	}

	e.mu.Lock()
	existing, ok := e.subs[record.ID]
	if ok {
		existing.mu.Lock()
		existing.record = record
		existing.resource = fhir.DeepCopy(ev.Current)
		if record.Status == fhir.SubscriptionOff {
			existing.status = fhir.SubscriptionOff
		}
		existing.mu.Unlock()
		e.mu.Unlock()
		return
	}
	sub := newSubscription(record, ev.Current)
	e.subs[record.ID] = sub
	e.mu.Unlock()

	go e.deliveryLoop(ctx, sub)
	if record.Status == fhir.SubscriptionRequested {
		go e.handshake(ctx, sub)
	}
	e.log.Info().Str("subscription", record.ID).Str("topic", record.TopicURL).
		Str("channel", record.ChannelCode).Msg("subscription registered")
}

// Subscription returns the runtime entry for an id, or nil.
func (e *Engine) Subscription(id string) *Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.subs[id]
}

// Subscriptions lists every registered subscription.
func (e *Engine) Subscriptions() []*Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s)
	}
	return out
}

// Topic returns a registered topic by canonical URL.
func (e *Engine) Topic(url string) *fhir.Topic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.topics[url]
}

// ----------------------------------------------------------------------------
// Trigger evaluation
// ----------------------------------------------------------------------------

// TestCreateAgainstSubscriptions evaluates all topics against a freshly
// created resource.
func (e *Engine) TestCreateAgainstSubscriptions(ctx context.Context, current fhir.Resource) {
	e.testChange(ctx, store.ActionCreate, nil, current)
}

// TestUpdateAgainstSubscriptions evaluates all topics against an update.
func (e *Engine) TestUpdateAgainstSubscriptions(ctx context.Context, current, previous fhir.Resource) {
	e.testChange(ctx, store.ActionUpdate, previous, current)
}

// TestDeleteAgainstSubscriptions evaluates all topics against a deletion.
func (e *Engine) TestDeleteAgainstSubscriptions(ctx context.Context, previous fhir.Resource) {
	e.testChange(ctx, store.ActionDelete, previous, nil)
}

func (e *Engine) testChange(ctx context.Context, action store.ChangeAction, previous, current fhir.Resource) {
	focus := current
	if focus == nil {
		focus = previous
	}
	resourceType := fhir.ResourceType(focus)

	e.mu.RLock()
	topics := make([]*fhir.Topic, 0, len(e.topics))
	for _, t := range e.topics {
		topics = append(topics, t)
	}
	e.mu.RUnlock()

	for _, topic := range topics {
		fired := false
		for _, trigger := range topic.ResourceTriggers[resourceType] {
			ok, err := e.triggerFires(&trigger, action, previous, current)
			if err != nil {
				e.log.Warn().Err(err).Str("topic", topic.URL).Msg("trigger evaluation failed")
				continue
			}
			if ok {
				fired = true
				break
			}
		}
		if fired {
			e.fanOut(ctx, topic, focus)
		}
	}
}

// triggerFires applies the interaction gate, the FHIRPath criteria, and the
// previous/current query criteria.
func (e *Engine) triggerFires(tr *fhir.ResourceTrigger, action store.ChangeAction, previous, current fhir.Resource) (bool, error) {
	switch action {
	case store.ActionCreate:
		if !tr.OnCreate {
			return false, nil
		}
	case store.ActionUpdate:
		if !tr.OnUpdate {
			return false, nil
		}
	case store.ActionDelete:
		if !tr.OnDelete {
			return false, nil
		}
	}

	if tr.FHIRPathCriteria != "" {
		focus := current
		if focus == nil {
			focus = previous
		}
		ok, err := fhir.EvaluateBool(focus, tr.FHIRPathCriteria, fhir.EnvVars{
			"previous": previous,
			"current":  current,
			"resource": focus,
		})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if tr.QueryPrevious == "" && tr.QueryCurrent == "" {
		return true, nil
	}

	prevOK, prevApplies, err := e.querySide(tr.QueryPrevious, previous,
		action == store.ActionCreate, tr.CreateAutoPass, tr.CreateAutoFail)
	if err != nil {
		return false, err
	}
	curOK, curApplies, err := e.querySide(tr.QueryCurrent, current,
		action == store.ActionDelete, tr.DeleteAutoPass, tr.DeleteAutoFail)
	if err != nil {
		return false, err
	}
	if !prevApplies {
		return curOK, nil
	}
	if !curApplies {
		return prevOK, nil
	}
	if tr.RequireBothQueries {
		return prevOK && curOK, nil
	}
	return prevOK || curOK, nil
}

// querySide evaluates one query criteria against its snapshot. With no
// snapshot (previous on create, current on delete) the auto flags settle
// the result.
func (e *Engine) querySide(criteria string, snapshot fhir.Resource, autoApplies, autoPass, autoFail bool) (ok, applies bool, err error) {
	if criteria == "" {
		return false, false, nil
	}
	if snapshot == nil {
		if autoApplies {
			if autoPass {
				return true, true, nil
			}
			if autoFail {
				return false, true, nil
			}
		}
		return false, true, nil
	}
	match, err := e.tenant.MatchResource(fhir.ResourceType(snapshot), criteria, snapshot)
	if err != nil {
		return false, true, err
	}
	return match, true, nil
}

// fanOut tests every active subscription on the topic against the focus
// and generates events for the ones that match.
func (e *Engine) fanOut(ctx context.Context, topic *fhir.Topic, focus fhir.Resource) {
	resourceType := fhir.ResourceType(focus)

	e.mu.RLock()
	candidates := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		candidates = append(candidates, sub)
	}
	e.mu.RUnlock()

	for _, sub := range candidates {
		record := sub.Record()
		if record.TopicURL != topic.URL {
			continue
		}
		if e.expire(sub, time.Now()) || sub.Status() != fhir.SubscriptionActive {
			continue
		}
		ok, err := e.filtersMatch(record, resourceType, focus)
		if err != nil {
			e.log.Warn().Err(err).Str("subscription", record.ID).Msg("filter evaluation failed")
			continue
		}
		if !ok {
			continue
		}
		additional := e.additionalContext(topic, resourceType, focus)
		ev := sub.nextEvent(fhir.DeepCopy(focus), additional)
		e.log.Debug().Str("subscription", record.ID).Int64("event", ev.Number).Msg("event generated")
		sub.enqueue(ev)
	}
}

// filtersMatch ANDs the subscription's filters for the focus type.
func (e *Engine) filtersMatch(record *fhir.SubscriptionRecord, resourceType string, focus fhir.Resource) (bool, error) {
	for _, f := range record.Filters[resourceType] {
		key := f.Name
		if f.Modifier != "" {
			key += ":" + f.Modifier
		}
		value := f.Value
		if f.Comparator != "" && f.Comparator != "eq" {
			value = f.Comparator + value
		}
		ok, err := e.tenant.MatchResource(resourceType, key+"="+value, focus)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// additionalContext resolves the topic's notification shape around the
// focus.
func (e *Engine) additionalContext(topic *fhir.Topic, resourceType string, focus fhir.Resource) []fhir.Resource {
	var out []fhir.Resource
	for _, shape := range topic.NotificationShapes[resourceType] {
		related, err := e.tenant.Related(focus, shape.Includes, shape.RevIncludes)
		if err != nil {
			e.log.Warn().Err(err).Str("topic", topic.URL).Msg("notification shape expansion failed")
			continue
		}
		out = append(out, related...)
	}
	return out
}

// ----------------------------------------------------------------------------
// Delivery
// ----------------------------------------------------------------------------

// handshake sends the initial handshake and settles requested -> active or
// error.
func (e *Engine) handshake(ctx context.Context, sub *Subscription) {
	record := sub.Record()
	n := &Notification{
		Tenant: e.tenant.Name(),
		Type:   fhir.NotificationHandshake,
		Record: record,
		Bundle: e.notificationBundle(sub, fhir.NotificationHandshake, nil),
	}
	err := e.notifier.Notify(ctx, n)
	if err != nil {
		e.log.Warn().Err(err).Str("subscription", record.ID).Msg("handshake failed")
		e.transition(sub, fhir.SubscriptionError)
		return
	}
	sub.recordDelivery(nil, time.Now())
	e.transition(sub, fhir.SubscriptionActive)
	e.log.Info().Str("subscription", record.ID).Msg("handshake complete")
}

// SendHeartbeat delivers one heartbeat notification. Failures count toward
// the error transition but never advance the communication clock.
func (e *Engine) SendHeartbeat(ctx context.Context, sub *Subscription) {
	record := sub.Record()
	n := &Notification{
		Tenant: e.tenant.Name(),
		Type:   fhir.NotificationHeartbeat,
		Record: record,
		Bundle: e.notificationBundle(sub, fhir.NotificationHeartbeat, nil),
	}
	err := e.notifier.Notify(ctx, n)
	if sub.recordDelivery(err, time.Now()) {
		e.transition(sub, fhir.SubscriptionError)
	}
}

// HeartbeatDue reports the active subscriptions whose heartbeat interval
// has elapsed. A subscription that has never communicated gets one full
// interval of grace from its registration.
func (e *Engine) HeartbeatDue(now time.Time) []*Subscription {
	var due []*Subscription
	for _, sub := range e.Subscriptions() {
		record := sub.Record()
		if e.expire(sub, now) {
			continue
		}
		if record.HeartbeatSecs <= 0 || sub.Status() != fhir.SubscriptionActive {
			continue
		}
		last := sub.LastCommunication()
		if last.IsZero() {
			// One interval of grace from registration.
			sub.mu.Lock()
			last = sub.registered
			sub.mu.Unlock()
		}
		if now.Sub(last) >= time.Duration(record.HeartbeatSecs)*time.Second {
			due = append(due, sub)
		}
	}
	return due
}

// deliveryLoop is the per-subscription sender.
func (e *Engine) deliveryLoop(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.wake:
		}
		e.deliverPending(ctx, sub)
	}
}

// deliverPending coalesces the queue into event bundles, splitting when the
// subscription caps events per notification, and applies the error policy.
func (e *Engine) deliverPending(ctx context.Context, sub *Subscription) {
	events := sub.takePending()
	if len(events) == 0 {
		return
	}
	if sub.Status() != fhir.SubscriptionActive {
		return
	}
	record := sub.Record()
	size := record.MaxPerBundle
	if size <= 0 {
		size = len(events)
	}
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]
		n := &Notification{
			Tenant: e.tenant.Name(),
			Type:   fhir.NotificationEvent,
			Record: record,
			Bundle: e.notificationBundle(sub, fhir.NotificationEvent, batch),
			Events: batch,
		}
		err := e.notifier.Notify(ctx, n)
		if err != nil {
			e.log.Warn().Err(err).Str("subscription", record.ID).Msg("notification delivery failed")
		}
		if sub.recordDelivery(err, time.Now()) {
			e.transition(sub, fhir.SubscriptionError)
			return
		}
	}
}

// expire reports whether the subscription's end time has passed, turning it
// off on the first observation.
func (e *Engine) expire(sub *Subscription, now time.Time) bool {
	record := sub.Record()
	if record.End.IsZero() || now.Before(record.End) {
		return false
	}
	if sub.Status() != fhir.SubscriptionOff {
		e.log.Info().Str("subscription", record.ID).Msg("subscription end reached, turning off")
		e.transition(sub, fhir.SubscriptionOff)
	}
	return true
}

// transition moves the lifecycle state and writes it through to the stored
// Subscription resource.
func (e *Engine) transition(sub *Subscription, status string) {
	sub.setStatus(status)

	sub.mu.Lock()
	id := sub.record.ID
	resource := fhir.DeepCopy(sub.resource)
	sub.mu.Unlock()

	resource["status"] = status
	if _, err := e.tenant.Store("Subscription").InstanceUpdate(resource); err != nil {
		e.log.Warn().Err(err).Str("subscription", id).Msg("status write-through failed")
	}
}

// ----------------------------------------------------------------------------
// Loopback
// ----------------------------------------------------------------------------

// ParseNotificationBundle decodes a received notification bundle: the
// status entry first, focus resources after it.
func (e *Engine) ParseNotificationBundle(bundle fhir.Resource) (*ReceivedNotification, error) {
	if fhir.ResourceType(bundle) != "Bundle" {
		return nil, fhir.ErrBadRequest("expected Bundle, got %s", fhir.ResourceType(bundle))
	}
	entries := fhir.BundleEntries(bundle)
	if len(entries) == 0 {
		return nil, fhir.ErrBadRequest("notification bundle has no entries")
	}
	status := fhir.EntryResource(entries[0])
	info, ok := e.tenant.Adapter().ParseNotificationStatus(status)
	if !ok {
		return nil, fhir.ErrBadRequest("first entry is not a notification status")
	}
	rn := &ReceivedNotification{Info: info, Timestamp: time.Now()}
	for _, entry := range entries[1:] {
		if r := fhir.EntryResource(entry); r != nil {
			rn.Focus = append(rn.Focus, r)
		}
	}
	return rn, nil
}

// Received returns the notifications posted to the loopback endpoint.
func (e *Engine) Received() []*ReceivedNotification {
	e.receivedMu.Lock()
	defer e.receivedMu.Unlock()
	out := make([]*ReceivedNotification, len(e.received))
	copy(out, e.received)
	return out
}

func (e *Engine) recordReceived(rn *ReceivedNotification) {
	e.receivedMu.Lock()
	e.received = append(e.received, rn)
	e.receivedMu.Unlock()
	e.log.Info().Str("subscription", rn.Info.SubscriptionReference).
		Str("type", rn.Info.NotificationType).Int("foci", len(rn.Focus)).
		Msg("notification received")
}

func subscriptionReference(id string) string {
	return fmt.Sprintf("Subscription/%s", id)
}
