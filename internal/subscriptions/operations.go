package subscriptions

import (
	"net/http"
	"strconv"

	"github.com/fhircandle/candle/internal/platform/fhir"
	"github.com/fhircandle/candle/internal/store"
)

// registerOperations installs the subscription operations on the tenant:
// $status and $events on Subscription, and the loopback
// $subscription-hook at system level.
func (e *Engine) registerOperations() {
	e.tenant.RegisterOperation("status", e.opStatus)
	e.tenant.RegisterOperation("events", e.opEvents)
	e.tenant.RegisterOperation("subscription-hook", e.opSubscriptionHook)
}

// opStatus answers Subscription/$status and Subscription/{id}/$status with
// a searchset of SubscriptionStatus entries.
func (e *Engine) opStatus(ts *store.TenantStore, in *fhir.Interaction, req *store.RequestContext) (*store.ResponseContext, error) {
	if in.ResourceType != "Subscription" {
		return nil, fhir.ErrNotFound("$status is only defined on Subscription")
	}
	var subs []*Subscription
	if in.Kind == fhir.InstanceOperation {
		sub := e.Subscription(in.ID)
		if sub == nil {
			return nil, fhir.ErrNotFound("Subscription/%s not found", in.ID)
		}
		subs = []*Subscription{sub}
	} else {
		wantStatus := queryValue(in.Query, "status")
		for _, sub := range e.Subscriptions() {
			if wantStatus == "" || sub.Status() == wantStatus {
				subs = append(subs, sub)
			}
		}
	}

	bundle := fhir.NewBundle(fhir.BundleSearchset)
	fhir.SetTotal(bundle, len(subs))
	for _, sub := range subs {
		record := sub.Record()
		info := &fhir.NotificationInfo{
			SubscriptionReference: subscriptionReference(record.ID),
			TopicURL:              record.TopicURL,
			Status:                sub.Status(),
			NotificationType:      fhir.NotificationQueryStatus,
			EventsSinceStart:      sub.EventCount(),
		}
		fhir.AddEntry(bundle, map[string]interface{}{
			"resource": map[string]interface{}(ts.Adapter().NotificationStatus(info)),
		})
	}
	return &store.ResponseContext{Status: http.StatusOK, Resource: bundle}, nil
}

// opEvents re-delivers registered events for one subscription. The range
// parameters follow the backport names.
func (e *Engine) opEvents(ts *store.TenantStore, in *fhir.Interaction, req *store.RequestContext) (*store.ResponseContext, error) {
	if in.ResourceType != "Subscription" || in.Kind != fhir.InstanceOperation {
		return nil, fhir.ErrNotFound("$events is only defined on a Subscription instance")
	}
	sub := e.Subscription(in.ID)
	if sub == nil {
		return nil, fhir.ErrNotFound("Subscription/%s not found", in.ID)
	}
	since := queryInt(in.Query, "eventsSinceNumber", 1)
	until := queryInt(in.Query, "eventsUntilNumber", 0)
	events := sub.generatedEvents(since, until)

	bundle := e.notificationBundle(sub, fhir.NotificationQueryEvent, events)
	return &store.ResponseContext{Status: http.StatusOK, Resource: bundle}, nil
}

// opSubscriptionHook is the loopback notification endpoint: it accepts a
// notification bundle the way an external rest-hook client would.
func (e *Engine) opSubscriptionHook(ts *store.TenantStore, in *fhir.Interaction, req *store.RequestContext) (*store.ResponseContext, error) {
	if in.Method != "POST" {
		return nil, fhir.ErrBadRequest("$subscription-hook requires POST")
	}
	if len(req.Body) == 0 {
		return nil, fhir.ErrBadRequest("request body is required")
	}
	bundle, err := fhir.ParseResource(req.SourceFormat, req.Body)
	if err != nil {
		return nil, fhir.ErrStructure("%v", err)
	}
	rn, err := e.ParseNotificationBundle(bundle)
	if err != nil {
		return nil, err
	}
	e.recordReceived(rn)
	return &store.ResponseContext{
		Status:   http.StatusOK,
		Resource: fhir.InformationOutcome("notification accepted"),
	}, nil
}

func queryValue(segs fhir.QuerySegments, key string) string {
	for _, seg := range segs {
		if seg.Key == key {
			return seg.Value
		}
	}
	return ""
}

func queryInt(segs fhir.QuerySegments, key string, fallback int64) int64 {
	v := queryValue(segs, key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
