package subscriptions

import (
	"github.com/fhircandle/candle/internal/platform/fhir"
)

// notificationBundle builds the delivery bundle for one notification. The
// status entry always comes first; what follows depends on the
// subscription's content level: nothing for empty, entry stubs for
// id-only, full resources for full-resource.
func (e *Engine) notificationBundle(sub *Subscription, notifType string, events []*Event) fhir.Resource {
	sub.mu.Lock()
	record := sub.record
	status := sub.status
	count := sub.eventCount
	sub.mu.Unlock()

	info := &fhir.NotificationInfo{
		SubscriptionReference: subscriptionReference(record.ID),
		TopicURL:              record.TopicURL,
		Status:                status,
		NotificationType:      notifType,
		EventsSinceStart:      count,
		EventsInNotification:  len(events),
	}
	for _, ev := range events {
		info.FocusReferences = append(info.FocusReferences, fhir.RelativeReference(ev.Focus))
	}

	bundle := fhir.NewBundle(fhir.BundleSubscriptionNotif)
	fhir.AddEntry(bundle, map[string]interface{}{
		"fullUrl":  "urn:uuid:" + fhir.NewResourceID(),
		"resource": map[string]interface{}(e.tenant.Adapter().NotificationStatus(info)),
	})
	if record.ContentLevel == fhir.ContentEmpty {
		return bundle
	}

	for _, ev := range events {
		e.addContentEntry(bundle, record.ContentLevel, ev.Focus)
		for _, extra := range ev.Additional {
			e.addContentEntry(bundle, record.ContentLevel, extra)
		}
	}
	return bundle
}

func (e *Engine) addContentEntry(bundle fhir.Resource, contentLevel string, r fhir.Resource) {
	entry := map[string]interface{}{
		"fullUrl": e.tenant.BaseURL() + "/" + fhir.RelativeReference(r),
	}
	if contentLevel == fhir.ContentFullResource {
		entry["resource"] = map[string]interface{}(fhir.DeepCopy(r))
	}
	fhir.AddEntry(bundle, entry)
}
