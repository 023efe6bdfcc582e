package fhir

import (
	"fmt"
	"strconv"
	"time"
)

// Release identifies a FHIR release a tenant serves.
type Release string

const (
	ReleaseR4  Release = "R4"
	ReleaseR4B Release = "R4B"
	ReleaseR5  Release = "R5"
)

// ParseRelease normalizes a configured version literal.
func ParseRelease(s string) (Release, error) {
	switch s {
	case "R4", "r4", "4.0", "4.0.1":
		return ReleaseR4, nil
	case "R4B", "r4b", "4.3", "4.3.0":
		return ReleaseR4B, nil
	case "R5", "r5", "5.0", "5.0.0":
		return ReleaseR5, nil
	}
	return "", fmt.Errorf("unknown fhir version %q", s)
}

// FHIRVersion returns the release's version number for capability statements.
func (r Release) FHIRVersion() string {
	switch r {
	case ReleaseR4:
		return "4.0.1"
	case ReleaseR4B:
		return "4.3.0"
	case ReleaseR5:
		return "5.0.0"
	}
	return ""
}

// VersionAdapter is the one place release-specific shapes appear. Everything
// above it works on the generic resource map; the adapter covers the points
// where R4, R4B and R5 genuinely diverge: the subscription model and the
// status resource carried inside notification bundles.
type VersionAdapter interface {
	Release() Release

	// ParseSubscription maps a Subscription resource, release-specific
	// backport extensions included, onto the neutral record.
	ParseSubscription(r Resource) (*SubscriptionRecord, error)

	// NotificationStatus builds the status entry of a notification bundle:
	// a Parameters resource for R4, a SubscriptionStatus for R4B and R5.
	NotificationStatus(info *NotificationInfo) Resource

	// ParseNotificationStatus is the inverse, used when the server receives
	// a notification bundle on its loopback endpoint.
	ParseNotificationStatus(r Resource) (*NotificationInfo, bool)
}

// NotificationInfo is the neutral content of a notification's status entry.
type NotificationInfo struct {
	SubscriptionReference string
	TopicURL              string
	Status                string
	NotificationType      string // handshake | heartbeat | event-notification
	EventsSinceStart      int64
	EventsInNotification  int
	FocusReferences       []string
}

// NewVersionAdapter returns the adapter for a release.
func NewVersionAdapter(release Release) VersionAdapter {
	switch release {
	case ReleaseR4:
		return adapterR4{}
	case ReleaseR4B:
		return adapterR4B{}
	default:
		return adapterR5{}
	}
}

// ----------------------------------------------------------------------------
// R5: native subscription model.
// ----------------------------------------------------------------------------

type adapterR5 struct{}

func (adapterR5) Release() Release { return ReleaseR5 }

func (adapterR5) ParseSubscription(r Resource) (*SubscriptionRecord, error) {
	return parseSubscriptionR5(r)
}

func (adapterR5) NotificationStatus(info *NotificationInfo) Resource {
	return subscriptionStatusResource(info)
}

func (adapterR5) ParseNotificationStatus(r Resource) (*NotificationInfo, bool) {
	return parseSubscriptionStatus(r)
}

// ----------------------------------------------------------------------------
// R4B: backported subscription fields, native SubscriptionStatus.
// ----------------------------------------------------------------------------

type adapterR4B struct{}

func (adapterR4B) Release() Release { return ReleaseR4B }

func (adapterR4B) ParseSubscription(r Resource) (*SubscriptionRecord, error) {
	return parseSubscriptionR4(r)
}

func (adapterR4B) NotificationStatus(info *NotificationInfo) Resource {
	return subscriptionStatusResource(info)
}

func (adapterR4B) ParseNotificationStatus(r Resource) (*NotificationInfo, bool) {
	return parseSubscriptionStatus(r)
}

// ----------------------------------------------------------------------------
// R4: backported subscription fields, Parameters-based status.
// ----------------------------------------------------------------------------

type adapterR4 struct{}

func (adapterR4) Release() Release { return ReleaseR4 }

func (adapterR4) ParseSubscription(r Resource) (*SubscriptionRecord, error) {
	return parseSubscriptionR4(r)
}

func (adapterR4) NotificationStatus(info *NotificationInfo) Resource {
	params := []interface{}{
		map[string]interface{}{
			"name": "subscription",
			"valueReference": map[string]interface{}{
				"reference": info.SubscriptionReference,
			},
		},
		map[string]interface{}{"name": "topic", "valueCanonical": info.TopicURL},
		map[string]interface{}{"name": "status", "valueCode": info.Status},
		map[string]interface{}{"name": "type", "valueCode": info.NotificationType},
		map[string]interface{}{
			"name":        "events-since-subscription-start",
			"valueString": strconv.FormatInt(info.EventsSinceStart, 10),
		},
	}
	for _, focus := range info.FocusReferences {
		params = append(params, map[string]interface{}{
			"name": "notification-event",
			"part": []interface{}{
				map[string]interface{}{
					"name":           "focus",
					"valueReference": map[string]interface{}{"reference": focus},
				},
			},
		})
	}
	return Resource{
		"resourceType": "Parameters",
		"id":           NewResourceID(),
		"parameter":    params,
	}
}

func (adapterR4) ParseNotificationStatus(r Resource) (*NotificationInfo, bool) {
	if ResourceType(r) != "Parameters" {
		return nil, false
	}
	info := &NotificationInfo{}
	params, _ := r["parameter"].([]interface{})
	for _, p := range params {
		pm, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		switch pm["name"] {
		case "subscription":
			if ref, ok := pm["valueReference"].(map[string]interface{}); ok {
				info.SubscriptionReference, _ = ref["reference"].(string)
			}
		case "topic":
			info.TopicURL, _ = pm["valueCanonical"].(string)
		case "status":
			info.Status, _ = pm["valueCode"].(string)
		case "type":
			info.NotificationType, _ = pm["valueCode"].(string)
		case "events-since-subscription-start":
			if s, ok := pm["valueString"].(string); ok {
				info.EventsSinceStart, _ = strconv.ParseInt(s, 10, 64)
			}
		case "notification-event":
			info.EventsInNotification++
			if parts, ok := pm["part"].([]interface{}); ok {
				for _, part := range parts {
					partm, ok := part.(map[string]interface{})
					if !ok || partm["name"] != "focus" {
						continue
					}
					if ref, ok := partm["valueReference"].(map[string]interface{}); ok {
						if s, ok := ref["reference"].(string); ok {
							info.FocusReferences = append(info.FocusReferences, s)
						}
					}
				}
			}
		}
	}
	if info.SubscriptionReference == "" {
		return nil, false
	}
	return info, true
}

// subscriptionStatusResource builds the R4B/R5 SubscriptionStatus.
func subscriptionStatusResource(info *NotificationInfo) Resource {
	status := Resource{
		"resourceType": "SubscriptionStatus",
		"id":           NewResourceID(),
		"status":       info.Status,
		"type":         info.NotificationType,
		"subscription": map[string]interface{}{
			"reference": info.SubscriptionReference,
		},
		"topic":                        info.TopicURL,
		"eventsSinceSubscriptionStart": strconv.FormatInt(info.EventsSinceStart, 10),
	}
	if len(info.FocusReferences) > 0 {
		var events []interface{}
		num := info.EventsSinceStart - int64(len(info.FocusReferences)) + 1
		for _, focus := range info.FocusReferences {
			events = append(events, map[string]interface{}{
				"eventNumber": strconv.FormatInt(num, 10),
				"focus":       map[string]interface{}{"reference": focus},
			})
			num++
		}
		status["notificationEvent"] = events
	}
	return status
}

func parseSubscriptionStatus(r Resource) (*NotificationInfo, bool) {
	if ResourceType(r) != "SubscriptionStatus" {
		return nil, false
	}
	info := &NotificationInfo{}
	info.Status, _ = r["status"].(string)
	info.NotificationType, _ = r["type"].(string)
	info.TopicURL, _ = r["topic"].(string)
	if ref, ok := r["subscription"].(map[string]interface{}); ok {
		info.SubscriptionReference, _ = ref["reference"].(string)
	}
	if s, ok := r["eventsSinceSubscriptionStart"].(string); ok {
		info.EventsSinceStart, _ = strconv.ParseInt(s, 10, 64)
	}
	if events, ok := r["notificationEvent"].([]interface{}); ok {
		info.EventsInNotification = len(events)
		for _, e := range events {
			em, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if focus, ok := em["focus"].(map[string]interface{}); ok {
				if s, ok := focus["reference"].(string); ok {
					info.FocusReferences = append(info.FocusReferences, s)
				}
			}
		}
	}
	if info.SubscriptionReference == "" {
		return nil, false
	}
	return info, true
}

// Instant formats a timestamp as a FHIR instant.
func Instant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
