package fhir

import (
	"strconv"
	"strings"
	"time"
)

// Subscription lifecycle states.
const (
	SubscriptionRequested = "requested"
	SubscriptionActive    = "active"
	SubscriptionError     = "error"
	SubscriptionOff       = "off"
)

// Notification content levels.
const (
	ContentEmpty        = "empty"
	ContentIDOnly       = "id-only"
	ContentFullResource = "full-resource"
)

// Notification types carried in the status entry.
const (
	NotificationHandshake   = "handshake"
	NotificationHeartbeat   = "heartbeat"
	NotificationEvent       = "event-notification"
	NotificationQueryStatus = "query-status"
	NotificationQueryEvent  = "query-event"
)

// Backport extension URLs used by R4 and R4B subscriptions.
const (
	extHeartbeatPeriod = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-heartbeat-period"
	extTimeout         = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-timeout"
	extMaxCount        = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-max-count"
	extFilterCriteria  = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-filter-criteria"
	extChannelType     = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-channel-type"
	extContent         = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content"
)

// SubscriptionFilter is one filter a subscription applies on top of its
// topic's allowed filters.
type SubscriptionFilter struct {
	ResourceType string
	Name         string
	Comparator   string
	Modifier     string
	Value        string
}

// SubscriptionRecord is the neutral parsed form of a Subscription resource.
// Mutable runtime state (event counters, generated events, error tallies)
// lives in the subscription engine, not here.
type SubscriptionRecord struct {
	ID            string
	TopicURL      string
	Status        string
	Filters       map[string][]SubscriptionFilter
	ChannelSystem string
	ChannelCode   string
	Endpoint      string
	Headers       map[string][]string
	HeartbeatSecs int
	TimeoutSecs   int
	ContentType   string
	ContentLevel  string
	MaxPerBundle  int
	End           time.Time
}

// parseSubscriptionR5 reads the native R5 shape.
func parseSubscriptionR5(r Resource) (*SubscriptionRecord, error) {
	if ResourceType(r) != "Subscription" {
		return nil, ErrBadRequest("expected Subscription, got %s", ResourceType(r))
	}
	rec := newSubscriptionRecord(r)
	rec.TopicURL, _ = r["topic"].(string)
	if rec.TopicURL == "" {
		return nil, ErrBadRequest("Subscription.topic is required")
	}
	if ct, ok := r["channelType"].(map[string]interface{}); ok {
		rec.ChannelSystem = stringAt(ct, "system")
		rec.ChannelCode = stringAt(ct, "code")
	}
	rec.Endpoint, _ = r["endpoint"].(string)
	if level, ok := r["content"].(string); ok {
		rec.ContentLevel = level
	}
	rec.ContentType, _ = r["contentType"].(string)
	rec.HeartbeatSecs = intAt(r, "heartbeatPeriod")
	rec.TimeoutSecs = intAt(r, "timeout")
	rec.MaxPerBundle = intAt(r, "maxCount")
	for _, h := range headerEntries(r) {
		addHeader(rec.Headers, h)
	}
	if end, ok := r["end"].(string); ok {
		if t, err := ParseDateTime(end); err == nil {
			rec.End = t
		}
	}
	filters, _ := r["filterBy"].([]interface{})
	for _, raw := range filters {
		fm, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		f := SubscriptionFilter{
			ResourceType: uriTail(stringAt(fm, "resourceType")),
			Name:         stringAt(fm, "filterParameter"),
			Comparator:   stringAt(fm, "comparator"),
			Modifier:     stringAt(fm, "modifier"),
			Value:        stringAt(fm, "value"),
		}
		if f.Name == "" {
			continue
		}
		rec.Filters[f.ResourceType] = append(rec.Filters[f.ResourceType], f)
	}
	return rec, nil
}

// parseSubscriptionR4 reads the R4/R4B backport shape: the topic canonical
// in criteria, filters in the filter-criteria extension, tuning values in
// channel extensions.
func parseSubscriptionR4(r Resource) (*SubscriptionRecord, error) {
	if ResourceType(r) != "Subscription" {
		return nil, ErrBadRequest("expected Subscription, got %s", ResourceType(r))
	}
	rec := newSubscriptionRecord(r)
	rec.TopicURL, _ = r["criteria"].(string)
	if rec.TopicURL == "" {
		return nil, ErrBadRequest("Subscription.criteria must carry the topic canonical")
	}

	for _, ext := range extensions(r) {
		if stringAt(ext, "url") == extFilterCriteria {
			if crit, ok := ext["valueString"].(string); ok {
				parseFilterCriteria(rec, crit)
			}
		}
	}

	channel, _ := r["channel"].(map[string]interface{})
	if channel == nil {
		return nil, ErrBadRequest("Subscription.channel is required")
	}
	rec.ChannelCode = stringAt(channel, "type")
	rec.ChannelSystem = "http://terminology.hl7.org/CodeSystem/subscription-channel-type"
	rec.Endpoint = stringAt(channel, "endpoint")
	rec.ContentType = stringAt(channel, "payload")
	for _, h := range stringList(channel["header"]) {
		addHeader(rec.Headers, h)
	}
	for _, ext := range extensions(channel) {
		switch stringAt(ext, "url") {
		case extHeartbeatPeriod:
			rec.HeartbeatSecs = intValue(ext)
		case extTimeout:
			rec.TimeoutSecs = intValue(ext)
		case extMaxCount:
			rec.MaxPerBundle = intValue(ext)
		case extChannelType:
			if coding, ok := ext["valueCoding"].(map[string]interface{}); ok {
				rec.ChannelSystem = stringAt(coding, "system")
				rec.ChannelCode = stringAt(coding, "code")
			}
		}
	}
	// Payload-level content rides on the payload element's extension; the
	// simpler _payload form appears in bootstrap files.
	if pext, ok := channel["_payload"].(map[string]interface{}); ok {
		for _, ext := range extensions(pext) {
			if stringAt(ext, "url") == extContent {
				if level, ok := ext["valueCode"].(string); ok {
					rec.ContentLevel = level
				}
			}
		}
	}
	if end, ok := r["end"].(string); ok {
		if t, err := ParseDateTime(end); err == nil {
			rec.End = t
		}
	}
	return rec, nil
}

func newSubscriptionRecord(r Resource) *SubscriptionRecord {
	rec := &SubscriptionRecord{
		ID:           ResourceID(r),
		Filters:      map[string][]SubscriptionFilter{},
		Headers:      map[string][]string{},
		ContentLevel: ContentIDOnly,
		ContentType:  string(FormatJSON),
	}
	rec.Status, _ = r["status"].(string)
	if rec.Status == "" {
		rec.Status = SubscriptionRequested
	}
	return rec
}

// parseFilterCriteria decodes the backport filter string, a relative search
// URL like "Encounter?patient=Patient/123&status=in-progress".
func parseFilterCriteria(rec *SubscriptionRecord, crit string) {
	resourceType := ""
	query := crit
	if i := strings.Index(crit, "?"); i >= 0 {
		resourceType = crit[:i]
		query = crit[i+1:]
	}
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		key, value := part, ""
		if i := strings.Index(part, "="); i >= 0 {
			key, value = part[:i], part[i+1:]
		}
		f := SubscriptionFilter{ResourceType: resourceType, Name: key, Value: value}
		if i := strings.Index(key, ":"); i >= 0 {
			f.Name, f.Modifier = key[:i], key[i+1:]
		}
		rec.Filters[resourceType] = append(rec.Filters[resourceType], f)
	}
}

func extensions(m map[string]interface{}) []map[string]interface{} {
	arr, _ := m["extension"].([]interface{})
	var out []map[string]interface{}
	for _, item := range arr {
		if em, ok := item.(map[string]interface{}); ok {
			out = append(out, em)
		}
	}
	return out
}

func intValue(ext map[string]interface{}) int {
	for _, key := range []string{"valueUnsignedInt", "valuePositiveInt", "valueInteger"} {
		if v, ok := ext[key]; ok {
			if f, ok := asFloat(v); ok {
				return int(f)
			}
		}
	}
	return 0
}

func intAt(m map[string]interface{}, key string) int {
	if f, ok := asFloat(m[key]); ok {
		return int(f)
	}
	return 0
}

func headerEntries(r Resource) []string {
	if params, ok := r["parameter"].([]interface{}); ok {
		var out []string
		for _, raw := range params {
			pm, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			name, value := stringAt(pm, "name"), stringAt(pm, "value")
			if name != "" {
				out = append(out, name+": "+value)
			}
		}
		return out
	}
	return stringList(r["header"])
}

// addHeader splits "Name: value" into the header multimap.
func addHeader(headers map[string][]string, h string) {
	name, value := h, ""
	if i := strings.Index(h, ":"); i >= 0 {
		name, value = h[:i], strings.TrimSpace(h[i+1:])
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	headers[name] = append(headers[name], value)
}

// FormatEventNumber renders event numbers the way status resources carry
// them, as decimal strings.
func FormatEventNumber(n int64) string {
	return strconv.FormatInt(n, 10)
}
