package fhir

import "strings"

// Topic is the parsed form of a SubscriptionTopic resource, keyed the way
// the subscription engine consumes it: triggers and filters grouped per
// resource type.
type Topic struct {
	ID                 string
	URL                string
	Title              string
	Status             string
	ResourceTriggers   map[string][]ResourceTrigger
	EventTriggers      []EventTrigger
	AllowedFilters     map[string][]AllowedFilter
	NotificationShapes map[string][]NotificationShape
}

// ResourceTrigger describes when a change to one resource type fires the
// topic. The query criteria run against the previous and current resource
// snapshots; the auto flags settle the side that has no snapshot (previous
// on create, current on delete).
type ResourceTrigger struct {
	ResourceType       string
	OnCreate           bool
	OnUpdate           bool
	OnDelete           bool
	QueryPrevious      string
	QueryCurrent       string
	RequireBothQueries bool
	CreateAutoPass     bool
	CreateAutoFail     bool
	DeleteAutoPass     bool
	DeleteAutoFail     bool
	FHIRPathCriteria   string
}

// EventTrigger describes a named-event trigger.
type EventTrigger struct {
	Description string
	System      string
	Code        string
}

// AllowedFilter is a filter parameter subscriptions to this topic may use.
type AllowedFilter struct {
	ResourceType    string
	FilterParameter string
	Comparators     []string
	Modifiers       []string
}

// NotificationShape lists the includes attached to notification focus
// resources.
type NotificationShape struct {
	ResourceType string
	Includes     []string
	RevIncludes  []string
}

// ParseTopic maps a SubscriptionTopic resource onto the Topic record.
func ParseTopic(r Resource) (*Topic, error) {
	if ResourceType(r) != "SubscriptionTopic" {
		return nil, ErrBadRequest("expected SubscriptionTopic, got %s", ResourceType(r))
	}
	url, _ := r["url"].(string)
	if url == "" {
		return nil, ErrBadRequest("SubscriptionTopic.url is required")
	}
	t := &Topic{
		ID:                 ResourceID(r),
		URL:                url,
		ResourceTriggers:   map[string][]ResourceTrigger{},
		AllowedFilters:     map[string][]AllowedFilter{},
		NotificationShapes: map[string][]NotificationShape{},
	}
	t.Title, _ = r["title"].(string)
	t.Status, _ = r["status"].(string)

	triggers, _ := r["resourceTrigger"].([]interface{})
	for _, raw := range triggers {
		tm, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		trigger := parseResourceTrigger(tm)
		if trigger.ResourceType == "" {
			continue
		}
		t.ResourceTriggers[trigger.ResourceType] = append(t.ResourceTriggers[trigger.ResourceType], trigger)
	}

	events, _ := r["eventTrigger"].([]interface{})
	for _, raw := range events {
		em, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		et := EventTrigger{}
		et.Description, _ = em["description"].(string)
		if concept, ok := em["event"].(map[string]interface{}); ok {
			for _, tp := range tokenPairs(concept) {
				et.System, et.Code = tp.system, tp.code
				break
			}
		}
		t.EventTriggers = append(t.EventTriggers, et)
	}

	filters, _ := r["canFilterBy"].([]interface{})
	for _, raw := range filters {
		fm, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		af := AllowedFilter{}
		af.ResourceType = uriTail(stringAt(fm, "resource"))
		af.FilterParameter, _ = fm["filterParameter"].(string)
		af.Comparators = stringList(fm["comparator"])
		af.Modifiers = stringList(fm["modifier"])
		if af.FilterParameter == "" {
			continue
		}
		t.AllowedFilters[af.ResourceType] = append(t.AllowedFilters[af.ResourceType], af)
	}

	shapes, _ := r["notificationShape"].([]interface{})
	for _, raw := range shapes {
		sm, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		shape := NotificationShape{
			ResourceType: uriTail(stringAt(sm, "resource")),
			Includes:     stringList(sm["include"]),
			RevIncludes:  stringList(sm["revInclude"]),
		}
		if shape.ResourceType == "" {
			continue
		}
		t.NotificationShapes[shape.ResourceType] = append(t.NotificationShapes[shape.ResourceType], shape)
	}

	return t, nil
}

func parseResourceTrigger(tm map[string]interface{}) ResourceTrigger {
	trigger := ResourceTrigger{
		ResourceType: uriTail(stringAt(tm, "resource")),
	}
	trigger.FHIRPathCriteria, _ = tm["fhirPathCriteria"].(string)
	interactions := stringList(tm["supportedInteraction"])
	if len(interactions) == 0 {
		// No listed interactions means the trigger covers all of them.
		trigger.OnCreate, trigger.OnUpdate, trigger.OnDelete = true, true, true
	}
	for _, i := range interactions {
		switch i {
		case "create":
			trigger.OnCreate = true
		case "update":
			trigger.OnUpdate = true
		case "delete":
			trigger.OnDelete = true
		}
	}
	if qc, ok := tm["queryCriteria"].(map[string]interface{}); ok {
		trigger.QueryPrevious, _ = qc["previous"].(string)
		trigger.QueryCurrent, _ = qc["current"].(string)
		if rb, ok := qc["requireBoth"].(bool); ok {
			trigger.RequireBothQueries = rb
		}
		switch stringAt(qc, "resultForCreate") {
		case "test-passes":
			trigger.CreateAutoPass = true
		case "test-fails":
			trigger.CreateAutoFail = true
		}
		switch stringAt(qc, "resultForDelete") {
		case "test-passes":
			trigger.DeleteAutoPass = true
		case "test-fails":
			trigger.DeleteAutoFail = true
		}
	}
	return trigger
}

func stringAt(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringList(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// uriTail reduces a canonical resource URI like
// "http://hl7.org/fhir/StructureDefinition/Encounter" to its type name.
func uriTail(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}
