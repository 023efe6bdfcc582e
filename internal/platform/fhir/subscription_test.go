package fhir

import "testing"

func encounterTopic() Resource {
	return Resource{
		"resourceType": "SubscriptionTopic",
		"id":           "encounter-complete",
		"url":          "http://example.org/topics/encounter-complete",
		"status":       "active",
		"resourceTrigger": []interface{}{
			map[string]interface{}{
				"resource":             "http://hl7.org/fhir/StructureDefinition/Encounter",
				"supportedInteraction": []interface{}{"create", "update"},
				"queryCriteria": map[string]interface{}{
					"previous":        "status:not=completed",
					"resultForCreate": "test-passes",
					"current":         "status=completed",
					"resultForDelete": "test-fails",
					"requireBoth":     true,
				},
			},
		},
		"canFilterBy": []interface{}{
			map[string]interface{}{
				"resource":        "Encounter",
				"filterParameter": "patient",
			},
		},
		"notificationShape": []interface{}{
			map[string]interface{}{
				"resource":   "Encounter",
				"include":    []interface{}{"Encounter:patient"},
				"revInclude": []interface{}{"Observation:encounter"},
			},
		},
	}
}

func TestParseTopic(t *testing.T) {
	topic, err := ParseTopic(encounterTopic())
	if err != nil {
		t.Fatal(err)
	}
	if topic.URL != "http://example.org/topics/encounter-complete" {
		t.Errorf("url = %q", topic.URL)
	}
	triggers := topic.ResourceTriggers["Encounter"]
	if len(triggers) != 1 {
		t.Fatalf("triggers = %+v", topic.ResourceTriggers)
	}
	tr := triggers[0]
	if !tr.OnCreate || !tr.OnUpdate || tr.OnDelete {
		t.Errorf("interactions = create:%v update:%v delete:%v", tr.OnCreate, tr.OnUpdate, tr.OnDelete)
	}
	if tr.QueryPrevious != "status:not=completed" || tr.QueryCurrent != "status=completed" {
		t.Errorf("queries = %q / %q", tr.QueryPrevious, tr.QueryCurrent)
	}
	if !tr.RequireBothQueries || !tr.CreateAutoPass || !tr.DeleteAutoFail {
		t.Errorf("flags = %+v", tr)
	}
	if len(topic.AllowedFilters["Encounter"]) != 1 {
		t.Errorf("filters = %+v", topic.AllowedFilters)
	}
	shapes := topic.NotificationShapes["Encounter"]
	if len(shapes) != 1 || len(shapes[0].Includes) != 1 || len(shapes[0].RevIncludes) != 1 {
		t.Errorf("shapes = %+v", shapes)
	}

	if _, err := ParseTopic(Resource{"resourceType": "SubscriptionTopic"}); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestParseSubscriptionR5(t *testing.T) {
	sub := Resource{
		"resourceType": "Subscription",
		"id":           "s1",
		"status":       "requested",
		"topic":        "http://example.org/topics/encounter-complete",
		"channelType": map[string]interface{}{
			"system": "http://terminology.hl7.org/CodeSystem/subscription-channel-type",
			"code":   "rest-hook",
		},
		"endpoint":        "https://client.example.org/hook",
		"heartbeatPeriod": float64(120),
		"timeout":         float64(30),
		"maxCount":        float64(5),
		"content":         "full-resource",
		"contentType":     "application/fhir+json",
		"parameter": []interface{}{
			map[string]interface{}{"name": "Authorization", "value": "Bearer abc"},
		},
		"filterBy": []interface{}{
			map[string]interface{}{
				"resourceType":    "Encounter",
				"filterParameter": "patient",
				"value":           "Patient/p1",
			},
		},
	}
	rec, err := NewVersionAdapter(ReleaseR5).ParseSubscription(sub)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TopicURL != "http://example.org/topics/encounter-complete" {
		t.Errorf("topic = %q", rec.TopicURL)
	}
	if rec.ChannelCode != "rest-hook" || rec.Endpoint != "https://client.example.org/hook" {
		t.Errorf("channel = %q endpoint = %q", rec.ChannelCode, rec.Endpoint)
	}
	if rec.HeartbeatSecs != 120 || rec.TimeoutSecs != 30 || rec.MaxPerBundle != 5 {
		t.Errorf("tuning = %d/%d/%d", rec.HeartbeatSecs, rec.TimeoutSecs, rec.MaxPerBundle)
	}
	if rec.ContentLevel != ContentFullResource {
		t.Errorf("content = %q", rec.ContentLevel)
	}
	if got := rec.Headers["Authorization"]; len(got) != 1 || got[0] != "Bearer abc" {
		t.Errorf("headers = %v", rec.Headers)
	}
	if len(rec.Filters["Encounter"]) != 1 {
		t.Errorf("filters = %+v", rec.Filters)
	}
}

func TestParseSubscriptionR4Backport(t *testing.T) {
	sub := Resource{
		"resourceType": "Subscription",
		"id":           "s2",
		"status":       "requested",
		"criteria":     "http://example.org/topics/encounter-complete",
		"extension": []interface{}{
			map[string]interface{}{
				"url":         extFilterCriteria,
				"valueString": "Encounter?patient=Patient/p1&status=completed",
			},
		},
		"channel": map[string]interface{}{
			"type":     "rest-hook",
			"endpoint": "https://client.example.org/hook",
			"payload":  "application/fhir+json",
			"header":   []interface{}{"Authorization: Bearer abc"},
			"extension": []interface{}{
				map[string]interface{}{"url": extHeartbeatPeriod, "valueUnsignedInt": float64(60)},
				map[string]interface{}{"url": extTimeout, "valueUnsignedInt": float64(15)},
			},
			"_payload": map[string]interface{}{
				"extension": []interface{}{
					map[string]interface{}{"url": extContent, "valueCode": "id-only"},
				},
			},
		},
	}
	rec, err := NewVersionAdapter(ReleaseR4).ParseSubscription(sub)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TopicURL != "http://example.org/topics/encounter-complete" {
		t.Errorf("topic = %q", rec.TopicURL)
	}
	if rec.HeartbeatSecs != 60 || rec.TimeoutSecs != 15 {
		t.Errorf("tuning = %d/%d", rec.HeartbeatSecs, rec.TimeoutSecs)
	}
	if rec.ContentLevel != ContentIDOnly {
		t.Errorf("content = %q", rec.ContentLevel)
	}
	filters := rec.Filters["Encounter"]
	if len(filters) != 2 || filters[0].Name != "patient" || filters[0].Value != "Patient/p1" {
		t.Errorf("filters = %+v", filters)
	}
}

func TestNotificationStatusRoundTrip(t *testing.T) {
	info := &NotificationInfo{
		SubscriptionReference: "Subscription/s1",
		TopicURL:              "http://example.org/topics/encounter-complete",
		Status:                SubscriptionActive,
		NotificationType:      NotificationEvent,
		EventsSinceStart:      4,
		FocusReferences:       []string{"Encounter/e1", "Encounter/e2"},
	}
	for _, release := range []Release{ReleaseR4, ReleaseR4B, ReleaseR5} {
		t.Run(string(release), func(t *testing.T) {
			adapter := NewVersionAdapter(release)
			status := adapter.NotificationStatus(info)
			wantType := "SubscriptionStatus"
			if release == ReleaseR4 {
				wantType = "Parameters"
			}
			if ResourceType(status) != wantType {
				t.Fatalf("status type = %q, want %q", ResourceType(status), wantType)
			}
			back, ok := adapter.ParseNotificationStatus(status)
			if !ok {
				t.Fatal("ParseNotificationStatus failed")
			}
			if back.SubscriptionReference != info.SubscriptionReference ||
				back.TopicURL != info.TopicURL ||
				back.NotificationType != info.NotificationType ||
				back.EventsSinceStart != info.EventsSinceStart {
				t.Errorf("round trip = %+v", back)
			}
			if len(back.FocusReferences) != 2 || back.EventsInNotification != 2 {
				t.Errorf("events = %d foci = %v", back.EventsInNotification, back.FocusReferences)
			}
		})
	}
}
