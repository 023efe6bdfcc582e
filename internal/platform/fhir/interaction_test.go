package fhir

import "testing"

const testBase = "http://localhost:5826/fhir/r4"

func parseTest(t *testing.T, method, url string) *Interaction {
	t.Helper()
	in, perr := ParseInteraction(testBase, method, url, IsKnownResourceType)
	if perr != nil {
		t.Fatalf("ParseInteraction(%s %s): %v", method, url, perr)
	}
	return in
}

func TestParseInteraction(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   InteractionKind
		check  func(*testing.T, *Interaction)
	}{
		{"system search", "GET", "?name=smith", SystemSearch, nil},
		{"capabilities", "GET", "metadata", SystemCapabilities, nil},
		{"system history", "GET", "_history", SystemHistory, nil},
		{"system bundle", "POST", "", SystemBundle, nil},
		{"system post search", "POST", "_search", SystemSearch, nil},
		{"system operation", "GET", "$export", SystemOperation, func(t *testing.T, in *Interaction) {
			if in.OperationName != "export" {
				t.Errorf("operation = %q, want export", in.OperationName)
			}
		}},
		{"type search", "GET", "Patient?gender=male", TypeSearch, func(t *testing.T, in *Interaction) {
			if in.ResourceType != "Patient" {
				t.Errorf("type = %q", in.ResourceType)
			}
		}},
		{"type post search", "POST", "Patient/_search", TypeSearch, nil},
		{"create", "POST", "Patient", TypeCreate, nil},
		{"conditional create", "POST", "Patient?identifier=mrn|123", TypeCreateConditional, nil},
		{"create with format only", "POST", "Patient?_format=json", TypeCreate, nil},
		{"conditional type delete", "DELETE", "Patient?identifier=mrn|123", TypeDeleteConditional, nil},
		{"type operation", "POST", "Patient/$validate", TypeOperation, nil},
		{"read", "GET", "Patient/p1", InstanceRead, func(t *testing.T, in *Interaction) {
			if in.ID != "p1" {
				t.Errorf("id = %q", in.ID)
			}
		}},
		{"update", "PUT", "Patient/p1", InstanceUpdate, nil},
		{"conditional update", "PUT", "Patient/p1?identifier=mrn|123", InstanceUpdateConditional, nil},
		{"patch", "PATCH", "Patient/p1", InstancePatch, nil},
		{"conditional patch", "PATCH", "Patient/p1?active=true", InstancePatchConditional, nil},
		{"delete", "DELETE", "Patient/p1", InstanceDelete, nil},
		{"instance history", "GET", "Patient/p1/_history", InstanceReadHistory, nil},
		{"delete history", "DELETE", "Patient/p1/_history", InstanceDeleteHistory, nil},
		{"vread", "GET", "Patient/p1/_history/3", InstanceReadVersion, func(t *testing.T, in *Interaction) {
			if in.Version != "3" {
				t.Errorf("version = %q", in.Version)
			}
		}},
		{"delete version", "DELETE", "Patient/p1/_history/3", InstanceDeleteVersion, nil},
		{"instance operation", "POST", "Subscription/s1/$status", InstanceOperation, func(t *testing.T, in *Interaction) {
			if in.OperationName != "status" {
				t.Errorf("operation = %q", in.OperationName)
			}
		}},
		{"compartment search", "GET", "Patient/p1/*", CompartmentSearch, func(t *testing.T, in *Interaction) {
			if in.CompartmentType != "Patient" || in.ID != "p1" {
				t.Errorf("compartment = %q id = %q", in.CompartmentType, in.ID)
			}
		}},
		{"compartment type search", "GET", "Patient/p1/Observation", CompartmentTypeSearch, func(t *testing.T, in *Interaction) {
			if in.ResourceType != "Observation" {
				t.Errorf("type = %q", in.ResourceType)
			}
		}},
		{"compartment operation", "GET", "Patient/p1/*/$everything", CompartmentOperation, nil},
		{"absolute url", "GET", testBase + "/Patient/p1", InstanceRead, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := parseTest(t, tt.method, tt.url)
			if in.Kind != tt.want {
				t.Fatalf("kind = %v, want %v", in.Kind, tt.want)
			}
			if tt.check != nil {
				tt.check(t, in)
			}
		})
	}
}

func TestParseInteractionErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
	}{
		{"unknown type", "GET", "NotAType/x1"},
		{"unknown method", "TRACE", "Patient"},
		{"cross tenant", "GET", "http://other.example.org/fhir/Patient/p1"},
		{"delete without criteria", "DELETE", ""},
		{"compartment on non-compartment type", "GET", "Observation/o1/*"},
		{"too many segments", "GET", "Patient/p1/_history/3/extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, perr := ParseInteraction(testBase, tt.method, tt.url, IsKnownResourceType)
			if perr == nil {
				t.Fatalf("expected parse error, got %v", in.Kind)
			}
			if perr.HTTPMethod == "" {
				t.Error("parse error missing method")
			}
		})
	}
}

func TestInteractionURLRoundTrip(t *testing.T) {
	urls := []struct {
		method string
		url    string
	}{
		{"GET", "metadata"},
		{"GET", "Patient?gender=male&name=ann"},
		{"POST", "Patient"},
		{"POST", "Patient?identifier=mrn%7C123"},
		{"GET", "Patient/p1"},
		{"GET", "Patient/p1/_history/2"},
		{"PUT", "Patient/p1"},
		{"PATCH", "Patient/p1?active=true"},
		{"DELETE", "Patient/p1"},
		{"GET", "Patient/p1/*"},
		{"GET", "Patient/p1/Observation?status=final"},
		{"POST", "Subscription/s9/$events"},
	}
	for _, u := range urls {
		t.Run(u.method+" "+u.url, func(t *testing.T) {
			first := parseTest(t, u.method, u.url)
			printed := first.URL()
			second := parseTest(t, u.method, printed)
			if second.Kind != first.Kind || second.ResourceType != first.ResourceType ||
				second.ID != first.ID || second.Version != first.Version ||
				second.OperationName != first.OperationName ||
				second.CompartmentType != first.CompartmentType {
				t.Errorf("round trip changed interaction: %+v vs %+v (printed %q)", first, second, printed)
			}
			if len(second.Query) != len(first.Query) {
				t.Errorf("round trip changed query: %v vs %v", first.Query, second.Query)
			}
		})
	}
}
