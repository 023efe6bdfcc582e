package fhir

import (
	"strings"
	"testing"
)

func TestNormalizeFormat(t *testing.T) {
	tests := []struct {
		mime string
		want Format
		ok   bool
	}{
		{"application/fhir+json", FormatJSON, true},
		{"application/json", FormatJSON, true},
		{"json", FormatJSON, true},
		{"fhir+json", FormatJSON, true},
		{"application/fhir+json; charset=utf-8", FormatJSON, true},
		{"application/fhir json", FormatJSON, true}, // '+' lost to query decoding
		{"", FormatJSON, true},
		{"*/*", FormatJSON, true},
		{"application/fhir+xml", FormatXML, true},
		{"text/xml", FormatXML, true},
		{"XML", FormatXML, true},
		{"text/html", "", false},
		{"application/pdf", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			got, ok := NormalizeFormat(tt.mime)
			if ok != tt.ok || got != tt.want {
				t.Errorf("NormalizeFormat(%q) = (%q, %v), want (%q, %v)", tt.mime, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseResourceJSON(t *testing.T) {
	data := []byte(`{"resourceType":"Patient","id":"p1","extra":{"kept":true},"multipleBirthInteger":2}`)
	r, err := ParseResource(FormatJSON, data)
	if err != nil {
		t.Fatal(err)
	}
	if ResourceType(r) != "Patient" || ResourceID(r) != "p1" {
		t.Errorf("parsed %v", r)
	}
	// Unknown members survive.
	if _, ok := r["extra"]; !ok {
		t.Error("unknown member dropped")
	}

	if _, err := ParseResource(FormatJSON, []byte(`{"id":"x"}`)); err == nil {
		t.Error("expected error for missing resourceType")
	}
	if _, err := ParseResource(FormatJSON, []byte(`{broken`)); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestXMLRoundTrip(t *testing.T) {
	r := Resource{
		"resourceType": "Patient",
		"id":           "p1",
		"active":       true,
		"meta": map[string]interface{}{
			"versionId": "2",
		},
		"name": []interface{}{
			map[string]interface{}{
				"family": "O'Brien <junior>",
				"given":  []interface{}{"Ann", "Belle"},
			},
		},
		"contained": []interface{}{
			map[string]interface{}{
				"resourceType": "Organization",
				"id":           "org1",
				"name":         "St. Elsewhere",
			},
		},
	}
	data, err := SerializeResource(r, FormatXML, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `xmlns="http://hl7.org/fhir"`) {
		t.Error("missing fhir namespace")
	}
	back, err := ParseResource(FormatXML, data)
	if err != nil {
		t.Fatalf("parse back: %v\n%s", err, data)
	}
	if ResourceType(back) != "Patient" || ResourceID(back) != "p1" {
		t.Errorf("round trip lost identity: %v", back)
	}
	if back["active"] != true {
		t.Errorf("active = %v", back["active"])
	}
	names, _ := back["name"].([]interface{})
	if len(names) == 0 {
		// A single repetition parses as a lone map.
		if nm, ok := back["name"].(map[string]interface{}); ok {
			names = []interface{}{nm}
		}
	}
	if len(names) != 1 {
		t.Fatalf("name = %v", back["name"])
	}
	nm := names[0].(map[string]interface{})
	if nm["family"] != "O'Brien <junior>" {
		t.Errorf("family = %v", nm["family"])
	}
	given, _ := nm["given"].([]interface{})
	if len(given) != 2 || given[0] != "Ann" {
		t.Errorf("given = %v", nm["given"])
	}
	contained := back["contained"]
	cm, ok := contained.(map[string]interface{})
	if !ok {
		arr, _ := contained.([]interface{})
		if len(arr) != 1 {
			t.Fatalf("contained = %v", contained)
		}
		cm = arr[0].(map[string]interface{})
	}
	if cm["resourceType"] != "Organization" || cm["name"] != "St. Elsewhere" {
		t.Errorf("contained = %v", cm)
	}
}

func TestXMLAttributeValuesKeepWhitespace(t *testing.T) {
	data := []byte(`<Patient xmlns="http://hl7.org/fhir">
  <name>
    <family value="Smith Jones"/>
    <given value="Mary  Ann"/>
  </name>
  <text>
    <status value='additional'/>
    <div value="a &quot;quoted&quot; note"/>
  </text>
</Patient>`)
	r, err := ParseResource(FormatXML, data)
	if err != nil {
		t.Fatal(err)
	}
	names, _ := r["name"].([]interface{})
	if len(names) != 1 {
		t.Fatalf("name = %v", r["name"])
	}
	nm := names[0].(map[string]interface{})
	if nm["family"] != "Smith Jones" {
		t.Errorf("family = %q, want %q", nm["family"], "Smith Jones")
	}
	given, _ := nm["given"].([]interface{})
	if len(given) != 1 || given[0] != "Mary  Ann" {
		t.Errorf("given = %v", nm["given"])
	}
	text := r["text"].(map[string]interface{})
	if text["status"] != "additional" {
		t.Errorf("single-quoted attribute = %v", text["status"])
	}
	if text["div"] != `a "quoted" note` {
		t.Errorf("escaped attribute = %v", text["div"])
	}
}

func TestXMLSingletonArraysStayArrays(t *testing.T) {
	r := Resource{
		"resourceType": "Patient",
		"id":           "p2",
		"name": []interface{}{
			map[string]interface{}{
				"family": "Chalmers",
				"given":  []interface{}{"Peter"},
			},
		},
		"identifier": []interface{}{
			map[string]interface{}{"system": "urn:mrn", "value": "123"},
		},
	}
	data, err := SerializeResource(r, FormatXML, false, false)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseResource(FormatXML, data)
	if err != nil {
		t.Fatal(err)
	}
	names, ok := back["name"].([]interface{})
	if !ok || len(names) != 1 {
		t.Fatalf("name = %#v, want single-element array", back["name"])
	}
	given, ok := names[0].(map[string]interface{})["given"].([]interface{})
	if !ok || len(given) != 1 || given[0] != "Peter" {
		t.Errorf("given = %#v, want single-element array", given)
	}

	// A bundle with one entry keeps entry as an array and the entry
	// resource as a lone map.
	bundle := Resource{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl":  "http://example.org/Patient/p2",
				"resource": r,
			},
		},
	}
	data, err = SerializeResource(bundle, FormatXML, true, false)
	if err != nil {
		t.Fatal(err)
	}
	back, err = ParseResource(FormatXML, data)
	if err != nil {
		t.Fatal(err)
	}
	entries, ok := back["entry"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("entry = %#v, want single-element array", back["entry"])
	}
	res, ok := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if !ok || ResourceType(res) != "Patient" {
		t.Errorf("entry resource = %#v", entries[0])
	}
}

func TestSerializeSummary(t *testing.T) {
	r := Resource{
		"resourceType": "Patient",
		"id":           "p1",
		"name":         []interface{}{map[string]interface{}{"family": "A"}},
		"photo":        []interface{}{"bytes"},
	}
	data, err := SerializeResource(r, FormatJSON, false, true)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if strings.Contains(s, "photo") {
		t.Error("summary kept non-summary member")
	}
	if !strings.Contains(s, "SUBSETTED") {
		t.Error("summary missing SUBSETTED tag")
	}
	// The source resource is untouched.
	if _, ok := r["meta"]; ok {
		t.Error("summarize mutated the source")
	}
}
