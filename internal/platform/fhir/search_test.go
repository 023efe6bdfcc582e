package fhir

import (
	"testing"
	"time"
)

func builtinLookup(resourceType, name string) *SearchParamDefinition {
	for _, def := range BuiltinSearchParams(resourceType) {
		if def.Name == name {
			d := def
			return &d
		}
	}
	return nil
}

func mustParseQuery(t *testing.T, resourceType, query string) *Query {
	t.Helper()
	segs, err := parseQuerySegments(query)
	if err != nil {
		t.Fatalf("parseQuerySegments(%q): %v", query, err)
	}
	q, qerr := ParseQuery(resourceType, segs, builtinLookup)
	if qerr != nil {
		t.Fatalf("ParseQuery(%q): %v", query, qerr)
	}
	return q
}

func TestParseQuery(t *testing.T) {
	t.Run("modifier and values", func(t *testing.T) {
		q := mustParseQuery(t, "Patient", "name:exact=Chalmers&gender=male,female")
		if len(q.Params) != 2 {
			t.Fatalf("params = %d, want 2", len(q.Params))
		}
		if q.Params[0].Modifier != ModifierExact {
			t.Errorf("modifier = %q", q.Params[0].Modifier)
		}
		if len(q.Params[1].Values) != 2 {
			t.Errorf("or-values = %d, want 2", len(q.Params[1].Values))
		}
	})

	t.Run("prefix", func(t *testing.T) {
		q := mustParseQuery(t, "Patient", "birthdate=ge1990-01-01")
		if q.Params[0].Values[0].Prefix != PrefixGe {
			t.Errorf("prefix = %q", q.Params[0].Values[0].Prefix)
		}
	})

	t.Run("date without prefix keeps eq", func(t *testing.T) {
		q := mustParseQuery(t, "Patient", "birthdate=1990-01-01")
		if q.Params[0].Values[0].Prefix != PrefixEq {
			t.Errorf("prefix = %q", q.Params[0].Values[0].Prefix)
		}
	})

	t.Run("token system and code", func(t *testing.T) {
		q := mustParseQuery(t, "Observation", "code=http://loinc.org|8867-4")
		v := q.Params[0].Values[0]
		if v.System != "http://loinc.org" || v.Code != "8867-4" || !v.SystemSet {
			t.Errorf("token = %+v", v)
		}
	})

	t.Run("chain", func(t *testing.T) {
		q := mustParseQuery(t, "Observation", "subject:Patient.name=peter")
		p := q.Params[0]
		if p.Name != "subject" || p.Chain != "name" || p.ChainType != "Patient" {
			t.Errorf("chain parse = %+v", p)
		}
	})

	t.Run("result params", func(t *testing.T) {
		q := mustParseQuery(t, "Observation",
			"_include=Observation:subject&_revinclude=DiagnosticReport:result&_sort=-date&_count=10")
		if len(q.Result.Includes) != 1 || q.Result.Includes[0].Param != "subject" {
			t.Errorf("includes = %+v", q.Result.Includes)
		}
		if len(q.Result.RevIncludes) != 1 {
			t.Errorf("revincludes = %+v", q.Result.RevIncludes)
		}
		if len(q.Result.Sort) != 1 || !q.Result.Sort[0].Descending {
			t.Errorf("sort = %+v", q.Result.Sort)
		}
		if q.Result.Count != 10 {
			t.Errorf("count = %d", q.Result.Count)
		}
	})

	t.Run("unknown parameter", func(t *testing.T) {
		segs, _ := parseQuerySegments("nosuch=1")
		if _, err := ParseQuery("Patient", segs, builtinLookup); err == nil {
			t.Error("expected error for unknown parameter")
		}
	})
}

func matchOne(t *testing.T, resourceType, query string, r Resource) bool {
	t.Helper()
	q := mustParseQuery(t, resourceType, query)
	for i := range q.Params {
		ok, err := MatchParam(&q.Params[i], r)
		if err != nil {
			t.Fatalf("MatchParam(%q): %v", query, err)
		}
		if !ok {
			return false
		}
	}
	return true
}

func TestStringMatching(t *testing.T) {
	p := Resource{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": "Châlmers", "given": []interface{}{"Peter"}},
		},
	}
	tests := []struct {
		query string
		want  bool
	}{
		{"family=chalmers", true}, // case and accent insensitive prefix
		{"family=chal", true},
		{"family=halm", false},
		{"family:contains=halm", true},
		{"family:exact=Châlmers", true},
		{"family:exact=chalmers", false},
		{"given:missing=false", true},
		{"given:missing=true", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, "Patient", tt.query, p); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenMatching(t *testing.T) {
	obs := Resource{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "8867-4", "display": "Heart rate"},
			},
			"text": "Heart rate",
		},
	}
	tests := []struct {
		query string
		want  bool
	}{
		{"status=final", true},
		{"status=amended", false},
		{"code=8867-4", true},
		{"code=http://loinc.org|8867-4", true},
		{"code=http://snomed.info/sct|8867-4", false},
		{"code=|8867-4", false}, // explicit empty system
		{"code:not=9999-9", true},
		{"code:not=8867-4", false},
		{"code:text=heart", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, "Observation", tt.query, obs); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotModifierMatchesAbsentElement(t *testing.T) {
	obs := Resource{"resourceType": "Observation", "status": "final"}
	tests := []struct {
		query string
		want  bool
	}{
		{"code:not=8867-4", true},
		{"code=8867-4", false},
		{"code:missing=true", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, "Observation", tt.query, obs); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueSetModifiersRejected(t *testing.T) {
	for _, query := range []string{
		"code:in=http://example.org/ValueSet/vitals",
		"code:not-in=http://example.org/ValueSet/vitals",
	} {
		t.Run(query, func(t *testing.T) {
			segs, err := parseQuerySegments(query)
			if err != nil {
				t.Fatal(err)
			}
			_, qerr := ParseQuery("Observation", segs, builtinLookup)
			fe, ok := qerr.(*Error)
			if !ok || fe.IssueType != IssueTypeNotSupported {
				t.Fatalf("ParseQuery(%q) err = %v, want not-supported", query, qerr)
			}
		})
	}
}

func TestQuantityMatching(t *testing.T) {
	weight := func(value float64, code string) Resource {
		return Resource{
			"resourceType": "Observation",
			"valueQuantity": map[string]interface{}{
				"value":  value,
				"system": "http://unitsofmeasure.org",
				"code":   code,
			},
		}
	}
	tests := []struct {
		name  string
		query string
		r     Resource
		want  bool
	}{
		{"same unit", "value-quantity=70|http://unitsofmeasure.org|kg", weight(70, "kg"), true},
		{"metric prefix", "value-quantity=70000|http://unitsofmeasure.org|g", weight(70, "kg"), true},
		{"pounds synonym", "value-quantity=2|http://unitsofmeasure.org|lbs", weight(907.18474, "g"), true},
		{"pounds ucum", "value-quantity=1|http://unitsofmeasure.org|[lb_av]", weight(453.59237, "g"), true},
		{"quotient unit", "value-quantity=100|http://unitsofmeasure.org|cL/s", weight(1, "L/s"), true},
		{"greater", "value-quantity=gt60|http://unitsofmeasure.org|kg", weight(70, "kg"), true},
		{"not greater", "value-quantity=gt80|http://unitsofmeasure.org|kg", weight(70, "kg"), false},
		{"unitless query matches any", "value-quantity=70", weight(70, "kg"), true},
		{"incompatible units", "value-quantity=70|http://unitsofmeasure.org|s", weight(70, "kg"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOne(t, "Observation", tt.query, tt.r); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReferenceMatching(t *testing.T) {
	obs := Resource{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	}
	tests := []struct {
		query string
		want  bool
	}{
		{"subject=Patient/p1", true},
		{"subject=p1", true},
		{"subject=Patient/p2", false},
		{"subject:Patient=p1", true},
		{"patient=p1", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, "Observation", tt.query, obs); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDateIntervals(t *testing.T) {
	iv, err := ParseDateInterval("2024-03")
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	if !iv.Start.Equal(wantStart) || !iv.End.Equal(wantEnd) {
		t.Errorf("interval = %v..%v", iv.Start, iv.End)
	}

	p := Resource{"resourceType": "Patient", "birthDate": "1972-03-14"}
	tests := []struct {
		query string
		want  bool
	}{
		{"birthdate=1972", true}, // year interval contains the day
		{"birthdate=1972-03-14", true},
		{"birthdate=1972-03-15", false},
		{"birthdate=ne1972-03-15", true},
		{"birthdate=ge1972-03-14", true},
		{"birthdate=gt1972-03-14", false},
		{"birthdate=gt1972-03-13", true},
		{"birthdate=lt1973", true},
		{"birthdate=lt1972-03-14", false},
		{"birthdate=lt1972-03-15", true},
		{"birthdate=sa1972-03-13", true},
		{"birthdate=eb1972-03-15", true},
		{"birthdate=ap1972-03-14", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := matchOne(t, "Patient", tt.query, p); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanonicalizeUnit(t *testing.T) {
	tests := []struct {
		code       string
		wantCanon  string
		wantFactor float64
	}{
		{"kg", "g", 1e3},
		{"mg", "g", 1e-3},
		{"g", "g", 1},
		{"lbs", "g", 453.59237},
		{"[lb_av]", "g", 453.59237},
		{"cL/s", "L/s", 1e-2},
		{"L/s", "L/s", 1},
		{"min", "s", 60},
		{"widget", "widget", 1},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			canon, factor := CanonicalizeUnit(tt.code)
			if canon != tt.wantCanon {
				t.Errorf("canonical = %q, want %q", canon, tt.wantCanon)
			}
			if diff := factor - tt.wantFactor; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("factor = %v, want %v", factor, tt.wantFactor)
			}
		})
	}
}
