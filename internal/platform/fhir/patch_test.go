package fhir

import "testing"

func TestApplyPatch(t *testing.T) {
	base := func() Resource {
		return Resource{
			"resourceType": "Patient",
			"id":           "p1",
			"active":       true,
			"name": []interface{}{
				map[string]interface{}{"family": "One"},
				map[string]interface{}{"family": "Two"},
			},
		}
	}

	t.Run("replace", func(t *testing.T) {
		ops, err := ParsePatch([]byte(`[{"op":"replace","path":"/active","value":false}]`))
		if err != nil {
			t.Fatal(err)
		}
		out, err := ApplyPatch(base(), ops)
		if err != nil {
			t.Fatal(err)
		}
		if out["active"] != false {
			t.Errorf("active = %v", out["active"])
		}
	})

	t.Run("add appends to array", func(t *testing.T) {
		ops, _ := ParsePatch([]byte(`[{"op":"add","path":"/name/-","value":{"family":"Three"}}]`))
		out, err := ApplyPatch(base(), ops)
		if err != nil {
			t.Fatal(err)
		}
		names := out["name"].([]interface{})
		if len(names) != 3 {
			t.Fatalf("names = %v", names)
		}
	})

	t.Run("add inserts at index", func(t *testing.T) {
		ops, _ := ParsePatch([]byte(`[{"op":"add","path":"/name/0","value":{"family":"Zero"}}]`))
		out, err := ApplyPatch(base(), ops)
		if err != nil {
			t.Fatal(err)
		}
		names := out["name"].([]interface{})
		first := names[0].(map[string]interface{})
		if len(names) != 3 || first["family"] != "Zero" {
			t.Fatalf("names = %v", names)
		}
	})

	t.Run("remove array element", func(t *testing.T) {
		ops, _ := ParsePatch([]byte(`[{"op":"remove","path":"/name/0"}]`))
		out, err := ApplyPatch(base(), ops)
		if err != nil {
			t.Fatal(err)
		}
		names := out["name"].([]interface{})
		first := names[0].(map[string]interface{})
		if len(names) != 1 || first["family"] != "Two" {
			t.Fatalf("names = %v", names)
		}
	})

	t.Run("test guards following ops", func(t *testing.T) {
		ops, _ := ParsePatch([]byte(`[
			{"op":"test","path":"/active","value":false},
			{"op":"replace","path":"/active","value":false}
		]`))
		src := base()
		if _, err := ApplyPatch(src, ops); err == nil {
			t.Fatal("expected failing test op")
		}
		if src["active"] != true {
			t.Error("failed patch mutated source")
		}
	})

	t.Run("resourceType is immutable", func(t *testing.T) {
		ops, _ := ParsePatch([]byte(`[{"op":"replace","path":"/resourceType","value":"Observation"}]`))
		if _, err := ApplyPatch(base(), ops); err == nil {
			t.Fatal("expected error changing resourceType")
		}
	})

	t.Run("unsupported op", func(t *testing.T) {
		ops, _ := ParsePatch([]byte(`[{"op":"move","path":"/active"}]`))
		if _, err := ApplyPatch(base(), ops); err == nil {
			t.Fatal("expected error for move")
		}
	})
}
