// Package fhir implements the version-independent FHIR core: resource
// representation, wire codecs, the interaction parser, search parameter
// parsing and evaluation, and a FHIRPath engine. Resources are represented
// as map[string]interface{} decoded from JSON or XML; higher layers stay
// polymorphic over the concrete FHIR release through VersionAdapter.
package fhir

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Resource is the in-memory representation of a FHIR resource.
type Resource = map[string]interface{}

// ResourceType returns the resourceType element, or "" when absent.
func ResourceType(r Resource) string {
	rt, _ := r["resourceType"].(string)
	return rt
}

// ResourceID returns the logical id, or "" when absent.
func ResourceID(r Resource) string {
	id, _ := r["id"].(string)
	return id
}

// SetResourceID sets the logical id.
func SetResourceID(r Resource, id string) {
	r["id"] = id
}

// NewResourceID returns a fresh UUID suitable as a logical id.
func NewResourceID() string {
	return uuid.New().String()
}

// meta returns the meta element, creating it when absent.
func meta(r Resource) map[string]interface{} {
	if m, ok := r["meta"].(map[string]interface{}); ok {
		return m
	}
	m := map[string]interface{}{}
	r["meta"] = m
	return m
}

// VersionID returns meta.versionId, or "" when absent.
func VersionID(r Resource) string {
	if m, ok := r["meta"].(map[string]interface{}); ok {
		switch v := m["versionId"].(type) {
		case string:
			return v
		case json.Number:
			// XML parsing types bare digits as numbers.
			return v.String()
		}
	}
	return ""
}

// SetVersionID sets meta.versionId.
func SetVersionID(r Resource, version string) {
	meta(r)["versionId"] = version
}

// IncrementVersion bumps meta.versionId to oldVersion+1, or to "1" when the
// previous version is absent or unparseable.
func IncrementVersion(r Resource) string {
	next := "1"
	if prev, err := strconv.ParseInt(VersionID(r), 10, 64); err == nil {
		next = strconv.FormatInt(prev+1, 10)
	}
	SetVersionID(r, next)
	return next
}

// LastUpdated returns meta.lastUpdated parsed as a time, or the zero time.
func LastUpdated(r Resource) time.Time {
	if m, ok := r["meta"].(map[string]interface{}); ok {
		if s, ok := m["lastUpdated"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// SetLastUpdated stamps meta.lastUpdated with the given instant in UTC.
func SetLastUpdated(r Resource, t time.Time) {
	meta(r)["lastUpdated"] = t.UTC().Format(time.RFC3339Nano)
}

// DeepCopy returns an independent copy of the resource. Snapshots handed to
// the subscription engine and to callers must not alias store state.
func DeepCopy(r Resource) Resource {
	if r == nil {
		return nil
	}
	return deepCopyMap(r)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case json.Number:
		return t
	default:
		return v
	}
}

// RelativeReference returns "Type/id" for a stored resource.
func RelativeReference(r Resource) string {
	return ResourceType(r) + "/" + ResourceID(r)
}
