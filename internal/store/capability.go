package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// capabilityCache holds the tenant's CapabilityStatement. Mutation paths
// only mark it stale; the statement is recomputed on the next read, so a
// missed clear cannot serve outdated conformance data.
type capabilityCache struct {
	mu        sync.Mutex
	stale     bool
	statement fhir.Resource
}

func (c *capabilityCache) markStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// get returns the cached statement, rebuilding it when stale or absent.
func (c *capabilityCache) get(build func() fhir.Resource) fhir.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statement == nil || c.stale {
		c.statement = build()
		c.stale = false
	}
	return fhir.DeepCopy(c.statement)
}

// buildCapabilityStatement renders the tenant's conformance resource from
// the live store registries.
func (ts *TenantStore) buildCapabilityStatement() fhir.Resource {
	ts.mu.RLock()
	byType := make(map[string]*ResourceStore, len(ts.stores))
	types := make([]string, 0, len(ts.stores))
	for t, rs := range ts.stores {
		types = append(types, t)
		byType[t] = rs
	}
	ts.mu.RUnlock()
	sort.Strings(types)

	var rest []interface{}
	for _, t := range types {
		rs := byType[t]
		var searchParams []interface{}
		for _, def := range rs.Definitions() {
			searchParams = append(searchParams, map[string]interface{}{
				"name": def.Name,
				"type": string(def.Type),
			})
		}
		rest = append(rest, map[string]interface{}{
			"type": t,
			"interaction": []interface{}{
				map[string]interface{}{"code": "read"},
				map[string]interface{}{"code": "vread"},
				map[string]interface{}{"code": "create"},
				map[string]interface{}{"code": "update"},
				map[string]interface{}{"code": "patch"},
				map[string]interface{}{"code": "delete"},
				map[string]interface{}{"code": "search-type"},
			},
			"versioning":        "versioned",
			"conditionalCreate": true,
			"conditionalUpdate": true,
			"conditionalDelete": "single",
			"searchParam":       searchParams,
		})
	}

	return fhir.Resource{
		"resourceType": "CapabilityStatement",
		"id":           "metadata",
		"status":       "active",
		"date":         fhir.Instant(time.Now()),
		"kind":         "instance",
		"fhirVersion":  ts.release.FHIRVersion(),
		"format": []interface{}{
			string(fhir.FormatJSON),
			string(fhir.FormatXML),
		},
		"implementation": map[string]interface{}{
			"description": "candle in-memory FHIR server",
			"url":         ts.baseURL,
		},
		"rest": []interface{}{
			map[string]interface{}{
				"mode":        "server",
				"resource":    rest,
				"interaction": []interface{}{map[string]interface{}{"code": "batch"}},
			},
		},
	}
}
