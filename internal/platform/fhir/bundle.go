package fhir

import "time"

// Bundle types used by the server.
const (
	BundleSearchset           = "searchset"
	BundleHistory             = "history"
	BundleBatch               = "batch"
	BundleBatchResponse       = "batch-response"
	BundleTransaction         = "transaction"
	BundleSubscriptionNotif   = "subscription-notification"
	BundleHistoryEntryDeleted = "DELETE"
)

// Entry search modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// NewBundle builds an empty bundle with a fresh id and timestamp.
func NewBundle(bundleType string) Resource {
	return Resource{
		"resourceType": "Bundle",
		"id":           NewResourceID(),
		"type":         bundleType,
		"timestamp":    Instant(time.Now()),
		"entry":        []interface{}{},
	}
}

// AddBundleLink appends a relation link, replacing an existing one with the
// same relation.
func AddBundleLink(b Resource, relation, url string) {
	links, _ := b["link"].([]interface{})
	for _, l := range links {
		if lm, ok := l.(map[string]interface{}); ok && lm["relation"] == relation {
			lm["url"] = url
			return
		}
	}
	b["link"] = append(links, map[string]interface{}{
		"relation": relation,
		"url":      url,
	})
}

// AddSearchEntry appends a searchset entry with the given mode.
func AddSearchEntry(b Resource, fullURL string, r Resource, mode string) {
	entries, _ := b["entry"].([]interface{})
	b["entry"] = append(entries, map[string]interface{}{
		"fullUrl":  fullURL,
		"resource": map[string]interface{}(r),
		"search":   map[string]interface{}{"mode": mode},
	})
}

// AddEntry appends a bare entry (notification bundles, batch responses).
func AddEntry(b Resource, entry map[string]interface{}) {
	entries, _ := b["entry"].([]interface{})
	b["entry"] = append(entries, entry)
}

// SetTotal sets the searchset total.
func SetTotal(b Resource, total int) {
	b["total"] = int64(total)
}

// BundleEntries iterates a bundle's entries as maps.
func BundleEntries(b Resource) []map[string]interface{} {
	entries, _ := b["entry"].([]interface{})
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		if em, ok := e.(map[string]interface{}); ok {
			out = append(out, em)
		}
	}
	return out
}

// EntryResource returns the resource of a bundle entry, or nil.
func EntryResource(entry map[string]interface{}) Resource {
	if r, ok := entry["resource"].(map[string]interface{}); ok {
		return r
	}
	return nil
}
