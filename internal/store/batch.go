package store

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// handleSystemBundle executes a batch bundle entry by entry. Each entry is
// authorized and dispatched independently; one entry failing does not stop
// the rest. Transactions would need atomicity the store does not provide
// and are rejected outright.
func (ts *TenantStore) handleSystemBundle(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	body, err := ts.parseBody(in, req)
	if err != nil {
		return nil, err
	}
	if fhir.ResourceType(body) != "Bundle" {
		return nil, fhir.ErrBadRequest("system-level POST requires a Bundle, got %s", fhir.ResourceType(body))
	}
	bundleType, _ := body["type"].(string)
	switch bundleType {
	case fhir.BundleBatch:
	case fhir.BundleTransaction:
		return nil, fhir.ErrNotSupported("transaction bundles are not supported, use batch")
	default:
		return nil, fhir.ErrBadRequest("unsupported bundle type %q", bundleType)
	}

	out := fhir.NewBundle(fhir.BundleBatchResponse)
	for i, entry := range fhir.BundleEntries(body) {
		resp := ts.executeBatchEntry(entry, req, i)
		responseEntry := map[string]interface{}{
			"response": map[string]interface{}{
				"status": fmt.Sprintf("%d", resp.Status),
			},
		}
		if resp.Resource != nil {
			responseEntry["resource"] = map[string]interface{}(resp.Resource)
		}
		if resp.Location != "" {
			responseEntry["response"].(map[string]interface{})["location"] = resp.Location
		}
		if resp.ETag != "" {
			responseEntry["response"].(map[string]interface{})["etag"] = resp.ETag
		}
		fhir.AddEntry(out, responseEntry)
	}
	return &ResponseContext{Status: http.StatusOK, Resource: out}, nil
}

func (ts *TenantStore) executeBatchEntry(entry map[string]interface{}, outer *RequestContext, index int) *ResponseContext {
	request, _ := entry["request"].(map[string]interface{})
	if request == nil {
		return errorResponse(fhir.ErrBadRequest("entry %d has no request", index))
	}
	method, _ := request["method"].(string)
	url, _ := request["url"].(string)
	if method == "" || url == "" {
		return errorResponse(fhir.ErrBadRequest("entry %d request needs method and url", index))
	}

	sub := &RequestContext{
		Tenant:       outer.Tenant,
		Method:       strings.ToUpper(method),
		URL:          url,
		SourceFormat: fhir.FormatJSON,
		Authorize:    outer.Authorize,
		IfNoneExist:  stringField(request, "ifNoneExist"),
		IfMatch:      stringField(request, "ifMatch"),
		IfNoneMatch:  stringField(request, "ifNoneMatch"),
	}
	if r := fhir.EntryResource(entry); r != nil {
		data, err := fhir.SerializeResource(r, fhir.FormatJSON, false, false)
		if err != nil {
			return errorResponse(fhir.ErrStructure("entry %d resource: %v", index, err))
		}
		sub.Body = data
	}
	return ts.Handle(sub)
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
