package store

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// Config describes one tenant.
type Config struct {
	Name             string
	Release          fhir.Release
	BaseURL          string
	AllowExistingIDs bool
	MaxResources     int
	SmartRequired    bool
	SmartAllowed     bool
	BootstrapDir     string
}

// RequestContext is the neutral request handed to Handle. The HTTP layer
// fills it from the wire; tests construct it directly.
type RequestContext struct {
	Tenant string
	Method string
	URL    string
	Body   []byte

	SourceFormat fhir.Format

	IfMatch         string
	IfNoneMatch     string
	IfModifiedSince string
	IfNoneExist     string

	// Authorize checks the parsed interaction against the caller's scopes.
	// nil means the request is unauthenticated but allowed (open tenant).
	Authorize func(*fhir.Interaction) error
}

// ResponseContext carries the outcome back to the HTTP layer.
type ResponseContext struct {
	Status       int
	Resource     fhir.Resource
	Interaction  *fhir.Interaction
	ETag         string
	LastModified string
	Location     string
}

// OperationFn handles a $operation.
type OperationFn func(ts *TenantStore, in *fhir.Interaction, req *RequestContext) (*ResponseContext, error)

// TenantStore composes the per-type resource stores for one tenant and
// dispatches parsed interactions onto them.
type TenantStore struct {
	cfg     Config
	name    string
	release fhir.Release
	baseURL string
	adapter fhir.VersionAdapter
	log     zerolog.Logger

	mu         sync.RWMutex
	stores     map[string]*ResourceStore
	operations map[string]OperationFn

	cap     capabilityCache
	mailbox *Mailbox
}

// NewTenantStore builds an empty tenant.
func NewTenantStore(cfg Config, log zerolog.Logger) *TenantStore {
	ts := &TenantStore{
		cfg:        cfg,
		name:       cfg.Name,
		release:    cfg.Release,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		adapter:    fhir.NewVersionAdapter(cfg.Release),
		log:        log.With().Str("tenant", cfg.Name).Logger(),
		stores:     map[string]*ResourceStore{},
		operations: map[string]OperationFn{},
		mailbox:    NewMailbox(),
	}
	return ts
}

// Name returns the tenant's url segment.
func (ts *TenantStore) Name() string { return ts.name }

// Release returns the tenant's FHIR release.
func (ts *TenantStore) Release() fhir.Release { return ts.release }

// BaseURL returns the tenant's absolute base URL without trailing slash.
func (ts *TenantStore) BaseURL() string { return ts.baseURL }

// Adapter returns the tenant's version adapter.
func (ts *TenantStore) Adapter() fhir.VersionAdapter { return ts.adapter }

// Config returns the tenant configuration.
func (ts *TenantStore) Config() Config { return ts.cfg }

// Events is the tenant's change stream.
func (ts *TenantStore) Events() <-chan ChangeEvent { return ts.mailbox.Events() }

// Close shuts the change stream down.
func (ts *TenantStore) Close() { ts.mailbox.Close() }

// Store returns the resource store for a type, creating it on first use.
func (ts *TenantStore) Store(resourceType string) *ResourceStore {
	ts.mu.RLock()
	rs, ok := ts.stores[resourceType]
	ts.mu.RUnlock()
	if ok {
		return rs
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if rs, ok = ts.stores[resourceType]; ok {
		return rs
	}
	rs = NewResourceStore(ts.name, resourceType, ts.log, ts.mailbox.Post)
	ts.stores[resourceType] = rs
	ts.cap.markStale()
	return rs
}

// RegisterOperation installs a $operation handler. The subscription engine
// registers $status, $events and $subscription-hook here.
func (ts *TenantStore) RegisterOperation(name string, fn OperationFn) {
	ts.mu.Lock()
	ts.operations[name] = fn
	ts.mu.Unlock()
}

func (ts *TenantStore) operation(name string) OperationFn {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.operations[name]
}

// MarkCapabilityStale flags the conformance cache for recomputation.
func (ts *TenantStore) MarkCapabilityStale() { ts.cap.markStale() }

// CapabilityStatement returns the cached conformance resource, rebuilding
// it when a registry changed since the last read.
func (ts *TenantStore) CapabilityStatement() fhir.Resource {
	return ts.cap.get(ts.buildCapabilityStatement)
}

// IsKnownType reports whether the tenant serves a resource type.
func (ts *TenantStore) IsKnownType(name string) bool {
	return fhir.IsKnownResourceType(name)
}

// TryResolve dereferences "Type/id" or an absolute URL under the tenant
// base, returning a copy of the instance or nil.
func (ts *TenantStore) TryResolve(uri string) fhir.Resource {
	ref := strings.TrimPrefix(uri, ts.baseURL+"/")
	refType, refID := fhir.SplitReference(ref)
	if refType == "" || refID == "" || !ts.IsKnownType(refType) {
		return nil
	}
	return ts.Store(refType).InstanceRead(refID)
}

// totalResources counts instances across all types, for the tenant cap.
func (ts *TenantStore) totalResources() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	total := 0
	for _, rs := range ts.stores {
		total += rs.Count()
	}
	return total
}

// lookupDef resolves search parameter definitions, including for chained
// targets.
func (ts *TenantStore) lookupDef(resourceType, name string) *fhir.SearchParamDefinition {
	return ts.Store(resourceType).Definition(name)
}

// chainFn evaluates one chained predicate against a referenced instance.
func (ts *TenantStore) chainFn(targetType, id, key, value string) (bool, error) {
	rs := ts.Store(targetType)
	r := rs.InstanceRead(id)
	if r == nil {
		return false, nil
	}
	q, err := fhir.ParseQuery(targetType, fhir.QuerySegments{{Key: key, Value: value}}, ts.lookupDef)
	if err != nil {
		return false, err
	}
	return rs.matches(q, r, ts.chainFn)
}

// Handle parses and dispatches one request.
func (ts *TenantStore) Handle(req *RequestContext) *ResponseContext {
	in, perr := fhir.ParseInteraction(ts.baseURL, req.Method, req.URL, ts.IsKnownType)
	if perr != nil {
		ts.log.Warn().Str("method", perr.HTTPMethod).Str("path", perr.URLPath).
			Str("query", perr.URLQuery).Msg("unparseable request")
		return errorResponse(fhir.ErrBadRequest("%s", perr.Message))
	}
	if req.Authorize != nil {
		if err := req.Authorize(in); err != nil {
			return errorResponseFor(in, err)
		}
	}

	resp, err := ts.dispatch(in, req)
	if err != nil {
		return errorResponseFor(in, err)
	}
	resp.Interaction = in
	return resp
}

func (ts *TenantStore) dispatch(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	switch in.Kind {
	case fhir.SystemCapabilities:
		return &ResponseContext{Status: http.StatusOK, Resource: ts.CapabilityStatement()}, nil
	case fhir.SystemSearch:
		return ts.handleSystemSearch(in)
	case fhir.SystemBundle:
		return ts.handleSystemBundle(in, req)
	case fhir.SystemHistory:
		return nil, fhir.ErrNotSupported("system history is not retained")
	case fhir.SystemDeleteConditional:
		return nil, fhir.ErrNotSupported("system-level conditional delete is not supported")
	case fhir.TypeSearch:
		return ts.handleTypeSearch(in)
	case fhir.TypeCreate:
		if req.IfNoneExist != "" {
			return ts.handleConditionalCreate(in, req, req.IfNoneExist)
		}
		return ts.handleCreate(in, req)
	case fhir.TypeCreateConditional:
		return ts.handleConditionalCreate(in, req, in.Query.Encode())
	case fhir.TypeDeleteConditional:
		return ts.handleConditionalDelete(in)
	case fhir.InstanceRead:
		return ts.handleRead(in, req)
	case fhir.InstanceReadVersion:
		return ts.handleReadVersion(in)
	case fhir.InstanceReadHistory:
		return ts.handleReadHistory(in)
	case fhir.InstanceUpdate:
		return ts.handleUpdate(in, req)
	case fhir.InstanceUpdateConditional:
		return ts.handleConditionalUpdate(in, req)
	case fhir.InstancePatch:
		return ts.handlePatch(in, req)
	case fhir.InstancePatchConditional:
		return ts.handleConditionalPatch(in, req)
	case fhir.InstanceDelete:
		return ts.handleDelete(in)
	case fhir.InstanceDeleteHistory, fhir.InstanceDeleteVersion:
		return nil, fhir.ErrNotSupported("instance history is not retained")
	case fhir.CompartmentSearch, fhir.CompartmentTypeSearch:
		return ts.handleCompartmentSearch(in)
	case fhir.SystemOperation, fhir.TypeOperation, fhir.InstanceOperation, fhir.CompartmentOperation:
		if fn := ts.operation(in.OperationName); fn != nil {
			return fn(ts, in, req)
		}
		return nil, fhir.ErrNotFound("operation $%s is not supported", in.OperationName)
	}
	return nil, fhir.ErrBadRequest("unhandled interaction %v", in.Kind)
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

func (ts *TenantStore) handleRead(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	r := ts.Store(in.ResourceType).InstanceRead(in.ID)
	if r == nil {
		return nil, fhir.ErrNotFound("%s/%s not found", in.ResourceType, in.ID)
	}
	etag := weakETag(fhir.VersionID(r))
	if req.IfNoneMatch != "" && req.IfNoneMatch == etag {
		return &ResponseContext{Status: http.StatusNotModified, ETag: etag}, nil
	}
	if req.IfModifiedSince != "" {
		if since, err := http.ParseTime(req.IfModifiedSince); err == nil {
			if !fhir.LastUpdated(r).After(since) {
				return &ResponseContext{Status: http.StatusNotModified, ETag: etag}, nil
			}
		}
	}
	return resourceResponse(http.StatusOK, r), nil
}

func (ts *TenantStore) handleReadVersion(in *fhir.Interaction) (*ResponseContext, error) {
	r := ts.Store(in.ResourceType).InstanceRead(in.ID)
	if r == nil {
		return nil, fhir.ErrNotFound("%s/%s not found", in.ResourceType, in.ID)
	}
	// Only the current version is retained.
	if fhir.VersionID(r) != in.Version {
		return nil, fhir.ErrNotFound("%s/%s version %s is not available", in.ResourceType, in.ID, in.Version)
	}
	return resourceResponse(http.StatusOK, r), nil
}

func (ts *TenantStore) handleReadHistory(in *fhir.Interaction) (*ResponseContext, error) {
	r := ts.Store(in.ResourceType).InstanceRead(in.ID)
	if r == nil {
		return nil, fhir.ErrNotFound("%s/%s not found", in.ResourceType, in.ID)
	}
	bundle := fhir.NewBundle(fhir.BundleHistory)
	fhir.SetTotal(bundle, 1)
	fhir.AddBundleLink(bundle, "self", ts.absoluteURL(in.URL()))
	fhir.AddEntry(bundle, map[string]interface{}{
		"fullUrl":  ts.absoluteURL(fhir.RelativeReference(r)),
		"resource": map[string]interface{}(r),
		"request": map[string]interface{}{
			"method": "PUT",
			"url":    fhir.RelativeReference(r),
		},
		"response": map[string]interface{}{
			"status":       "200",
			"etag":         weakETag(fhir.VersionID(r)),
			"lastModified": fhir.Instant(fhir.LastUpdated(r)),
		},
	})
	return &ResponseContext{Status: http.StatusOK, Resource: bundle}, nil
}

// ----------------------------------------------------------------------------
// Writes
// ----------------------------------------------------------------------------

func (ts *TenantStore) parseBody(in *fhir.Interaction, req *RequestContext) (fhir.Resource, error) {
	if len(req.Body) == 0 {
		return nil, fhir.ErrBadRequest("request body is required")
	}
	r, err := fhir.ParseResource(req.SourceFormat, req.Body)
	if err != nil {
		return nil, fhir.ErrStructure("%v", err)
	}
	if in.ResourceType != "" && fhir.ResourceType(r) != in.ResourceType {
		return nil, fhir.ErrBadRequest("body is %s, endpoint is %s", fhir.ResourceType(r), in.ResourceType)
	}
	return r, nil
}

func (ts *TenantStore) checkCapacity() error {
	if ts.cfg.MaxResources > 0 && ts.totalResources() >= ts.cfg.MaxResources {
		return fhir.ErrConflict("tenant resource cap of %d reached", ts.cfg.MaxResources)
	}
	return nil
}

func (ts *TenantStore) handleCreate(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	source, err := ts.parseBody(in, req)
	if err != nil {
		return nil, err
	}
	if err := ts.checkCapacity(); err != nil {
		return nil, err
	}
	stored, err := ts.Store(in.ResourceType).InstanceCreate(source, ts.cfg.AllowExistingIDs)
	if err != nil {
		return nil, err
	}
	ts.afterWrite(stored)
	resp := resourceResponse(http.StatusCreated, stored)
	resp.Location = fhir.RelativeReference(stored)
	return resp, nil
}

// handleConditionalCreate implements If-None-Exist semantics: no match
// creates, one match returns the existing instance, several are ambiguous.
func (ts *TenantStore) handleConditionalCreate(in *fhir.Interaction, req *RequestContext, criteria string) (*ResponseContext, error) {
	matches, err := ts.searchByCriteria(in.ResourceType, criteria)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return ts.handleCreate(in, req)
	case 1:
		resp := resourceResponse(http.StatusOK, matches[0])
		resp.Location = fhir.RelativeReference(matches[0])
		return resp, nil
	default:
		return nil, fhir.ErrPreconditionFailed("criteria %q matched %d resources", criteria, len(matches))
	}
}

func (ts *TenantStore) handleUpdate(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	source, err := ts.parseBody(in, req)
	if err != nil {
		return nil, err
	}
	if id := fhir.ResourceID(source); id != "" && id != in.ID {
		return nil, fhir.ErrBadRequest("body id %q does not match url id %q", id, in.ID)
	}
	fhir.SetResourceID(source, in.ID)

	rs := ts.Store(in.ResourceType)
	current := rs.InstanceRead(in.ID)
	if current == nil {
		// Update-as-create keeps the client-supplied id.
		if err := ts.checkCapacity(); err != nil {
			return nil, err
		}
		stored, err := rs.InstanceCreate(source, true)
		if err != nil {
			return nil, err
		}
		ts.afterWrite(stored)
		resp := resourceResponse(http.StatusCreated, stored)
		resp.Location = fhir.RelativeReference(stored)
		return resp, nil
	}
	if req.IfMatch != "" && req.IfMatch != weakETag(fhir.VersionID(current)) {
		return nil, fhir.ErrPreconditionFailed("version mismatch: have %s", fhir.VersionID(current))
	}
	stored, err := rs.InstanceUpdate(source)
	if err != nil {
		return nil, err
	}
	ts.afterWrite(stored)
	return resourceResponse(http.StatusOK, stored), nil
}

// handleConditionalUpdate resolves the criteria first: one match updates
// that instance, none falls back to a plain update of the url id.
func (ts *TenantStore) handleConditionalUpdate(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	matches, err := ts.searchByCriteria(in.ResourceType, in.Query.Encode())
	if err != nil {
		return nil, err
	}
	if len(matches) > 1 {
		return nil, fhir.ErrPreconditionFailed("criteria matched %d resources", len(matches))
	}
	if len(matches) == 1 {
		in = &fhir.Interaction{
			Kind: fhir.InstanceUpdate, Method: in.Method,
			ResourceType: in.ResourceType, ID: fhir.ResourceID(matches[0]),
		}
	}
	return ts.handleUpdate(in, req)
}

func (ts *TenantStore) handlePatch(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	rs := ts.Store(in.ResourceType)
	current := rs.InstanceRead(in.ID)
	if current == nil {
		return nil, fhir.ErrNotFound("%s/%s not found", in.ResourceType, in.ID)
	}
	if req.IfMatch != "" && req.IfMatch != weakETag(fhir.VersionID(current)) {
		return nil, fhir.ErrPreconditionFailed("version mismatch: have %s", fhir.VersionID(current))
	}
	ops, err := fhir.ParsePatch(req.Body)
	if err != nil {
		return nil, err
	}
	patched, err := fhir.ApplyPatch(current, ops)
	if err != nil {
		return nil, err
	}
	fhir.SetResourceID(patched, in.ID)
	stored, err := rs.InstanceUpdate(patched)
	if err != nil {
		return nil, err
	}
	ts.afterWrite(stored)
	return resourceResponse(http.StatusOK, stored), nil
}

func (ts *TenantStore) handleConditionalPatch(in *fhir.Interaction, req *RequestContext) (*ResponseContext, error) {
	matches, err := ts.searchByCriteria(in.ResourceType, in.Query.Encode())
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fhir.ErrNotFound("no %s matches the patch criteria", in.ResourceType)
	case 1:
		next := &fhir.Interaction{
			Kind: fhir.InstancePatch, Method: in.Method,
			ResourceType: in.ResourceType, ID: fhir.ResourceID(matches[0]),
		}
		return ts.handlePatch(next, req)
	default:
		return nil, fhir.ErrPreconditionFailed("criteria matched %d resources", len(matches))
	}
}

func (ts *TenantStore) handleDelete(in *fhir.Interaction) (*ResponseContext, error) {
	previous, err := ts.Store(in.ResourceType).InstanceDelete(in.ID)
	if err != nil {
		return nil, err
	}
	ts.afterDelete(previous)
	return &ResponseContext{
		Status:   http.StatusOK,
		Resource: fhir.InformationOutcome(fmt.Sprintf("deleted %s/%s", in.ResourceType, in.ID)),
	}, nil
}

func (ts *TenantStore) handleConditionalDelete(in *fhir.Interaction) (*ResponseContext, error) {
	matches, err := ts.searchByCriteria(in.ResourceType, in.Query.Encode())
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fhir.ErrNotFound("no %s matches the delete criteria", in.ResourceType)
	case 1:
		next := &fhir.Interaction{
			Kind: fhir.InstanceDelete, Method: in.Method,
			ResourceType: in.ResourceType, ID: fhir.ResourceID(matches[0]),
		}
		return ts.handleDelete(next)
	default:
		return nil, fhir.ErrPreconditionFailed("criteria matched %d resources", len(matches))
	}
}

// afterWrite reacts to side-effect resource types: SearchParameter writes
// extend the executable registries.
func (ts *TenantStore) afterWrite(r fhir.Resource) {
	if fhir.ResourceType(r) != "SearchParameter" {
		return
	}
	for _, base := range fhir.KnownResourceTypes() {
		if def, ok := fhir.DefinitionFromSearchParameter(r, base); ok {
			ts.Store(base).SetExecutableSearchParameter(def)
		}
	}
	ts.cap.markStale()
}

func (ts *TenantStore) afterDelete(previous fhir.Resource) {
	if fhir.ResourceType(previous) != "SearchParameter" {
		return
	}
	code, _ := previous["code"].(string)
	if code == "" {
		return
	}
	for _, base := range fhir.KnownResourceTypes() {
		if _, ok := fhir.DefinitionFromSearchParameter(previous, base); ok {
			ts.Store(base).RemoveExecutableSearchParameter(code)
		}
	}
	ts.cap.markStale()
}

// ----------------------------------------------------------------------------
// Search
// ----------------------------------------------------------------------------

// searchByCriteria runs a raw query string search and returns the matches.
func (ts *TenantStore) searchByCriteria(resourceType, criteria string) ([]fhir.Resource, error) {
	in, perr := fhir.ParseInteraction(ts.baseURL, "GET", resourceType+"?"+criteria, ts.IsKnownType)
	if perr != nil {
		return nil, fhir.ErrBadRequest("invalid criteria %q", criteria)
	}
	q, err := fhir.ParseQuery(resourceType, in.Query, ts.lookupDef)
	if err != nil {
		return nil, err
	}
	return ts.Store(resourceType).TypeSearch(q, ts.chainFn)
}

// MatchResource evaluates a relative criteria string like
// "status=completed&patient=Patient/p1" against one resource snapshot.
// Chained predicates resolve against current store state.
func (ts *TenantStore) MatchResource(resourceType, criteria string, r fhir.Resource) (bool, error) {
	in, perr := fhir.ParseInteraction(ts.baseURL, "GET", resourceType+"?"+criteria, ts.IsKnownType)
	if perr != nil {
		return false, fhir.ErrBadRequest("invalid criteria %q", criteria)
	}
	q, err := fhir.ParseQuery(resourceType, in.Query, ts.lookupDef)
	if err != nil {
		return false, err
	}
	return ts.Store(resourceType).Matches(q, r, ts.chainFn)
}

func (ts *TenantStore) handleTypeSearch(in *fhir.Interaction) (*ResponseContext, error) {
	q, err := fhir.ParseQuery(in.ResourceType, in.Query, ts.lookupDef)
	if err != nil {
		return nil, err
	}
	matches, err := ts.Store(in.ResourceType).TypeSearch(q, ts.chainFn)
	if err != nil {
		return nil, err
	}
	bundle, err := ts.assembleSearchset(in, q, matches)
	if err != nil {
		return nil, err
	}
	return &ResponseContext{Status: http.StatusOK, Resource: bundle}, nil
}

// handleSystemSearch searches every populated store with the common
// parameters.
func (ts *TenantStore) handleSystemSearch(in *fhir.Interaction) (*ResponseContext, error) {
	ts.mu.RLock()
	types := make([]string, 0, len(ts.stores))
	for t := range ts.stores {
		types = append(types, t)
	}
	ts.mu.RUnlock()
	sort.Strings(types)

	bundle := fhir.NewBundle(fhir.BundleSearchset)
	fhir.AddBundleLink(bundle, "self", ts.absoluteURL(in.URL()))
	total := 0
	for _, t := range types {
		q, err := fhir.ParseQuery(t, in.Query, ts.lookupDef)
		if err != nil {
			// Parameters that do not apply to this type skip it.
			continue
		}
		matches, err := ts.Store(t).TypeSearch(q, ts.chainFn)
		if err != nil {
			return nil, err
		}
		for _, r := range matches {
			fhir.AddSearchEntry(bundle, ts.absoluteURL(fhir.RelativeReference(r)), r, fhir.SearchModeMatch)
			total++
		}
	}
	fhir.SetTotal(bundle, total)
	return &ResponseContext{Status: http.StatusOK, Resource: bundle}, nil
}

func (ts *TenantStore) handleCompartmentSearch(in *fhir.Interaction) (*ResponseContext, error) {
	anchor := ts.Store(in.CompartmentType).InstanceRead(in.ID)
	if anchor == nil {
		return nil, fhir.ErrNotFound("%s/%s not found", in.CompartmentType, in.ID)
	}
	var types []string
	if in.Kind == fhir.CompartmentTypeSearch {
		types = []string{in.ResourceType}
	} else {
		ts.mu.RLock()
		for t := range ts.stores {
			if t != in.CompartmentType {
				types = append(types, t)
			}
		}
		ts.mu.RUnlock()
		sort.Strings(types)
	}

	bundle := fhir.NewBundle(fhir.BundleSearchset)
	fhir.AddBundleLink(bundle, "self", ts.absoluteURL(in.URL()))
	ref := in.CompartmentType + "/" + in.ID
	total := 0
	for _, t := range types {
		members, err := ts.compartmentMembers(t, in.CompartmentType, ref, in.Query)
		if err != nil {
			return nil, err
		}
		for _, r := range members {
			fhir.AddSearchEntry(bundle, ts.absoluteURL(fhir.RelativeReference(r)), r, fhir.SearchModeMatch)
			total++
		}
	}
	fhir.SetTotal(bundle, total)
	return &ResponseContext{Status: http.StatusOK, Resource: bundle}, nil
}

// compartmentMembers finds instances of resourceType whose reference
// parameters targeting the compartment type point at ref, additionally
// filtered by the request query.
func (ts *TenantStore) compartmentMembers(resourceType, compartmentType, ref string, query fhir.QuerySegments) ([]fhir.Resource, error) {
	rs := ts.Store(resourceType)
	var refParams []*fhir.SearchParamDefinition
	for _, def := range rs.Definitions() {
		if def.Type != fhir.SearchParamReference {
			continue
		}
		for _, target := range def.Targets {
			if target == compartmentType {
				refParams = append(refParams, def)
				break
			}
		}
	}
	if len(refParams) == 0 {
		return nil, nil
	}
	q, err := fhir.ParseQuery(resourceType, query, ts.lookupDef)
	if err != nil {
		return nil, err
	}
	all, err := rs.TypeSearch(q, ts.chainFn)
	if err != nil {
		return nil, err
	}
	var out []fhir.Resource
	for _, r := range all {
		if ts.inCompartment(r, refParams, ref) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (ts *TenantStore) inCompartment(r fhir.Resource, refParams []*fhir.SearchParamDefinition, ref string) bool {
	for _, def := range refParams {
		elements, err := def.Select(r)
		if err != nil {
			continue
		}
		for _, el := range elements {
			for _, literal := range fhir.ExtractReferences(el) {
				if literal == ref || strings.HasSuffix(literal, "/"+ref) {
					return true
				}
			}
		}
	}
	return false
}

func resourceResponse(status int, r fhir.Resource) *ResponseContext {
	return &ResponseContext{
		Status:       status,
		Resource:     r,
		ETag:         weakETag(fhir.VersionID(r)),
		LastModified: fhir.LastUpdated(r).UTC().Format(http.TimeFormat),
	}
}

func errorResponse(err error) *ResponseContext {
	fe := fhir.AsError(err)
	return &ResponseContext{Status: fe.Status, Resource: fhir.Outcome(fe)}
}

func errorResponseFor(in *fhir.Interaction, err error) *ResponseContext {
	resp := errorResponse(err)
	resp.Interaction = in
	return resp
}

func weakETag(versionID string) string {
	return `W/"` + versionID + `"`
}

func (ts *TenantStore) absoluteURL(rel string) string {
	if rel == "" {
		return ts.baseURL
	}
	return ts.baseURL + "/" + rel
}
