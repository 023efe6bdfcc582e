// Package store implements the in-memory tenant stores: per-type versioned
// resource stores, search execution with include expansion, the capability
// statement cache, and the request dispatch that maps parsed interactions
// onto store operations.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// ChangeAction names the write that produced a change event.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ChangeEvent is the record a resource store emits after a committed write.
// Previous and Current are independent snapshots; consumers may hold them
// indefinitely.
type ChangeEvent struct {
	Tenant       string
	ResourceType string
	Action       ChangeAction
	Previous     fhir.Resource
	Current      fhir.Resource
	Timestamp    time.Time
}

// ResourceStore holds every instance of one resource type for one tenant.
// The mutex guards the instance map and the search parameter registry and is
// held across each operation; change events are emitted after it is
// released.
type ResourceStore struct {
	tenant       string
	resourceType string
	log          zerolog.Logger

	mu        sync.RWMutex
	resources map[string]fhir.Resource
	params    map[string]*fhir.SearchParamDefinition

	emit func(ChangeEvent)
}

// NewResourceStore builds a store seeded with the built-in search parameters
// for the type. emit receives change events; it must not block.
func NewResourceStore(tenant, resourceType string, log zerolog.Logger, emit func(ChangeEvent)) *ResourceStore {
	rs := &ResourceStore{
		tenant:       tenant,
		resourceType: resourceType,
		log:          log.With().Str("resource_type", resourceType).Logger(),
		resources:    map[string]fhir.Resource{},
		params:       map[string]*fhir.SearchParamDefinition{},
		emit:         emit,
	}
	for _, def := range fhir.BuiltinSearchParams(resourceType) {
		d := def
		rs.params[d.Name] = &d
	}
	return rs
}

// ResourceType returns the type this store holds.
func (rs *ResourceStore) ResourceType() string { return rs.resourceType }

// Count returns the number of stored instances.
func (rs *ResourceStore) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.resources)
}

// InstanceRead returns a copy of the instance, or nil when absent.
func (rs *ResourceStore) InstanceRead(id string) fhir.Resource {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.resources[id]
	if !ok {
		return nil
	}
	return fhir.DeepCopy(r)
}

// InstanceCreate stores a new instance. With allowExistingID unset, or when
// the source carries no id, a fresh UUID is assigned; an id collision fails
// with a conflict.
func (rs *ResourceStore) InstanceCreate(source fhir.Resource, allowExistingID bool) (fhir.Resource, error) {
	if fhir.ResourceType(source) != rs.resourceType {
		return nil, fhir.ErrBadRequest("resource type %q does not match store %q",
			fhir.ResourceType(source), rs.resourceType)
	}
	stored := fhir.DeepCopy(source)
	if !allowExistingID || fhir.ResourceID(stored) == "" {
		fhir.SetResourceID(stored, fhir.NewResourceID())
	}
	now := time.Now()
	fhir.SetVersionID(stored, "1")
	fhir.SetLastUpdated(stored, now)

	rs.mu.Lock()
	id := fhir.ResourceID(stored)
	if _, exists := rs.resources[id]; exists {
		rs.mu.Unlock()
		return nil, fhir.ErrConflict("%s/%s already exists", rs.resourceType, id)
	}
	rs.resources[id] = stored
	rs.mu.Unlock()

	rs.log.Debug().Str("id", id).Msg("resource created")
	rs.emit(ChangeEvent{
		Tenant:       rs.tenant,
		ResourceType: rs.resourceType,
		Action:       ActionCreate,
		Current:      fhir.DeepCopy(stored),
		Timestamp:    now,
	})
	return fhir.DeepCopy(stored), nil
}

// InstanceUpdate replaces an existing instance, bumping the version. The
// source must carry the id of a stored instance.
func (rs *ResourceStore) InstanceUpdate(source fhir.Resource) (fhir.Resource, error) {
	id := fhir.ResourceID(source)
	if id == "" {
		return nil, fhir.ErrBadRequest("update requires a resource id")
	}

	rs.mu.Lock()
	previous, ok := rs.resources[id]
	if !ok {
		rs.mu.Unlock()
		return nil, fhir.ErrNotFound("%s/%s not found", rs.resourceType, id)
	}
	stored := fhir.DeepCopy(source)
	fhir.SetVersionID(stored, fhir.VersionID(previous))
	fhir.IncrementVersion(stored)
	now := time.Now()
	fhir.SetLastUpdated(stored, now)
	rs.resources[id] = stored
	rs.mu.Unlock()

	rs.log.Debug().Str("id", id).Str("version", fhir.VersionID(stored)).Msg("resource updated")
	rs.emit(ChangeEvent{
		Tenant:       rs.tenant,
		ResourceType: rs.resourceType,
		Action:       ActionUpdate,
		Previous:     fhir.DeepCopy(previous),
		Current:      fhir.DeepCopy(stored),
		Timestamp:    now,
	})
	return fhir.DeepCopy(stored), nil
}

// InstanceDelete removes an instance and returns the removed copy.
func (rs *ResourceStore) InstanceDelete(id string) (fhir.Resource, error) {
	rs.mu.Lock()
	previous, ok := rs.resources[id]
	if !ok {
		rs.mu.Unlock()
		return nil, fhir.ErrNotFound("%s/%s not found", rs.resourceType, id)
	}
	delete(rs.resources, id)
	rs.mu.Unlock()

	rs.log.Debug().Str("id", id).Msg("resource deleted")
	rs.emit(ChangeEvent{
		Tenant:       rs.tenant,
		ResourceType: rs.resourceType,
		Action:       ActionDelete,
		Previous:     fhir.DeepCopy(previous),
		Timestamp:    time.Now(),
	})
	return fhir.DeepCopy(previous), nil
}

// TypeSearch evaluates the query's predicate parameters against every
// instance and returns matching copies in stable id order. Chained
// parameters are resolved through chain, which runs a search on the
// referenced type's store.
func (rs *ResourceStore) TypeSearch(q *fhir.Query, chain ChainFn) ([]fhir.Resource, error) {
	// Snapshot under the lock, match outside it. Writes replace map entries
	// with fresh copies, so the snapshot stays consistent, and chained
	// predicates may search this same store without re-entering the lock.
	rs.mu.RLock()
	ids := make([]string, 0, len(rs.resources))
	for id := range rs.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([]fhir.Resource, len(ids))
	for i, id := range ids {
		snapshot[i] = rs.resources[id]
	}
	rs.mu.RUnlock()

	var matches []fhir.Resource
	for _, r := range snapshot {
		ok, err := rs.matches(q, r, chain)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, fhir.DeepCopy(r))
		}
	}
	return matches, nil
}

// ChainFn evaluates a chained parameter: it reports whether the referenced
// instance of targetType matches key=value.
type ChainFn func(targetType, id, key, value string) (bool, error)

// Matches evaluates the query's predicates against a single resource
// snapshot, which need not be stored. The subscription engine uses it to
// test trigger criteria against previous and current versions.
func (rs *ResourceStore) Matches(q *fhir.Query, r fhir.Resource, chain ChainFn) (bool, error) {
	return rs.matches(q, r, chain)
}

func (rs *ResourceStore) matches(q *fhir.Query, r fhir.Resource, chain ChainFn) (bool, error) {
	for i := range q.Params {
		p := &q.Params[i]
		if p.Chain != "" {
			ok, err := rs.matchChain(p, r, chain)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			continue
		}
		ok, err := fhir.MatchParam(p, r)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchChain follows the references the parameter extracts and applies the
// chained key to each referent; any matching referent satisfies the
// parameter.
func (rs *ResourceStore) matchChain(p *fhir.SearchParam, r fhir.Resource, chain ChainFn) (bool, error) {
	if chain == nil {
		return false, fhir.ErrBadRequest("chained parameter %q is not supported here", p.Raw.Key)
	}
	elements, err := p.Def.Select(r)
	if err != nil {
		return false, err
	}
	targets := p.Def.Targets
	if p.ChainType != "" {
		targets = []string{p.ChainType}
	}
	for _, el := range elements {
		for _, ref := range fhir.ExtractReferences(el) {
			refType, refID := fhir.SplitReference(ref)
			if refID == "" {
				continue
			}
			for _, target := range targets {
				if refType != "" && refType != target {
					continue
				}
				for _, alt := range strings.Split(p.Raw.Value, ",") {
					ok, err := chain(target, refID, p.Chain, alt)
					if err != nil {
						return false, err
					}
					if ok {
						return true, nil
					}
				}
			}
		}
	}
	return false, nil
}

// Definition returns the executable definition for a parameter name.
func (rs *ResourceStore) Definition(name string) *fhir.SearchParamDefinition {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.params[name]
}

// Definitions returns the registered parameter names in sorted order.
func (rs *ResourceStore) Definitions() []*fhir.SearchParamDefinition {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	names := make([]string, 0, len(rs.params))
	for name := range rs.params {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*fhir.SearchParamDefinition, 0, len(names))
	for _, name := range names {
		out = append(out, rs.params[name])
	}
	return out
}

// SetExecutableSearchParameter registers or replaces a parameter.
func (rs *ResourceStore) SetExecutableSearchParameter(def fhir.SearchParamDefinition) {
	rs.mu.Lock()
	rs.params[def.Name] = &def
	rs.mu.Unlock()
}

// RemoveExecutableSearchParameter drops a parameter from the registry.
func (rs *ResourceStore) RemoveExecutableSearchParameter(name string) {
	rs.mu.Lock()
	delete(rs.params, name)
	rs.mu.Unlock()
}
