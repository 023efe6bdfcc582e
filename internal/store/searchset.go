package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// assembleSearchset turns the raw match list into the response bundle:
// matches are deduplicated, sorted, paged, and expanded with _include and
// _revinclude entries. An included resource that is also a match stays a
// match.
func (ts *TenantStore) assembleSearchset(in *fhir.Interaction, q *fhir.Query, matches []fhir.Resource) (fhir.Resource, error) {
	matches = dedupeResources(matches)
	if len(q.Result.Sort) > 0 {
		ts.sortMatches(q, matches)
	}
	total := len(matches)
	if q.Result.CountSet && q.Result.Count < len(matches) {
		matches = matches[:q.Result.Count]
	}

	bundle := fhir.NewBundle(fhir.BundleSearchset)
	fhir.SetTotal(bundle, total)
	fhir.AddBundleLink(bundle, "self", ts.selfLink(in, q))

	seen := map[string]bool{}
	for _, r := range matches {
		seen[fhir.RelativeReference(r)] = true
	}
	for _, r := range matches {
		fhir.AddSearchEntry(bundle, ts.absoluteURL(fhir.RelativeReference(r)), r, fhir.SearchModeMatch)
	}

	included, err := ts.expandIncludes(q, matches, seen)
	if err != nil {
		return nil, err
	}
	for _, r := range included {
		fhir.AddSearchEntry(bundle, ts.absoluteURL(fhir.RelativeReference(r)), r, fhir.SearchModeInclude)
	}
	return bundle, nil
}

// Related expands notification-shape includes and revincludes around one
// focus resource. The focus itself is never part of the result.
func (ts *TenantStore) Related(focus fhir.Resource, includes, revIncludes []string) ([]fhir.Resource, error) {
	seen := map[string]bool{fhir.RelativeReference(focus): true}
	var out []fhir.Resource
	for _, raw := range includes {
		dir, err := fhir.ParseIncludeDirective(raw)
		if err != nil {
			return nil, err
		}
		next, err := ts.resolveInclude(dir, []fhir.Resource{focus}, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, next...)
	}
	for _, raw := range revIncludes {
		dir, err := fhir.ParseIncludeDirective(raw)
		if err != nil {
			return nil, err
		}
		next, err := ts.resolveRevInclude(dir, []fhir.Resource{focus}, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, next...)
	}
	return out, nil
}

// selfLink rebuilds the request URL from the preserved query segments so
// parameter order survives into the bundle link.
func (ts *TenantStore) selfLink(in *fhir.Interaction, q *fhir.Query) string {
	path := in.ResourceType
	if enc := q.Segments.Encode(); enc != "" {
		path += "?" + enc
	}
	return ts.absoluteURL(path)
}

// expandIncludes resolves _include and _revinclude directives against the
// match set. Directives marked :iterate are reapplied to the resources they
// pull in until the set stops growing.
func (ts *TenantStore) expandIncludes(q *fhir.Query, matches []fhir.Resource, seen map[string]bool) ([]fhir.Resource, error) {
	var included []fhir.Resource
	frontier := matches
	for len(frontier) > 0 {
		var added []fhir.Resource
		for _, dir := range q.Result.Includes {
			next, err := ts.resolveInclude(dir, frontier, seen)
			if err != nil {
				return nil, err
			}
			added = append(added, next...)
		}
		for _, dir := range q.Result.RevIncludes {
			next, err := ts.resolveRevInclude(dir, frontier, seen)
			if err != nil {
				return nil, err
			}
			added = append(added, next...)
		}
		included = append(included, added...)

		// Non-iterating directives apply to the matches only.
		frontier = nil
		for _, r := range added {
			frontier = append(frontier, r)
		}
		if !anyIterates(q.Result.Includes) && !anyIterates(q.Result.RevIncludes) {
			break
		}
	}
	return included, nil
}

func anyIterates(dirs []fhir.IncludeDirective) bool {
	for _, d := range dirs {
		if d.Iterate {
			return true
		}
	}
	return false
}

// resolveInclude follows the directive's reference parameter out of each
// focus resource and pulls in the referents.
func (ts *TenantStore) resolveInclude(dir fhir.IncludeDirective, focus []fhir.Resource, seen map[string]bool) ([]fhir.Resource, error) {
	def := ts.lookupDef(dir.SourceType, dir.Param)
	if def == nil || def.Type != fhir.SearchParamReference {
		return nil, fhir.ErrBadRequest("_include %q does not name a reference parameter", dir.Raw)
	}
	var out []fhir.Resource
	for _, r := range focus {
		if fhir.ResourceType(r) != dir.SourceType {
			continue
		}
		elements, err := def.Select(r)
		if err != nil {
			return nil, err
		}
		for _, el := range elements {
			for _, literal := range fhir.ExtractReferences(el) {
				refType, _ := fhir.SplitReference(literal)
				if dir.TargetType != "" && refType != dir.TargetType {
					continue
				}
				target := ts.TryResolve(literal)
				if target == nil {
					continue
				}
				key := fhir.RelativeReference(target)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, target)
			}
		}
	}
	return out, nil
}

// resolveRevInclude finds resources of the directive's source type whose
// reference parameter points at a focus resource. The resource that holds
// the reference is what joins the bundle.
func (ts *TenantStore) resolveRevInclude(dir fhir.IncludeDirective, focus []fhir.Resource, seen map[string]bool) ([]fhir.Resource, error) {
	def := ts.lookupDef(dir.SourceType, dir.Param)
	if def == nil || def.Type != fhir.SearchParamReference {
		return nil, fhir.ErrBadRequest("_revinclude %q does not name a reference parameter", dir.Raw)
	}
	focusRefs := map[string]bool{}
	for _, r := range focus {
		if dir.TargetType == "" || fhir.ResourceType(r) == dir.TargetType {
			focusRefs[fhir.RelativeReference(r)] = true
		}
	}
	if len(focusRefs) == 0 {
		return nil, nil
	}

	rs := ts.Store(dir.SourceType)
	all, err := rs.TypeSearch(&fhir.Query{ResourceType: dir.SourceType}, nil)
	if err != nil {
		return nil, err
	}
	var out []fhir.Resource
	for _, candidate := range all {
		elements, err := def.Select(candidate)
		if err != nil {
			return nil, err
		}
		if !referencesAny(elements, focusRefs) {
			continue
		}
		key := fhir.RelativeReference(candidate)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, candidate)
	}
	return out, nil
}

func referencesAny(elements fhir.Collection, focusRefs map[string]bool) bool {
	for _, el := range elements {
		for _, literal := range fhir.ExtractReferences(el) {
			refType, refID := fhir.SplitReference(literal)
			if refType != "" && focusRefs[refType+"/"+refID] {
				return true
			}
		}
	}
	return false
}

func dedupeResources(in []fhir.Resource) []fhir.Resource {
	seen := map[string]bool{}
	out := in[:0]
	for _, r := range in {
		key := fhir.RelativeReference(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// sortMatches orders by the _sort parameters' first extracted value, falling
// back to id order for ties.
func (ts *TenantStore) sortMatches(q *fhir.Query, matches []fhir.Resource) {
	keys := q.Result.Sort
	defs := make([]*fhir.SearchParamDefinition, len(keys))
	for i, k := range keys {
		defs[i] = ts.lookupDef(q.ResourceType, k.Param)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		for k, key := range keys {
			if defs[k] == nil {
				continue
			}
			a := sortValue(defs[k], matches[i])
			b := sortValue(defs[k], matches[j])
			if a == b {
				continue
			}
			if key.Descending {
				return a > b
			}
			return a < b
		}
		return fhir.ResourceID(matches[i]) < fhir.ResourceID(matches[j])
	})
}

// sortValue extracts a comparable string for one sort key. Absent values
// sort first ascending.
func sortValue(def *fhir.SearchParamDefinition, r fhir.Resource) string {
	elements, err := def.Select(r)
	if err != nil || len(elements) == 0 {
		return ""
	}
	switch v := elements[0].(type) {
	case string:
		return strings.ToLower(v)
	case map[string]interface{}:
		for _, field := range []string{"value", "code", "text", "family", "start"} {
			if s, ok := v[field].(string); ok {
				return strings.ToLower(s)
			}
		}
		return ""
	default:
		return strings.ToLower(fmt.Sprint(v))
	}
}
