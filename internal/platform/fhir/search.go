package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Prefix is a search comparator applied to number, date and quantity values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

var knownPrefixes = map[Prefix]bool{
	PrefixEq: true, PrefixNe: true, PrefixGt: true, PrefixLt: true,
	PrefixGe: true, PrefixLe: true, PrefixSa: true, PrefixEb: true,
	PrefixAp: true,
}

// Modifier is a search parameter modifier.
type Modifier string

const (
	ModifierNone       Modifier = ""
	ModifierMissing    Modifier = "missing"
	ModifierExact      Modifier = "exact"
	ModifierContains   Modifier = "contains"
	ModifierText       Modifier = "text"
	ModifierNot        Modifier = "not"
	ModifierIn         Modifier = "in"
	ModifierNotIn      Modifier = "not-in"
	ModifierAbove      Modifier = "above"
	ModifierBelow      Modifier = "below"
	ModifierIdentifier Modifier = "identifier"
	ModifierOfType     Modifier = "ofType"
	ModifierType       Modifier = "type" // reference :ResourceType qualifier
)

var knownModifiers = map[string]Modifier{
	"missing": ModifierMissing, "exact": ModifierExact,
	"contains": ModifierContains, "text": ModifierText, "not": ModifierNot,
	"in": ModifierIn, "not-in": ModifierNotIn, "above": ModifierAbove,
	"below": ModifierBelow, "identifier": ModifierIdentifier,
	"ofType": ModifierOfType,
}

// SearchValue is one OR-alternative of a parameter's value list, decoded
// according to the parameter type.
type SearchValue struct {
	Prefix Prefix
	Raw    string

	// Token and quantity components. SystemSet distinguishes "|code"
	// (explicitly no system) from a bare code (any system).
	System    string
	SystemSet bool
	Code      string

	Number    float64
	NumberSet bool

	// Date interval implied by the value's precision.
	Period DateInterval
}

// SearchParam is one parsed query parameter.
type SearchParam struct {
	Name     string
	Modifier Modifier
	// TypeQualifier restricts reference targets (subject:Patient=...).
	TypeQualifier string
	// Chain holds the chained parameter name for ref.param=value queries;
	// ChainType carries the ref:Type.param target restriction.
	Chain     string
	ChainType string
	Def       *SearchParamDefinition
	Values    []SearchValue
	Raw       QuerySegment
}

// SortKey is one _sort component.
type SortKey struct {
	Param      string
	Descending bool
}

// IncludeDirective is a parsed _include or _revinclude value:
// sourceType:param[:targetType].
type IncludeDirective struct {
	SourceType string
	Param      string
	TargetType string
	Iterate    bool
	Raw        string
}

// ResultParams are the non-predicate parameters controlling result shape.
type ResultParams struct {
	Includes    []IncludeDirective
	RevIncludes []IncludeDirective
	Sort        []SortKey
	Count       int
	CountSet    bool
	Summary     string
	Total       string
	Elements    []string
}

// Query is a fully parsed search.
type Query struct {
	ResourceType string
	Params       []SearchParam
	Result       ResultParams
	// Segments preserves the raw request query for the self link.
	Segments QuerySegments
}

// DefLookup resolves an executable search parameter definition by resource
// type and name. The tenant store supplies it; chains need definitions from
// other types.
type DefLookup func(resourceType, name string) *SearchParamDefinition

// ParseQuery decodes the query segments of a type-level search.
func ParseQuery(resourceType string, segs QuerySegments, lookup DefLookup) (*Query, error) {
	q := &Query{ResourceType: resourceType, Segments: segs}
	for _, seg := range segs {
		if err := q.parseSegment(seg, lookup); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Query) parseSegment(seg QuerySegment, lookup DefLookup) error {
	name, modifierText := seg.Key, ""
	if i := strings.Index(name, ":"); i >= 0 {
		name, modifierText = name[:i], name[i+1:]
	}

	switch name {
	case "_include", "_revinclude":
		dir, err := parseIncludeDirective(seg.Value, modifierText == "iterate")
		if err != nil {
			return err
		}
		if name == "_include" {
			q.Result.Includes = append(q.Result.Includes, dir)
		} else {
			q.Result.RevIncludes = append(q.Result.RevIncludes, dir)
		}
		return nil
	case "_sort":
		for _, part := range strings.Split(seg.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := SortKey{Param: part}
			if strings.HasPrefix(part, "-") {
				key = SortKey{Param: part[1:], Descending: true}
			}
			q.Result.Sort = append(q.Result.Sort, key)
		}
		return nil
	case "_count":
		n, err := strconv.Atoi(seg.Value)
		if err != nil || n < 0 {
			return ErrBadRequest("invalid _count value %q", seg.Value)
		}
		q.Result.Count = n
		q.Result.CountSet = true
		return nil
	case "_summary":
		q.Result.Summary = seg.Value
		return nil
	case "_total":
		q.Result.Total = seg.Value
		return nil
	case "_elements":
		q.Result.Elements = strings.Split(seg.Value, ",")
		return nil
	case "_format", "_pretty", "_contained", "_containedType":
		// Handled by the HTTP layer.
		return nil
	}

	p := SearchParam{Name: name, Raw: seg}

	// Chained references: ref.param or ref:Type.param. In the qualified
	// form the modifier split above left "Type.param" in modifierText.
	if i := strings.Index(modifierText, "."); i >= 0 {
		p.ChainType = modifierText[:i]
		p.Chain = modifierText[i+1:]
		modifierText = ""
	} else if i := strings.Index(name, "."); i >= 0 {
		p.Name = name[:i]
		p.Chain = name[i+1:]
	}

	def := lookup(q.ResourceType, p.Name)
	if def == nil {
		return ErrBadRequest("unknown search parameter %q for %s", p.Name, q.ResourceType)
	}
	p.Def = def

	if modifierText != "" {
		if mod, ok := knownModifiers[modifierText]; ok {
			p.Modifier = mod
		} else if def.Type == SearchParamReference && IsKnownResourceType(modifierText) {
			p.Modifier = ModifierType
			p.TypeQualifier = modifierText
		} else {
			return ErrBadRequest("unknown modifier %q on parameter %q", modifierText, p.Name)
		}
	}
	// ValueSet membership needs a terminology service this server does not
	// carry. Refusing is safer than treating every candidate as a miss.
	if p.Modifier == ModifierIn || p.Modifier == ModifierNotIn {
		return ErrNotSupported("modifier %q on parameter %q requires ValueSet expansion, which is not supported", modifierText, p.Name)
	}
	if p.Chain != "" && def.Type != SearchParamReference {
		return ErrBadRequest("parameter %q is not a reference and cannot chain", p.Name)
	}

	for _, alt := range strings.Split(seg.Value, ",") {
		sv, err := parseSearchValue(def.Type, p.Modifier, alt)
		if err != nil {
			return err
		}
		p.Values = append(p.Values, sv)
	}
	q.Params = append(q.Params, p)
	return nil
}

// ParseIncludeDirective decodes a standalone "Type:param[:Target]" value,
// the form notification shapes carry.
func ParseIncludeDirective(value string) (IncludeDirective, error) {
	return parseIncludeDirective(value, false)
}

func parseIncludeDirective(value string, iterate bool) (IncludeDirective, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return IncludeDirective{}, ErrBadRequest("invalid include %q, want Type:param[:Target]", value)
	}
	dir := IncludeDirective{SourceType: parts[0], Param: parts[1], Iterate: iterate, Raw: value}
	if len(parts) == 3 {
		dir.TargetType = parts[2]
	}
	return dir, nil
}

func parseSearchValue(typ SearchParamType, mod Modifier, raw string) (SearchValue, error) {
	sv := SearchValue{Raw: raw, Prefix: PrefixEq}
	if mod == ModifierMissing {
		// Value is true|false; no further decoding.
		return sv, nil
	}

	body := raw
	switch typ {
	case SearchParamNumber, SearchParamDate, SearchParamQuantity:
		if len(body) >= 2 {
			if pfx := Prefix(body[:2]); knownPrefixes[pfx] {
				// Guard against values that merely start with prefix
				// letters, such as the year "2024" or code "ne".
				rest := body[2:]
				if rest != "" && !isPrefixFalsePositive(pfx, rest) {
					sv.Prefix = pfx
					body = rest
				}
			}
		}
	}

	switch typ {
	case SearchParamNumber:
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return sv, ErrBadRequest("invalid number %q", raw)
		}
		sv.Number = f
		sv.NumberSet = true
	case SearchParamDate:
		iv, err := ParseDateInterval(body)
		if err != nil {
			return sv, ErrBadRequest("invalid date %q", raw)
		}
		sv.Period = iv
	case SearchParamToken:
		if i := strings.Index(body, "|"); i >= 0 {
			sv.System = body[:i]
			sv.SystemSet = true
			sv.Code = body[i+1:]
		} else {
			sv.Code = body
		}
	case SearchParamQuantity:
		parts := strings.SplitN(body, "|", 3)
		f, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return sv, ErrBadRequest("invalid quantity %q", raw)
		}
		sv.Number = f
		sv.NumberSet = true
		if len(parts) > 1 {
			sv.System = parts[1]
			sv.SystemSet = true
		}
		if len(parts) > 2 {
			sv.Code = parts[2]
		}
	default:
		// string, reference, uri, composite, special keep the raw text.
	}
	return sv, nil
}

// isPrefixFalsePositive rejects prefix readings that leave an implausible
// remainder, such as "le" swallowing the first letters of "lectures".
func isPrefixFalsePositive(pfx Prefix, rest string) bool {
	c := rest[0]
	return !(c >= '0' && c <= '9') && c != '-'
}

// ============================================================================
// Stage B: predicate evaluation
// ============================================================================

// MatchParam evaluates a non-chained parameter against a resource: the
// parameter matches when at least one extracted element matches at least one
// value alternative. Chained parameters are resolved by the tenant store.
func MatchParam(p *SearchParam, r Resource) (bool, error) {
	elements, err := p.Def.Select(r)
	if err != nil {
		return false, err
	}

	if p.Modifier == ModifierMissing {
		wantMissing := p.Values[0].Raw == "true"
		return (len(elements) == 0) == wantMissing, nil
	}
	if len(elements) == 0 {
		// An absent element cannot equal any value, so a negated match
		// succeeds.
		return p.Modifier == ModifierNot, nil
	}

	for _, el := range elements {
		for i := range p.Values {
			ok, err := matchElement(p, &p.Values[i], el)
			if err != nil {
				return false, err
			}
			if ok {
				if p.Modifier == ModifierNot {
					return false, nil
				}
				return true, nil
			}
		}
	}
	if p.Modifier == ModifierNot {
		return true, nil
	}
	return false, nil
}

func matchElement(p *SearchParam, sv *SearchValue, el interface{}) (bool, error) {
	switch p.Def.Type {
	case SearchParamString:
		return matchString(p.Modifier, sv, el), nil
	case SearchParamToken:
		return matchToken(p.Modifier, sv, el), nil
	case SearchParamReference:
		return matchReference(p, sv, el), nil
	case SearchParamQuantity:
		return matchQuantity(sv, el), nil
	case SearchParamDate:
		return matchDate(sv, el), nil
	case SearchParamNumber:
		return matchNumber(sv, el), nil
	case SearchParamURI:
		return matchURI(p.Modifier, sv, el), nil
	case SearchParamComposite, SearchParamSpecial:
		// Composite components are pre-split by the registry into their
		// component definitions; a bare composite compares as string.
		return matchString(p.Modifier, sv, el), nil
	}
	return false, ErrBadRequest("unsupported search parameter type %q", p.Def.Type)
}

// foldString lowercases and strips diacritics for the default
// accent-insensitive string search.
func foldString(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// stringLeaves flattens an element into its searchable string parts. Complex
// types like HumanName and Address contribute every textual component.
func stringLeaves(el interface{}) []string {
	switch v := el.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			out = append(out, stringLeaves(item)...)
		}
		return out
	case map[string]interface{}:
		var out []string
		for _, item := range v {
			out = append(out, stringLeaves(item)...)
		}
		return out
	case json.Number:
		return []string{v.String()}
	case bool:
		return []string{strconv.FormatBool(v)}
	}
	return nil
}

func matchString(mod Modifier, sv *SearchValue, el interface{}) bool {
	for _, leaf := range stringLeaves(el) {
		switch mod {
		case ModifierExact:
			if leaf == sv.Raw {
				return true
			}
		case ModifierContains:
			if strings.Contains(foldString(leaf), foldString(sv.Raw)) {
				return true
			}
		case ModifierText:
			if strings.Contains(foldString(leaf), foldString(sv.Raw)) {
				return true
			}
		default:
			if strings.HasPrefix(foldString(leaf), foldString(sv.Raw)) {
				return true
			}
		}
	}
	return false
}

// tokenPair is one (system, code) candidate extracted from an element.
type tokenPair struct {
	system string
	code   string
	text   string
}

func tokenPairs(el interface{}) []tokenPair {
	switch v := el.(type) {
	case string:
		return []tokenPair{{code: v}}
	case bool:
		return []tokenPair{{code: strconv.FormatBool(v)}}
	case map[string]interface{}:
		// CodeableConcept
		if codings, ok := v["coding"].([]interface{}); ok {
			var out []tokenPair
			text, _ := v["text"].(string)
			for _, c := range codings {
				if cm, ok := c.(map[string]interface{}); ok {
					out = append(out, codingPair(cm, text))
				}
			}
			if len(out) == 0 && text != "" {
				out = append(out, tokenPair{text: text})
			}
			return out
		}
		// Identifier
		if value, ok := v["value"].(string); ok {
			system, _ := v["system"].(string)
			return []tokenPair{{system: system, code: value}}
		}
		// Coding
		if _, ok := v["code"]; ok {
			return []tokenPair{codingPair(v, "")}
		}
	}
	return nil
}

func codingPair(coding map[string]interface{}, text string) tokenPair {
	system, _ := coding["system"].(string)
	code, _ := coding["code"].(string)
	display, _ := coding["display"].(string)
	if text == "" {
		text = display
	}
	return tokenPair{system: system, code: code, text: text}
}

func matchToken(mod Modifier, sv *SearchValue, el interface{}) bool {
	if mod == ModifierText {
		for _, tp := range tokenPairs(el) {
			if strings.Contains(foldString(tp.text), foldString(sv.Raw)) {
				return true
			}
		}
		return false
	}
	for _, tp := range tokenPairs(el) {
		codeOK := sv.Code == "" || tp.code == sv.Code
		systemOK := true
		if sv.SystemSet {
			systemOK = tp.system == sv.System
		}
		if codeOK && systemOK {
			return true
		}
	}
	return false
}

// ExtractReferences returns the literal references an element carries, for
// reference matching, chaining and include expansion.
func ExtractReferences(el interface{}) []string {
	switch v := el.(type) {
	case string:
		return []string{v}
	case map[string]interface{}:
		if ref, ok := v["reference"].(string); ok {
			return []string{ref}
		}
	case []interface{}:
		var out []string
		for _, item := range v {
			out = append(out, ExtractReferences(item)...)
		}
		return out
	}
	return nil
}

func matchReference(p *SearchParam, sv *SearchValue, el interface{}) bool {
	for _, ref := range ExtractReferences(el) {
		refType, refID := SplitReference(ref)
		if p.TypeQualifier != "" && refType != "" && refType != p.TypeQualifier {
			continue
		}
		want := sv.Raw
		switch {
		case strings.Contains(want, "://"):
			if ref == want {
				return true
			}
		case strings.Contains(want, "/"):
			if ref == want || strings.HasSuffix(ref, "/"+want) {
				return true
			}
		default:
			if refID == want {
				if p.TypeQualifier == "" || refType == "" || refType == p.TypeQualifier {
					return true
				}
			}
		}
	}
	return false
}

// SplitReference splits a literal reference into (type, id). Absolute URLs
// use their last two path segments.
func SplitReference(ref string) (string, string) {
	ref = strings.TrimPrefix(ref, "#")
	segs := splitSegments(ref)
	// Drop scheme/authority segments of absolute URLs.
	for len(segs) > 2 {
		segs = segs[1:]
	}
	switch len(segs) {
	case 2:
		return segs[0], segs[1]
	case 1:
		return "", segs[0]
	}
	return "", ""
}

func matchQuantity(sv *SearchValue, el interface{}) bool {
	m, ok := el.(map[string]interface{})
	if !ok {
		return false
	}
	value, ok := asFloat(m["value"])
	if !ok {
		return false
	}
	code, _ := m["code"].(string)
	if code == "" {
		code, _ = m["unit"].(string)
	}
	system, _ := m["system"].(string)

	// Absent unit or system in the query matches any.
	if sv.SystemSet && sv.System != "" && system != "" && system != sv.System {
		return false
	}
	target := sv.Number
	if sv.Code != "" && code != "" {
		factor, comparable := UnitsComparable(sv.Code, code)
		if !comparable {
			return false
		}
		target = sv.Number * factor
	}
	return comparePrefix(sv.Prefix, value, target)
}

func matchNumber(sv *SearchValue, el interface{}) bool {
	value, ok := asFloat(el)
	if !ok {
		return false
	}
	return comparePrefix(sv.Prefix, value, sv.Number)
}

func comparePrefix(pfx Prefix, value, target float64) bool {
	switch pfx {
	case PrefixEq:
		return floatsEqual(value, target)
	case PrefixNe:
		return !floatsEqual(value, target)
	case PrefixGt, PrefixSa:
		return value > target
	case PrefixLt, PrefixEb:
		return value < target
	case PrefixGe:
		return value >= target
	case PrefixLe:
		return value <= target
	case PrefixAp:
		tolerance := 0.1 * target
		if tolerance < 0 {
			tolerance = -tolerance
		}
		diff := value - target
		if diff < 0 {
			diff = -diff
		}
		return diff <= tolerance
	}
	return false
}

// floatsEqual absorbs the rounding introduced by unit conversion factors.
func floatsEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	scale := b
	if scale < 0 {
		scale = -scale
	}
	if scale < 1 {
		scale = 1
	}
	return diff <= 1e-9*scale
}

func matchURI(mod Modifier, sv *SearchValue, el interface{}) bool {
	s, ok := el.(string)
	if !ok {
		return false
	}
	switch mod {
	case ModifierAbove:
		return strings.HasPrefix(sv.Raw, s)
	case ModifierBelow:
		return strings.HasPrefix(s, sv.Raw)
	default:
		return s == sv.Raw
	}
}

// ============================================================================
// Date intervals
// ============================================================================

// DateInterval is the closed-open [Start, End) interval a partial-precision
// date collapses to: "2024" spans the year, "2024-03-01T10:00" the minute.
type DateInterval struct {
	Start time.Time
	End   time.Time
}

// ParseDateInterval derives the interval for a FHIR date/dateTime value.
func ParseDateInterval(s string) (DateInterval, error) {
	type layoutStep struct {
		layout string
		step   func(time.Time) time.Time
	}
	steps := []layoutStep{
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02T15:04Z07:00", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05Z07:00", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Nanosecond) }},
	}
	for _, ls := range steps {
		if t, err := time.Parse(ls.layout, s); err == nil {
			return DateInterval{Start: t, End: ls.step(t)}, nil
		}
	}
	return DateInterval{}, fmt.Errorf("invalid date %q", s)
}

// elementInterval derives the interval of a resource-side date element,
// which may be a partial date string or a Period.
func elementInterval(el interface{}) (DateInterval, bool) {
	switch v := el.(type) {
	case string:
		iv, err := ParseDateInterval(v)
		return iv, err == nil
	case time.Time:
		return DateInterval{Start: v, End: v.Add(time.Nanosecond)}, true
	case map[string]interface{}:
		// Period: open ends extend to the far past / future.
		start, hasStart := v["start"].(string)
		end, hasEnd := v["end"].(string)
		if !hasStart && !hasEnd {
			return DateInterval{}, false
		}
		iv := DateInterval{
			Start: time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
		}
		if hasStart {
			if s, err := ParseDateInterval(start); err == nil {
				iv.Start = s.Start
			}
		}
		if hasEnd {
			if e, err := ParseDateInterval(end); err == nil {
				iv.End = e.End
			}
		}
		return iv, true
	}
	return DateInterval{}, false
}

// matchDate compares the resource interval R against the parameter interval
// P: eq is containment of R within P, ne its complement, the ordering
// prefixes compare endpoints, sa/eb require strict disjointness, ap accepts
// any overlap.
func matchDate(sv *SearchValue, el interface{}) bool {
	r, ok := elementInterval(el)
	if !ok {
		return false
	}
	p := sv.Period
	switch sv.Prefix {
	case PrefixEq:
		return !r.Start.Before(p.Start) && !r.End.After(p.End)
	case PrefixNe:
		return r.Start.Before(p.Start) || r.End.After(p.End)
	case PrefixGt:
		return r.End.After(p.End)
	case PrefixLt:
		return r.Start.Before(p.Start)
	case PrefixGe:
		return !r.End.Before(p.End)
	case PrefixLe:
		return !r.Start.After(p.Start)
	case PrefixSa:
		return !r.Start.Before(p.End)
	case PrefixEb:
		return !r.End.After(p.Start)
	case PrefixAp:
		return r.Start.Before(p.End) && p.Start.Before(r.End)
	}
	return false
}
