package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Format identifies a FHIR wire format.
type Format string

const (
	FormatJSON Format = "application/fhir+json"
	FormatXML  Format = "application/fhir+xml"
)

// NormalizeFormat maps the accepted MIME synonyms to a canonical Format.
// Returns false for unknown content types.
func NormalizeFormat(mime string) (Format, bool) {
	m := strings.TrimSpace(strings.ToLower(mime))
	// Strip charset and other parameters.
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	// Query-string decoding may have turned "+" into a space.
	m = strings.ReplaceAll(m, "fhir json", "fhir+json")
	m = strings.ReplaceAll(m, "fhir xml", "fhir+xml")
	switch m {
	case "", "json", "fhir+json", "application/json", "application/fhir+json", "*/*":
		return FormatJSON, true
	case "xml", "fhir+xml", "application/xml", "text/xml", "application/fhir+xml":
		return FormatXML, true
	}
	return "", false
}

// ParseResource decodes a resource from its wire form. Unknown members are
// retained (compatibility-forward); numbers decode as json.Number so that
// decimals survive re-serialization.
func ParseResource(format Format, data []byte) (Resource, error) {
	switch format {
	case FormatXML:
		return parseXMLResource(data)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var r Resource
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("parse resource: %w", err)
		}
		if ResourceType(r) == "" {
			return nil, fmt.Errorf("parse resource: missing resourceType")
		}
		return r, nil
	}
}

// SerializeResource encodes a resource into its wire form. With summary set,
// only the summary member set (id, meta, identifying elements) is emitted.
func SerializeResource(r Resource, format Format, pretty, summary bool) ([]byte, error) {
	out := r
	if summary {
		out = summarize(r)
	}
	switch format {
	case FormatXML:
		return serializeXMLResource(out, pretty)
	default:
		if pretty {
			return json.MarshalIndent(out, "", "  ")
		}
		return json.Marshal(out)
	}
}

// summaryMembers are the elements retained by _summary=true in addition to
// the mandatory infrastructure elements.
var summaryMembers = map[string]bool{
	"resourceType": true, "id": true, "meta": true, "implicitRules": true,
	"identifier": true, "status": true, "code": true, "subject": true,
	"name": true, "type": true, "category": true, "url": true, "version": true,
}

func summarize(r Resource) Resource {
	out := make(Resource, len(summaryMembers))
	for k, v := range r {
		if summaryMembers[k] {
			out[k] = v
		}
	}
	m := meta(out)
	tags, _ := m["tag"].([]interface{})
	m["tag"] = append(tags, map[string]interface{}{
		"system": "http://terminology.hl7.org/CodeSystem/v3-ObservationValue",
		"code":   "SUBSETTED",
	})
	return out
}

// ---------------------------------------------------------------------------
// XML codec
//
// The generic mapping follows the FHIR XML representation: the resource type
// names the root element in the FHIR namespace, object members become child
// elements, primitives carry a "value" attribute, arrays repeat the element,
// and contained resources nest their own root element. Primitive typing is
// recovered heuristically on parse (boolean and numeric literals), which is
// sufficient for round-tripping resources this server produced.
// ---------------------------------------------------------------------------

const fhirXMLNamespace = "http://hl7.org/fhir"

func serializeXMLResource(r Resource, pretty bool) ([]byte, error) {
	rt := ResourceType(r)
	if rt == "" {
		return nil, fmt.Errorf("serialize xml: missing resourceType")
	}
	var buf bytes.Buffer
	w := &xmlWriter{buf: &buf, pretty: pretty}
	w.openTag(rt, ` xmlns="`+fhirXMLNamespace+`"`)
	if err := w.writeMembers(r); err != nil {
		return nil, err
	}
	w.closeTag(rt)
	return buf.Bytes(), nil
}

type xmlWriter struct {
	buf    *bytes.Buffer
	pretty bool
	depth  int
}

func (w *xmlWriter) indent() {
	if w.pretty {
		w.buf.WriteByte('\n')
		for i := 0; i < w.depth; i++ {
			w.buf.WriteString("  ")
		}
	}
}

func (w *xmlWriter) openTag(name, attrs string) {
	w.indent()
	w.buf.WriteString("<" + name + attrs + ">")
	w.depth++
}

func (w *xmlWriter) closeTag(name string) {
	w.depth--
	w.indent()
	w.buf.WriteString("</" + name + ">")
}

func (w *xmlWriter) emptyTag(name, attrs string) {
	w.indent()
	w.buf.WriteString("<" + name + attrs + "/>")
}

func (w *xmlWriter) writeMembers(m map[string]interface{}) error {
	// Deterministic element order: id, meta first, then lexicographic.
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "resourceType" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return memberRank(keys[i]) < memberRank(keys[j]) ||
			(memberRank(keys[i]) == memberRank(keys[j]) && keys[i] < keys[j])
	})
	for _, k := range keys {
		if err := w.writeMember(k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func memberRank(name string) int {
	switch name {
	case "id":
		return 0
	case "meta":
		return 1
	default:
		return 2
	}
}

func (w *xmlWriter) writeMember(name string, v interface{}) error {
	switch t := v.(type) {
	case []interface{}:
		for _, e := range t {
			if err := w.writeMember(name, e); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		if rt, ok := t["resourceType"].(string); ok {
			// Contained or bundled resource: nest its own root element.
			w.openTag(name, "")
			w.openTag(rt, "")
			if err := w.writeMembers(t); err != nil {
				return err
			}
			w.closeTag(rt)
			w.closeTag(name)
			return nil
		}
		w.openTag(name, "")
		if err := w.writeMembers(t); err != nil {
			return err
		}
		w.closeTag(name)
	case nil:
		// skip
	default:
		w.emptyTag(name, ` value="`+xmlEscape(primitiveString(t))+`"`)
	}
	return nil
}

func primitiveString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// parseXMLResource decodes the generic FHIR XML form back into a resource
// map. A minimal tokenizer suffices: the grammar produced by
// serializeXMLResource only uses elements and value attributes.
func parseXMLResource(data []byte) (Resource, error) {
	p := &xmlParser{input: string(data)}
	p.skipProlog()
	name, attrs, selfClosed, err := p.readTag()
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	if selfClosed {
		return Resource{"resourceType": name}, nil
	}
	m, err := p.readMembers(name)
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	_ = attrs
	m["resourceType"] = name
	return m, nil
}

type xmlParser struct {
	input string
	pos   int
}

func (p *xmlParser) skipWS() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *xmlParser) skipProlog() {
	p.skipWS()
	for strings.HasPrefix(p.input[p.pos:], "<?") || strings.HasPrefix(p.input[p.pos:], "<!--") {
		end := strings.Index(p.input[p.pos:], ">")
		if end < 0 {
			return
		}
		p.pos += end + 1
		p.skipWS()
	}
}

// readTag consumes "<name attrs>" or "<name attrs/>" and returns the element
// name, its attributes, and whether the element was self-closing.
func (p *xmlParser) readTag() (string, map[string]string, bool, error) {
	p.skipWS()
	if p.pos >= len(p.input) || p.input[p.pos] != '<' {
		return "", nil, false, fmt.Errorf("expected element at offset %d", p.pos)
	}
	end := strings.Index(p.input[p.pos:], ">")
	if end < 0 {
		return "", nil, false, fmt.Errorf("unterminated tag at offset %d", p.pos)
	}
	raw := p.input[p.pos+1 : p.pos+end]
	p.pos += end + 1

	selfClosed := strings.HasSuffix(raw, "/")
	raw = strings.TrimSuffix(raw, "/")

	name := raw
	attrs := map[string]string{}
	if i := strings.IndexAny(raw, " \t\n\r"); i >= 0 {
		name = raw[:i]
		rest := raw[i:]
		// Attribute values may contain whitespace, so scan quote to quote
		// instead of splitting on fields.
		for {
			rest = strings.TrimLeft(rest, " \t\n\r")
			eq := strings.IndexByte(rest, '=')
			if eq < 0 {
				break
			}
			key := strings.TrimSpace(rest[:eq])
			rest = strings.TrimLeft(rest[eq+1:], " \t\n\r")
			if rest == "" || (rest[0] != '"' && rest[0] != '\'') {
				break
			}
			quote := rest[0]
			end := strings.IndexByte(rest[1:], quote)
			if end < 0 {
				break
			}
			attrs[key] = xmlUnescape(rest[1 : 1+end])
			rest = rest[end+2:]
		}
	}
	return name, attrs, selfClosed, nil
}

// readMembers consumes child elements up to (and including) the closing tag
// of parent, assembling the member map.
func (p *xmlParser) readMembers(parent string) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	for {
		p.skipWS()
		if strings.HasPrefix(p.input[p.pos:], "</") {
			end := strings.Index(p.input[p.pos:], ">")
			if end < 0 {
				return nil, fmt.Errorf("unterminated close tag at offset %d", p.pos)
			}
			closing := strings.TrimSpace(p.input[p.pos+2 : p.pos+end])
			p.pos += end + 1
			if closing != parent {
				return nil, fmt.Errorf("mismatched close tag %q (open %q)", closing, parent)
			}
			return m, nil
		}
		name, attrs, selfClosed, err := p.readTag()
		if err != nil {
			return nil, err
		}
		var val interface{}
		if selfClosed {
			val = xmlPrimitive(attrs["value"])
		} else {
			child, err := p.readMembers(name)
			if err != nil {
				return nil, err
			}
			// A child with exactly one member that is itself a resource map is
			// a nested resource (contained / bundle entry resource).
			if rt, inner := singleResourceChild(child); rt != "" {
				inner["resourceType"] = rt
				val = inner
			} else {
				val = child
			}
		}
		appendMember(m, name, val)
	}
}

// singleResourceChild detects the <member><ResourceType>...</ResourceType></member>
// nesting produced for contained resources.
func singleResourceChild(m map[string]interface{}) (string, map[string]interface{}) {
	if len(m) != 1 {
		return "", nil
	}
	for k, v := range m {
		if IsKnownResourceType(k) {
			if inner, ok := v.(map[string]interface{}); ok {
				return k, inner
			}
		}
	}
	return "", nil
}

// xmlPrimitiveArrays are primitive elements that repeat in every resource
// they appear in. XML carries no array markers, so a single repetition would
// otherwise parse back as a scalar and break JSON equivalence.
var xmlPrimitiveArrays = map[string]bool{
	"given": true, "prefix": true, "suffix": true, "line": true,
}

// xmlComplexArrays are complex elements that repeat wherever they carry an
// object value. Names like "name" stay scalars when the value is a primitive
// (Organization.name is a plain string).
var xmlComplexArrays = map[string]bool{
	"name": true, "telecom": true, "address": true, "entry": true,
	"issue": true, "coding": true, "category": true, "note": true,
	"component": true, "performer": true, "participant": true,
	"contact": true, "communication": true, "extension": true,
	"modifierExtension": true, "contained": true, "tag": true,
	"security": true, "link": true, "item": true, "parameter": true,
	"filterBy": true, "payload": true, "resourceTrigger": true,
	"eventTrigger": true, "canFilterBy": true, "notificationShape": true,
	"interaction": true, "searchParam": true, "rest": true,
	"qualification": true,
}

func appendMember(m map[string]interface{}, name string, val interface{}) {
	if existing, ok := m[name]; ok {
		if arr, ok := existing.([]interface{}); ok {
			m[name] = append(arr, val)
		} else {
			m[name] = []interface{}{existing, val}
		}
		return
	}
	if xmlPrimitiveArrays[name] {
		m[name] = []interface{}{val}
		return
	}
	if _, isMap := val.(map[string]interface{}); isMap && xmlComplexArrays[name] {
		m[name] = []interface{}{val}
		return
	}
	m[name] = val
}

// xmlPrimitive recovers primitive typing from a value attribute.
func xmlPrimitive(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if s != "" && looksNumeric(s) {
		return json.Number(s)
	}
	return s
}

func looksNumeric(s string) bool {
	dot := false
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c == '-' && i == 0:
		case c == '.' && !dot && i > 0:
			dot = true
		default:
			return false
		}
	}
	// Leading zeros indicate an id-like string, not a number.
	if len(s) > 1 && (s[0] == '0' || (s[0] == '-' && s[1] == '0')) && !dot {
		return false
	}
	return true
}

func xmlUnescape(s string) string {
	r := strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`)
	return r.Replace(s)
}
