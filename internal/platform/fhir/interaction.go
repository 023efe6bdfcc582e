package fhir

import (
	"fmt"
	"net/url"
	"strings"
)

// InteractionKind enumerates the typed RESTful interactions the server
// understands.
type InteractionKind int

const (
	SystemSearch InteractionKind = iota
	SystemHistory
	SystemCapabilities
	SystemBundle
	SystemOperation
	SystemDeleteConditional
	TypeSearch
	TypeCreate
	TypeCreateConditional
	TypeDeleteConditional
	TypeOperation
	InstanceRead
	InstanceReadVersion
	InstanceReadHistory
	InstanceUpdate
	InstanceUpdateConditional
	InstancePatch
	InstancePatchConditional
	InstanceDelete
	InstanceDeleteHistory
	InstanceDeleteVersion
	InstanceOperation
	CompartmentSearch
	CompartmentTypeSearch
	CompartmentOperation
)

var interactionNames = map[InteractionKind]string{
	SystemSearch:              "system-search",
	SystemHistory:             "system-history",
	SystemCapabilities:        "capabilities",
	SystemBundle:              "batch",
	SystemOperation:           "system-operation",
	SystemDeleteConditional:   "system-delete-conditional",
	TypeSearch:                "search-type",
	TypeCreate:                "create",
	TypeCreateConditional:     "create-conditional",
	TypeDeleteConditional:     "delete-conditional",
	TypeOperation:             "type-operation",
	InstanceRead:              "read",
	InstanceReadVersion:       "vread",
	InstanceReadHistory:       "history-instance",
	InstanceUpdate:            "update",
	InstanceUpdateConditional: "update-conditional",
	InstancePatch:             "patch",
	InstancePatchConditional:  "patch-conditional",
	InstanceDelete:            "delete",
	InstanceDeleteHistory:     "delete-history",
	InstanceDeleteVersion:     "delete-history-version",
	InstanceOperation:         "instance-operation",
	CompartmentSearch:         "compartment-search",
	CompartmentTypeSearch:     "compartment-type-search",
	CompartmentOperation:      "compartment-operation",
}

func (k InteractionKind) String() string {
	if s, ok := interactionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("interaction(%d)", int(k))
}

// Interaction is a parsed RESTful request. Fields beyond Kind are populated
// according to the URL shape: ResourceType for type- and instance-level
// interactions, ID and Version for instance-level ones, OperationName for
// $operations, CompartmentType for compartment searches.
type Interaction struct {
	Kind            InteractionKind
	Method          string
	ResourceType    string
	ID              string
	Version         string
	OperationName   string
	CompartmentType string

	// Query holds every query parameter in request order, as raw
	// key=value segments. Order is preserved so the searchset self link
	// can echo the request exactly.
	Query QuerySegments
}

// QuerySegments is an ordered list of raw query parameters.
type QuerySegments []QuerySegment

// QuerySegment is one key=value pair from the query string, percent-decoded.
type QuerySegment struct {
	Key   string
	Value string
}

// Values converts the segments to url.Values, losing order.
func (q QuerySegments) Values() url.Values {
	v := url.Values{}
	for _, s := range q {
		v.Add(s.Key, s.Value)
	}
	return v
}

// Get returns the first value for key, or "".
func (q QuerySegments) Get(key string) string {
	for _, s := range q {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

// Encode reassembles the query string in request order.
func (q QuerySegments) Encode() string {
	var sb strings.Builder
	for i, s := range q {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(s.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(s.Value))
	}
	return sb.String()
}

// ParseError describes a request that did not map to an interaction.
type ParseError struct {
	HTTPMethod string
	URLPath    string
	URLQuery   string
	Message    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.HTTPMethod, e.URLPath, e.Message)
}

// resultParams are the HTTP and result parameters that do not make a write
// conditional.
var resultParams = map[string]bool{
	"_format": true, "_pretty": true, "_summary": true, "_elements": true,
	"_count": true, "_sort": true, "_total": true, "_include": true,
	"_revinclude": true, "_contained": true, "_containedType": true,
}

// ParseInteraction maps (method, url) onto a typed interaction. baseURL is
// the tenant's absolute base; an absolute request URL must start with it.
// isType reports whether a path segment names a resource type the tenant
// store knows.
func ParseInteraction(baseURL, method, rawURL string, isType func(string) bool) (*Interaction, *ParseError) {
	method = strings.ToUpper(method)
	fail := func(path, query, format string, args ...interface{}) (*Interaction, *ParseError) {
		return nil, &ParseError{
			HTTPMethod: method,
			URLPath:    path,
			URLQuery:   query,
			Message:    fmt.Sprintf(format, args...),
		}
	}

	rel := rawURL
	if strings.Contains(rawURL, "://") {
		base := strings.TrimSuffix(baseURL, "/")
		if !strings.HasPrefix(rawURL, base+"/") && rawURL != base {
			return fail(rawURL, "", "url is outside the store base %s", baseURL)
		}
		rel = strings.TrimPrefix(rawURL, base)
	}

	path, query := rel, ""
	if i := strings.Index(rel, "?"); i >= 0 {
		path, query = rel[:i], rel[i+1:]
	}

	segs := splitSegments(path)
	qsegs, err := parseQuerySegments(query)
	if err != nil {
		return fail(path, query, "malformed query: %v", err)
	}

	switch method {
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE":
	default:
		return fail(path, query, "unsupported method")
	}

	in := &Interaction{Method: method, Query: qsegs}
	conditional := hasSearchParams(qsegs)

	switch len(segs) {
	case 0:
		switch method {
		case "GET", "HEAD":
			in.Kind = SystemSearch
			return in, nil
		case "POST":
			in.Kind = SystemBundle
			return in, nil
		case "DELETE":
			if conditional {
				in.Kind = SystemDeleteConditional
				return in, nil
			}
		}

	case 1:
		s := segs[0]
		switch {
		case s == "metadata" && (method == "GET" || method == "HEAD"):
			in.Kind = SystemCapabilities
			return in, nil
		case s == "_history" && (method == "GET" || method == "HEAD"):
			in.Kind = SystemHistory
			return in, nil
		case s == "_search" && method == "POST":
			in.Kind = SystemSearch
			return in, nil
		case strings.HasPrefix(s, "$"):
			in.Kind = SystemOperation
			in.OperationName = strings.TrimPrefix(s, "$")
			return in, nil
		case isType(s):
			in.ResourceType = s
			switch method {
			case "GET", "HEAD":
				in.Kind = TypeSearch
				return in, nil
			case "POST":
				if conditional {
					in.Kind = TypeCreateConditional
				} else {
					in.Kind = TypeCreate
				}
				return in, nil
			case "DELETE":
				if conditional {
					in.Kind = TypeDeleteConditional
					return in, nil
				}
			}
		}

	case 2:
		if !isType(segs[0]) {
			break
		}
		in.ResourceType = segs[0]
		s := segs[1]
		switch {
		case s == "_search" && method == "POST":
			in.Kind = TypeSearch
			return in, nil
		case strings.HasPrefix(s, "$"):
			in.Kind = TypeOperation
			in.OperationName = strings.TrimPrefix(s, "$")
			return in, nil
		default:
			in.ID = s
			switch method {
			case "GET", "HEAD":
				in.Kind = InstanceRead
				return in, nil
			case "PUT":
				if conditional {
					in.Kind = InstanceUpdateConditional
				} else {
					in.Kind = InstanceUpdate
				}
				return in, nil
			case "PATCH":
				if conditional {
					in.Kind = InstancePatchConditional
				} else {
					in.Kind = InstancePatch
				}
				return in, nil
			case "DELETE":
				in.Kind = InstanceDelete
				return in, nil
			}
		}

	case 3:
		if !isType(segs[0]) {
			break
		}
		in.ResourceType = segs[0]
		in.ID = segs[1]
		s := segs[2]
		switch {
		case s == "_history":
			switch method {
			case "GET", "HEAD":
				in.Kind = InstanceReadHistory
				return in, nil
			case "DELETE":
				in.Kind = InstanceDeleteHistory
				return in, nil
			}
		case strings.HasPrefix(s, "$"):
			in.Kind = InstanceOperation
			in.OperationName = strings.TrimPrefix(s, "$")
			return in, nil
		case s == "*" && (method == "GET" || method == "HEAD"):
			if !CompartmentTypes[segs[0]] {
				break
			}
			in.Kind = CompartmentSearch
			in.CompartmentType = segs[0]
			in.ResourceType = ""
			return in, nil
		case isType(s) && (method == "GET" || method == "HEAD"):
			if !CompartmentTypes[segs[0]] {
				break
			}
			in.Kind = CompartmentTypeSearch
			in.CompartmentType = segs[0]
			in.ResourceType = s
			return in, nil
		}

	case 4:
		if !isType(segs[0]) {
			break
		}
		in.ResourceType = segs[0]
		in.ID = segs[1]
		switch {
		case segs[2] == "_history":
			in.Version = segs[3]
			switch method {
			case "GET", "HEAD":
				in.Kind = InstanceReadVersion
				return in, nil
			case "DELETE":
				in.Kind = InstanceDeleteVersion
				return in, nil
			}
		case segs[2] == "*" && strings.HasPrefix(segs[3], "$") && CompartmentTypes[segs[0]]:
			in.Kind = CompartmentOperation
			in.CompartmentType = segs[0]
			in.ResourceType = ""
			in.OperationName = strings.TrimPrefix(segs[3], "$")
			return in, nil
		}
	}

	return fail(path, query, "unrecognized url shape")
}

// URL renders the interaction back into a relative URL. Parsing the result
// yields the same interaction, which keeps audit logging and the self link
// faithful to the request.
func (in *Interaction) URL() string {
	var segs []string
	switch in.Kind {
	case SystemSearch:
		if in.Method == "POST" {
			segs = []string{"_search"}
		}
	case SystemHistory:
		segs = []string{"_history"}
	case SystemCapabilities:
		segs = []string{"metadata"}
	case SystemBundle, SystemDeleteConditional:
	case SystemOperation:
		segs = []string{"$" + in.OperationName}
	case TypeSearch:
		if in.Method == "POST" {
			segs = []string{in.ResourceType, "_search"}
		} else {
			segs = []string{in.ResourceType}
		}
	case TypeCreate, TypeCreateConditional, TypeDeleteConditional:
		segs = []string{in.ResourceType}
	case TypeOperation:
		segs = []string{in.ResourceType, "$" + in.OperationName}
	case InstanceRead, InstanceUpdate, InstanceUpdateConditional,
		InstancePatch, InstancePatchConditional, InstanceDelete:
		segs = []string{in.ResourceType, in.ID}
	case InstanceReadHistory, InstanceDeleteHistory:
		segs = []string{in.ResourceType, in.ID, "_history"}
	case InstanceReadVersion, InstanceDeleteVersion:
		segs = []string{in.ResourceType, in.ID, "_history", in.Version}
	case InstanceOperation:
		segs = []string{in.ResourceType, in.ID, "$" + in.OperationName}
	case CompartmentSearch:
		segs = []string{in.CompartmentType, in.ID, "*"}
	case CompartmentTypeSearch:
		segs = []string{in.CompartmentType, in.ID, in.ResourceType}
	case CompartmentOperation:
		segs = []string{in.CompartmentType, in.ID, "*", "$" + in.OperationName}
	}
	out := strings.Join(segs, "/")
	if q := in.Query.Encode(); q != "" {
		out += "?" + q
	}
	return out
}

func splitSegments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseQuerySegments(query string) (QuerySegments, error) {
	if query == "" {
		return nil, nil
	}
	var out QuerySegments
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		key, value := part, ""
		if i := strings.Index(part, "="); i >= 0 {
			key, value = part[:i], part[i+1:]
		}
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, err
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		out = append(out, QuerySegment{Key: k, Value: v})
	}
	return out, nil
}

// hasSearchParams reports whether the query contains parameters beyond the
// HTTP and result set, which is what makes a write conditional.
func hasSearchParams(q QuerySegments) bool {
	for _, s := range q {
		name := s.Key
		if i := strings.Index(name, ":"); i >= 0 {
			name = name[:i]
		}
		// _id and _lastUpdated are real search parameters, so only the
		// fixed result set is exempt.
		if !resultParams[name] {
			return true
		}
	}
	return false
}
