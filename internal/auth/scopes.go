package auth

import (
	"strings"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// scopeGrant is one parsed SMART scope: context is patient, user or
// system; resourceType may be "*"; letters is a subset of "cruds".
type scopeGrant struct {
	context      string
	resourceType string
	letters      string
}

// parseScope decodes "patient/Observation.rs" style scopes. Bare "*.*" is
// accepted without a context prefix. Unrecognized scopes (openid,
// launch/patient, ...) produce ok=false and simply grant nothing.
func parseScope(scope string) (scopeGrant, bool) {
	g := scopeGrant{}
	rest := scope
	if i := strings.Index(rest, "/"); i >= 0 {
		g.context = rest[:i]
		rest = rest[i+1:]
		switch g.context {
		case "patient", "user", "system":
		default:
			return g, false
		}
	}
	dot := strings.Index(rest, ".")
	if dot < 0 {
		return g, false
	}
	g.resourceType = rest[:dot]
	g.letters = rest[dot+1:]
	if g.resourceType == "" || g.letters == "" {
		return g, false
	}
	if g.letters == "*" {
		g.letters = "cruds"
	}
	for _, c := range g.letters {
		if !strings.ContainsRune("cruds", c) {
			return g, false
		}
	}
	return g, true
}

// interactionLetter maps an interaction onto the scope letter it needs.
func interactionLetter(kind fhir.InteractionKind) (byte, bool) {
	switch kind {
	case fhir.TypeCreate, fhir.TypeCreateConditional:
		return 'c', true
	case fhir.InstanceRead, fhir.InstanceReadVersion, fhir.InstanceReadHistory:
		return 'r', true
	case fhir.InstanceUpdate, fhir.InstanceUpdateConditional,
		fhir.InstancePatch, fhir.InstancePatchConditional:
		return 'u', true
	case fhir.InstanceDelete, fhir.InstanceDeleteHistory, fhir.InstanceDeleteVersion,
		fhir.TypeDeleteConditional, fhir.SystemDeleteConditional:
		return 'd', true
	case fhir.SystemSearch, fhir.SystemHistory, fhir.TypeSearch,
		fhir.CompartmentSearch, fhir.CompartmentTypeSearch:
		return 's', true
	case fhir.SystemOperation, fhir.TypeOperation,
		fhir.InstanceOperation, fhir.CompartmentOperation:
		return 'r', true
	}
	return 0, false
}

// scopesAllow reports whether any granted scope covers the interaction.
// Patient-context and user-context scopes are independent grants; either
// suffices.
func scopesAllow(granted map[string]bool, in *fhir.Interaction) bool {
	letter, ok := interactionLetter(in.Kind)
	if !ok {
		return false
	}
	resourceType := in.ResourceType
	if resourceType == "" {
		resourceType = "*"
	}
	for scope := range granted {
		g, ok := parseScope(scope)
		if !ok {
			continue
		}
		if g.resourceType != "*" && g.resourceType != resourceType {
			continue
		}
		if strings.IndexByte(g.letters, letter) >= 0 {
			return true
		}
	}
	return false
}
