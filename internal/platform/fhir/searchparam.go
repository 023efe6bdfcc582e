package fhir

// SearchParamType is the FHIR search parameter type.
type SearchParamType string

const (
	SearchParamNumber    SearchParamType = "number"
	SearchParamDate      SearchParamType = "date"
	SearchParamString    SearchParamType = "string"
	SearchParamToken     SearchParamType = "token"
	SearchParamReference SearchParamType = "reference"
	SearchParamQuantity  SearchParamType = "quantity"
	SearchParamURI       SearchParamType = "uri"
	SearchParamComposite SearchParamType = "composite"
	SearchParamSpecial   SearchParamType = "special"
)

// SearchParamDefinition is an executable search parameter: one with a path
// expression the engine can evaluate against a resource.
type SearchParamDefinition struct {
	Name       string
	Type       SearchParamType
	Expression string
	// Targets restricts reference parameters to specific resource types.
	Targets []string
}

// Select evaluates the definition's expression against a resource.
func (d *SearchParamDefinition) Select(r Resource) (Collection, error) {
	if d.Expression == "" {
		return nil, nil
	}
	ce, err := Compile(d.Expression)
	if err != nil {
		return nil, err
	}
	return ce.Evaluate(r)
}

// commonSearchParams apply to every resource type.
var commonSearchParams = []SearchParamDefinition{
	{Name: "_id", Type: SearchParamToken, Expression: "id"},
	{Name: "_lastUpdated", Type: SearchParamDate, Expression: "meta.lastUpdated"},
	{Name: "_tag", Type: SearchParamToken, Expression: "meta.tag"},
	{Name: "_profile", Type: SearchParamURI, Expression: "meta.profile"},
}

// builtinSearchParams holds the per-type definitions registered into every
// new resource store. The set covers the parameters the built-in topics and
// the bootstrap data exercise; SearchParameter resources posted at runtime
// extend it.
var builtinSearchParams = map[string][]SearchParamDefinition{
	"Patient": {
		{Name: "active", Type: SearchParamToken, Expression: "Patient.active"},
		{Name: "birthdate", Type: SearchParamDate, Expression: "Patient.birthDate"},
		{Name: "family", Type: SearchParamString, Expression: "Patient.name.family"},
		{Name: "gender", Type: SearchParamToken, Expression: "Patient.gender"},
		{Name: "given", Type: SearchParamString, Expression: "Patient.name.given"},
		{Name: "identifier", Type: SearchParamToken, Expression: "Patient.identifier"},
		{Name: "name", Type: SearchParamString, Expression: "Patient.name"},
		{Name: "organization", Type: SearchParamReference, Expression: "Patient.managingOrganization", Targets: []string{"Organization"}},
		{Name: "general-practitioner", Type: SearchParamReference, Expression: "Patient.generalPractitioner", Targets: []string{"Practitioner", "PractitionerRole", "Organization"}},
		{Name: "deceased", Type: SearchParamToken, Expression: "Patient.deceased.exists() and Patient.deceased != false"},
	},
	"Observation": {
		{Name: "category", Type: SearchParamToken, Expression: "Observation.category"},
		{Name: "code", Type: SearchParamToken, Expression: "Observation.code"},
		{Name: "date", Type: SearchParamDate, Expression: "Observation.effective"},
		{Name: "encounter", Type: SearchParamReference, Expression: "Observation.encounter", Targets: []string{"Encounter"}},
		{Name: "patient", Type: SearchParamReference, Expression: "Observation.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		{Name: "performer", Type: SearchParamReference, Expression: "Observation.performer", Targets: []string{"Practitioner", "PractitionerRole", "Organization", "Patient"}},
		{Name: "status", Type: SearchParamToken, Expression: "Observation.status"},
		{Name: "subject", Type: SearchParamReference, Expression: "Observation.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		{Name: "value-concept", Type: SearchParamToken, Expression: "Observation.value.ofType(CodeableConcept)"},
		{Name: "value-quantity", Type: SearchParamQuantity, Expression: "Observation.value.ofType(Quantity)"},
	},
	"Encounter": {
		{Name: "class", Type: SearchParamToken, Expression: "Encounter.class"},
		{Name: "date", Type: SearchParamDate, Expression: "Encounter.period"},
		{Name: "patient", Type: SearchParamReference, Expression: "Encounter.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		{Name: "status", Type: SearchParamToken, Expression: "Encounter.status"},
		{Name: "subject", Type: SearchParamReference, Expression: "Encounter.subject", Targets: []string{"Patient", "Group"}},
		{Name: "participant", Type: SearchParamReference, Expression: "Encounter.participant.individual", Targets: []string{"Practitioner", "PractitionerRole", "RelatedPerson"}},
	},
	"Condition": {
		{Name: "category", Type: SearchParamToken, Expression: "Condition.category"},
		{Name: "clinical-status", Type: SearchParamToken, Expression: "Condition.clinicalStatus"},
		{Name: "code", Type: SearchParamToken, Expression: "Condition.code"},
		{Name: "encounter", Type: SearchParamReference, Expression: "Condition.encounter", Targets: []string{"Encounter"}},
		{Name: "onset-date", Type: SearchParamDate, Expression: "Condition.onset.ofType(dateTime)"},
		{Name: "patient", Type: SearchParamReference, Expression: "Condition.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		{Name: "subject", Type: SearchParamReference, Expression: "Condition.subject", Targets: []string{"Patient", "Group"}},
	},
	"MedicationRequest": {
		{Name: "intent", Type: SearchParamToken, Expression: "MedicationRequest.intent"},
		{Name: "medication", Type: SearchParamReference, Expression: "MedicationRequest.medication.ofType(Reference)", Targets: []string{"Medication"}},
		{Name: "patient", Type: SearchParamReference, Expression: "MedicationRequest.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		{Name: "status", Type: SearchParamToken, Expression: "MedicationRequest.status"},
		{Name: "subject", Type: SearchParamReference, Expression: "MedicationRequest.subject", Targets: []string{"Patient", "Group"}},
		{Name: "authoredon", Type: SearchParamDate, Expression: "MedicationRequest.authoredOn"},
	},
	"Practitioner": {
		{Name: "family", Type: SearchParamString, Expression: "Practitioner.name.family"},
		{Name: "given", Type: SearchParamString, Expression: "Practitioner.name.given"},
		{Name: "identifier", Type: SearchParamToken, Expression: "Practitioner.identifier"},
		{Name: "name", Type: SearchParamString, Expression: "Practitioner.name"},
	},
	"Organization": {
		{Name: "identifier", Type: SearchParamToken, Expression: "Organization.identifier"},
		{Name: "name", Type: SearchParamString, Expression: "Organization.name"},
		{Name: "partof", Type: SearchParamReference, Expression: "Organization.partOf", Targets: []string{"Organization"}},
	},
	"DiagnosticReport": {
		{Name: "code", Type: SearchParamToken, Expression: "DiagnosticReport.code"},
		{Name: "date", Type: SearchParamDate, Expression: "DiagnosticReport.effective"},
		{Name: "patient", Type: SearchParamReference, Expression: "DiagnosticReport.subject.where(resolve() is Patient)", Targets: []string{"Patient"}},
		{Name: "result", Type: SearchParamReference, Expression: "DiagnosticReport.result", Targets: []string{"Observation"}},
		{Name: "status", Type: SearchParamToken, Expression: "DiagnosticReport.status"},
		{Name: "subject", Type: SearchParamReference, Expression: "DiagnosticReport.subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
	},
	"Subscription": {
		{Name: "status", Type: SearchParamToken, Expression: "Subscription.status"},
		{Name: "url", Type: SearchParamURI, Expression: "Subscription.criteria"},
		{Name: "type", Type: SearchParamToken, Expression: "Subscription.channel.type"},
	},
	"SubscriptionTopic": {
		{Name: "url", Type: SearchParamURI, Expression: "SubscriptionTopic.url"},
		{Name: "status", Type: SearchParamToken, Expression: "SubscriptionTopic.status"},
	},
	"SearchParameter": {
		{Name: "base", Type: SearchParamToken, Expression: "SearchParameter.base"},
		{Name: "code", Type: SearchParamToken, Expression: "SearchParameter.code"},
		{Name: "url", Type: SearchParamURI, Expression: "SearchParameter.url"},
	},
	"AllergyIntolerance": {
		{Name: "clinical-status", Type: SearchParamToken, Expression: "AllergyIntolerance.clinicalStatus"},
		{Name: "code", Type: SearchParamToken, Expression: "AllergyIntolerance.code"},
		{Name: "patient", Type: SearchParamReference, Expression: "AllergyIntolerance.patient", Targets: []string{"Patient"}},
	},
	"Immunization": {
		{Name: "date", Type: SearchParamDate, Expression: "Immunization.occurrence.ofType(dateTime)"},
		{Name: "patient", Type: SearchParamReference, Expression: "Immunization.patient", Targets: []string{"Patient"}},
		{Name: "status", Type: SearchParamToken, Expression: "Immunization.status"},
		{Name: "vaccine-code", Type: SearchParamToken, Expression: "Immunization.vaccineCode"},
	},
}

// BuiltinSearchParams returns the default executable parameters for a
// resource type, common parameters included.
func BuiltinSearchParams(resourceType string) []SearchParamDefinition {
	out := make([]SearchParamDefinition, 0, len(commonSearchParams)+8)
	out = append(out, commonSearchParams...)
	out = append(out, builtinSearchParams[resourceType]...)
	return out
}

// DefinitionFromSearchParameter converts a SearchParameter resource into an
// executable definition when it applies to the given base type.
func DefinitionFromSearchParameter(r Resource, base string) (SearchParamDefinition, bool) {
	code, _ := r["code"].(string)
	expr, _ := r["expression"].(string)
	typ, _ := r["type"].(string)
	if code == "" || expr == "" || typ == "" {
		return SearchParamDefinition{}, false
	}
	bases, _ := r["base"].([]interface{})
	applies := false
	for _, b := range bases {
		if s, ok := b.(string); ok && (s == base || s == "Resource" || s == "DomainResource") {
			applies = true
			break
		}
	}
	if !applies {
		return SearchParamDefinition{}, false
	}
	def := SearchParamDefinition{Name: code, Type: SearchParamType(typ), Expression: expr}
	if targets, ok := r["target"].([]interface{}); ok {
		for _, t := range targets {
			if s, ok := t.(string); ok {
				def.Targets = append(def.Targets, s)
			}
		}
	}
	return def, true
}
