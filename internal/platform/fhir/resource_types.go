package fhir

// knownResourceTypes lists the resource types the server recognizes as URL
// path segments. The set covers the types exercised by the built-in topics,
// the bootstrap samples, and the common clinical core; unknown types in a
// request URL parse as a structural error rather than a type-level
// interaction.
var knownResourceTypes = map[string]bool{
	"AllergyIntolerance": true, "Appointment": true, "Basic": true,
	"Binary": true, "Bundle": true, "CapabilityStatement": true,
	"CarePlan": true, "CareTeam": true, "Claim": true, "ClaimResponse": true,
	"Communication": true, "CommunicationRequest": true,
	"CompartmentDefinition": true, "Composition": true, "Condition": true,
	"Consent": true, "Coverage": true, "Device": true,
	"DiagnosticReport": true, "DocumentReference": true, "Encounter": true,
	"Endpoint": true, "EpisodeOfCare": true, "Goal": true, "Group": true,
	"ImagingStudy": true, "Immunization": true, "Invoice": true,
	"Location": true, "Medication": true, "MedicationAdministration": true,
	"MedicationDispense": true, "MedicationRequest": true,
	"MedicationStatement": true, "Observation": true,
	"OperationDefinition": true, "OperationOutcome": true,
	"Organization": true, "Parameters": true, "Patient": true,
	"Practitioner": true, "PractitionerRole": true, "Procedure": true,
	"Provenance": true, "Questionnaire": true, "QuestionnaireResponse": true,
	"RelatedPerson": true, "Schedule": true, "SearchParameter": true,
	"ServiceRequest": true, "Slot": true, "Specimen": true,
	"StructureDefinition": true, "Subscription": true,
	"SubscriptionStatus": true, "SubscriptionTopic": true, "Task": true,
	"ValueSet": true,
}

// IsKnownResourceType reports whether the server recognizes a resource type.
func IsKnownResourceType(name string) bool {
	return knownResourceTypes[name]
}

// KnownResourceTypes returns the sorted-order-independent set of recognized
// resource type names.
func KnownResourceTypes() []string {
	out := make([]string, 0, len(knownResourceTypes))
	for t := range knownResourceTypes {
		out = append(out, t)
	}
	return out
}

// CompartmentTypes lists the resource types that define FHIR compartments.
var CompartmentTypes = map[string]bool{
	"Patient": true, "Encounter": true, "Practitioner": true,
	"RelatedPerson": true, "Device": true,
}
