// Package fhirmodels holds the FHIR R4 value-set constants the bridge
// validates resolved mapping codes against.
package fhirmodels

// DiagnosticReportStatus values per FHIR R4 (10 codes). Note that
// "partial" is valid here but not for Observation.status.
var DiagnosticReportStatuses = []string{
	"registered", "partial", "preliminary", "final", "amended",
	"corrected", "appended", "cancelled", "entered-in-error", "unknown",
}

// ObservationStatus values per FHIR R4 (8 codes).
var ObservationStatuses = []string{
	"registered", "preliminary", "final", "amended",
	"corrected", "cancelled", "entered-in-error", "unknown",
}

// EncounterClass codes per FHIR R4 v3-ActCode (11 codes).
var EncounterClasses = []string{
	"AMB", "EMER", "FLD", "HH", "IMP", "ACUTE",
	"NONAC", "OBSENC", "PRENC", "SS", "VR",
}

// EncounterStatus values per FHIR R4.
const (
	EncounterStatusPlanned        = "planned"
	EncounterStatusArrived        = "arrived"
	EncounterStatusTriaged        = "triaged"
	EncounterStatusInProgress     = "in-progress"
	EncounterStatusOnLeave        = "onleave"
	EncounterStatusFinished       = "finished"
	EncounterStatusCancelled      = "cancelled"
	EncounterStatusEnteredInError = "entered-in-error"
	EncounterStatusUnknown        = "unknown"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive     = "active"
	ConditionRecurrence = "recurrence"
	ConditionRelapse    = "relapse"
	ConditionInactive   = "inactive"
	ConditionRemission  = "remission"
	ConditionResolved   = "resolved"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)
