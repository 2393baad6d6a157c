// Package mapping implements the code-mapping substrate: ConceptMap
// lookups for non-standard local codes, deduplicated human-resolution
// Tasks for misses, and the atomic resolution coordinator.
package mapping

import (
	"fmt"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// SenderContext is the (sending application, sending facility) pair that
// keys every mapping artifact for one source system.
type SenderContext struct {
	App      string // MSH-3
	Facility string // MSH-4
}

// Type identifies one supported mapping type. The set is closed: adding
// a type means extending the registry below.
type Type string

const (
	TypeObservationCodeLOINC Type = "observation-code-loinc"
	TypePatientClass         Type = "patient-class"
	TypeOBRStatus            Type = "obr-status"
	TypeOBXStatus            Type = "obx-status"
)

// Standard target code systems.
const (
	SystemLOINC                  = "http://loinc.org"
	SystemActCode                = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemDiagnosticReportStatus = "http://hl7.org/fhir/diagnostic-report-status"
	SystemObservationStatus      = "http://hl7.org/fhir/observation-status"
)

// TypeConfig describes one mapping type: the HL7v2 field the local code
// comes from, the FHIR element its target lands in, and the target code
// system.
type TypeConfig struct {
	SourceField  string // e.g. "OBX-3"
	TargetField  string // e.g. "Observation.code"
	TargetSystem string
}

var typeRegistry = map[Type]TypeConfig{
	TypeObservationCodeLOINC: {
		SourceField:  "OBX-3",
		TargetField:  "Observation.code",
		TargetSystem: SystemLOINC,
	},
	TypePatientClass: {
		SourceField:  "PV1-2",
		TargetField:  "Encounter.class",
		TargetSystem: SystemActCode,
	},
	TypeOBRStatus: {
		SourceField:  "OBR-25",
		TargetField:  "DiagnosticReport.status",
		TargetSystem: SystemDiagnosticReportStatus,
	},
	TypeOBXStatus: {
		SourceField:  "OBX-11",
		TargetField:  "Observation.status",
		TargetSystem: SystemObservationStatus,
	},
}

// legacyAliases maps task codes written by earlier revisions onto the
// current type names. Backward compatibility only; nothing writes these.
var legacyAliases = map[string]Type{
	"local-to-loinc-mapping": TypeObservationCodeLOINC,
	"loinc":                  TypeObservationCodeLOINC,
}

// Config returns the registry entry for a type.
func (t Type) Config() (TypeConfig, error) {
	cfg, ok := typeRegistry[t]
	if !ok {
		return TypeConfig{}, fmt.Errorf("mapping: unknown mapping type %q", t)
	}
	return cfg, nil
}

// ParseType resolves a task code into a mapping type, accepting legacy
// aliases.
func ParseType(code string) (Type, error) {
	if t, ok := legacyAliases[code]; ok {
		return t, nil
	}
	t := Type(code)
	if _, ok := typeRegistry[t]; !ok {
		return "", fmt.Errorf("mapping: unknown mapping type %q", code)
	}
	return t, nil
}

// Types returns every registered mapping type.
func Types() []Type {
	return []Type{TypeObservationCodeLOINC, TypePatientClass, TypeOBRStatus, TypeOBXStatus}
}

// Error records one local code that could not be mapped. The converter
// accumulates these across a whole message before building Tasks.
type Error struct {
	LocalCode    string
	LocalDisplay string
	LocalSystem  string
	Type         Type
}

// ConceptMapID derives the deterministic ConceptMap id for one sender
// and mapping type: hl7v2-{app}-{facility}-{type}, kebab-cased.
func ConceptMapID(sender SenderContext, t Type) string {
	return "hl7v2-" + fhir.KebabJoin(sender.App, sender.Facility) + "-" + string(t)
}
