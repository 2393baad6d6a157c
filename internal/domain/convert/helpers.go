package convert

import (
	"strconv"

	"github.com/ehr/hl7bridge/internal/domain/mapping"
)

func itoa(n int) string {
	return strconv.Itoa(n)
}

// hl7CodingSystems maps the coding-system component of CE fields (e.g.
// DG1-3.3, OBX-3.3) onto canonical URIs. Unrecognized names become
// urn:hl7v2 local system URIs.
var hl7CodingSystems = map[string]string{
	"LN":    mapping.SystemLOINC,
	"LOINC": mapping.SystemLOINC,
	"SCT":   "http://snomed.info/sct",
	"SNM":   "http://snomed.info/sct",
	"I9":    "http://hl7.org/fhir/sid/icd-9-cm",
	"I10":   "http://hl7.org/fhir/sid/icd-10-cm",
	"ICD10": "http://hl7.org/fhir/sid/icd-10-cm",
	"C4":    "http://www.ama-assn.org/go/cpt",
	"CPT":   "http://www.ama-assn.org/go/cpt",
}

func codingSystemURI(name string) string {
	if uri, ok := hl7CodingSystems[name]; ok {
		return uri
	}
	if name == "" {
		return "urn:hl7v2:unknown"
	}
	return "urn:hl7v2:" + name
}

// isStandardCodeSystem reports whether a CE coding-system component is
// already a standard vocabulary, bypassing ConceptMap resolution.
func isStandardCodeSystem(name string) bool {
	_, ok := hl7CodingSystems[name]
	return ok
}
