package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

// ErrInvalidCode marks a resolution rejected by value-set validation.
var ErrInvalidCode = errors.New("mapping: invalid resolved code")

// enumeratedSets holds the closed value sets for status-like mapping
// targets. Types absent from this table (LOINC and other open
// vocabularies) accept any non-empty code; external terminology
// validation is out of scope.
var enumeratedSets = map[Type][]string{
	TypePatientClass: fhirmodels.EncounterClasses,
	TypeOBRStatus:    fhirmodels.DiagnosticReportStatuses,
	TypeOBXStatus:    fhirmodels.ObservationStatuses,
}

// ValidateCode checks a resolved code against the mapping type's value
// set. It returns nil when the code is acceptable.
func ValidateCode(t Type, code string) error {
	if _, err := t.Config(); err != nil {
		return err
	}
	if code == "" {
		return fmt.Errorf("%w: resolved code must not be empty", ErrInvalidCode)
	}

	set, enumerated := enumeratedSets[t]
	if !enumerated {
		return nil
	}
	for _, valid := range set {
		if code == valid {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not a valid %s code (expected one of: %s)",
		ErrInvalidCode, code, t, strings.Join(set, ", "))
}
