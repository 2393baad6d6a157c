package convert

import (
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

// buildPatient renders the Patient resource from PID under the resolved
// deterministic id.
func (c *conversion) buildPatient() fhir.Resource {
	pid := c.msg.GetSegment("PID")

	patient := fhir.Resource{
		"resourceType": "Patient",
		"id":           c.patient,
	}

	var identifiers []interface{}
	for rep := 1; rep <= pid.RepeatCount(3); rep++ {
		value := pid.GetRepeatComponent(3, rep, 1)
		if value == "" {
			continue
		}
		ident := fhir.Resource{"value": value}
		if authority := pid.GetRepeatComponent(3, rep, 4); authority != "" {
			ident["system"] = "urn:hl7v2:" + fhir.Kebab(authority)
		}
		if idType := pid.GetRepeatComponent(3, rep, 5); idType != "" {
			ident["type"] = fhir.Resource{
				"coding": []interface{}{
					fhir.Coding("http://terminology.hl7.org/CodeSystem/v2-0203", idType, ""),
				},
			}
		}
		identifiers = append(identifiers, ident)
	}
	if len(identifiers) > 0 {
		patient["identifier"] = identifiers
	}

	if family := pid.GetComponent(5, 1); family != "" {
		name := fhir.Resource{"family": family}
		if given := pid.GetComponent(5, 2); given != "" {
			name["given"] = []interface{}{given}
		}
		patient["name"] = []interface{}{name}
	}

	if dob, ok := fhir.FormatDate(pid.GetField(7)); ok {
		patient["birthDate"] = dob
	}

	if gender := administrativeGender(pid.GetField(8)); gender != "" {
		patient["gender"] = gender
	}

	return patient
}

// administrativeGender maps PID-8 onto the FHIR value set.
func administrativeGender(sex string) string {
	switch sex {
	case "M":
		return fhirmodels.GenderMale
	case "F":
		return fhirmodels.GenderFemale
	case "O", "A":
		return fhirmodels.GenderOther
	case "U":
		return fhirmodels.GenderUnknown
	default:
		return ""
	}
}
