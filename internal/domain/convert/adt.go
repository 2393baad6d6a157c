package convert

import (
	"context"

	"github.com/ehr/hl7bridge/internal/domain/mapping"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

// hl7PatientClasses maps the single-letter HL7v2 table 0004 codes onto
// v3-ActCode. Anything else is a local code and goes through the
// sender's patient-class ConceptMap.
var hl7PatientClasses = map[string]string{
	"E": "EMER",
	"I": "IMP",
	"O": "AMB",
	"P": "PRENC",
	"B": "OBSENC",
}

// convertADT handles ADT_A01 and ADT_A08: PID produces the Patient, PV1
// the Encounter, DG1 Conditions, AL1 AllergyIntolerances, IN1 Coverages
// and NK1 RelatedPersons. Set-ids follow traversal order.
func convertADT(ctx context.Context, c *conversion) (*Result, error) {
	c.put(c.buildPatient())

	pv1 := c.msg.GetSegment("PV1")
	status := message.StatusProcessed
	reason := ""

	var encounterRef string
	var placeholder fhir.Resource

	switch {
	case pv1 != nil:
		encounter, err := c.buildEncounter(ctx, pv1)
		if err != nil {
			return nil, err
		}
		encounterRef = "Encounter/" + fhir.ResourceID(encounter)
		c.put(encounter)

		// Preserve visit identity even when unmapped codes suppress the
		// real output.
		placeholder = fhir.Resource{
			"resourceType": "Encounter",
			"id":           fhir.ResourceID(encounter),
			"status":       fhirmodels.EncounterStatusUnknown,
			"class":        fhir.Coding(mapping.SystemActCode, "AMB", ""),
			"subject":      fhir.Reference("Patient", c.patient),
		}
	case c.deps.Pipeline.PV1Required(c.msgType):
		return fatal("PV1 segment is required"), nil
	default:
		status = message.StatusWarning
		reason = "PV1 absent; resources linked to patient only"
	}

	for i, dg1 := range c.msg.GetSegments("DG1") {
		c.put(c.buildCondition(dg1, i+1, encounterRef))
	}
	for i, al1 := range c.msg.GetSegments("AL1") {
		c.put(c.buildAllergy(al1, i+1))
	}
	for i, in1 := range c.msg.GetSegments("IN1") {
		c.put(c.buildCoverage(in1, i+1))
	}
	for i, nk1 := range c.msg.GetSegments("NK1") {
		c.put(c.buildRelatedPerson(nk1, i+1))
	}

	if placeholder != nil {
		return c.finish(status, reason, placeholder), nil
	}
	return c.finish(status, reason), nil
}

// encounterID derives the deterministic Encounter id from PV1-19. The
// pv1-19-assigning-authority preprocessor has already injected a sender
// authority when the source left CX.4 empty.
func (c *conversion) encounterID(pv1 *hl7v2.Segment) string {
	visit := pv1.GetComponent(19, 1)
	if visit == "" {
		// No visit number at all: key the encounter to the patient so
		// re-processing stays idempotent.
		return c.patient + "-visit"
	}
	return fhir.KebabJoin(pv1.GetRepeatComponent(19, 1, 4), visit)
}

func (c *conversion) buildEncounter(ctx context.Context, pv1 *hl7v2.Segment) (fhir.Resource, error) {
	class, err := c.resolvePatientClass(ctx, pv1)
	if err != nil {
		return nil, err
	}

	encounter := fhir.Resource{
		"resourceType": "Encounter",
		"id":           c.encounterID(pv1),
		"status":       fhirmodels.EncounterStatusInProgress,
		"class":        class,
		"subject":      fhir.Reference("Patient", c.patient),
	}

	if visit := pv1.GetComponent(19, 1); visit != "" {
		encounter["identifier"] = []interface{}{fhir.Resource{"value": visit}}
	}

	period := fhir.Resource{}
	if start, ok := fhir.FormatDateTime(pv1.GetField(44)); ok {
		period["start"] = start
	}
	if end, ok := fhir.FormatDateTime(pv1.GetField(45)); ok {
		period["end"] = end
		encounter["status"] = fhirmodels.EncounterStatusFinished
	}
	if len(period) > 0 {
		encounter["period"] = period
	}

	if location := pv1.GetComponent(3, 1); location != "" {
		encounter["location"] = []interface{}{
			fhir.Resource{"location": fhir.Resource{"display": location}},
		}
	}

	return encounter, nil
}

// resolvePatientClass maps PV1-2 onto Encounter.class: native v3-ActCode
// values pass through, HL7v2 table 0004 letters translate directly, and
// anything else resolves through the sender's ConceptMap.
func (c *conversion) resolvePatientClass(ctx context.Context, pv1 *hl7v2.Segment) (fhir.Resource, error) {
	local := pv1.GetComponent(2, 1)
	if local == "" {
		return fhir.Coding(mapping.SystemActCode, "AMB", ""), nil
	}
	for _, valid := range fhirmodels.EncounterClasses {
		if local == valid {
			return fhir.Coding(mapping.SystemActCode, local, ""), nil
		}
	}
	if code, ok := hl7PatientClasses[local]; ok {
		return fhir.Coding(mapping.SystemActCode, code, ""), nil
	}

	target, ok, err := c.resolveCode(ctx, mapping.TypePatientClass, "PV1-2", local, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		// Recorded as a mapping error; the placeholder class keeps the
		// resource shape valid while the real bundle is suppressed.
		return fhir.Coding(mapping.SystemActCode, "AMB", ""), nil
	}
	return fhir.Coding(mapping.SystemActCode, target.Code, target.Display), nil
}

func (c *conversion) buildCondition(dg1 *hl7v2.Segment, setID int, encounterRef string) fhir.Resource {
	condition := fhir.Resource{
		"resourceType":   "Condition",
		"id":             conditionID(c.patient, setID),
		"clinicalStatus": fhir.CodeableConcept("http://terminology.hl7.org/CodeSystem/condition-clinical", fhirmodels.ConditionActive, ""),
		"category": []interface{}{
			fhir.CodeableConcept("http://terminology.hl7.org/CodeSystem/condition-category", "encounter-diagnosis", ""),
		},
		"subject": fhir.Reference("Patient", c.patient),
	}

	if code := dg1.GetComponent(3, 1); code != "" {
		system := codingSystemURI(dg1.GetComponent(3, 3))
		condition["code"] = fhir.CodeableConcept(system, code, dg1.GetComponent(3, 2))
	}
	if encounterRef != "" {
		condition["encounter"] = fhir.Resource{"reference": encounterRef}
	}
	if onset, ok := fhir.FormatDateTime(dg1.GetField(5)); ok {
		condition["onsetDateTime"] = onset
	}
	return condition
}

func conditionID(patientID string, setID int) string {
	return fhir.KebabJoin(patientID, "dg1") + "-" + itoa(setID)
}

func (c *conversion) buildAllergy(al1 *hl7v2.Segment, setID int) fhir.Resource {
	allergy := fhir.Resource{
		"resourceType": "AllergyIntolerance",
		"id":           fhir.KebabJoin(c.patient, "al1") + "-" + itoa(setID),
		"clinicalStatus": fhir.CodeableConcept(
			"http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical", "active", ""),
		"patient": fhir.Reference("Patient", c.patient),
	}
	if code := al1.GetComponent(3, 1); code != "" {
		allergy["code"] = fhir.CodeableConcept(codingSystemURI(al1.GetComponent(3, 3)), code, al1.GetComponent(3, 2))
	}
	if severity := allergySeverity(al1.GetComponent(4, 1)); severity != "" {
		allergy["criticality"] = severity
	}
	return allergy
}

func allergySeverity(al1Severity string) string {
	switch al1Severity {
	case "SV":
		return "high"
	case "MO":
		return "low"
	case "MI":
		return "low"
	default:
		return ""
	}
}

func (c *conversion) buildCoverage(in1 *hl7v2.Segment, setID int) fhir.Resource {
	coverage := fhir.Resource{
		"resourceType": "Coverage",
		"id":           fhir.KebabJoin(c.patient, "in1") + "-" + itoa(setID),
		"status":       "active",
		"beneficiary":  fhir.Reference("Patient", c.patient),
		"order":        setID,
	}
	if planID := in1.GetComponent(2, 1); planID != "" {
		coverage["identifier"] = []interface{}{fhir.Resource{"value": planID}}
	}
	if payor := in1.GetComponent(4, 1); payor != "" {
		coverage["payor"] = []interface{}{fhir.Resource{"display": payor}}
	}
	if group := in1.GetComponent(8, 1); group != "" {
		coverage["class"] = []interface{}{
			fhir.Resource{
				"type":  fhir.CodeableConcept("http://terminology.hl7.org/CodeSystem/coverage-class", "group", ""),
				"value": group,
			},
		}
	}
	return coverage
}

func (c *conversion) buildRelatedPerson(nk1 *hl7v2.Segment, setID int) fhir.Resource {
	related := fhir.Resource{
		"resourceType": "RelatedPerson",
		"id":           fhir.KebabJoin(c.patient, "nk1") + "-" + itoa(setID),
		"patient":      fhir.Reference("Patient", c.patient),
	}
	if family := nk1.GetComponent(2, 1); family != "" {
		name := fhir.Resource{"family": family}
		if given := nk1.GetComponent(2, 2); given != "" {
			name["given"] = []interface{}{given}
		}
		related["name"] = []interface{}{name}
	}
	if rel := nk1.GetComponent(3, 1); rel != "" {
		related["relationship"] = []interface{}{
			fhir.CodeableConcept("http://terminology.hl7.org/CodeSystem/v2-0063", rel, nk1.GetComponent(3, 2)),
		}
	}
	return related
}
