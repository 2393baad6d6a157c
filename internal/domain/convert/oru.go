package convert

import (
	"context"
	"strconv"
	"strings"

	"github.com/ehr/hl7bridge/internal/domain/mapping"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/pkg/fhirmodels"
)

// hl7ResultStatuses maps OBR-25 (HL7v2 table 0123) onto
// DiagnosticReport.status.
var hl7ResultStatuses = map[string]string{
	"F": "final",
	"P": "preliminary",
	"C": "corrected",
	"X": "cancelled",
	"R": "registered",
	"A": "partial",
	"I": "registered",
}

// hl7ObservationStatuses maps OBX-11 (HL7v2 table 0085) onto
// Observation.status.
var hl7ObservationStatuses = map[string]string{
	"F": "final",
	"C": "corrected",
	"P": "preliminary",
	"R": "registered",
	"X": "cancelled",
	"D": "cancelled",
	"W": "entered-in-error",
}

// obrGroup is one OBR order group: the request segment, its OBX results
// with trailing notes, and an optional specimen.
type obrGroup struct {
	obr          *hl7v2.Segment
	observations []*obxEntry
	spm          *hl7v2.Segment
}

type obxEntry struct {
	obx   *hl7v2.Segment
	notes []string
}

// convertORU handles ORU_R01. Each OBR group yields one DiagnosticReport
// whose child OBX rows become Observations linked in both directions
// (DiagnosticReport.result and Observation.partOf); SPM yields one
// Specimen shared by the whole group.
func convertORU(ctx context.Context, c *conversion) (*Result, error) {
	groups := collectOBRGroups(c.msg)
	if len(groups) == 0 {
		return fatal("OBR segment is required"), nil
	}

	c.put(c.buildPatient())

	for _, group := range groups {
		if reportID(group.obr) == "" {
			return fatal("OBR-3 (or OBR-2) order number is required"), nil
		}
		if err := c.buildOBRGroup(ctx, group); err != nil {
			return nil, err
		}
	}

	return c.finish(message.StatusProcessed, ""), nil
}

// collectOBRGroups walks the segments in message order, opening a group
// at each OBR. NTE rows attach to the preceding OBX; an empty NTE-3
// inserts a paragraph break into the previous note.
func collectOBRGroups(msg *hl7v2.Message) []*obrGroup {
	var groups []*obrGroup
	var group *obrGroup
	var entry *obxEntry

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "OBR":
			group = &obrGroup{obr: seg}
			entry = nil
			groups = append(groups, group)
		case "OBX":
			if group == nil {
				continue
			}
			entry = &obxEntry{obx: seg}
			group.observations = append(group.observations, entry)
		case "NTE":
			if entry == nil {
				continue
			}
			text := seg.GetComponent(3, 1)
			if text == "" {
				if n := len(entry.notes); n > 0 {
					entry.notes[n-1] += "\n\n"
				}
				continue
			}
			entry.notes = append(entry.notes, text)
		case "SPM":
			if group != nil && group.spm == nil {
				group.spm = seg
			}
		}
	}
	return groups
}

func (c *conversion) buildOBRGroup(ctx context.Context, group *obrGroup) error {
	reportID := reportID(group.obr)

	status, err := c.resolveReportStatus(ctx, group.obr)
	if err != nil {
		return err
	}

	report := fhir.Resource{
		"resourceType": "DiagnosticReport",
		"id":           reportID,
		"status":       status,
		"subject":      fhir.Reference("Patient", c.patient),
	}
	if filler := group.obr.GetComponent(3, 1); filler != "" {
		report["identifier"] = []interface{}{fhir.Resource{"value": filler}}
	} else if placer := group.obr.GetComponent(2, 1); placer != "" {
		report["identifier"] = []interface{}{fhir.Resource{"value": placer}}
	}
	if code := group.obr.GetComponent(4, 1); code != "" {
		report["code"] = fhir.CodeableConcept(codingSystemURI(group.obr.GetComponent(4, 3)), code, group.obr.GetComponent(4, 2))
	}
	if effective, ok := fhir.FormatDateTime(group.obr.GetField(7)); ok {
		report["effectiveDateTime"] = effective
	}

	var specimenRef string
	if group.spm != nil {
		specimen := c.buildSpecimen(group.spm, reportID)
		specimenRef = fhir.RelativeRef(specimen)
		c.put(specimen)
	}

	var resultRefs []interface{}
	for n, entry := range group.observations {
		obs, err := c.buildObservation(ctx, entry, reportID, n+1, specimenRef)
		if err != nil {
			return err
		}
		resultRefs = append(resultRefs, fhir.Resource{"reference": fhir.RelativeRef(obs)})
		c.put(obs)
	}
	if len(resultRefs) > 0 {
		report["result"] = resultRefs
	}

	c.put(report)
	return nil
}

// reportID is OBR-3 (filler order number) with OBR-2 as fallback. The
// source value is preserved, sanitized only of characters a resource id
// cannot carry, so downstream lookups by order number keep working.
func reportID(obr *hl7v2.Segment) string {
	if filler := obr.GetComponent(3, 1); filler != "" {
		return fhir.SanitizeID(filler)
	}
	return fhir.SanitizeID(obr.GetComponent(2, 1))
}

func (c *conversion) resolveReportStatus(ctx context.Context, obr *hl7v2.Segment) (string, error) {
	local := obr.GetComponent(25, 1)
	if local == "" {
		return "final", nil
	}
	for _, valid := range fhirmodels.DiagnosticReportStatuses {
		if local == valid {
			return local, nil
		}
	}
	if status, ok := hl7ResultStatuses[local]; ok {
		return status, nil
	}

	target, ok, err := c.resolveCode(ctx, mapping.TypeOBRStatus, "OBR-25", local, "")
	if err != nil {
		return "", err
	}
	if !ok {
		return "unknown", nil
	}
	return target.Code, nil
}

func (c *conversion) buildObservation(ctx context.Context, entry *obxEntry, reportID string, n int, specimenRef string) (fhir.Resource, error) {
	obx := entry.obx

	status, err := c.resolveObservationStatus(ctx, obx)
	if err != nil {
		return nil, err
	}

	obs := fhir.Resource{
		"resourceType": "Observation",
		"id":           reportID + "-obx-" + itoa(n),
		"status":       status,
		"subject":      fhir.Reference("Patient", c.patient),
		"partOf": []interface{}{
			fhir.Resource{"reference": "DiagnosticReport/" + reportID},
		},
	}

	code, err := c.resolveObservationCode(ctx, obx)
	if err != nil {
		return nil, err
	}
	if code != nil {
		obs["code"] = code
	}

	c.setObservationValue(obs, obx)

	if rangeText := obx.GetField(7); rangeText != "" {
		obs["referenceRange"] = []interface{}{fhir.Resource{"text": rangeText}}
	}
	if interp := obx.GetComponent(8, 1); interp != "" {
		obs["interpretation"] = []interface{}{
			fhir.CodeableConcept("http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation", interp, ""),
		}
	}
	if effective, ok := fhir.FormatDateTime(obx.GetField(14)); ok {
		obs["effectiveDateTime"] = effective
	}
	if specimenRef != "" {
		obs["specimen"] = fhir.Resource{"reference": specimenRef}
	}
	if len(entry.notes) > 0 {
		notes := make([]interface{}, 0, len(entry.notes))
		for _, text := range entry.notes {
			notes = append(notes, fhir.Resource{"text": text})
		}
		obs["note"] = notes
	}

	return obs, nil
}

// resolveObservationCode turns OBX-3 into Observation.code. Codes
// already carried in a standard vocabulary pass through; local codes
// resolve through the sender's observation-code-loinc ConceptMap.
func (c *conversion) resolveObservationCode(ctx context.Context, obx *hl7v2.Segment) (fhir.Resource, error) {
	localCode := obx.GetComponent(3, 1)
	if localCode == "" {
		return nil, nil
	}
	display := obx.GetComponent(3, 2)
	systemName := obx.GetComponent(3, 3)

	if isStandardCodeSystem(systemName) {
		return fhir.CodeableConcept(codingSystemURI(systemName), localCode, display), nil
	}

	target, ok, err := c.resolveCode(ctx, mapping.TypeObservationCodeLOINC, systemName, localCode, display)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// The resolved LOINC coding leads; the local coding is kept for
	// provenance.
	cc := fhir.Resource{
		"coding": []interface{}{
			fhir.Coding(mapping.SystemLOINC, target.Code, target.Display),
			fhir.Coding(codingSystemURI(systemName), localCode, display),
		},
	}
	if target.Display != "" {
		cc["text"] = target.Display
	}
	return cc, nil
}

func (c *conversion) resolveObservationStatus(ctx context.Context, obx *hl7v2.Segment) (string, error) {
	local := obx.GetComponent(11, 1)
	if local == "" {
		return "final", nil
	}
	for _, valid := range fhirmodels.ObservationStatuses {
		if local == valid {
			return local, nil
		}
	}
	if status, ok := hl7ObservationStatuses[local]; ok {
		return status, nil
	}

	target, ok, err := c.resolveCode(ctx, mapping.TypeOBXStatus, "OBX-11", local, "")
	if err != nil {
		return "", err
	}
	if !ok {
		return "unknown", nil
	}
	return target.Code, nil
}

// setObservationValue maps OBX-2/OBX-5 onto value[x]: NM and SN become
// valueQuantity (SN with an optional comparator), ST and anything else
// become valueString.
func (c *conversion) setObservationValue(obs fhir.Resource, obx *hl7v2.Segment) {
	valueType := obx.GetField(2)
	raw := obx.GetField(5)
	if raw == "" {
		return
	}

	switch valueType {
	case "NM":
		if v, err := strconv.ParseFloat(strings.TrimSpace(obx.GetComponent(5, 1)), 64); err == nil {
			obs["valueQuantity"] = quantity(v, obx.GetComponent(6, 1), "")
			return
		}
		obs["valueString"] = raw
	case "SN":
		comparator := strings.TrimSpace(obx.GetComponent(5, 1))
		num := strings.TrimSpace(obx.GetComponent(5, 2))
		if num == "" {
			num = comparator
			comparator = ""
		}
		if v, err := strconv.ParseFloat(num, 64); err == nil {
			obs["valueQuantity"] = quantity(v, obx.GetComponent(6, 1), comparator)
			return
		}
		obs["valueString"] = raw
	default:
		obs["valueString"] = raw
	}
}

func quantity(value float64, unit, comparator string) fhir.Resource {
	q := fhir.Resource{"value": value}
	if unit != "" {
		q["unit"] = unit
		q["system"] = "http://unitsofmeasure.org"
		q["code"] = unit
	}
	switch comparator {
	case "<", "<=", ">", ">=":
		q["comparator"] = comparator
	}
	return q
}

func (c *conversion) buildSpecimen(spm *hl7v2.Segment, reportID string) fhir.Resource {
	id := fhir.SanitizeID(spm.GetComponent(2, 1))
	if id == "" {
		id = reportID + "-specimen"
	}

	specimen := fhir.Resource{
		"resourceType": "Specimen",
		"id":           id,
		"subject":      fhir.Reference("Patient", c.patient),
	}
	if spmType := spm.GetComponent(4, 1); spmType != "" {
		specimen["type"] = fhir.CodeableConcept(codingSystemURI(spm.GetComponent(4, 3)), spmType, spm.GetComponent(4, 2))
	}
	if collected, ok := fhir.FormatDateTime(spm.GetField(17)); ok {
		specimen["collection"] = fhir.Resource{"collectedDateTime": collected}
	}
	return specimen
}
