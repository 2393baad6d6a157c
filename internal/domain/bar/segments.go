// Package bar materializes outgoing HL7v2 BAR (Billing Account Record)
// messages from FHIR Invoice graphs and stages them for delivery.
package bar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// BAR trigger events.
const (
	EventAdd    = "P01"
	EventUpdate = "P05"
	EventEnd    = "P06"
)

// Endpoints are the MSH-3 through MSH-6 values of generated messages.
type Endpoints struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
}

// Graph is the FHIR resource graph one BAR message is assembled from.
// Patient is required; everything else degrades to omitted segments.
type Graph struct {
	Invoice    fhir.Resource
	Patient    fhir.Resource
	Account    fhir.Resource
	Encounter  fhir.Resource
	Conditions []fhir.Resource
	Procedures []fhir.Resource
	Coverages  []fhir.Resource
	Guarantors []fhir.Resource
	// Participants are the Invoice.participant practitioners in
	// document order, each with its role code.
	Participants []Participant
	// Payors maps "Organization/<id>" references to fetched resources
	// for IN1 company names.
	Payors map[string]fhir.Resource
}

// Participant is one Invoice.participant resolved to its Practitioner.
type Participant struct {
	Role         string
	Practitioner fhir.Resource
}

// Build assembles the serialized BAR^{event} message for a graph.
func Build(event string, endpoints Endpoints, graph Graph, now time.Time) (string, error) {
	if graph.Patient == nil {
		return "", fmt.Errorf("bar: patient resource is required")
	}

	segments := []string{
		buildMSH(event, endpoints, fhir.ResourceID(graph.Invoice), now),
		buildEVN(event, graph.Account, now),
		buildPID(graph.Patient),
	}

	if graph.Encounter != nil || len(graph.Participants) > 0 {
		segments = append(segments, buildPV1(graph.Encounter, graph.Participants))
	}
	for i, condition := range graph.Conditions {
		segments = append(segments, buildDG1(i+1, condition))
	}
	for i, procedure := range graph.Procedures {
		segments = append(segments, buildPR1(i+1, procedure))
	}
	for i, guarantor := range graph.Guarantors {
		segments = append(segments, buildGT1(i+1, guarantor))
	}
	segments = append(segments, buildIN1Set(graph.Coverages, graph.Payors)...)

	return strings.Join(segments, "\r"), nil
}

func buildMSH(event string, ep Endpoints, invoiceID string, now time.Time) string {
	timestamp := now.UTC().Format("20060102150405")
	controlID := "BAR" + strings.ToUpper(fhir.Kebab(invoiceID))
	if invoiceID == "" {
		controlID = "BAR" + timestamp
	}
	return strings.Join([]string{
		"MSH", "^~\\&",
		ep.SendingApp, ep.SendingFac,
		ep.ReceivingApp, ep.ReceivingFac,
		timestamp, "",
		"BAR^" + event, controlID, "P", "2.5.1",
	}, "|")
}

// buildEVN fills EVN-2 per event: the account service period start for
// P01, its end for P06, and the current time for P05.
func buildEVN(event string, account fhir.Resource, now time.Time) string {
	when := now.UTC().Format("20060102150405")
	switch event {
	case EventAdd:
		if start, ok := fhir.GetPath(account, "servicePeriod.start"); ok {
			when = hl7Timestamp(start)
		}
	case EventEnd:
		if end, ok := fhir.GetPath(account, "servicePeriod.end"); ok {
			when = hl7Timestamp(end)
		}
	}
	return "EVN|" + event + "|" + when
}

func buildPID(patient fhir.Resource) string {
	id := ""
	if idents, ok := fhir.GetArray(patient, "identifier"); ok && len(idents) > 0 {
		if ident, ok := idents[0].(fhir.Resource); ok {
			id, _ = fhir.GetString(ident, "value")
		}
	}
	if id == "" {
		id = fhir.ResourceID(patient)
	}

	name := ""
	if names, ok := fhir.GetArray(patient, "name"); ok && len(names) > 0 {
		if n, ok := names[0].(fhir.Resource); ok {
			family, _ := fhir.GetString(n, "family")
			given := ""
			if givens, ok := fhir.GetArray(n, "given"); ok && len(givens) > 0 {
				given, _ = givens[0].(string)
			}
			name = escape(family) + "^" + escape(given)
		}
	}

	dob := ""
	if birth, ok := fhir.GetString(patient, "birthDate"); ok {
		dob = strings.ReplaceAll(birth, "-", "")
	}

	sex := ""
	switch gender, _ := fhir.GetString(patient, "gender"); gender {
	case "male":
		sex = "M"
	case "female":
		sex = "F"
	case "other":
		sex = "O"
	case "unknown":
		sex = "U"
	}

	return strings.Join([]string{"PID", "1", "", escape(id), "", name, "", dob, sex}, "|")
}

// buildPV1 renders the visit segment. The first referring participant
// fills PV1-8; the first of any other role fills PV1-7 as the attending
// doctor. The segment is emitted even without an Encounter so provider
// data survives encounter-less invoices.
func buildPV1(encounter fhir.Resource, participants []Participant) string {
	class := ""
	visit := ""
	if encounter != nil {
		if classCoding, ok := fhir.GetMap(encounter, "class"); ok {
			class, _ = fhir.GetString(classCoding, "code")
		}
		if idents, ok := fhir.GetArray(encounter, "identifier"); ok && len(idents) > 0 {
			if ident, ok := idents[0].(fhir.Resource); ok {
				visit, _ = fhir.GetString(ident, "value")
			}
		}
		if visit == "" {
			visit = fhir.ResourceID(encounter)
		}
	}

	attending, referring := "", ""
	for _, p := range participants {
		switch p.Role {
		case "referring", "referrer":
			if referring == "" {
				referring = xcn(p.Practitioner)
			}
		default:
			if attending == "" {
				attending = xcn(p.Practitioner)
			}
		}
	}

	fields := make([]string, 20)
	fields[0] = "PV1"
	fields[1] = "1"
	fields[2] = hl7PatientClass(class)
	fields[7] = attending
	fields[8] = referring
	fields[19] = escape(visit)
	return strings.Join(fields, "|")
}

// xcn renders a Practitioner as an HL7v2 XCN (id^family^given).
func xcn(practitioner fhir.Resource) string {
	id := ""
	if idents, ok := fhir.GetArray(practitioner, "identifier"); ok && len(idents) > 0 {
		if ident, ok := idents[0].(fhir.Resource); ok {
			id, _ = fhir.GetString(ident, "value")
		}
	}
	if id == "" {
		id = fhir.ResourceID(practitioner)
	}

	family, given := "", ""
	if names, ok := fhir.GetArray(practitioner, "name"); ok && len(names) > 0 {
		if n, ok := names[0].(fhir.Resource); ok {
			family, _ = fhir.GetString(n, "family")
			if givens, ok := fhir.GetArray(n, "given"); ok && len(givens) > 0 {
				given, _ = givens[0].(string)
			}
		}
	}
	return escape(id) + "^" + escape(family) + "^" + escape(given)
}

// hl7PatientClass maps v3-ActCode back onto HL7v2 table 0004.
func hl7PatientClass(actCode string) string {
	switch actCode {
	case "EMER":
		return "E"
	case "IMP", "ACUTE", "NONAC", "SS":
		return "I"
	case "PRENC":
		return "P"
	case "OBSENC":
		return "B"
	case "":
		return ""
	default:
		return "O"
	}
}

func buildDG1(setID int, condition fhir.Resource) string {
	code, display := ceFromConcept(condition, "code")
	when := ""
	if onset, ok := fhir.GetString(condition, "onsetDateTime"); ok {
		when = hl7Timestamp(onset)
	}
	return strings.Join([]string{
		"DG1", fmt.Sprint(setID), "", code, escape(display), when,
	}, "|")
}

func buildPR1(setID int, procedure fhir.Resource) string {
	code, display := ceFromConcept(procedure, "code")
	when := ""
	if performed, ok := fhir.GetString(procedure, "performedDateTime"); ok {
		when = hl7Timestamp(performed)
	}
	return strings.Join([]string{
		"PR1", fmt.Sprint(setID), "", code, escape(display), when,
	}, "|")
}

func buildGT1(setID int, guarantor fhir.Resource) string {
	name := ""
	if names, ok := fhir.GetArray(guarantor, "name"); ok && len(names) > 0 {
		if n, ok := names[0].(fhir.Resource); ok {
			family, _ := fhir.GetString(n, "family")
			given := ""
			if givens, ok := fhir.GetArray(n, "given"); ok && len(givens) > 0 {
				given, _ = givens[0].(string)
			}
			name = escape(family) + "^" + escape(given)
		}
	}
	fields := make([]string, 4)
	fields[0] = "GT1"
	fields[1] = fmt.Sprint(setID)
	fields[3] = name
	return strings.Join(fields, "|")
}

// buildIN1Set renders one IN1 per Coverage, sorted by Coverage.order
// ascending with set-ids assigned in sorted order.
func buildIN1Set(coverages []fhir.Resource, payors map[string]fhir.Resource) []string {
	sorted := make([]fhir.Resource, len(coverages))
	copy(sorted, coverages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return coverageOrder(sorted[i]) < coverageOrder(sorted[j])
	})

	segments := make([]string, 0, len(sorted))
	for i, coverage := range sorted {
		planID := ""
		if idents, ok := fhir.GetArray(coverage, "identifier"); ok && len(idents) > 0 {
			if ident, ok := idents[0].(fhir.Resource); ok {
				planID, _ = fhir.GetString(ident, "value")
			}
		}

		company := ""
		if payorRefs, ok := fhir.GetArray(coverage, "payor"); ok && len(payorRefs) > 0 {
			if payor, ok := payorRefs[0].(fhir.Resource); ok {
				if ref, ok := fhir.GetString(payor, "reference"); ok {
					if org, ok := payors[ref]; ok {
						company, _ = fhir.GetString(org, "name")
					}
				}
				if company == "" {
					company, _ = fhir.GetString(payor, "display")
				}
			}
		}

		segments = append(segments, strings.Join([]string{
			"IN1", fmt.Sprint(i + 1), escape(planID), "", escape(company),
		}, "|"))
	}
	return segments
}

func coverageOrder(coverage fhir.Resource) int {
	switch v := coverage["order"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 1 << 30
	}
}

func ceFromConcept(res fhir.Resource, key string) (code, display string) {
	if coding, ok := fhir.FirstCoding(res, key); ok {
		code, _ = fhir.GetString(coding, "code")
		display, _ = fhir.GetString(coding, "display")
	}
	return escape(code), display
}

// hl7Timestamp converts a FHIR date or dateTime into an HL7v2 DTM. The
// fractional second and UTC offset are cut before the date separators
// are removed, so a negative offset's minus sign is not mistaken for
// one of them.
func hl7Timestamp(value string) string {
	if at := strings.IndexByte(value, 'T'); at != -1 {
		if i := strings.IndexAny(value[at:], "+-."); i != -1 {
			value = value[:at+i]
		}
	}
	value = strings.TrimSuffix(value, "Z")
	return strings.NewReplacer("-", "", ":", "", "T", "").Replace(value)
}

// escape replaces HL7v2 delimiter characters in field values.
func escape(s string) string {
	r := strings.NewReplacer(
		"\\", "\\E\\",
		"|", "\\F\\",
		"^", "\\S\\",
		"~", "\\R\\",
		"&", "\\T\\",
	)
	return r.Replace(s)
}
