package bar

import (
	"strings"
	"testing"
	"time"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

var testEndpoints = Endpoints{
	SendingApp:   "FHIRBridge",
	SendingFac:   "Hospital",
	ReceivingApp: "BillingApp",
	ReceivingFac: "BillingFac",
}

var buildTime = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func fullGraph() Graph {
	return Graph{
		Invoice: fhir.Resource{"resourceType": "Invoice", "id": "inv-1", "status": "draft"},
		Account: fhir.Resource{
			"resourceType":  "Account",
			"id":            "acct-1",
			"servicePeriod": fhir.Resource{"start": "2024-01-15T08:00:00Z"},
		},
		Patient: fhir.Resource{
			"resourceType": "Patient",
			"id":           "p1",
			"identifier":   []interface{}{fhir.Resource{"value": "MRN123"}},
			"name": []interface{}{
				fhir.Resource{"family": "Doe", "given": []interface{}{"John"}},
			},
			"birthDate": "1980-05-15",
			"gender":    "male",
		},
		Encounter: fhir.Resource{
			"resourceType": "Encounter",
			"id":           "enc-1",
			"class":        fhir.Resource{"code": "IMP"},
			"identifier":   []interface{}{fhir.Resource{"value": "VN1"}},
		},
		Conditions: []fhir.Resource{{
			"resourceType":  "Condition",
			"id":            "c1",
			"code":          fhir.CodeableConcept("http://hl7.org/fhir/sid/icd-10-cm", "E11.9", "Type 2 diabetes"),
			"onsetDateTime": "2024-01-10",
		}},
		Procedures: []fhir.Resource{{
			"resourceType":      "Procedure",
			"id":                "proc-1",
			"code":              fhir.CodeableConcept("http://www.ama-assn.org/go/cpt", "99213", "Office visit"),
			"performedDateTime": "2024-01-15T09:30:00Z",
		}},
		Participants: []Participant{
			{Role: "attending", Practitioner: fhir.Resource{
				"resourceType": "Practitioner",
				"id":           "prac-1",
				"identifier":   []interface{}{fhir.Resource{"value": "DR001"}},
				"name": []interface{}{
					fhir.Resource{"family": "Welby", "given": []interface{}{"Marcus"}},
				},
			}},
			{Role: "referring", Practitioner: fhir.Resource{
				"resourceType": "Practitioner",
				"id":           "prac-2",
				"identifier":   []interface{}{fhir.Resource{"value": "DR002"}},
				"name": []interface{}{
					fhir.Resource{"family": "Curie", "given": []interface{}{"Marie"}},
				},
			}},
		},
		Guarantors: []fhir.Resource{{
			"resourceType": "RelatedPerson",
			"id":           "g1",
			"name": []interface{}{
				fhir.Resource{"family": "Doe", "given": []interface{}{"Mary"}},
			},
		}},
		Coverages: []fhir.Resource{
			{
				"resourceType": "Coverage",
				"id":           "cov-b",
				"order":        2,
				"identifier":   []interface{}{fhir.Resource{"value": "PLANB"}},
				"payor":        []interface{}{fhir.Resource{"display": "Beta Insurance"}},
			},
			{
				"resourceType": "Coverage",
				"id":           "cov-a",
				"order":        1,
				"identifier":   []interface{}{fhir.Resource{"value": "PLANA"}},
				"payor":        []interface{}{fhir.Resource{"reference": "Organization/acme"}},
			},
		},
		Payors: map[string]fhir.Resource{
			"Organization/acme": {"resourceType": "Organization", "id": "acme", "name": "Acme Health"},
		},
	}
}

func TestBuild_FullGraph(t *testing.T) {
	text, err := Build(EventAdd, testEndpoints, fullGraph(), buildTime)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	segments := strings.Split(text, "\r")

	msh := segments[0]
	if !strings.HasPrefix(msh, "MSH|^~\\&|FHIRBridge|Hospital|BillingApp|BillingFac|20240201120000||BAR^P01|BARINV-1|P|2.5.1") {
		t.Errorf("MSH = %q", msh)
	}

	if segments[1] != "EVN|P01|20240115080000" {
		t.Errorf("EVN = %q, want service period start for P01", segments[1])
	}

	if segments[2] != "PID|1||MRN123||Doe^John||19800515|M" {
		t.Errorf("PID = %q", segments[2])
	}

	pv1 := strings.Split(segments[3], "|")
	if pv1[0] != "PV1" || pv1[2] != "I" {
		t.Errorf("PV1 class fields = %q", segments[3])
	}
	if pv1[7] != "DR001^Welby^Marcus" {
		t.Errorf("PV1-7 = %q, want the attending practitioner", pv1[7])
	}
	if pv1[8] != "DR002^Curie^Marie" {
		t.Errorf("PV1-8 = %q, want the referring practitioner", pv1[8])
	}
	if pv1[19] != "VN1" {
		t.Errorf("PV1-19 = %q", pv1[19])
	}

	wantTail := []string{
		"DG1|1||E11.9|Type 2 diabetes|20240110",
		"PR1|1||99213|Office visit|20240115093000",
		"GT1|1||Doe^Mary",
		"IN1|1|PLANA||Acme Health",
		"IN1|2|PLANB||Beta Insurance",
	}
	got := segments[4:]
	if len(got) != len(wantTail) {
		t.Fatalf("expected %d trailing segments, got %d: %q", len(wantTail), len(got), got)
	}
	for i, want := range wantTail {
		if got[i] != want {
			t.Errorf("segment %d = %q, want %q", i+4, got[i], want)
		}
	}
}

func TestBuild_RequiresPatient(t *testing.T) {
	graph := fullGraph()
	graph.Patient = nil
	if _, err := Build(EventAdd, testEndpoints, graph, buildTime); err == nil {
		t.Error("Build accepted a graph without a patient")
	}
}

func TestBuild_MinimalGraph(t *testing.T) {
	graph := Graph{
		Invoice: fhir.Resource{"resourceType": "Invoice", "id": "inv-2"},
		Patient: fhir.Resource{"resourceType": "Patient", "id": "p2"},
	}
	text, err := Build(EventAdd, testEndpoints, graph, buildTime)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	segments := strings.Split(text, "\r")
	if len(segments) != 3 {
		t.Fatalf("expected MSH+EVN+PID only, got %d segments: %q", len(segments), segments)
	}
	// No identifier: the resource id carries PID-3.
	if segments[2] != "PID|1||p2|||||" {
		t.Errorf("PID = %q", segments[2])
	}
}

// Provider data must reach the message even when the invoice graph has
// no Encounter.
func TestBuild_ParticipantsWithoutEncounter(t *testing.T) {
	graph := Graph{
		Invoice: fhir.Resource{"resourceType": "Invoice", "id": "inv-3"},
		Patient: fhir.Resource{"resourceType": "Patient", "id": "p3"},
		Participants: []Participant{
			{Role: "attending", Practitioner: fhir.Resource{
				"resourceType": "Practitioner",
				"id":           "prac-9",
				"name": []interface{}{
					fhir.Resource{"family": "House", "given": []interface{}{"Gregory"}},
				},
			}},
		},
	}
	text, err := Build(EventAdd, testEndpoints, graph, buildTime)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	segments := strings.Split(text, "\r")
	if len(segments) != 4 {
		t.Fatalf("expected MSH+EVN+PID+PV1, got %d segments: %q", len(segments), segments)
	}
	pv1 := strings.Split(segments[3], "|")
	if pv1[2] != "" {
		t.Errorf("PV1-2 = %q, want empty without an encounter", pv1[2])
	}
	// No identifier: the resource id carries XCN-1.
	if pv1[7] != "prac-9^House^Gregory" {
		t.Errorf("PV1-7 = %q", pv1[7])
	}
}

func TestBuildEVN_PerEvent(t *testing.T) {
	account := fhir.Resource{
		"servicePeriod": fhir.Resource{
			"start": "2024-01-15T08:00:00Z",
			"end":   "2024-01-20T17:45:00Z",
		},
	}

	if got := buildEVN(EventAdd, account, buildTime); got != "EVN|P01|20240115080000" {
		t.Errorf("P01 EVN = %q", got)
	}
	if got := buildEVN(EventEnd, account, buildTime); got != "EVN|P06|20240120174500" {
		t.Errorf("P06 EVN = %q", got)
	}
	// P05 always stamps the build time.
	if got := buildEVN(EventUpdate, account, buildTime); got != "EVN|P05|20240201120000" {
		t.Errorf("P05 EVN = %q", got)
	}
	// No account period: fall back to the build time.
	if got := buildEVN(EventAdd, fhir.Resource{}, buildTime); got != "EVN|P01|20240201120000" {
		t.Errorf("P01 EVN without period = %q", got)
	}
}

func TestHL7PatientClass(t *testing.T) {
	tests := map[string]string{
		"EMER": "E", "IMP": "I", "ACUTE": "I", "NONAC": "I", "SS": "I",
		"PRENC": "P", "OBSENC": "B", "AMB": "O", "VR": "O", "": "",
	}
	for in, want := range tests {
		if got := hl7PatientClass(in); got != want {
			t.Errorf("hl7PatientClass(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHL7Timestamp(t *testing.T) {
	tests := []struct{ in, want string }{
		{"2024-01-15T08:00:00Z", "20240115080000"},
		{"2024-01-15T08:00:00.123Z", "20240115080000"},
		{"2024-01-15T08:00:00+05:30", "20240115080000"},
		{"2024-01-15T08:00:00-05:00", "20240115080000"},
		{"2024-01-15T08:00:00.500-05:00", "20240115080000"},
		{"2024-01-15", "20240115"},
		{"2024-01", "202401"},
	}
	for _, tc := range tests {
		if got := hl7Timestamp(tc.in); got != tc.want {
			t.Errorf("hl7Timestamp(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEscape(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"a|b", "a\\F\\b"},
		{"a^b", "a\\S\\b"},
		{"a~b", "a\\R\\b"},
		{"a&b", "a\\T\\b"},
		{`a\b`, "a\\E\\b"},
	}
	for _, tc := range tests {
		if got := escape(tc.in); got != tc.want {
			t.Errorf("escape(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
