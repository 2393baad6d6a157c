package identity

import (
	"encoding/json"
	"testing"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

func parseMsg(t *testing.T, raw string) *hl7v2.Message {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}
	return msg
}

func adtWithPID(t *testing.T, pid string) *hl7v2.Message {
	return parseMsg(t, "MSH|^~\\&|App|Fac|Rcv|RcvFac|20240115143025||ADT^A01|MSG1|P|2.5.1\r"+pid)
}

func TestResolvePatientID_AssignerRule(t *testing.T) {
	msg := adtWithPID(t, "PID|1||ALT999^^^CLINIC~MRN123^^^HOSP^MR")
	rules := []config.IdentityRule{{Assigner: "HOSP"}}

	id, err := ResolvePatientID(rules, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "hosp-mrn123" {
		t.Errorf("expected 'hosp-mrn123', got %q", id)
	}
}

func TestResolvePatientID_AssignerMatchesHDNamespace(t *testing.T) {
	// CX.4 is HD-typed: namespace&universal-id&type. The namespace part
	// matches case-insensitively.
	msg := adtWithPID(t, "PID|1||MRN123^^^hosp&1.2.3&ISO^MR")
	rules := []config.IdentityRule{{Assigner: "HOSP"}}

	id, err := ResolvePatientID(rules, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "hosp-mrn123" {
		t.Errorf("expected 'hosp-mrn123', got %q", id)
	}
}

func TestResolvePatientID_TypeRule(t *testing.T) {
	msg := adtWithPID(t, "PID|1||ALT999^^^CLINIC^PI~MRN123^^^^MR")
	rules := []config.IdentityRule{{Type: "MR"}}

	id, err := ResolvePatientID(rules, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Tag comes from the rule's own selector.
	if id != "mr-mrn123" {
		t.Errorf("expected 'mr-mrn123', got %q", id)
	}
}

func TestResolvePatientID_RuleOrderWins(t *testing.T) {
	msg := adtWithPID(t, "PID|1||ALT999^^^CLINIC^PI~MRN123^^^HOSP^MR")

	// First rule that matches any repeat wins, regardless of repeat order.
	id, err := ResolvePatientID([]config.IdentityRule{{Assigner: "HOSP"}, {Assigner: "CLINIC"}}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "hosp-mrn123" {
		t.Errorf("expected 'hosp-mrn123', got %q", id)
	}
}

func TestResolvePatientID_AnyRule(t *testing.T) {
	msg := adtWithPID(t, "PID|1||ALT999^^^CLINIC^PI")
	rules := []config.IdentityRule{{Assigner: "HOSP"}, {Any: true}}

	id, err := ResolvePatientID(rules, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The any-rule takes its tag from the matched repeat's CX.4.
	if id != "clinic-alt999" {
		t.Errorf("expected 'clinic-alt999', got %q", id)
	}
}

func TestResolvePatientID_MpiRuleSkipped(t *testing.T) {
	msg := adtWithPID(t, "PID|1||MRN123^^^HOSP")
	rules := []config.IdentityRule{
		{MpiLookup: json.RawMessage(`{"endpoint":"http://mpi"}`)},
		{Assigner: "HOSP"},
	}

	id, err := ResolvePatientID(rules, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "hosp-mrn123" {
		t.Errorf("expected 'hosp-mrn123', got %q", id)
	}
}

func TestResolvePatientID_Fallbacks(t *testing.T) {
	// No rule matches: PID-3.1 verbatim.
	msg := adtWithPID(t, "PID|1||MRN123^^^CLINIC")
	id, err := ResolvePatientID([]config.IdentityRule{{Assigner: "HOSP"}}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "mrn123" {
		t.Errorf("expected fallback 'mrn123', got %q", id)
	}

	// PID-3 empty entirely: PID-2.
	msg = adtWithPID(t, "PID|1|LEGACY01")
	id, err = ResolvePatientID([]config.IdentityRule{{Assigner: "HOSP"}}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "legacy01" {
		t.Errorf("expected fallback 'legacy01', got %q", id)
	}
}

func TestResolvePatientID_Errors(t *testing.T) {
	// No PID at all.
	msg := parseMsg(t, "MSH|^~\\&|App|Fac|R|RF|20240115143025||ADT^A01|MSG1|P|2.5.1")
	if _, err := ResolvePatientID(nil, msg); err == nil {
		t.Error("expected error without PID")
	}

	// PID present but no identifier anywhere.
	msg = adtWithPID(t, "PID|1")
	if _, err := ResolvePatientID([]config.IdentityRule{{Any: true}}, msg); err == nil {
		t.Error("expected error without any identifier")
	}
}

func TestPreprocess_PID2ToPID3(t *testing.T) {
	pipeline := &config.Pipeline{
		Messages: map[string]config.MessageSettings{
			"ADT_A01": {
				Preprocess: map[string]map[string][]string{
					"PID": {"2": {PreprocessPID2ToPID3}},
				},
			},
		},
	}

	msg := adtWithPID(t, "PID|1|LEGACY01")
	Preprocess(pipeline, "ADT_A01", msg)

	pid := msg.GetSegment("PID")
	if got := pid.GetComponent(3, 1); got != "LEGACY01" {
		t.Errorf("expected PID-2 migrated to PID-3, got %q", got)
	}

	// A populated PID-3 is left alone.
	msg = adtWithPID(t, "PID|1|LEGACY01|MRN123^^^HOSP")
	Preprocess(pipeline, "ADT_A01", msg)
	if got := msg.GetSegment("PID").GetComponent(3, 1); got != "MRN123" {
		t.Errorf("expected PID-3 untouched, got %q", got)
	}

	// No preprocessors configured for this type: nothing happens.
	msg = adtWithPID(t, "PID|1|LEGACY01")
	Preprocess(pipeline, "ORU_R01", msg)
	if got := msg.GetSegment("PID").GetField(3); got != "" {
		t.Errorf("expected no rewrite for unconfigured type, got %q", got)
	}
}

func TestPreprocess_PV1Authority(t *testing.T) {
	pipeline := &config.Pipeline{
		Messages: map[string]config.MessageSettings{
			"ADT_A01": {
				Preprocess: map[string]map[string][]string{
					"PV1": {"19": {PreprocessPV1Authority}},
				},
			},
		},
	}

	raw := "MSH|^~\\&|App|Fac|R|RF|20240115143025||ADT^A01|MSG1|P|2.5.1\r" +
		"PID|1||MRN123^^^HOSP\r" +
		"PV1|1|I|||||||||||||||||VN001"
	msg := parseMsg(t, raw)
	Preprocess(pipeline, "ADT_A01", msg)

	pv1 := msg.GetSegment("PV1")
	if got := pv1.GetRepeatComponent(19, 1, 4); got != "app-fac" {
		t.Errorf("expected authority 'app-fac', got %q", got)
	}

	// An existing authority is preserved.
	raw = "MSH|^~\\&|App|Fac|R|RF|20240115143025||ADT^A01|MSG1|P|2.5.1\r" +
		"PID|1||MRN123^^^HOSP\r" +
		"PV1|1|I|||||||||||||||||VN001^^^KEEP"
	msg = parseMsg(t, raw)
	Preprocess(pipeline, "ADT_A01", msg)
	if got := msg.GetSegment("PV1").GetRepeatComponent(19, 1, 4); got != "KEEP" {
		t.Errorf("expected 'KEEP', got %q", got)
	}
}
