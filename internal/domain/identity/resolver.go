// Package identity computes deterministic Patient ids from PID
// identifier repeats, driven by the ordered rule list in the pipeline
// configuration.
package identity

import (
	"fmt"
	"strings"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// CX component positions within a PID-3 repeat.
const (
	cxValue    = 1
	cxAssigner = 4
	cxType     = 5
)

// ResolvePatientID walks the configured rules against the PID-3 repeats
// of msg and returns the deterministic Patient id. The first matching
// (rule, repeat) pair wins; when no rule matches the resolver falls back
// to PID-3.1 and then PID-2.
func ResolvePatientID(rules []config.IdentityRule, msg *hl7v2.Message) (string, error) {
	pid := msg.GetSegment("PID")
	if pid == nil {
		return "", fmt.Errorf("identity: message has no PID segment")
	}

	repeats := pid.RepeatCount(3)
	for _, rule := range rules {
		if rule.IsMpiLookup() {
			// MPI lookups are outside this system's scope; the rule form
			// is accepted in config so shared rule files keep loading.
			continue
		}
		for rep := 1; rep <= repeats; rep++ {
			if !ruleMatches(rule, pid, rep) {
				continue
			}
			value := pid.GetRepeatComponent(3, rep, cxValue)
			if value == "" {
				continue
			}
			return patientID(ruleTag(rule, pid, rep), value), nil
		}
	}

	// Fall through: PID-3.1, then PID-2, verbatim kebab-cased.
	if v := pid.GetComponent(3, 1); v != "" {
		return fhir.Kebab(v), nil
	}
	if v := pid.GetComponent(2, 1); v != "" {
		return fhir.Kebab(v), nil
	}
	return "", fmt.Errorf("identity: no usable patient identifier in PID-2/PID-3")
}

// ruleMatches reports whether one PID-3 repeat satisfies every selector
// the rule specifies. any=true matches the first repeat unconditionally.
func ruleMatches(rule config.IdentityRule, pid *hl7v2.Segment, rep int) bool {
	if rule.Any {
		return rep == 1
	}
	if rule.Assigner != "" && !hdEquals(pid.GetRepeatComponent(3, rep, cxAssigner), rule.Assigner) {
		return false
	}
	if rule.Type != "" && pid.GetRepeatComponent(3, rep, cxType) != rule.Type {
		return false
	}
	return true
}

// ruleTag derives the id prefix. The tag is a function of the rule's
// selectors so the same logical identifier always yields the same id;
// an any-rule takes its tag from the matched repeat instead.
func ruleTag(rule config.IdentityRule, pid *hl7v2.Segment, rep int) string {
	switch {
	case rule.Assigner != "":
		return rule.Assigner
	case rule.Type != "":
		return rule.Type
	}
	if a := firstHDPart(pid.GetRepeatComponent(3, rep, cxAssigner)); a != "" {
		return a
	}
	return pid.GetRepeatComponent(3, rep, cxType)
}

func patientID(tag, value string) string {
	if tag == "" {
		return fhir.Kebab(value)
	}
	return fhir.KebabJoin(tag, value)
}

// hdEquals compares an HD-typed component against a configured assigner,
// matching the namespace id (the first &-subcomponent) case-insensitively.
func hdEquals(component, assigner string) bool {
	return strings.EqualFold(firstHDPart(component), assigner)
}

func firstHDPart(component string) string {
	if i := strings.IndexByte(component, '&'); i != -1 {
		return component[:i]
	}
	return component
}
