package identity

import (
	"sort"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Preprocessor rewrites one segment of a message before identity
// resolution. Preprocessors are pure field rewrites: they read the
// message for context (e.g. MSH) and mutate only the given segment.
type Preprocessor func(seg *hl7v2.Segment, msg *hl7v2.Message)

// Registered preprocessor ids. The config loader rejects any id outside
// this registry.
const (
	PreprocessPID2ToPID3   = "pid-2-to-pid-3"
	PreprocessPV1Authority = "pv1-19-assigning-authority"
)

var registry = map[string]Preprocessor{
	// Migrates a bare PID-2 identifier into PID-3 so the rule walk only
	// ever looks at PID-3. Applied when PID-3 is empty or its first
	// repeat carries no assigning authority.
	PreprocessPID2ToPID3: func(seg *hl7v2.Segment, _ *hl7v2.Message) {
		pid2 := seg.GetComponent(2, 1)
		if pid2 == "" {
			return
		}
		if seg.RepeatCount(3) == 0 || seg.GetField(3) == "" {
			seg.SetField(3, pid2)
			return
		}
		if seg.GetRepeatComponent(3, 1, cxAssigner) == "" && seg.GetComponent(3, 1) == "" {
			seg.SetRepeatComponent(3, 1, cxValue, pid2)
		}
	},

	// Injects "{MSH-3}-{MSH-4}" (sanitized) as the assigning authority of
	// PV1-19 when the sender left CX.4 empty, so Encounter ids carry
	// provenance even from senders that never populate authority fields.
	PreprocessPV1Authority: func(seg *hl7v2.Segment, msg *hl7v2.Message) {
		if seg.GetComponent(19, 1) == "" {
			return
		}
		if seg.GetRepeatComponent(19, 1, cxAssigner) != "" {
			return
		}
		authority := fhir.KebabJoin(msg.SendingApp, msg.SendingFac)
		if authority == "" {
			return
		}
		seg.SetRepeatComponent(19, 1, cxAssigner, authority)
	},
}

// KnownPreprocessors returns the set of registered ids, for config
// validation at load time.
func KnownPreprocessors() map[string]bool {
	known := make(map[string]bool, len(registry))
	for id := range registry {
		known[id] = true
	}
	return known
}

// Preprocess runs every configured preprocessor for the message type
// against each occurrence of its segment, in declaration order. Unknown
// ids cannot reach this point: the config loader rejects them.
func Preprocess(p *config.Pipeline, messageType string, msg *hl7v2.Message) {
	settings, ok := p.Messages[messageType]
	if !ok {
		return
	}
	segNames := make([]string, 0, len(settings.Preprocess))
	for segName := range settings.Preprocess {
		segNames = append(segNames, segName)
	}
	sort.Strings(segNames)

	for _, segName := range segNames {
		fields := settings.Preprocess[segName]
		segs := msg.GetSegments(segName)
		if len(segs) == 0 {
			continue
		}
		fieldKeys := make([]string, 0, len(fields))
		for f := range fields {
			fieldKeys = append(fieldKeys, f)
		}
		sort.Strings(fieldKeys)
		for _, f := range fieldKeys {
			for _, id := range fields[f] {
				fn, ok := registry[id]
				if !ok {
					continue
				}
				for _, seg := range segs {
					fn(seg, msg)
				}
			}
		}
	}
}
