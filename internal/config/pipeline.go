package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Pipeline is the message-pipeline configuration loaded from the JSON
// file at HL7V2_TO_FHIR_CONFIG. Decoding is strict: unknown keys anywhere
// in the document are rejected at load time.
type Pipeline struct {
	IdentitySystem IdentitySystem             `json:"identitySystem" validate:"required"`
	Messages       map[string]MessageSettings `json:"messages"`
}

// IdentitySystem holds the per-resource identity resolution rules.
type IdentitySystem struct {
	Patient IdentityRules `json:"patient" validate:"required"`
}

// IdentityRules is an ordered, non-empty rule list.
type IdentityRules struct {
	Rules []IdentityRule `json:"rules" validate:"required,min=1,dive"`
}

// IdentityRule is either a MatchRule ({assigner?, type?, any?}) against
// PID identifier repeats, or an MpiLookupRule ({mpiLookup: ...}).
type IdentityRule struct {
	Assigner  string          `json:"assigner,omitempty"`
	Type      string          `json:"type,omitempty"`
	Any       bool            `json:"any,omitempty"`
	MpiLookup json.RawMessage `json:"mpiLookup,omitempty"`
}

// IsMpiLookup reports whether the rule is an MPI lookup rule.
func (r IdentityRule) IsMpiLookup() bool {
	return len(r.MpiLookup) > 0
}

// IsZero reports whether the rule specifies no selector at all.
func (r IdentityRule) IsZero() bool {
	return r.Assigner == "" && r.Type == "" && !r.Any && !r.IsMpiLookup()
}

// MessageSettings holds per-message-type toggles.
type MessageSettings struct {
	// Preprocess maps segment name -> field number -> preprocessor ids
	// run before identity resolution.
	Preprocess map[string]map[string][]string `json:"preprocess,omitempty"`
	Converter  ConverterSettings              `json:"converter,omitempty"`
}

// ConverterSettings holds converter required-field toggles.
type ConverterSettings struct {
	PV1 SegmentToggle `json:"PV1,omitempty"`
}

// SegmentToggle marks an optional segment as required. The zero value
// (absent from the config) means not required.
type SegmentToggle struct {
	Required bool `json:"required,omitempty"`
}

// PreprocessorIDs returns the preprocessor ids configured for one
// (messageType, segment, field) coordinate, in declaration order.
func (p *Pipeline) PreprocessorIDs(messageType, segment, field string) []string {
	ms, ok := p.Messages[messageType]
	if !ok {
		return nil
	}
	fields, ok := ms.Preprocess[segment]
	if !ok {
		return nil
	}
	return fields[field]
}

// PV1Required reports whether the converter for messageType must fail
// when PV1 is absent.
func (p *Pipeline) PV1Required(messageType string) bool {
	return p.Messages[messageType].Converter.PV1.Required
}

var validate = validator.New()

// LoadPipeline reads, strictly decodes and validates the pipeline config.
// knownPreprocessors is the registry of implemented preprocessor ids;
// any configured id outside it fails the load.
func LoadPipeline(path string, knownPreprocessors map[string]bool) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()

	p := &Pipeline{}
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("pipeline config %s: %w", path, err)
	}

	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("pipeline config %s: %w", path, err)
	}

	for i, rule := range p.IdentitySystem.Patient.Rules {
		if rule.IsZero() {
			return nil, fmt.Errorf("pipeline config %s: identitySystem.patient.rules[%d] specifies no selector", path, i)
		}
	}

	for msgType, ms := range p.Messages {
		for segment, fields := range ms.Preprocess {
			for field, ids := range fields {
				for _, id := range ids {
					if !knownPreprocessors[id] {
						return nil, fmt.Errorf("pipeline config %s: messages.%s.preprocess.%s.%s references unknown preprocessor %q (known: %s)",
							path, msgType, segment, field, id, joinKnown(knownPreprocessors))
					}
				}
			}
		}
	}

	return p, nil
}

func joinKnown(known map[string]bool) string {
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

// ---------------------------------------------------------------------------
// Process-wide pipeline cache
// ---------------------------------------------------------------------------

var (
	pipelineMu     sync.RWMutex
	activePipeline *Pipeline
)

// InitPipeline loads the pipeline config once and caches it for the
// lifetime of the process.
func InitPipeline(path string, knownPreprocessors map[string]bool) (*Pipeline, error) {
	p, err := LoadPipeline(path, knownPreprocessors)
	if err != nil {
		return nil, err
	}
	pipelineMu.Lock()
	activePipeline = p
	pipelineMu.Unlock()
	return p, nil
}

// ActivePipeline returns the cached pipeline config, or nil before
// InitPipeline has run.
func ActivePipeline() *Pipeline {
	pipelineMu.RLock()
	defer pipelineMu.RUnlock()
	return activePipeline
}

// ResetPipelineCache clears the cached pipeline config. Test hook only;
// production code never calls it.
func ResetPipelineCache() {
	pipelineMu.Lock()
	activePipeline = nil
	pipelineMu.Unlock()
}
