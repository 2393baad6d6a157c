// Package convert implements the segment converter kernel: per-message-
// type converters that walk a parsed HL7v2 message and emit a FHIR
// transaction Bundle with deterministic resource ids.
package convert

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/domain/identity"
	"github.com/ehr/hl7bridge/internal/domain/mapping"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// Tag systems stamped onto every emitted resource, recording which
// message produced it.
const (
	TagSystemMessageID   = "message-id"
	TagSystemMessageType = "message-type"
)

// Deps are the collaborators a conversion needs.
type Deps struct {
	Resolver *mapping.Resolver
	Pipeline *config.Pipeline
	Logger   zerolog.Logger
}

// Result is the outcome of one conversion attempt: the transaction to
// submit and the fields to fold back into the queue entry.
type Result struct {
	Bundle        *fhir.Bundle
	Status        message.Status
	ErrorReason   string
	Patient       string // "Patient/<id>", when resolvable
	UnmappedCodes []message.UnmappedCode
}

// converterFunc converts one message type. Returning an error means an
// infrastructure failure (the store was unreachable); conversion-level
// failures are expressed through the Result status.
type converterFunc func(ctx context.Context, c *conversion) (*Result, error)

// registry dispatches by MSH-9 with the component separator replaced by
// an underscore. The variant set is closed: adding a message type is a
// deliberate registry extension.
var registry = map[string]converterFunc{
	"ADT_A01": convertADT,
	"ADT_A08": convertADT,
	"ORU_R01": convertORU,
	"ORM_O01": convertORM,
}

// Supported reports whether a converter is registered for the type name.
func Supported(typeName string) bool {
	_, ok := registry[typeName]
	return ok
}

// conversion carries the walk state for one message.
type conversion struct {
	deps    Deps
	msg     *hl7v2.Message
	msgType string
	sender  mapping.SenderContext
	patient string // Patient id (not a reference)
	bundle  *fhir.Bundle
	errors  []mapping.Error
}

// Convert runs the full conversion pipeline for one raw message: parse,
// validate the MSH envelope, preprocess, resolve the patient identity,
// then dispatch to the registered converter.
func Convert(ctx context.Context, deps Deps, raw []byte) (*Result, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return fatal("failed to parse message: " + err.Error()), nil
	}

	if msg.SendingApp == "" || msg.SendingFac == "" {
		return fatal("MSH-3 (sending application) and MSH-4 (sending facility) are required"), nil
	}
	if msg.Type == "" {
		return fatal("MSH-9 (message type) is required"), nil
	}
	if msg.ControlID == "" {
		return fatal("MSH-10 (message control id) is required"), nil
	}

	typeName := msg.TypeName()
	fn, ok := registry[typeName]
	if !ok {
		return fatal(fmt.Sprintf("unsupported message type %q", msg.Type)), nil
	}

	identity.Preprocess(deps.Pipeline, typeName, msg)

	c := &conversion{
		deps:    deps,
		msg:     msg,
		msgType: typeName,
		sender: mapping.SenderContext{
			App:      msg.SendingApp,
			Facility: msg.SendingFac,
		},
		bundle: fhir.NewTransaction(),
	}

	if msg.GetSegment("PID") == nil {
		return fatal("PID segment is required"), nil
	}
	patientID, err := identity.ResolvePatientID(deps.Pipeline.IdentitySystem.Patient.Rules, msg)
	if err != nil {
		return fatal(err.Error()), nil
	}
	c.patient = patientID

	return fn(ctx, c)
}

// fatal builds an error-status result with no FHIR writes.
func fatal(reason string) *Result {
	return &Result{Status: message.StatusError, ErrorReason: reason}
}

// patientRef returns the "Patient/<id>" reference for the message.
func (c *conversion) patientRef() string {
	return "Patient/" + c.patient
}

// put tags a resource with the message provenance tags and appends it to
// the output bundle as a PUT entry.
func (c *conversion) put(res fhir.Resource) {
	fhir.SetMetaTags(res,
		fhir.Coding(TagSystemMessageID, c.msg.ControlID, ""),
		fhir.Coding(TagSystemMessageType, c.msg.Type, ""),
	)
	c.bundle.Put(res)
}

// resolveCode maps a local code through the sender's ConceptMap. A miss
// is recorded on the conversion and reported through ok=false; the
// converter keeps walking so one message surfaces every unmapped code at
// once.
func (c *conversion) resolveCode(ctx context.Context, t mapping.Type, localSystem, localCode, localDisplay string) (mapping.Target, bool, error) {
	target, miss, err := c.deps.Resolver.Resolve(ctx, c.sender, t, localSystem, localCode, localDisplay)
	if err != nil {
		return mapping.Target{}, false, err
	}
	if miss != nil {
		c.errors = append(c.errors, *miss)
		return mapping.Target{}, false, nil
	}
	return *target, true, nil
}

// finish produces the final Result. With no mapping errors the built
// bundle ships as-is under okStatus. Otherwise the FHIR effects are
// suppressed: the output becomes a tasks-only transaction (plus any
// placeholder resources the converter passed in) and the message goes to
// mapping_error carrying one UnmappedCode per miss.
func (c *conversion) finish(okStatus message.Status, reason string, placeholders ...fhir.Resource) *Result {
	if len(c.errors) == 0 {
		return &Result{
			Bundle:      c.bundle,
			Status:      okStatus,
			ErrorReason: reason,
			Patient:     c.patientRef(),
		}
	}

	tasks, refs := mapping.BuildTasks(c.sender, c.errors)
	bundle := fhir.NewTransaction()
	for _, task := range tasks {
		bundle.Put(task)
	}
	c.bundle = bundle
	for _, res := range placeholders {
		c.put(res)
	}

	codes := make([]message.UnmappedCode, 0, len(c.errors))
	for i, e := range c.errors {
		codes = append(codes, message.UnmappedCode{
			LocalCode:    e.LocalCode,
			LocalDisplay: e.LocalDisplay,
			LocalSystem:  e.LocalSystem,
			MappingTask:  refs[i],
		})
	}

	return &Result{
		Bundle:        bundle,
		Status:        message.StatusMappingError,
		ErrorReason:   fmt.Sprintf("%d unmapped code(s) require resolution", len(codes)),
		Patient:       c.patientRef(),
		UnmappedCodes: codes,
	}
}
