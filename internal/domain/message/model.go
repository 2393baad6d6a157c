// Package message holds the two custom queue resources the bridge
// persists in the FHIR store: IncomingHL7v2Message (the inbound work
// queue) and OutgoingBarMessage (staged outbound billing messages).
package message

import (
	"fmt"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Status is the lifecycle state of an inbound queue entry.
type Status string

const (
	StatusReceived     Status = "received"
	StatusProcessed    Status = "processed"
	StatusWarning      Status = "warning"
	StatusMappingError Status = "mapping_error"
	StatusError        Status = "error"
)

// Outgoing statuses.
const (
	OutgoingPending = "pending"
	OutgoingSent    = "sent"
)

// IncomingTypeName and OutgoingTypeName are the custom resource types
// declared via StructureDefinition at bootstrap.
const (
	IncomingTypeName = "IncomingHL7v2Message"
	OutgoingTypeName = "OutgoingBarMessage"
)

// UnmappedCode records one local code blocking a message, together with
// the mapping Task that will resolve it.
type UnmappedCode struct {
	LocalCode    string `json:"localCode"`
	LocalDisplay string `json:"localDisplay,omitempty"`
	LocalSystem  string `json:"localSystem"`
	MappingTask  string `json:"mappingTask"` // "Task/<id>"
}

// Incoming is one inbound queue entry. Created by the MLLP listener or
// the REST ingest; mutated only by the processor loop; never deleted.
type Incoming struct {
	ID            string
	Raw           string // wire text as received
	Type          string // declared type, e.g. "ORU_R01"
	Status        Status
	ErrorReason   string
	Patient       string // "Patient/<id>", when resolvable
	UnmappedCodes []UnmappedCode
	OutputBundle  string // serialized output transaction, when processed
}

// ToResource renders the entry in its persisted custom-resource form.
func (m *Incoming) ToResource() fhir.Resource {
	res := fhir.Resource{
		"resourceType": IncomingTypeName,
		"id":           m.ID,
		"rawMessage":   m.Raw,
		"messageType":  m.Type,
		"status":       string(m.Status),
	}
	if m.ErrorReason != "" {
		res["errorReason"] = m.ErrorReason
	}
	if m.Patient != "" {
		res["patient"] = fhir.Resource{"reference": m.Patient}
	}
	if len(m.UnmappedCodes) > 0 {
		codes := make([]interface{}, 0, len(m.UnmappedCodes))
		for _, uc := range m.UnmappedCodes {
			entry := fhir.Resource{
				"localCode":   uc.LocalCode,
				"localSystem": uc.LocalSystem,
				"mappingTask": fhir.Resource{"reference": uc.MappingTask},
			}
			if uc.LocalDisplay != "" {
				entry["localDisplay"] = uc.LocalDisplay
			}
			codes = append(codes, entry)
		}
		res["unmappedCodes"] = codes
	}
	if m.OutputBundle != "" {
		res["outputBundle"] = m.OutputBundle
	}
	return res
}

// IncomingFromResource parses the persisted form back into an Incoming.
func IncomingFromResource(res fhir.Resource) (*Incoming, error) {
	if t := fhir.ResourceType(res); t != IncomingTypeName {
		return nil, fmt.Errorf("message: expected %s, got %q", IncomingTypeName, t)
	}

	m := &Incoming{ID: fhir.ResourceID(res)}
	m.Raw, _ = fhir.GetString(res, "rawMessage")
	m.Type, _ = fhir.GetString(res, "messageType")
	if s, ok := fhir.GetString(res, "status"); ok {
		m.Status = Status(s)
	}
	m.ErrorReason, _ = fhir.GetString(res, "errorReason")
	m.Patient, _ = fhir.GetPath(res, "patient.reference")
	m.OutputBundle, _ = fhir.GetString(res, "outputBundle")

	if codes, ok := fhir.GetArray(res, "unmappedCodes"); ok {
		for _, c := range codes {
			entry, ok := c.(fhir.Resource)
			if !ok {
				continue
			}
			uc := UnmappedCode{}
			uc.LocalCode, _ = fhir.GetString(entry, "localCode")
			uc.LocalDisplay, _ = fhir.GetString(entry, "localDisplay")
			uc.LocalSystem, _ = fhir.GetString(entry, "localSystem")
			uc.MappingTask, _ = fhir.GetPath(entry, "mappingTask.reference")
			m.UnmappedCodes = append(m.UnmappedCodes, uc)
		}
	}
	return m, nil
}

// RemoveUnmappedForTask drops every unmapped-code entry referencing the
// given task reference ("Task/<id>") and reports whether any was removed.
func (m *Incoming) RemoveUnmappedForTask(taskRef string) bool {
	kept := m.UnmappedCodes[:0]
	removed := false
	for _, uc := range m.UnmappedCodes {
		if uc.MappingTask == taskRef {
			removed = true
			continue
		}
		kept = append(kept, uc)
	}
	m.UnmappedCodes = kept
	if len(m.UnmappedCodes) == 0 {
		m.UnmappedCodes = nil
	}
	return removed
}

// Outgoing is one staged outbound BAR message.
type Outgoing struct {
	ID      string
	Patient string // "Patient/<id>"
	Invoice string // "Invoice/<id>"
	Status  string // pending | sent
	Message string // serialized HL7v2 text
}

// ToResource renders the entry in its persisted custom-resource form.
func (m *Outgoing) ToResource() fhir.Resource {
	res := fhir.Resource{
		"resourceType": OutgoingTypeName,
		"id":           m.ID,
		"status":       m.Status,
		"message":      m.Message,
	}
	if m.Patient != "" {
		res["patient"] = fhir.Resource{"reference": m.Patient}
	}
	if m.Invoice != "" {
		res["invoice"] = fhir.Resource{"reference": m.Invoice}
	}
	return res
}

// OutgoingFromResource parses the persisted form back into an Outgoing.
func OutgoingFromResource(res fhir.Resource) (*Outgoing, error) {
	if t := fhir.ResourceType(res); t != OutgoingTypeName {
		return nil, fmt.Errorf("message: expected %s, got %q", OutgoingTypeName, t)
	}
	m := &Outgoing{ID: fhir.ResourceID(res)}
	m.Status, _ = fhir.GetString(res, "status")
	m.Message, _ = fhir.GetString(res, "message")
	m.Patient, _ = fhir.GetPath(res, "patient.reference")
	m.Invoice, _ = fhir.GetPath(res, "invoice.reference")
	return m, nil
}
