// Package bootstrap installs the conformance resources the bridge needs
// in its FHIR store: StructureDefinitions for the two custom queue
// resource types and the SearchParameters the pollers query by. Every
// resource carries a fixed id and is idempotently PUT, so the command
// can be re-run at any time.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/bar"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Apply upserts every conformance resource.
func Apply(ctx context.Context, client *fhir.Client, logger zerolog.Logger) error {
	for _, res := range Resources() {
		ref := fhir.RelativeRef(res)
		if _, err := client.Put(ctx, res, "", false); err != nil {
			return fmt.Errorf("bootstrap: install %s: %w", ref, err)
		}
		logger.Info().Str("resource", ref).Msg("conformance resource installed")
	}
	return nil
}

// Resources returns the full conformance set in install order.
func Resources() []fhir.Resource {
	return []fhir.Resource{
		structureDefinition(message.IncomingTypeName, "Inbound HL7v2 queue entry", [][2]string{
			{"rawMessage", "string"},
			{"messageType", "string"},
			{"status", "code"},
			{"errorReason", "string"},
			{"outputBundle", "string"},
		}),
		structureDefinition(message.OutgoingTypeName, "Staged outbound BAR message", [][2]string{
			{"message", "string"},
			{"status", "code"},
		}),
		tokenSearchParam("incoming-hl7v2-message-status", message.IncomingTypeName,
			"status", message.IncomingTypeName+".status"),
		referenceSearchParam("incoming-hl7v2-message-unmapped-task", message.IncomingTypeName,
			"unmapped-task", message.IncomingTypeName+".unmappedCodes.mappingTask"),
		tokenSearchParam("outgoing-bar-message-status", message.OutgoingTypeName,
			"status", message.OutgoingTypeName+".status"),
		tokenSearchParam("invoice-processing-status", "Invoice",
			"processing-status",
			fmt.Sprintf("Invoice.extension.where(url='%s').value", bar.ExtProcessingStatus)),
	}
}

// structureDefinition declares one custom resource type. Only the
// elements the bridge reads and writes are described; everything else is
// left open.
func structureDefinition(name, description string, elements [][2]string) fhir.Resource {
	els := []interface{}{
		fhir.Resource{
			"id":   name,
			"path": name,
			"min":  0, "max": "*",
		},
	}
	for _, el := range elements {
		els = append(els, fhir.Resource{
			"id":   name + "." + el[0],
			"path": name + "." + el[0],
			"min":  0, "max": "1",
			"type": []interface{}{fhir.Resource{"code": el[1]}},
		})
	}

	return fhir.Resource{
		"resourceType":   "StructureDefinition",
		"id":             fhir.Kebab(name),
		"url":            "http://example.org/StructureDefinition/" + name,
		"name":           name,
		"description":    description,
		"status":         "active",
		"kind":           "resource",
		"abstract":       false,
		"type":           name,
		"baseDefinition": "http://hl7.org/fhir/StructureDefinition/DomainResource",
		"derivation":     "specialization",
		"differential":   fhir.Resource{"element": els},
	}
}

func tokenSearchParam(id, base, code, expression string) fhir.Resource {
	return searchParam(id, base, code, "token", expression)
}

func referenceSearchParam(id, base, code, expression string) fhir.Resource {
	return searchParam(id, base, code, "reference", expression)
}

func searchParam(id, base, code, paramType, expression string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "SearchParameter",
		"id":           id,
		"url":          "http://example.org/SearchParameter/" + id,
		"name":         id,
		"status":       "active",
		"code":         code,
		"base":         []interface{}{base},
		"type":         paramType,
		"expression":   expression,
	}
}
