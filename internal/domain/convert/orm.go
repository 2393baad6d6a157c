package convert

import (
	"context"

	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// hl7OrderStatuses maps ORC-1 (order control) onto ServiceRequest.status.
var hl7OrderStatuses = map[string]string{
	"NW": "active",
	"SC": "active",
	"XO": "active",
	"CA": "revoked",
	"OC": "revoked",
	"DC": "completed",
	"CM": "completed",
	"HD": "on-hold",
}

// convertORM handles ORM_O01: each ORC/OBR pair yields one
// ServiceRequest; an RXO under an order adds a MedicationRequest.
func convertORM(ctx context.Context, c *conversion) (*Result, error) {
	orcs := c.msg.GetSegments("ORC")
	if len(orcs) == 0 {
		return fatal("ORC segment is required"), nil
	}

	c.put(c.buildPatient())

	obrs := c.msg.GetSegments("OBR")
	rxos := c.msg.GetSegments("RXO")

	for i, orc := range orcs {
		var obr *hl7v2.Segment
		if i < len(obrs) {
			obr = obrs[i]
		}

		orderID := orderID(orc, obr)
		if orderID == "" {
			return fatal("ORC-2 (or OBR-2) placer order number is required"), nil
		}

		sr := fhir.Resource{
			"resourceType": "ServiceRequest",
			"id":           orderID,
			"status":       orderStatus(orc.GetComponent(1, 1)),
			"intent":       "order",
			"subject":      fhir.Reference("Patient", c.patient),
		}
		if placer := orc.GetComponent(2, 1); placer != "" {
			sr["identifier"] = []interface{}{fhir.Resource{"value": placer}}
		}
		if obr != nil {
			if code := obr.GetComponent(4, 1); code != "" {
				sr["code"] = fhir.CodeableConcept(codingSystemURI(obr.GetComponent(4, 3)), code, obr.GetComponent(4, 2))
			}
		}
		if authored, ok := fhir.FormatDateTime(orc.GetField(9)); ok {
			sr["authoredOn"] = authored
		}
		c.put(sr)

		if i < len(rxos) {
			c.put(c.buildMedicationRequest(rxos[i], orderID))
		}
	}

	return c.finish(message.StatusProcessed, ""), nil
}

// orderID is ORC-2 (placer order number) with OBR-2 as fallback,
// preserved as sent apart from characters a resource id cannot carry.
func orderID(orc, obr *hl7v2.Segment) string {
	if placer := orc.GetComponent(2, 1); placer != "" {
		return fhir.SanitizeID(placer)
	}
	if obr != nil {
		return fhir.SanitizeID(obr.GetComponent(2, 1))
	}
	return ""
}

func orderStatus(orderControl string) string {
	if status, ok := hl7OrderStatuses[orderControl]; ok {
		return status
	}
	return "active"
}

func (c *conversion) buildMedicationRequest(rxo *hl7v2.Segment, orderID string) fhir.Resource {
	mr := fhir.Resource{
		"resourceType": "MedicationRequest",
		"id":           orderID + "-medication",
		"status":       "active",
		"intent":       "order",
		"subject":      fhir.Reference("Patient", c.patient),
		"basedOn": []interface{}{
			fhir.Resource{"reference": "ServiceRequest/" + orderID},
		},
	}
	if code := rxo.GetComponent(1, 1); code != "" {
		mr["medicationCodeableConcept"] = fhir.CodeableConcept(
			codingSystemURI(rxo.GetComponent(1, 3)), code, rxo.GetComponent(1, 2))
	}
	return mr
}
