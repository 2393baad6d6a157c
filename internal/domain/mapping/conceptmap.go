package mapping

import (
	"context"
	"errors"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Target is a resolved standard code.
type Target struct {
	Code    string
	Display string
}

// Resolver looks local codes up in persisted ConceptMaps. It caches
// nothing: the processor re-reads maps on every message so a resolution
// takes effect on the very next attempt.
type Resolver struct {
	client *fhir.Client
}

// NewResolver creates a Resolver over the store client.
func NewResolver(client *fhir.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve maps (localSystem, localCode) through the sender's ConceptMap
// for the given type. Any miss — no map, no group, no element — returns
// a *Error describing the unmapped code; infrastructure failures return
// err.
func (r *Resolver) Resolve(ctx context.Context, sender SenderContext, t Type, localSystem, localCode, localDisplay string) (*Target, *Error, error) {
	miss := &Error{
		LocalCode:    localCode,
		LocalDisplay: localDisplay,
		LocalSystem:  localSystem,
		Type:         t,
	}

	cm, _, err := r.client.Get(ctx, "ConceptMap", ConceptMapID(sender, t))
	if err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return nil, miss, nil
		}
		return nil, nil, err
	}

	if target, ok := LookupTarget(cm, localSystem, localCode); ok {
		return &target, nil, nil
	}
	return nil, miss, nil
}

// LookupTarget finds the first target for (localSystem, localCode) in a
// ConceptMap resource.
func LookupTarget(cm fhir.Resource, localSystem, localCode string) (Target, bool) {
	groups, _ := fhir.GetArray(cm, "group")
	for _, g := range groups {
		group, ok := g.(fhir.Resource)
		if !ok {
			continue
		}
		if src, _ := fhir.GetString(group, "source"); src != localSystem {
			continue
		}
		elements, _ := fhir.GetArray(group, "element")
		for _, e := range elements {
			element, ok := e.(fhir.Resource)
			if !ok {
				continue
			}
			if code, _ := fhir.GetString(element, "code"); code != localCode {
				continue
			}
			targets, _ := fhir.GetArray(element, "target")
			if len(targets) == 0 {
				continue
			}
			target, ok := targets[0].(fhir.Resource)
			if !ok {
				continue
			}
			var out Target
			out.Code, _ = fhir.GetString(target, "code")
			out.Display, _ = fhir.GetString(target, "display")
			if out.Code != "" {
				return out, true
			}
		}
	}
	return Target{}, false
}

// NewConceptMap builds an empty ConceptMap resource for one sender and
// mapping type.
func NewConceptMap(sender SenderContext, t Type) fhir.Resource {
	cfg, _ := t.Config()
	return fhir.Resource{
		"resourceType": "ConceptMap",
		"id":           ConceptMapID(sender, t),
		"status":       "active",
		"name":         "HL7v2 " + string(t) + " mappings for " + sender.App + "/" + sender.Facility,
		"targetUri":    cfg.TargetSystem,
	}
}

// UpsertElement finds or creates the group for localSystem and sets the
// element for localCode to a single equivalent target, replacing any
// existing target. The ConceptMap is modified in place.
func UpsertElement(cm fhir.Resource, localSystem, localCode string, target Target) {
	newTarget := fhir.Resource{
		"code":        target.Code,
		"equivalence": "equivalent",
	}
	if target.Display != "" {
		newTarget["display"] = target.Display
	}
	element := fhir.Resource{
		"code":   localCode,
		"target": []interface{}{newTarget},
	}

	groups, _ := fhir.GetArray(cm, "group")
	for _, g := range groups {
		group, ok := g.(fhir.Resource)
		if !ok {
			continue
		}
		if src, _ := fhir.GetString(group, "source"); src != localSystem {
			continue
		}
		elements, _ := fhir.GetArray(group, "element")
		for i, e := range elements {
			el, ok := e.(fhir.Resource)
			if !ok {
				continue
			}
			if code, _ := fhir.GetString(el, "code"); code == localCode {
				elements[i] = element
				group["element"] = elements
				return
			}
		}
		group["element"] = append(elements, element)
		return
	}

	cm["group"] = append(groups, fhir.Resource{
		"source":  localSystem,
		"element": []interface{}{element},
	})
}
