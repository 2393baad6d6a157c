package mapping

import (
	"fmt"
	"hash/fnv"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Task statuses used by the mapping workflow.
const (
	TaskRequested = "requested"
	TaskCompleted = "completed"
)

// TaskTypeSystem is the coding system of Task.code for mapping Tasks.
const TaskTypeSystem = "http://example.org/hl7v2-mapping-type"

// Task input/output labels. Inputs carry the sender context and local
// code as structured values; the single output holds the resolved code.
const (
	InputSendingApp      = "Sending application"
	InputSendingFacility = "Sending facility"
	InputLocalCode       = "Local code"
	InputLocalDisplay    = "Local display"
	InputLocalSystem     = "Local system"
	InputSourceField     = "Source field"
	InputTargetField     = "Target field"
	OutputResolved       = "Resolved mapping"
)

// TaskID derives the deterministic mapping Task id for one unmapped
// code: map-{conceptMapId}-{hash(localSystem)}-{hash(localCode)}. The
// same (sender, type, system, code) always hashes to the same Task, so
// re-observing a code never creates a duplicate.
func TaskID(sender SenderContext, t Type, localSystem, localCode string) string {
	return fmt.Sprintf("map-%s-%s-%s", ConceptMapID(sender, t), shortHash(localSystem), shortHash(localCode))
}

func shortHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// BuildTask renders one requested mapping Task for an unmapped code.
func BuildTask(sender SenderContext, e Error) fhir.Resource {
	cfg, _ := e.Type.Config()

	inputs := []interface{}{
		taskInput(InputSendingApp, sender.App),
		taskInput(InputSendingFacility, sender.Facility),
		taskInput(InputLocalCode, e.LocalCode),
	}
	if e.LocalDisplay != "" {
		inputs = append(inputs, taskInput(InputLocalDisplay, e.LocalDisplay))
	}
	inputs = append(inputs,
		taskInput(InputLocalSystem, e.LocalSystem),
		taskInput(InputSourceField, cfg.SourceField),
		taskInput(InputTargetField, cfg.TargetField),
	)

	return fhir.Resource{
		"resourceType": "Task",
		"id":           TaskID(sender, e.Type, e.LocalSystem, e.LocalCode),
		"status":       TaskRequested,
		"intent":       "order",
		"code":         fhir.CodeableConcept(TaskTypeSystem, string(e.Type), cfg.TargetField),
		"description": fmt.Sprintf("Map local code %s (system %s) from %s to %s",
			e.LocalCode, e.LocalSystem, cfg.SourceField, cfg.TargetField),
		"input": inputs,
	}
}

func taskInput(label, value string) fhir.Resource {
	return fhir.Resource{
		"type":        fhir.Resource{"text": label},
		"valueString": value,
	}
}

// BuildTasks renders the deduplicated Task set for one message's batch
// of mapping errors and the per-error Task references, in error order.
func BuildTasks(sender SenderContext, errs []Error) (tasks []fhir.Resource, refs []string) {
	seen := make(map[string]bool)
	refs = make([]string, 0, len(errs))
	for _, e := range errs {
		id := TaskID(sender, e.Type, e.LocalSystem, e.LocalCode)
		refs = append(refs, "Task/"+id)
		if seen[id] {
			continue
		}
		seen[id] = true
		tasks = append(tasks, BuildTask(sender, e))
	}
	return tasks, refs
}

// TaskDetails is the structured content parsed back out of a persisted
// mapping Task.
type TaskDetails struct {
	Sender       SenderContext
	Type         Type
	LocalCode    string
	LocalDisplay string
	LocalSystem  string
}

// ParseTask extracts the sender context, mapping type and local code
// from a mapping Task's code and inputs.
func ParseTask(task fhir.Resource) (*TaskDetails, error) {
	coding, ok := fhir.FirstCoding(task, "code")
	if !ok {
		return nil, fmt.Errorf("mapping: task %s has no code", fhir.ResourceID(task))
	}
	code, _ := fhir.GetString(coding, "code")
	t, err := ParseType(code)
	if err != nil {
		return nil, err
	}

	d := &TaskDetails{Type: t}
	inputs, _ := fhir.GetArray(task, "input")
	for _, in := range inputs {
		input, ok := in.(fhir.Resource)
		if !ok {
			continue
		}
		label, _ := fhir.GetPath(input, "type.text")
		value, _ := fhir.GetString(input, "valueString")
		switch label {
		case InputSendingApp:
			d.Sender.App = value
		case InputSendingFacility:
			d.Sender.Facility = value
		case InputLocalCode:
			d.LocalCode = value
		case InputLocalDisplay:
			d.LocalDisplay = value
		case InputLocalSystem:
			d.LocalSystem = value
		}
	}

	if d.LocalCode == "" || d.LocalSystem == "" {
		return nil, fmt.Errorf("mapping: task %s is missing local code inputs", fhir.ResourceID(task))
	}
	return d, nil
}

// CompleteTask returns a copy of the Task marked completed, carrying the
// resolved code as its single output.
func CompleteTask(task fhir.Resource, t Type, target Target) fhir.Resource {
	cfg, _ := t.Config()
	out := fhir.Resource{}
	for k, v := range task {
		out[k] = v
	}
	out["status"] = TaskCompleted
	out["output"] = []interface{}{
		fhir.Resource{
			"type":                 fhir.Resource{"text": OutputResolved},
			"valueCodeableConcept": fhir.CodeableConcept(cfg.TargetSystem, target.Code, target.Display),
		},
	}
	return out
}
