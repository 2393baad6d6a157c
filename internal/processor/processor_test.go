package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/domain/convert"
	"github.com/ehr/hl7bridge/internal/domain/mapping"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
)

const sampleADT = "MSH|^~\\&|RegApp|RegFac|EHR|Hospital|20240115080500||ADT^A08|ADT002|P|2.5.1\r" +
	"PID|1||MRN12345^^^HOSP^MR||Doe^John||19800515|M"

// queueStore serves a single-entry inbound queue and records the writes
// the processor makes against it.
type queueStore struct {
	queue     []*message.Incoming
	txBundles []fhir.Bundle
	updated   map[string]fhir.Resource
}

func (s *queueStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPost && path == "":
		var bundle fhir.Bundle
		json.NewDecoder(r.Body).Decode(&bundle)
		s.txBundles = append(s.txBundles, bundle)
		writeJSON(w, fhir.Bundle{ResourceType: "Bundle", Type: "transaction-response"})

	case r.Method == http.MethodGet && path == message.IncomingTypeName:
		bundle := fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}
		for _, m := range s.queue {
			bundle.Entry = append(bundle.Entry, fhir.BundleEntry{Resource: m.ToResource()})
		}
		writeJSON(w, bundle)

	case r.Method == http.MethodPut:
		var res fhir.Resource
		json.NewDecoder(r.Body).Decode(&res)
		if s.updated == nil {
			s.updated = make(map[string]fhir.Resource)
		}
		s.updated[path] = res
		writeJSON(w, res)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/fhir+json")
	json.NewEncoder(w).Encode(v)
}

func newTestProcessor(t *testing.T, store *queueStore) *Processor {
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	client := fhir.NewClient(srv.URL, nil)
	pipeline := &config.Pipeline{
		IdentitySystem: config.IdentitySystem{
			Patient: config.IdentityRules{
				Rules: []config.IdentityRule{{Any: true}},
			},
		},
	}
	deps := convert.Deps{
		Resolver: mapping.NewResolver(client),
		Pipeline: pipeline,
		Logger:   zerolog.Nop(),
	}
	return New(message.NewRepo(client), client, deps, metrics.New(), zerolog.Nop())
}

func TestTick_EmptyQueue(t *testing.T) {
	proc := newTestProcessor(t, &queueStore{})
	worked, err := proc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if worked {
		t.Error("Tick reported work on an empty queue")
	}
}

func TestTick_ProcessesMessage(t *testing.T) {
	store := &queueStore{
		queue: []*message.Incoming{{
			ID:     "msg-1",
			Raw:    sampleADT,
			Type:   "ADT_A08",
			Status: message.StatusReceived,
		}},
	}
	proc := newTestProcessor(t, store)

	worked, err := proc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !worked {
		t.Fatal("Tick reported no work")
	}

	if len(store.txBundles) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(store.txBundles))
	}
	var sawPatient bool
	for _, e := range store.txBundles[0].Entry {
		if fhir.ResourceType(e.Resource) == "Patient" {
			sawPatient = true
		}
	}
	if !sawPatient {
		t.Error("transaction carries no Patient")
	}

	res, ok := store.updated[message.IncomingTypeName+"/msg-1"]
	if !ok {
		t.Fatal("queue entry was not updated")
	}
	m, err := message.IncomingFromResource(res)
	if err != nil {
		t.Fatalf("IncomingFromResource: %v", err)
	}
	// A08 without PV1 degrades to a warning; the output still ships.
	if m.Status != message.StatusWarning {
		t.Errorf("status = %q (%s)", m.Status, m.ErrorReason)
	}
	if m.Patient != "Patient/hosp-mrn12345" {
		t.Errorf("patient = %q", m.Patient)
	}
	if m.OutputBundle == "" {
		t.Error("no output bundle recorded")
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal([]byte(m.OutputBundle), &bundle); err != nil {
		t.Errorf("output bundle is not valid JSON: %v", err)
	}
}

func TestTick_UnsupportedType(t *testing.T) {
	raw := strings.Replace(sampleADT, "ADT^A08", "SIU^S12", 1)
	store := &queueStore{
		queue: []*message.Incoming{{
			ID:     "msg-2",
			Raw:    raw,
			Type:   "SIU_S12",
			Status: message.StatusReceived,
		}},
	}
	proc := newTestProcessor(t, store)

	worked, err := proc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !worked {
		t.Fatal("Tick reported no work")
	}

	if len(store.txBundles) != 0 {
		t.Errorf("error result still submitted %d transactions", len(store.txBundles))
	}
	res, ok := store.updated[message.IncomingTypeName+"/msg-2"]
	if !ok {
		t.Fatal("queue entry was not updated")
	}
	m, _ := message.IncomingFromResource(res)
	if m.Status != message.StatusError {
		t.Errorf("status = %q", m.Status)
	}
	if m.ErrorReason == "" {
		t.Error("error result carries no reason")
	}
	if m.OutputBundle != "" {
		t.Error("error result recorded an output bundle")
	}
}
