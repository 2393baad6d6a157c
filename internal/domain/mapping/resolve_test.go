package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
)

// fakeStore is a minimal FHIR endpoint for resolution tests: in-memory
// resources keyed by "Type/id", searches answered from canned bundles,
// transactions applied entry by entry.
type fakeStore struct {
	t         *testing.T
	resources map[string]fhir.Resource
	searches  map[string][]fhir.Resource // key: resource type
	txBundles []fhir.Bundle
	puts      map[string]fhir.Resource
}

func newFakeStore(t *testing.T) *fakeStore {
	return &fakeStore{
		t:         t,
		resources: make(map[string]fhir.Resource),
		searches:  make(map[string][]fhir.Resource),
		puts:      make(map[string]fhir.Resource),
	}
}

func (s *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")

	switch {
	case r.Method == http.MethodPost && path == "":
		var bundle fhir.Bundle
		if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
			s.t.Errorf("bad transaction body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.txBundles = append(s.txBundles, bundle)
		for _, e := range bundle.Entry {
			s.resources[e.Request.URL] = e.Resource
		}
		writeJSON(w, http.StatusOK, fhir.Bundle{ResourceType: "Bundle", Type: "transaction-response"})

	case r.Method == http.MethodGet && !strings.Contains(path, "/"):
		// Type-level search.
		entries := make([]fhir.BundleEntry, 0)
		for _, res := range s.searches[path] {
			entries = append(entries, fhir.BundleEntry{Resource: res})
		}
		writeJSON(w, http.StatusOK, fhir.Bundle{ResourceType: "Bundle", Type: "searchset", Entry: entries})

	case r.Method == http.MethodGet:
		res, ok := s.resources[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `W/"1"`)
		writeJSON(w, http.StatusOK, res)

	case r.Method == http.MethodPut:
		var res fhir.Resource
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			s.t.Errorf("bad PUT body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.puts[path] = res
		s.resources[path] = res
		writeJSON(w, http.StatusOK, res)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestCoordinator(t *testing.T, store *fakeStore) *Coordinator {
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)
	client := fhir.NewClient(srv.URL, nil)
	repo := message.NewRepo(client)
	return NewCoordinator(client, repo, metrics.New(), zerolog.Nop())
}

func TestResolver_Resolve(t *testing.T) {
	store := newFakeStore(t)
	cm := NewConceptMap(labSender, TypeObservationCodeLOINC)
	UpsertElement(cm, "http://lab.example.org/codes", "GLU", Target{Code: "2345-7", Display: "Glucose"})
	store.resources["ConceptMap/"+ConceptMapID(labSender, TypeObservationCodeLOINC)] = cm

	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)
	resolver := NewResolver(fhir.NewClient(srv.URL, nil))

	target, miss, err := resolver.Resolve(context.Background(), labSender, TypeObservationCodeLOINC,
		"http://lab.example.org/codes", "GLU", "Glucose")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if miss != nil {
		t.Fatalf("unexpected miss: %+v", miss)
	}
	if target.Code != "2345-7" {
		t.Errorf("target = %+v", target)
	}

	// A code absent from the map is a miss, not an error.
	target, miss, err = resolver.Resolve(context.Background(), labSender, TypeObservationCodeLOINC,
		"http://lab.example.org/codes", "K", "")
	if err != nil || target != nil {
		t.Fatalf("expected miss, got target=%v err=%v", target, err)
	}
	if miss == nil || miss.LocalCode != "K" || miss.Type != TypeObservationCodeLOINC {
		t.Errorf("miss = %+v", miss)
	}

	// A sender with no ConceptMap at all is also a miss.
	other := SenderContext{App: "OtherApp", Facility: "OtherFac"}
	_, miss, err = resolver.Resolve(context.Background(), other, TypeObservationCodeLOINC,
		"http://lab.example.org/codes", "GLU", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if miss == nil {
		t.Error("expected a miss for the unmapped sender")
	}
}

func TestCoordinator_Resolve_NewConceptMap(t *testing.T) {
	e := Error{
		LocalCode:    "GLU",
		LocalDisplay: "Glucose",
		LocalSystem:  "http://lab.example.org/codes",
		Type:         TypeObservationCodeLOINC,
	}
	taskID := TaskID(labSender, e.Type, e.LocalSystem, e.LocalCode)

	store := newFakeStore(t)
	store.resources["Task/"+taskID] = BuildTask(labSender, e)

	blocked := &message.Incoming{
		ID:     "msg-1",
		Raw:    "MSH|...",
		Type:   "ORU_R01",
		Status: message.StatusMappingError,
		UnmappedCodes: []message.UnmappedCode{
			{LocalCode: "GLU", LocalSystem: e.LocalSystem, MappingTask: "Task/" + taskID},
		},
	}
	store.resources["IncomingHL7v2Message/msg-1"] = blocked.ToResource()
	store.searches["IncomingHL7v2Message"] = []fhir.Resource{blocked.ToResource()}

	coord := newTestCoordinator(t, store)
	if err := coord.Resolve(context.Background(), taskID, "2345-7", "Glucose [Mass/volume] in Serum"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// One transaction carrying the completed Task and the new ConceptMap.
	if len(store.txBundles) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(store.txBundles))
	}
	tx := store.txBundles[0]
	if len(tx.Entry) != 2 {
		t.Fatalf("expected 2 transaction entries, got %d", len(tx.Entry))
	}

	var sawTask, sawMap bool
	for _, entry := range tx.Entry {
		switch fhir.ResourceType(entry.Resource) {
		case "Task":
			sawTask = true
			if status, _ := fhir.GetString(entry.Resource, "status"); status != TaskCompleted {
				t.Errorf("committed task status = %q", status)
			}
			if entry.Request.IfMatch == "" {
				t.Error("task update not guarded by If-Match")
			}
		case "ConceptMap":
			sawMap = true
			if entry.Request.IfNoneMatch != "*" {
				t.Error("new ConceptMap not created with If-None-Match: *")
			}
			if _, ok := LookupTarget(entry.Resource, e.LocalSystem, "GLU"); !ok {
				t.Error("committed ConceptMap is missing the new element")
			}
		}
	}
	if !sawTask || !sawMap {
		t.Errorf("transaction missing entries: task=%v map=%v", sawTask, sawMap)
	}

	// The blocked message was re-enqueued.
	requeued, ok := store.puts["IncomingHL7v2Message/msg-1"]
	if !ok {
		t.Fatal("blocked message was not rewritten")
	}
	m, err := message.IncomingFromResource(requeued)
	if err != nil {
		t.Fatalf("IncomingFromResource: %v", err)
	}
	if m.Status != message.StatusReceived {
		t.Errorf("requeued status = %q, want %q", m.Status, message.StatusReceived)
	}
	if len(m.UnmappedCodes) != 0 {
		t.Errorf("requeued message still carries unmapped codes: %+v", m.UnmappedCodes)
	}
}

func TestCoordinator_Resolve_PartiallyBlockedMessageStaysBlocked(t *testing.T) {
	e := Error{
		LocalCode:   "GLU",
		LocalSystem: "http://lab.example.org/codes",
		Type:        TypeObservationCodeLOINC,
	}
	taskID := TaskID(labSender, e.Type, e.LocalSystem, e.LocalCode)
	otherTask := TaskID(labSender, e.Type, e.LocalSystem, "K")

	store := newFakeStore(t)
	store.resources["Task/"+taskID] = BuildTask(labSender, e)

	blocked := &message.Incoming{
		ID:     "msg-2",
		Status: message.StatusMappingError,
		Type:   "ORU_R01",
		UnmappedCodes: []message.UnmappedCode{
			{LocalCode: "GLU", LocalSystem: e.LocalSystem, MappingTask: "Task/" + taskID},
			{LocalCode: "K", LocalSystem: e.LocalSystem, MappingTask: "Task/" + otherTask},
		},
	}
	store.resources["IncomingHL7v2Message/msg-2"] = blocked.ToResource()
	store.searches["IncomingHL7v2Message"] = []fhir.Resource{blocked.ToResource()}

	coord := newTestCoordinator(t, store)
	if err := coord.Resolve(context.Background(), taskID, "2345-7", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	requeued, ok := store.puts["IncomingHL7v2Message/msg-2"]
	if !ok {
		t.Fatal("blocked message was not rewritten")
	}
	m, err := message.IncomingFromResource(requeued)
	if err != nil {
		t.Fatalf("IncomingFromResource: %v", err)
	}
	if m.Status != message.StatusMappingError {
		t.Errorf("message with remaining blockers flipped to %q", m.Status)
	}
	if len(m.UnmappedCodes) != 1 || m.UnmappedCodes[0].LocalCode != "K" {
		t.Errorf("unexpected remaining codes: %+v", m.UnmappedCodes)
	}
}

func TestCoordinator_Resolve_ExistingConceptMap(t *testing.T) {
	e := Error{
		LocalCode:   "K",
		LocalSystem: "http://lab.example.org/codes",
		Type:        TypeObservationCodeLOINC,
	}
	taskID := TaskID(labSender, e.Type, e.LocalSystem, e.LocalCode)

	store := newFakeStore(t)
	store.resources["Task/"+taskID] = BuildTask(labSender, e)
	cm := NewConceptMap(labSender, e.Type)
	UpsertElement(cm, e.LocalSystem, "GLU", Target{Code: "2345-7"})
	store.resources["ConceptMap/"+ConceptMapID(labSender, e.Type)] = cm

	coord := newTestCoordinator(t, store)
	if err := coord.Resolve(context.Background(), taskID, "2823-3", "Potassium"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(store.txBundles) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(store.txBundles))
	}
	for _, entry := range store.txBundles[0].Entry {
		if fhir.ResourceType(entry.Resource) != "ConceptMap" {
			continue
		}
		if entry.Request.IfMatch == "" {
			t.Error("existing ConceptMap update not guarded by If-Match")
		}
		if _, ok := LookupTarget(entry.Resource, e.LocalSystem, "GLU"); !ok {
			t.Error("existing element lost on upsert")
		}
		if got, ok := LookupTarget(entry.Resource, e.LocalSystem, "K"); !ok || got.Code != "2823-3" {
			t.Errorf("new element not upserted: %+v ok=%v", got, ok)
		}
	}
}

func TestCoordinator_Resolve_Errors(t *testing.T) {
	e := Error{
		LocalCode:   "E",
		LocalSystem: "http://lab.example.org/codes",
		Type:        TypeOBXStatus,
	}
	taskID := TaskID(labSender, e.Type, e.LocalSystem, e.LocalCode)

	store := newFakeStore(t)
	store.resources["Task/"+taskID] = BuildTask(labSender, e)

	coord := newTestCoordinator(t, store)

	if err := coord.Resolve(context.Background(), "no-such-task", "final", ""); !errors.Is(err, fhir.ErrNotFound) {
		t.Errorf("missing task: err = %v, want ErrNotFound", err)
	}

	if err := coord.Resolve(context.Background(), taskID, "partial", ""); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("invalid obx-status code: err = %v, want ErrInvalidCode", err)
	}

	if err := coord.Resolve(context.Background(), taskID, "final", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := coord.Resolve(context.Background(), taskID, "final", ""); !errors.Is(err, ErrTaskCompleted) {
		t.Errorf("re-resolving a completed task: err = %v, want ErrTaskCompleted", err)
	}
}
