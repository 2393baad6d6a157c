package bar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
)

// Processing-state extensions carried on the Invoice resource.
const (
	ExtProcessingStatus = "http://example.org/invoice-processing-status"
	ExtProcessingReason = "http://example.org/invoice-processing-reason"
	ExtRetryCount       = "http://example.org/invoice-processing-retry-count"
)

// Invoice processing statuses.
const (
	ProcessingPending   = "pending"
	ProcessingCompleted = "completed"
	ProcessingError     = "error"
)

// Builder turns pending Invoices into staged OutgoingBarMessage entries.
// Each tick claims the oldest Invoice whose processing-status extension
// is pending, walks its resource graph, and assembles one BAR message.
type Builder struct {
	client     *fhir.Client
	messages   *message.Repo
	endpoints  Endpoints
	maxRetries int
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	now func() time.Time
}

func NewBuilder(client *fhir.Client, messages *message.Repo, endpoints Endpoints, maxRetries int, m *metrics.Metrics, logger zerolog.Logger) *Builder {
	return &Builder{
		client:     client,
		messages:   messages,
		endpoints:  endpoints,
		maxRetries: maxRetries,
		metrics:    m,
		logger:     logger.With().Str("component", "bar-builder").Logger(),
		now:        time.Now,
	}
}

// Tick claims and processes at most one pending Invoice.
func (b *Builder) Tick(ctx context.Context) (bool, error) {
	found, err := b.client.SearchOne(ctx, "Invoice", url.Values{
		"processing-status": {ProcessingPending},
	})
	if err != nil {
		return false, fmt.Errorf("bar: search pending invoices: %w", err)
	}
	if found == nil {
		return false, nil
	}

	// Re-read under an ETag so the status flip is a guarded claim.
	invoiceID := fhir.ResourceID(found)
	invoice, etag, err := b.client.Get(ctx, "Invoice", invoiceID)
	if err != nil {
		return false, fmt.Errorf("bar: fetch invoice %s: %w", invoiceID, err)
	}

	if err := b.build(ctx, invoice, etag); err != nil {
		b.metrics.BarBuildFailed.Inc()
		if failErr := b.markFailed(ctx, invoice, etag, err); failErr != nil {
			return true, fmt.Errorf("bar: invoice %s: %v (and recording failure: %w)", invoiceID, err, failErr)
		}
		return true, fmt.Errorf("bar: invoice %s: %w", invoiceID, err)
	}

	b.metrics.BarBuilt.Inc()
	b.logger.Info().Str("invoice_id", invoiceID).Msg("bar message staged")
	return true, nil
}

func (b *Builder) build(ctx context.Context, invoice fhir.Resource, etag string) error {
	graph, err := b.fetchGraph(ctx, invoice)
	if err != nil {
		return err
	}

	event := chooseEvent(invoice, graph.Account)
	text, err := Build(event, b.endpoints, graph, b.now())
	if err != nil {
		return err
	}

	invoiceID := fhir.ResourceID(invoice)
	out := &message.Outgoing{
		ID:      "bar-" + invoiceID,
		Patient: fhir.RelativeRef(graph.Patient),
		Invoice: "Invoice/" + invoiceID,
		Message: text,
	}
	if err := b.messages.CreateOutgoing(ctx, out); err != nil {
		// Already staged by an earlier attempt: fall through and
		// just finish flipping the invoice.
		if !errors.Is(err, fhir.ErrPreconditionFailed) {
			return err
		}
	}

	setProcessing(invoice, ProcessingCompleted, "")
	if _, err := b.client.Put(ctx, invoice, etag, false); err != nil {
		return fmt.Errorf("mark invoice completed: %w", err)
	}

	// Billing systems treat the BAR hand-off as issuance.
	if status, _ := fhir.GetString(invoice, "status"); status == "draft" {
		if err := b.issueInvoice(ctx, invoiceID); err != nil {
			b.logger.Warn().Err(err).Str("invoice_id", invoiceID).Msg("could not flip invoice status to issued")
		}
	}
	return nil
}

// issueInvoice flips Invoice.status to issued with a FHIRPath patch so
// the write cannot clobber concurrent edits to the rest of the resource.
func (b *Builder) issueInvoice(ctx context.Context, invoiceID string) error {
	return b.client.Patch(ctx, "Invoice", invoiceID, fhir.Resource{
		"resourceType": "Parameters",
		"parameter": []interface{}{
			fhir.Resource{
				"name": "operation",
				"part": []interface{}{
					fhir.Resource{"name": "type", "valueCode": "replace"},
					fhir.Resource{"name": "path", "valueString": "Invoice.status"},
					fhir.Resource{"name": "value", "valueCode": "issued"},
				},
			},
		},
	})
}

// markFailed bumps the retry count and either leaves the invoice pending
// for another attempt or parks it at error with the failure reason.
func (b *Builder) markFailed(ctx context.Context, invoice fhir.Resource, etag string, cause error) error {
	retries := retryCount(invoice) + 1
	fhir.SetExtension(invoice, fhir.Extension(ExtRetryCount, "valueInteger", retries))

	if retries >= b.maxRetries {
		setProcessing(invoice, ProcessingError, cause.Error())
	} else {
		setProcessing(invoice, ProcessingPending, cause.Error())
	}

	_, err := b.client.Put(ctx, invoice, etag, false)
	return err
}

func setProcessing(invoice fhir.Resource, status, reason string) {
	fhir.SetExtension(invoice, fhir.Extension(ExtProcessingStatus, "valueCode", status))
	if reason == "" {
		fhir.RemoveExtension(invoice, ExtProcessingReason)
	} else {
		fhir.SetExtension(invoice, fhir.Extension(ExtProcessingReason, "valueString", reason))
	}
}

func retryCount(invoice fhir.Resource) int {
	ext, ok := fhir.FindExtension(invoice, ExtRetryCount)
	if !ok {
		return 0
	}
	switch v := ext["valueInteger"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// chooseEvent picks the BAR trigger: P06 once the account service period
// has closed, P05 for invoices already issued, P01 otherwise.
func chooseEvent(invoice, account fhir.Resource) string {
	if _, ok := fhir.GetPath(account, "servicePeriod.end"); ok {
		return EventEnd
	}
	if status, _ := fhir.GetString(invoice, "status"); status == "issued" {
		return EventUpdate
	}
	return EventAdd
}

// fetchGraph walks the Invoice's references and collects everything the
// segment builders need. The Patient is required; other branches that
// fail to resolve are skipped.
func (b *Builder) fetchGraph(ctx context.Context, invoice fhir.Resource) (Graph, error) {
	graph := Graph{Invoice: invoice, Payors: map[string]fhir.Resource{}}

	patientRef, ok := fhir.GetPath(invoice, "subject.reference")
	if !ok {
		return graph, fmt.Errorf("invoice has no subject")
	}
	patient, _, err := b.client.Get(ctx, "Patient", fhir.RefID(patientRef))
	if err != nil {
		return graph, fmt.Errorf("fetch %s: %w", patientRef, err)
	}
	graph.Patient = patient

	graph.Account = b.fetchAccount(ctx, invoice, patientRef)
	b.fetchChargeItems(ctx, invoice, &graph)
	b.fetchParticipants(ctx, invoice, &graph)
	b.fetchPatientBranches(ctx, patientRef, &graph)
	b.fetchGuarantors(ctx, &graph)
	return graph, nil
}

// fetchParticipants resolves Invoice.participant actors to their
// Practitioner resources, keeping each entry's role code for the PV1
// provider fields.
func (b *Builder) fetchParticipants(ctx context.Context, invoice fhir.Resource, graph *Graph) {
	entries, _ := fhir.GetArray(invoice, "participant")
	for _, raw := range entries {
		entry, ok := raw.(fhir.Resource)
		if !ok {
			continue
		}
		ref, ok := fhir.GetPath(entry, "actor.reference")
		if !ok {
			continue
		}
		resourceType, id, ok := fhir.SplitRef(ref)
		if !ok || resourceType != "Practitioner" {
			continue
		}
		practitioner, _, err := b.client.Get(ctx, "Practitioner", id)
		if err != nil {
			b.logger.Warn().Err(err).Str("reference", ref).Msg("invoice participant not resolvable")
			continue
		}

		role := ""
		if coding, ok := fhir.FirstCoding(entry, "role"); ok {
			role, _ = fhir.GetString(coding, "code")
		}
		graph.Participants = append(graph.Participants, Participant{Role: role, Practitioner: practitioner})
	}
}

// fetchAccount resolves Invoice.account, falling back to a minimal
// in-memory Account when the invoice does not carry one.
func (b *Builder) fetchAccount(ctx context.Context, invoice fhir.Resource, patientRef string) fhir.Resource {
	if ref, ok := fhir.GetPath(invoice, "account.reference"); ok {
		account, _, err := b.client.Get(ctx, "Account", fhir.RefID(ref))
		if err == nil {
			return account
		}
		b.logger.Warn().Err(err).Str("reference", ref).Msg("invoice account not resolvable")
	}
	return fhir.Resource{
		"resourceType": "Account",
		"id":           fhir.ResourceID(invoice),
		"status":       "active",
		"subject":      []interface{}{fhir.Resource{"reference": patientRef}},
	}
}

func (b *Builder) fetchChargeItems(ctx context.Context, invoice fhir.Resource, graph *Graph) {
	items, _ := fhir.GetArray(invoice, "lineItem")
	for _, raw := range items {
		line, ok := raw.(fhir.Resource)
		if !ok {
			continue
		}
		ref, ok := fhir.GetPath(line, "chargeItemReference.reference")
		if !ok {
			continue
		}
		chargeItem, _, err := b.client.Get(ctx, "ChargeItem", fhir.RefID(ref))
		if err != nil {
			b.logger.Warn().Err(err).Str("reference", ref).Msg("charge item not resolvable")
			continue
		}

		if graph.Encounter == nil {
			if encRef, ok := fhir.GetPath(chargeItem, "context.reference"); ok {
				if enc, _, err := b.client.Get(ctx, "Encounter", fhir.RefID(encRef)); err == nil {
					graph.Encounter = enc
				}
			}
		}

		services, _ := fhir.GetArray(chargeItem, "service")
		for _, rawSvc := range services {
			svc, ok := rawSvc.(fhir.Resource)
			if !ok {
				continue
			}
			svcRef, ok := fhir.GetString(svc, "reference")
			if !ok {
				continue
			}
			resourceType, id, ok := fhir.SplitRef(svcRef)
			if !ok || resourceType != "Procedure" {
				continue
			}
			if procedure, _, err := b.client.Get(ctx, "Procedure", id); err == nil {
				graph.Procedures = append(graph.Procedures, procedure)
			}
		}
	}
}

func (b *Builder) fetchPatientBranches(ctx context.Context, patientRef string, graph *Graph) {
	if bundle, err := b.client.Search(ctx, "Condition", url.Values{"patient": {patientRef}}); err == nil {
		graph.Conditions = bundle.Resources()
	} else {
		b.logger.Warn().Err(err).Msg("condition search failed")
	}

	bundle, err := b.client.Search(ctx, "Coverage", url.Values{"beneficiary": {patientRef}})
	if err != nil {
		b.logger.Warn().Err(err).Msg("coverage search failed")
		return
	}
	graph.Coverages = bundle.Resources()

	for _, coverage := range graph.Coverages {
		payorRefs, _ := fhir.GetArray(coverage, "payor")
		for _, raw := range payorRefs {
			payor, ok := raw.(fhir.Resource)
			if !ok {
				continue
			}
			ref, ok := fhir.GetString(payor, "reference")
			if !ok {
				continue
			}
			resourceType, id, ok := fhir.SplitRef(ref)
			if !ok || resourceType != "Organization" {
				continue
			}
			if _, seen := graph.Payors[ref]; seen {
				continue
			}
			if org, _, err := b.client.Get(ctx, "Organization", id); err == nil {
				graph.Payors[ref] = org
			}
		}
	}
}

func (b *Builder) fetchGuarantors(ctx context.Context, graph *Graph) {
	entries, _ := fhir.GetArray(graph.Account, "guarantor")
	for _, raw := range entries {
		entry, ok := raw.(fhir.Resource)
		if !ok {
			continue
		}
		ref, ok := fhir.GetPath(entry, "party.reference")
		if !ok {
			continue
		}
		resourceType, id, ok := fhir.SplitRef(ref)
		if !ok {
			continue
		}
		if party, _, err := b.client.Get(ctx, resourceType, id); err == nil {
			graph.Guarantors = append(graph.Guarantors, party)
		}
	}
}
