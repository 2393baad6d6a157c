package message

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ehr/hl7bridge/internal/platform/fhir"
)

// Repo persists queue entries in the FHIR store. It is the only writer
// of IncomingHL7v2Message resources besides the resolution coordinator's
// re-enqueue pass.
type Repo struct {
	client *fhir.Client
}

// NewRepo creates a Repo over the given store client.
func NewRepo(client *fhir.Client) *Repo {
	return &Repo{client: client}
}

// CreateIncoming persists a new queue entry. The id must already be set;
// creation is guarded with If-None-Match so an id collision surfaces as
// fhir.ErrPreconditionFailed instead of a silent overwrite.
func (r *Repo) CreateIncoming(ctx context.Context, m *Incoming) error {
	if m.ID == "" {
		return fmt.Errorf("message: incoming id is required")
	}
	if m.Status == "" {
		m.Status = StatusReceived
	}
	if _, err := r.client.Put(ctx, m.ToResource(), "", true); err != nil {
		return fmt.Errorf("message: create incoming %s: %w", m.ID, err)
	}
	return nil
}

// OldestReceived returns the single oldest entry with status=received
// (FIFO by _lastUpdated), or nil when the queue is empty.
func (r *Repo) OldestReceived(ctx context.Context) (*Incoming, error) {
	res, err := r.client.SearchOne(ctx, IncomingTypeName, url.Values{
		"status": {string(StatusReceived)},
	})
	if err != nil {
		return nil, fmt.Errorf("message: query received queue: %w", err)
	}
	if res == nil {
		return nil, nil
	}
	return IncomingFromResource(res)
}

// UpdateIncoming overwrites an entry. etag, when non-empty, guards the
// write with If-Match.
func (r *Repo) UpdateIncoming(ctx context.Context, m *Incoming, etag string) error {
	if _, err := r.client.Put(ctx, m.ToResource(), etag, false); err != nil {
		return fmt.Errorf("message: update incoming %s: %w", m.ID, err)
	}
	return nil
}

// GetIncoming fetches one entry with its ETag.
func (r *Repo) GetIncoming(ctx context.Context, id string) (*Incoming, string, error) {
	res, etag, err := r.client.Get(ctx, IncomingTypeName, id)
	if err != nil {
		return nil, "", err
	}
	m, err := IncomingFromResource(res)
	return m, etag, err
}

// ListBlockedByTask returns every mapping_error entry whose unmapped
// codes reference the given Task, via the custom unmapped-task search
// parameter.
func (r *Repo) ListBlockedByTask(ctx context.Context, taskID string) ([]*Incoming, error) {
	bundle, err := r.client.Search(ctx, IncomingTypeName, url.Values{
		"status":        {string(StatusMappingError)},
		"unmapped-task": {"Task/" + taskID},
	})
	if err != nil {
		return nil, fmt.Errorf("message: query blocked messages for Task/%s: %w", taskID, err)
	}

	var out []*Incoming
	for _, res := range bundle.Resources() {
		m, err := IncomingFromResource(res)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ListIncoming returns queue entries, newest first, optionally filtered
// by status.
func (r *Repo) ListIncoming(ctx context.Context, status Status, count int) ([]*Incoming, error) {
	params := url.Values{
		"_sort":  {"-_lastUpdated"},
		"_count": {fmt.Sprint(count)},
	}
	if status != "" {
		params.Set("status", string(status))
	}
	bundle, err := r.client.Search(ctx, IncomingTypeName, params)
	if err != nil {
		return nil, fmt.Errorf("message: list incoming: %w", err)
	}

	var out []*Incoming
	for _, res := range bundle.Resources() {
		m, err := IncomingFromResource(res)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// CreateOutgoing stages a new outbound BAR message.
func (r *Repo) CreateOutgoing(ctx context.Context, m *Outgoing) error {
	if m.ID == "" {
		return fmt.Errorf("message: outgoing id is required")
	}
	if m.Status == "" {
		m.Status = OutgoingPending
	}
	if _, err := r.client.Put(ctx, m.ToResource(), "", true); err != nil {
		return fmt.Errorf("message: create outgoing %s: %w", m.ID, err)
	}
	return nil
}

// OldestPendingOutgoing returns the oldest staged message awaiting
// delivery, or nil.
func (r *Repo) OldestPendingOutgoing(ctx context.Context) (*Outgoing, error) {
	res, err := r.client.SearchOne(ctx, OutgoingTypeName, url.Values{
		"status": {OutgoingPending},
	})
	if err != nil {
		return nil, fmt.Errorf("message: query outgoing queue: %w", err)
	}
	if res == nil {
		return nil, nil
	}
	return OutgoingFromResource(res)
}

// UpdateOutgoing overwrites a staged message.
func (r *Repo) UpdateOutgoing(ctx context.Context, m *Outgoing) error {
	if _, err := r.client.Put(ctx, m.ToResource(), "", false); err != nil {
		return fmt.Errorf("message: update outgoing %s: %w", m.ID, err)
	}
	return nil
}
