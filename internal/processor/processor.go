// Package processor drives inbound queue entries through the converter
// kernel and writes the results back to the store.
package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/convert"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
)

// Processor is the single-writer tick for the inbound queue. Each tick
// claims the oldest received message, converts it, submits the resulting
// transaction, and moves the message to its next lifecycle state.
type Processor struct {
	repo    *message.Repo
	client  *fhir.Client
	deps    convert.Deps
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Processor.
func New(repo *message.Repo, client *fhir.Client, deps convert.Deps, m *metrics.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		repo:    repo,
		client:  client,
		deps:    deps,
		metrics: m,
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

// Tick processes at most one message. It reports worked=false when the
// queue is empty. An error leaves the message at received so the next
// tick retries it after the poll interval.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	m, err := p.repo.OldestReceived(ctx)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}

	result, err := convert.Convert(ctx, p.deps, []byte(m.Raw))
	if err != nil {
		return false, fmt.Errorf("processor: convert message %s: %w", m.ID, err)
	}

	if result.Bundle != nil && !result.Bundle.IsEmpty() {
		if _, err := p.client.Transaction(ctx, result.Bundle); err != nil {
			return false, fmt.Errorf("processor: submit transaction for message %s: %w", m.ID, err)
		}
	}

	m.Status = result.Status
	m.ErrorReason = result.ErrorReason
	m.UnmappedCodes = result.UnmappedCodes
	if result.Patient != "" {
		m.Patient = result.Patient
	}
	m.OutputBundle = ""
	if result.Status == message.StatusProcessed || result.Status == message.StatusWarning {
		if encoded, err := json.Marshal(result.Bundle); err == nil {
			m.OutputBundle = string(encoded)
		}
	}

	if err := p.repo.UpdateIncoming(ctx, m, ""); err != nil {
		return false, fmt.Errorf("processor: update message %s: %w", m.ID, err)
	}

	p.metrics.MessagesProcessed.WithLabelValues(string(m.Status)).Inc()
	if m.Status == message.StatusMappingError && result.Bundle != nil {
		for _, e := range result.Bundle.Entry {
			if fhir.ResourceType(e.Resource) == "Task" {
				p.metrics.TasksCreated.Inc()
			}
		}
	}

	evt := p.logger.Info()
	if m.Status == message.StatusError {
		evt = p.logger.Warn().Str("reason", m.ErrorReason)
	}
	evt.
		Str("message", m.ID).
		Str("type", m.Type).
		Str("status", string(m.Status)).
		Int("unmapped", len(m.UnmappedCodes)).
		Msg("message processed")

	return true, nil
}
