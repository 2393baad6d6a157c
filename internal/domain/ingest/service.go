// Package ingest accepts inbound HL7v2 messages over MLLP and REST and
// enqueues them as IncomingHL7v2Message resources. Ingestion never
// converts: a syntactically broken message is still persisted so the
// processor can record the failure on the queue entry.
package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
)

// Service enqueues raw messages from any ingest source.
type Service struct {
	repo    *message.Repo
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(repo *message.Repo, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		metrics: m,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

// Ingest persists one raw message with status received. msg may be nil
// when the payload did not parse; the declared type is then left empty
// and the processor reports the parse failure.
func (s *Service) Ingest(ctx context.Context, raw []byte, msg *hl7v2.Message, source string) (*message.Incoming, error) {
	msgType := ""
	if msg != nil {
		msgType = msg.TypeName()
	}

	in := &message.Incoming{
		ID:     uuid.NewString(),
		Raw:    string(raw),
		Type:   msgType,
		Status: message.StatusReceived,
	}
	if err := s.repo.CreateIncoming(ctx, in); err != nil {
		return nil, err
	}

	s.metrics.MessagesReceived.WithLabelValues(source).Inc()
	s.logger.Info().
		Str("message_id", in.ID).
		Str("message_type", msgType).
		Str("source", source).
		Msg("message enqueued")
	return in, nil
}

// MLLPReceiver adapts the Service to the MLLP listener. The returned
// error decides the MSA-1 code, so the ACK counter mirrors it.
type MLLPReceiver struct {
	svc *Service
}

func NewMLLPReceiver(svc *Service) *MLLPReceiver {
	return &MLLPReceiver{svc: svc}
}

func (r *MLLPReceiver) Receive(ctx context.Context, raw []byte, msg *hl7v2.Message) error {
	_, err := r.svc.Ingest(ctx, raw, msg, "mllp")

	code := hl7v2.AckAccept
	if err != nil {
		code = hl7v2.AckError
	}
	r.svc.metrics.AcksSent.WithLabelValues(code).Inc()
	return err
}
