package bar

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
)

// Sender delivers staged OutgoingBarMessage entries. Delivery means
// creating an IncomingHL7v2Message at the sink store, which is the
// receiving system's inbound queue (often the same backend).
type Sender struct {
	messages *message.Repo
	sink     *message.Repo
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewSender(messages, sink *message.Repo, m *metrics.Metrics, logger zerolog.Logger) *Sender {
	return &Sender{
		messages: messages,
		sink:     sink,
		metrics:  m,
		logger:   logger.With().Str("component", "bar-sender").Logger(),
	}
}

// Tick delivers at most one pending message, oldest first.
func (s *Sender) Tick(ctx context.Context) (bool, error) {
	out, err := s.messages.OldestPendingOutgoing(ctx)
	if err != nil {
		return false, fmt.Errorf("bar: search pending outgoing: %w", err)
	}
	if out == nil {
		return false, nil
	}

	msgType := "BAR"
	if parsed, err := hl7v2.Parse([]byte(out.Message)); err == nil {
		msgType = parsed.TypeName()
	}

	incoming := &message.Incoming{
		ID:     uuid.NewString(),
		Raw:    out.Message,
		Type:   msgType,
		Status: message.StatusReceived,
	}
	if err := s.sink.CreateIncoming(ctx, incoming); err != nil {
		return true, fmt.Errorf("bar: deliver %s to sink: %w", out.ID, err)
	}

	out.Status = message.OutgoingSent
	if err := s.messages.UpdateOutgoing(ctx, out); err != nil {
		return true, fmt.Errorf("bar: mark %s sent: %w", out.ID, err)
	}

	s.metrics.BarSent.Inc()
	s.logger.Info().Str("outgoing_id", out.ID).Str("message_type", msgType).Msg("bar message delivered")
	return true, nil
}
