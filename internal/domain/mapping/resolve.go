package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/metrics"
)

// ErrTaskCompleted is returned when resolving a Task that is already
// completed.
var ErrTaskCompleted = errors.New("mapping: task is already completed")

// Coordinator performs Task resolution: one atomic (Task + ConceptMap)
// transaction followed by best-effort re-enqueue of every message still
// blocked on the Task.
type Coordinator struct {
	client   *fhir.Client
	messages *message.Repo
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(client *fhir.Client, messages *message.Repo, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		client:   client,
		messages: messages,
		metrics:  m,
		logger:   logger.With().Str("component", "task-resolution").Logger(),
	}
}

// Resolve completes the Task with the given resolved code and records
// the mapping in the sender's ConceptMap, in one transaction. The Task
// and ConceptMap either both commit or both fail; messages are then
// re-enqueued individually under their own ETags.
func (c *Coordinator) Resolve(ctx context.Context, taskID, resolvedCode, resolvedDisplay string) error {
	task, taskETag, err := c.client.Get(ctx, "Task", taskID)
	if err != nil {
		return fmt.Errorf("mapping: fetch Task/%s: %w", taskID, err)
	}
	if status, _ := fhir.GetString(task, "status"); status == TaskCompleted {
		return fmt.Errorf("%w: Task/%s", ErrTaskCompleted, taskID)
	}

	details, err := ParseTask(task)
	if err != nil {
		return err
	}

	if err := ValidateCode(details.Type, resolvedCode); err != nil {
		return err
	}

	cmID := ConceptMapID(details.Sender, details.Type)
	cm, cmETag, err := c.client.Get(ctx, "ConceptMap", cmID)
	newMap := false
	switch {
	case errors.Is(err, fhir.ErrNotFound):
		cm = NewConceptMap(details.Sender, details.Type)
		newMap = true
	case err != nil:
		return fmt.Errorf("mapping: fetch ConceptMap/%s: %w", cmID, err)
	}

	target := Target{Code: resolvedCode, Display: resolvedDisplay}
	UpsertElement(cm, details.LocalSystem, details.LocalCode, target)

	bundle := fhir.NewTransaction()
	bundle.PutIfMatch(CompleteTask(task, details.Type, target), taskETag)
	if newMap {
		bundle.PutIfNoneMatch(cm)
	} else {
		bundle.PutIfMatch(cm, cmETag)
	}

	if _, err := c.client.Transaction(ctx, bundle); err != nil {
		return fmt.Errorf("mapping: commit resolution of Task/%s: %w", taskID, err)
	}

	c.metrics.TasksResolved.Inc()
	c.logger.Info().
		Str("task", taskID).
		Str("concept_map", cmID).
		Str("local_code", details.LocalCode).
		Str("resolved_code", resolvedCode).
		Msg("mapping resolved")

	c.requeueBlocked(ctx, taskID)
	return nil
}

// requeueBlocked removes the resolved Task from every blocked message
// and flips fully unblocked messages back to received. Each write is
// guarded by the message's own ETag; failures are logged and left for
// the next resolution or a manual retry — the queue state remains
// consistent either way.
func (c *Coordinator) requeueBlocked(ctx context.Context, taskID string) {
	blocked, err := c.messages.ListBlockedByTask(ctx, taskID)
	if err != nil {
		c.logger.Error().Err(err).Str("task", taskID).Msg("failed to query blocked messages")
		return
	}

	taskRef := "Task/" + taskID
	for _, stale := range blocked {
		// Re-read under ETag: the list result may be stale.
		m, etag, err := c.messages.GetIncoming(ctx, stale.ID)
		if err != nil {
			c.logger.Error().Err(err).Str("message", stale.ID).Msg("failed to refetch blocked message")
			continue
		}
		if !m.RemoveUnmappedForTask(taskRef) {
			continue
		}
		if len(m.UnmappedCodes) == 0 {
			m.Status = message.StatusReceived
			m.ErrorReason = ""
		}
		if err := c.messages.UpdateIncoming(ctx, m, etag); err != nil {
			c.logger.Error().Err(err).Str("message", m.ID).Msg("failed to re-enqueue message")
			continue
		}
		if m.Status == message.StatusReceived {
			c.metrics.MessagesRequeued.Inc()
			c.logger.Info().Str("message", m.ID).Msg("message re-enqueued")
		}
	}
}
