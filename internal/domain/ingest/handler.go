package ingest

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7bridge/internal/domain/mapping"
	"github.com/ehr/hl7bridge/internal/domain/message"
	"github.com/ehr/hl7bridge/internal/platform/fhir"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

const defaultListCount = 50

// Handler provides the operator HTTP API: REST ingest, queue inspection
// and mapping-task resolution.
type Handler struct {
	svc         *Service
	repo        *message.Repo
	coordinator *mapping.Coordinator
	client      *fhir.Client
	validate    *validator.Validate
}

func NewHandler(svc *Service, repo *message.Repo, coordinator *mapping.Coordinator, client *fhir.Client) *Handler {
	return &Handler{
		svc:         svc,
		repo:        repo,
		coordinator: coordinator,
		client:      client,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes registers the operator endpoints on the given group.
//
//	POST /hl7v2/messages             - Ingest a raw HL7v2 message
//	GET  /hl7v2/messages             - List queue entries
//	GET  /hl7v2/messages/:id         - Fetch one queue entry
//	GET  /mapping/tasks              - List mapping tasks
//	POST /mapping/tasks/:id/resolve  - Resolve a mapping task
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/messages", h.IngestMessage)
	g.GET("/hl7v2/messages", h.ListMessages)
	g.GET("/hl7v2/messages/:id", h.GetMessage)
	g.GET("/mapping/tasks", h.ListTasks)
	g.POST("/mapping/tasks/:id/resolve", h.ResolveTask)
}

// IngestMessage handles POST /hl7v2/messages. The body is the raw HL7v2
// text; MLLP framing bytes are tolerated and stripped.
func (h *Handler) IngestMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}
	raw := bytes.TrimSpace(body)
	if payload, _, found := hl7v2.Unframe(raw); found {
		raw = payload
	}
	if len(raw) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "message body is required",
		})
	}

	// Parse failures are not rejections: the entry is queued and the
	// processor records the error, same as over MLLP.
	msg, _ := hl7v2.Parse(raw)

	in, err := h.svc.Ingest(c.Request().Context(), raw, msg, "rest")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to enqueue message: " + err.Error(),
		})
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"id":          in.ID,
		"messageType": in.Type,
		"status":      string(in.Status),
	})
}

// ListMessages handles GET /hl7v2/messages with optional ?status= and
// ?count= filters.
func (h *Handler) ListMessages(c echo.Context) error {
	count := defaultListCount
	if raw := c.QueryParam("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "count must be a positive integer",
			})
		}
		count = n
	}

	entries, err := h.repo.ListIncoming(c.Request().Context(), message.Status(c.QueryParam("status")), count)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to list messages: " + err.Error(),
		})
	}

	out := make([]fhir.Resource, 0, len(entries))
	for _, m := range entries {
		out = append(out, m.ToResource())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":    len(out),
		"messages": out,
	})
}

// GetMessage handles GET /hl7v2/messages/:id.
func (h *Handler) GetMessage(c echo.Context) error {
	m, _, err := h.repo.GetIncoming(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, fhir.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "message not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to fetch message: " + err.Error(),
		})
	}
	return c.JSON(http.StatusOK, m.ToResource())
}

// ListTasks handles GET /mapping/tasks. Defaults to open (requested)
// tasks; pass ?status=completed for resolved ones.
func (h *Handler) ListTasks(c echo.Context) error {
	status := c.QueryParam("status")
	if status == "" {
		status = mapping.TaskRequested
	}

	bundle, err := h.client.Search(c.Request().Context(), "Task", url.Values{
		"status": {status},
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to list tasks: " + err.Error(),
		})
	}

	tasks := bundle.Resources()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total": len(tasks),
		"tasks": tasks,
	})
}

type resolveRequest struct {
	Code    string `json:"code" validate:"required"`
	Display string `json:"display"`
}

// ResolveTask handles POST /mapping/tasks/:id/resolve.
func (h *Handler) ResolveTask(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "code is required",
		})
	}

	taskID := c.Param("id")
	err := h.coordinator.Resolve(c.Request().Context(), taskID, req.Code, req.Display)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{
			"task":   "Task/" + taskID,
			"status": mapping.TaskCompleted,
		})
	case errors.Is(err, fhir.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "task not found",
		})
	case errors.Is(err, mapping.ErrTaskCompleted):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "task is already completed",
		})
	case errors.Is(err, mapping.ErrInvalidCode):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, fhir.ErrPreconditionFailed):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "task was modified concurrently, retry",
		})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to resolve task: " + err.Error(),
		})
	}
}
