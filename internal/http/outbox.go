package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func healthHandler(d Runner) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]any{"status": "ok"}
		if d != nil {
			body["dispatcher_running"] = d.Running()
		}
		return c.JSON(http.StatusOK, body)
	}
}

func statsHandler(store repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := store.Stats(c.Request().Context())
		if err != nil {
			c.Logger().Errorf("outbox stats failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, st)
	}
}

func handlersHandler(h Introspector) echo.HandlerFunc {
	return func(c echo.Context) error {
		out := map[string]int{}
		if h != nil {
			for _, name := range h.EventNames() {
				out[name] = h.HandlerCount(name)
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"handlers": out})
	}
}

func listByAggregateHandler(store repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		aggType := strings.TrimSpace(c.QueryParam("aggregate_type"))
		aggID := strings.TrimSpace(c.QueryParam("aggregate_id"))
		if aggType == "" || aggID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "aggregate_type and aggregate_id are required"})
		}

		recs, err := store.FindByAggregate(c.Request().Context(), aggType, aggID)
		if err != nil {
			c.Logger().Errorf("find by aggregate failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		out := make([]eventView, 0, len(recs))
		for _, r := range recs {
			out = append(out, newEventView(r))
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(out),
			"results": out,
		})
	}
}

func getEventHandler(store repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		rec, err := store.Get(c.Request().Context(), c.Param("id"))
		if errors.Is(err, repository.ErrEventNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		if err != nil {
			c.Logger().Errorf("get event failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, newEventView(*rec))
	}
}

func listDeadLettersHandler(store repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 100
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		org := strings.TrimSpace(c.QueryParam("organization_id"))

		recs, err := store.ListDeadLetters(c.Request().Context(), org, limit)
		if err != nil {
			c.Logger().Errorf("list dead letters failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		out := make([]eventView, 0, len(recs))
		for _, r := range recs {
			out = append(out, newEventView(r))
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"count":   len(out),
			"results": out,
		})
	}
}

type requeueReq struct {
	Attempts int `json:"attempts"`
}

func requeueHandler(store repository.OutboxRepository, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := requeueReq{Attempts: 1}
		if c.Request().ContentLength > 0 {
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
			}
		}
		if req.Attempts <= 0 || req.Attempts > 100 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "attempts must be between 1 and 100"})
		}

		id := c.Param("id")
		err := store.Requeue(c.Request().Context(), id, req.Attempts)
		switch {
		case errors.Is(err, repository.ErrEventNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		case errors.Is(err, repository.ErrNotDeadLettered):
			return c.JSON(http.StatusConflict, map[string]string{"error": "event is not dead-lettered"})
		case err != nil:
			c.Logger().Errorf("requeue failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "requeue failed"})
		}

		log.Info("dead letter requeued", zap.String("event_id", id), zap.Int("attempts", req.Attempts))
		return c.JSON(http.StatusAccepted, map[string]any{"event_id": id, "attempts": req.Attempts})
	}
}

func auditHandler(audit repository.AuditRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if audit == nil {
			return c.JSON(http.StatusNotImplemented, map[string]string{"error": "audit store disabled"})
		}

		aggType := strings.TrimSpace(c.QueryParam("aggregate_type"))
		aggID := strings.TrimSpace(c.QueryParam("aggregate_id"))
		if aggType == "" || aggID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "aggregate_type and aggregate_id are required"})
		}

		limit := 50
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		rows, err := audit.ListByAggregate(
			c.Request().Context(),
			strings.TrimSpace(c.QueryParam("organization_id")),
			aggType,
			aggID,
			limit,
		)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"count":   len(rows),
			"results": rows,
		})
	}
}

type eventView struct {
	EventID        string          `json:"event_id"`
	OrganizationID string          `json:"organization_id"`
	EventType      string          `json:"event_type"`
	EventName      string          `json:"event_name"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       model.Metadata  `json:"metadata"`
	Status         model.Status    `json:"status"`
	DeadLettered   bool            `json:"dead_lettered"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	LockedBy       string          `json:"locked_by,omitempty"`
}

func newEventView(r model.Record) eventView {
	return eventView{
		EventID:        r.EventID,
		OrganizationID: r.OrganizationID,
		EventType:      r.EventType,
		EventName:      r.EventName,
		AggregateType:  r.AggregateType,
		AggregateID:    r.AggregateID,
		Payload:        r.Payload,
		Metadata:       r.Metadata,
		Status:         r.Status,
		DeadLettered:   r.DeadLettered(),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		ProcessedAt:    r.ProcessedAt,
		NextAttemptAt:  r.NextAttemptAt,
		LockedBy:       r.LockedBy,
	}
}
