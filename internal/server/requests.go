package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/terralens/geolocator/internal/engine"
	"github.com/terralens/geolocator/internal/store"
)

// RequestsHandler exposes the analysis request lifecycle over HTTP.
type RequestsHandler struct {
	Orch   *engine.Orchestrator
	Store  *store.Store // optional, serves history after restarts
	Logger *log.Logger
}

// Register mounts the request routes on the given group.
func (h *RequestsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(AuthMiddleware(secret))
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:id", h.status)
	g.GET("/:id/result", h.result)
	g.GET("/:id/events", h.events)
	g.DELETE("/:id", h.cancel)
}

func (h *RequestsHandler) submit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.Orch.Submit(c.Request().Context(), engine.SubmissionInput{
		DescriptorRef: req.DescriptorRef,
		RequesterID:   requesterID(c),
		Metadata:      req.Metadata,
	})
	if err != nil {
		var invalid *engine.InvalidInputError
		if errors.As(err, &invalid) {
			return echo.NewHTTPError(http.StatusBadRequest, invalid.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RequestID: id})
}

func (h *RequestsHandler) status(c echo.Context) error {
	id := c.Param("id")
	status, err := h.Orch.Status(id)
	if err == nil {
		return c.JSON(http.StatusOK, status)
	}
	if !errors.Is(err, engine.ErrUnknownRequest) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// not in memory; fall back to the durable record
	if h.Store != nil {
		rec, ok, serr := h.Store.GetRequest(c.Request().Context(), id)
		if serr != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, serr.Error())
		}
		if ok {
			return c.JSON(http.StatusOK, engine.RequestStatus{
				RequestID:   id,
				State:       rec.Request.State,
				Error:       rec.FailureReason,
				LastMessage: rec.FailureReason,
			})
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "unknown request")
}

func (h *RequestsHandler) result(c echo.Context) error {
	id := c.Param("id")
	result, err := h.Orch.Result(id)
	if err == nil {
		return c.JSON(http.StatusOK, ResultResponse{RequestID: id, State: engine.StateCompleted, Result: result})
	}

	var failure *engine.RequestFailure
	if errors.As(err, &failure) {
		state := engine.StateFailed
		if failure.Code == engine.FailureCancelled {
			state = engine.StateCancelled
		}
		return c.JSON(http.StatusOK, ResultResponse{
			RequestID: id,
			State:     state,
			Failure: &FailureDetail{
				Code:            failure.Code,
				Reason:          failure.Reason,
				PartialFindings: failure.PartialFindings,
				Partial:         failure.Partial,
			},
		})
	}

	var notReady *engine.NotReadyError
	if errors.As(err, &notReady) {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("request is %s, result not ready", notReady.State))
	}

	if errors.Is(err, engine.ErrUnknownRequest) {
		if h.Store != nil {
			stored, ok, serr := h.Store.GetConsensusResult(c.Request().Context(), id)
			if serr != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, serr.Error())
			}
			if ok {
				return c.JSON(http.StatusOK, ResultResponse{RequestID: id, State: engine.StateCompleted, Result: &stored})
			}
		}
		return echo.NewHTTPError(http.StatusNotFound, "unknown request")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *RequestsHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.Orch.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrUnknownRequest) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown request")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// events streams progress for a request as server-sent events until the
// request reaches a terminal state or the client disconnects.
func (h *RequestsHandler) events(c echo.Context) error {
	id := c.Param("id")
	status, err := h.Orch.Status(id)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownRequest) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown request")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	if status.State.Terminal() {
		writeSSE(resp, "status", status)
		return nil
	}

	ch, cancel := h.Orch.Reporter().Subscribe(id)
	defer cancel()

	// late subscribers catch up from the current status first
	writeSSE(resp, "status", status)

	ctx := c.Request().Context()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				if final, err := h.Orch.Status(id); err == nil {
					writeSSE(resp, "status", final)
				}
				return nil
			}
			writeSSE(resp, "progress", ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func writeSSE(resp *echo.Response, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
	resp.Flush()
}

func (h *RequestsHandler) list(c echo.Context) error {
	if h.Store == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "history requires persistence")
	}
	recs, err := h.Store.ListRequestsByRequester(c.Request().Context(), requesterID(c), 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]RequestHistoryItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, RequestHistoryItem{
			RequestID:     rec.Request.ID,
			DescriptorRef: rec.Request.DescriptorRef,
			State:         rec.Request.State,
			FailureReason: rec.FailureReason,
			CreatedAt:     rec.Request.CreatedAt,
			UpdatedAt:     rec.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, items)
}
