package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/loomstack/loom/internal/client"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
)

const defaultListLimit = 100

func (s *Server) startWorkflow(c *gin.Context) {
	var req api.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	opts := []client.StartOption{}
	if req.ID != "" {
		opts = append(opts, client.WithID(api.WorkflowID(req.ID)))
	}
	if len(req.InitialState) > 0 {
		opts = append(opts, client.WithInitialState(req.InitialState))
	}

	h, err := s.client.Start(
		c.Request.Context(), req.Name, req.Version, req.Input, opts...)
	switch {
	case errors.Is(err, registry.ErrWorkflowNotFound):
		abortError(c, http.StatusNotFound, err)
		return
	case errors.Is(err, store.ErrWorkflowExists):
		abortError(c, http.StatusConflict, err)
		return
	case err != nil:
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, api.StartWorkflowResponse{
		ID:     h.ID(),
		Status: api.StatusRunning,
	})
}

func (s *Server) listWorkflows(c *gin.Context) {
	status := api.WorkflowStatus(c.Query("status"))
	if status != "" {
		if err := status.Validate(); err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			abortError(c, http.StatusBadRequest,
				errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	res, err := s.client.List(c.Request.Context(), status, limit)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": res})
}

func (s *Server) inspectWorkflow(c *gin.Context) {
	id := api.WorkflowID(c.Param("workflowID"))
	wf, events, err := s.client.Inspect(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, api.InspectResponse{
		Workflow: wf,
		Events:   events,
	})
}

// getState returns the folded state; an optional "path" query selects a
// sub-document with gjson syntax, e.g. ?path=order.items.0.sku
func (s *Server) getState(c *gin.Context) {
	id := api.WorkflowID(c.Param("workflowID"))
	h, err := s.client.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	state, err := h.State(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	raw, err := state.MarshalObject()
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	if path := c.Query("path"); path != "" {
		res := gjson.GetBytes(raw, path)
		if !res.Exists() {
			abortError(c, http.StatusNotFound,
				errors.New("no value at path"))
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(res.Raw))
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (s *Server) signalWorkflow(c *gin.Context) {
	id := api.WorkflowID(c.Param("workflowID"))
	var req api.SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	h, err := s.client.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	err = h.Signal(c.Request.Context(), req.Name, req.Payload)
	if errors.Is(err, store.ErrWorkflowTerminal) {
		abortError(c, http.StatusConflict, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	id := api.WorkflowID(c.Param("workflowID"))
	var req api.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.Body != nil {
		// reason is optional; an empty body cancels without one
		req.Reason = ""
	}

	h, err := s.client.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	err = h.Cancel(c.Request.Context(), req.Reason)
	if errors.Is(err, store.ErrWorkflowTerminal) {
		abortError(c, http.StatusConflict, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) getLogs(c *gin.Context) {
	id := api.WorkflowID(c.Param("workflowID"))
	h, err := s.client.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			abortError(c, http.StatusBadRequest,
				errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	logs, err := h.Logs(c.Request.Context(), limit)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
