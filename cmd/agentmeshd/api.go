package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentmesh/agentmesh/ai"
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/graph"
	"github.com/agentmesh/agentmesh/orchestration"
	"github.com/agentmesh/agentmesh/plan"
	"github.com/agentmesh/agentmesh/stream"
)

// createExecutionRequest is the POST /v1/executions body. Either goal or
// planId must be set; planId bypasses goal matching.
type createExecutionRequest struct {
	Goal         string                 `json:"goal"`
	PlanID       string                 `json:"planId"`
	WorkflowType string                 `json:"workflowType"`
	Variables    map[string]interface{} `json:"variables"`
	TenantID     string                 `json:"tenantId"`
	UserID       string                 `json:"userId"`
	SessionID    string                 `json:"sessionId"`
}

type createExecutionResponse struct {
	ExecutionID string `json:"executionId"`
	PlanID      string `json:"planId"`
	Goal        string `json:"goal"`
	Status      string `json:"status"`
}

// planSummary is the GET /v1/plans list item.
type planSummary struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	WorkflowType plan.WorkflowType `json:"workflowType"`
	Enabled      bool              `json:"enabled"`
	StepCount    int               `json:"stepCount"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/v1/plans", a.handleListPlans)
	mux.HandleFunc("/v1/executions", a.handleCreateExecution)
	mux.HandleFunc("/v1/executions/", a.handleExecutionStatus)
	mux.Handle("/plan/", a.sse)
	return mux
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"plans":     len(a.store.IDs()),
		"providers": a.registry.Names(),
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		stream.WriteError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	summaries := []planSummary{}
	for _, def := range a.store.List("", false) {
		summaries = append(summaries, planSummary{
			ID:           def.ID,
			Name:         def.Name,
			WorkflowType: def.WorkflowType,
			Enabled:      def.Enabled,
			StepCount:    len(def.Steps),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": summaries})
}

// handleCreateExecution materializes a plan and runs its graph in the
// background. Progress streams at GET /plan/{planId}/events.
func (a *App) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		stream.WriteError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}

	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		stream.WriteError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}

	opts := orchestration.CreateOptions{
		Goal:         req.Goal,
		PlanID:       req.PlanID,
		WorkflowType: plan.WorkflowType(req.WorkflowType),
		Variables:    req.Variables,
	}
	if req.TenantID != "" || req.UserID != "" || req.SessionID != "" {
		opts.Subject = &orchestration.Subject{
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			SessionID: req.SessionID,
		}
	}

	instance, err := a.factory.CreatePlan(r.Context(), opts)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	a.trackExecution(instance.ExecutionID, instance)
	go a.runExecution(instance)

	writeJSON(w, http.StatusAccepted, createExecutionResponse{
		ExecutionID: instance.ExecutionID,
		PlanID:      instance.Definition.ID,
		Goal:        instance.Goal,
		Status:      "running",
	})
}

func (a *App) runExecution(instance *orchestration.Instance) {
	result, err := instance.Graph.Execute(context.Background(), graph.NewContext(instance.Variables))
	success := err == nil && result != nil && result.Success
	a.finishExecution(instance.ExecutionID, err, success)
	if err != nil {
		a.logger.Error("Plan execution failed", map[string]interface{}{
			"execution_id": instance.ExecutionID,
			"plan_id":      instance.Definition.ID,
			"error":        err.Error(),
		})
	}
}

func (a *App) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		stream.WriteError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	executionID := r.URL.Path[len("/v1/executions/"):]
	if executionID == "" {
		stream.WriteError(w, http.StatusBadRequest, "bad_request", "missing execution id")
		return
	}
	run, ok := a.executionStatus(executionID)
	if !ok {
		stream.WriteError(w, http.StatusNotFound, "not_found", "unknown execution")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// writeAPIError maps the error taxonomy onto HTTP statuses and the shared
// envelope.
func writeAPIError(w http.ResponseWriter, err error) {
	var allFailed *ai.AllProvidersFailedError
	switch {
	case errors.As(err, &allFailed):
		stream.WriteError(w, allFailed.Status, "upstream_error", "all providers failed")
	case core.IsValidation(err):
		stream.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case core.IsNotFound(err):
		stream.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrRequestTimeout) || errors.Is(err, core.ErrTimeout):
		stream.WriteError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		stream.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
