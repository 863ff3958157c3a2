package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/stream"
)

const testPlans = `
schemaVersion: 1
plans:
  - id: plan-chat
    name: Chat answer
    workflowType: chat
    enabled: true
    inputConditions:
      - keywords: [answer]
        priority: 10
    steps:
      - id: respond
        action: respond
        tool: llm
        capability: llm.generate
        input:
          prompt: "Answer concisely: ${goal}"
`

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	plansPath := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(plansPath, []byte(testPlans), 0o644))

	cfg := DefaultConfig()
	cfg.Plans.Path = plansPath
	cfg.Plans.Watch = false
	require.NoError(t, cfg.Validate())

	app, err := NewApp(cfg, nil)
	require.NoError(t, err)

	server := httptest.NewServer(app.routes())
	t.Cleanup(server.Close)
	return app, server
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestCreateExecutionEndToEnd(t *testing.T) {
	app, server := newTestApp(t)

	resp := postJSON(t, server.URL+"/v1/executions", createExecutionRequest{
		Goal: "answer the question",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created createExecutionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "plan-chat", created.PlanID)
	assert.NotEmpty(t, created.ExecutionID)
	assert.Equal(t, "running", created.Status)

	// The graph runs in the background; the status endpoint reflects it.
	assert.Eventually(t, func() bool {
		statusResp, err := http.Get(server.URL + "/v1/executions/" + created.ExecutionID)
		if err != nil {
			return false
		}
		defer statusResp.Body.Close()
		var run execution
		if json.NewDecoder(statusResp.Body).Decode(&run) != nil {
			return false
		}
		return run.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	// Step progress landed in the plan event log.
	history := app.eventLog.History("plan-chat")
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "respond", last.Step.ID)
	assert.Equal(t, stream.StepCompleted, last.Step.State)
}

func TestCreateExecutionUnknownPlan(t *testing.T) {
	_, server := newTestApp(t)

	resp := postJSON(t, server.URL+"/v1/executions", createExecutionRequest{PlanID: "nope"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope stream.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "not_found", envelope.Code)
}

func TestCreateExecutionRequiresGoalOrPlan(t *testing.T) {
	_, server := newTestApp(t)

	resp := postJSON(t, server.URL+"/v1/executions", createExecutionRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListPlans(t *testing.T) {
	_, server := newTestApp(t)

	resp, err := http.Get(server.URL + "/v1/plans")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Plans []planSummary `json:"plans"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Plans, 1)
	assert.Equal(t, "plan-chat", body.Plans[0].ID)
	assert.Equal(t, 1, body.Plans[0].StepCount)
	assert.True(t, body.Plans[0].Enabled)
}

func TestHealthz(t *testing.T) {
	_, server := newTestApp(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["plans"])
}

func TestExecutionEventsStream(t *testing.T) {
	app, server := newTestApp(t)

	resp := postJSON(t, server.URL+"/v1/executions", createExecutionRequest{Goal: "answer me"})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		history := app.eventLog.History("plan-chat")
		if len(history) == 0 {
			return false
		}
		return history[len(history)-1].Step.State == stream.StepCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// The SSE endpoint replays the same history.
	streamResp, err := http.Get(server.URL + "/plan/plan-chat/events")
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	buf := make([]byte, 1024)
	n, err := streamResp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: plan.step")
}
