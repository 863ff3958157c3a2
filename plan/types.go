// Package plan defines workflow plan templates: their schema, structural
// validation, YAML loading with hot reload, and the agent profile format.
package plan

import (
	"github.com/agentmesh/agentmesh/graph"
)

// WorkflowType buckets plans by the kind of goal they serve.
type WorkflowType string

const (
	WorkflowAlerts     WorkflowType = "alerts"
	WorkflowAnalytics  WorkflowType = "analytics"
	WorkflowAutomation WorkflowType = "automation"
	WorkflowCoding     WorkflowType = "coding"
	WorkflowChat       WorkflowType = "chat"
)

// KnownWorkflowTypes lists every valid workflow type.
var KnownWorkflowTypes = []WorkflowType{
	WorkflowAlerts, WorkflowAnalytics, WorkflowAutomation, WorkflowCoding, WorkflowChat,
}

// InputCondition matches a goal against a plan. A condition matches when
// its pattern matches the goal, one of its keywords appears as a token in
// the goal, or its expression evaluates true over the variables. Higher
// priority wins across matched conditions.
type InputCondition struct {
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Keywords   []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Expression string   `yaml:"expression,omitempty" json:"expression,omitempty"`
	Priority   int      `yaml:"priority" json:"priority"`
}

// Transition names a step to hand control to after a step finishes.
type Transition struct {
	To   string `yaml:"to" json:"to"`
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// StepDefinition is a single planned action inside a plan.
type StepDefinition struct {
	ID               string                 `yaml:"id" json:"id"`
	Action           string                 `yaml:"action" json:"action"`
	Tool             string                 `yaml:"tool,omitempty" json:"tool,omitempty"`
	Capability       string                 `yaml:"capability,omitempty" json:"capability,omitempty"`
	CapabilityLabel  string                 `yaml:"capabilityLabel,omitempty" json:"capabilityLabel,omitempty"`
	Labels           []string               `yaml:"labels,omitempty" json:"labels,omitempty"`
	TimeoutSeconds   int                    `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	ApprovalRequired bool                   `yaml:"approvalRequired,omitempty" json:"approvalRequired,omitempty"`
	Dependencies     []string               `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Transitions      []Transition           `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	Input            map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`
	Retry            *graph.RetryPolicy     `yaml:"retry,omitempty" json:"retry,omitempty"`
	ContinueOnError  bool                   `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
	NodeType         string                 `yaml:"nodeType,omitempty" json:"nodeType,omitempty"`
}

// Definition is a named, versioned workflow template.
type Definition struct {
	ID              string                 `yaml:"id" json:"id"`
	Name            string                 `yaml:"name" json:"name"`
	WorkflowType    WorkflowType           `yaml:"workflowType" json:"workflowType"`
	Steps           []StepDefinition       `yaml:"steps" json:"steps"`
	EntrySteps      []string               `yaml:"entrySteps,omitempty" json:"entrySteps,omitempty"`
	InputConditions []InputCondition       `yaml:"inputConditions,omitempty" json:"inputConditions,omitempty"`
	Variables       map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`
	Enabled         bool                   `yaml:"enabled" json:"enabled"`
	Version         string                 `yaml:"version,omitempty" json:"version,omitempty"`
}

// File is the on-disk plan collection format.
type File struct {
	SchemaVersion int          `yaml:"schemaVersion" json:"schemaVersion"`
	Plans         []Definition `yaml:"plans" json:"plans"`
}

// capabilityLabels maps standard capability strings to display labels,
// filled in by the validator when a step omits its capabilityLabel.
var capabilityLabels = map[string]string{
	"repo.read":       "Read repository",
	"repo.write":      "Write repository",
	"ci.run":          "Run CI pipeline",
	"deploy.execute":  "Execute deployment",
	"chat.respond":    "Respond in chat",
	"alerts.manage":   "Manage alerts",
	"analytics.query": "Query analytics",
	"web.search":      "Search the web",
	"llm.generate":    "Generate with LLM",
}

// CapabilityLabel returns the standard display label for a capability, or
// the capability string itself when unknown.
func CapabilityLabel(capability string) string {
	if label, ok := capabilityLabels[capability]; ok {
		return label
	}
	return capability
}
