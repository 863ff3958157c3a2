package graph

import "sync"

// Context carries the mutable state of one graph run: a variables map
// shared across nodes and an outputs map keyed by node id. Both are safe
// for concurrent access from node handlers.
type Context struct {
	mu        sync.RWMutex
	variables map[string]interface{}
	outputs   map[string]interface{}
}

// NewContext creates a run context seeded with the given variables.
// The seed map is copied so the caller's map is never aliased.
func NewContext(variables map[string]interface{}) *Context {
	vars := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &Context{
		variables: vars,
		outputs:   make(map[string]interface{}),
	}
}

// Variable returns the named variable and whether it exists.
func (c *Context) Variable(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable stores a variable visible to all subsequent nodes.
func (c *Context) SetVariable(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variables returns a snapshot copy of the variables map.
func (c *Context) Variables() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]interface{}, len(c.variables))
	for k, v := range c.variables {
		snapshot[k] = v
	}
	return snapshot
}

// Output returns the output recorded for a node id, if any. Handlers should
// only read outputs of nodes they transitively depend on; the scheduler
// guarantees those are populated before the handler runs.
func (c *Context) Output(nodeID string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[nodeID]
	return v, ok
}

// Outputs returns a snapshot copy of the outputs map.
func (c *Context) Outputs() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]interface{}, len(c.outputs))
	for k, v := range c.outputs {
		snapshot[k] = v
	}
	return snapshot
}

func (c *Context) setOutput(nodeID string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[nodeID] = value
}
