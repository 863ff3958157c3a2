package core

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewInstanceID returns a unique identifier for this orchestrator replica.
// The hostname prefix keeps the id readable in logs and channel names; the
// UUID suffix guarantees uniqueness across restarts on the same host.
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replica"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

// NewID returns a new random identifier (messages, executions, correlations).
func NewID() string {
	return uuid.New().String()
}
