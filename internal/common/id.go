package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID generates a unique capture-session ID with the "cap_" prefix
func NewSessionID() string {
	return "cap_" + uuid.New().String()
}

// NewAnalysisID generates a unique analysis ID with the "ana_" prefix.
// Uses the short (dashless) form since analysis ids appear in log lines.
func NewAnalysisID() string {
	return "ana_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// NewTaskID generates a unique worker-pool task ID with the "task_" prefix.
func NewTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
