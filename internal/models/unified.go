package models

import "time"

// NodeKind classifies a segment of the unified execution tree.
type NodeKind string

const (
	NodeSync          NodeKind = "sync"
	NodeAsyncBoundary NodeKind = "async_boundary"
	NodeAsyncChild    NodeKind = "async_child"
)

// ExecutionNode is one segment of the unified execution view.
//
// The root is always a sync node spanning the parent log. Time ranges
// are wall-clock and half-open [Start, End); a node's range contains
// the ranges of all its descendants.
type ExecutionNode struct {
	ID       int              `json:"id"`
	Kind     NodeKind         `json:"kind"`
	LogID    string           `json:"log_id"`
	Events   []Event          `json:"events,omitempty"` // Events belonging to this segment
	Children []*ExecutionNode `json:"children,omitempty"`
	Ref      *AsyncJobRef     `json:"reference,omitempty"` // Boundary and child nodes only
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
}

// Contains reports whether the node's time range contains the other's.
func (n *ExecutionNode) Contains(child *ExecutionNode) bool {
	return !child.Start.Before(n.Start) && !child.End.After(n.End)
}

// Walk visits the node and all descendants depth-first.
func (n *ExecutionNode) Walk(fn func(*ExecutionNode)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// ViewStatus summarizes the outcome across every resolved job in the view.
type ViewStatus string

const (
	ViewSuccess        ViewStatus = "success"
	ViewFailure        ViewStatus = "failure"
	ViewPartialFailure ViewStatus = "partial_failure"
)

// ViewSummary aggregates the unified tree for display.
type ViewSummary struct {
	TotalDurationMs    int64             `json:"total_duration_ms"` // Fetched log spans plus non-negative queue delays
	Status             ViewStatus        `json:"status"`
	Flow               string            `json:"flow"` // Deterministic description built from job-kind counts
	JobCounts          map[JobKind]int   `json:"job_counts"`
	CorrelatedChildren int               `json:"correlated_children"`
	TotalChildren      int               `json:"total_children"`
	StatusCounts       map[JobStatus]int `json:"status_counts,omitempty"`
}

// UnifiedView is the final stitched execution tree for one parent log.
type UnifiedView struct {
	ParentLogID string          `json:"parent_log_id"`
	Root        *ExecutionNode  `json:"root"`
	Summary     ViewSummary     `json:"summary"`
	Confidence  float64         `json:"confidence"`
	Level       ConfidenceLevel `json:"level"`
}
