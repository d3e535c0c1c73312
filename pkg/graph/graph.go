// Package graph wraps the Neo4j driver behind a small MERGE-only writer.
// Every write is idempotent and individually wrapped: a failure marks the
// client degraded but never propagates to the caller.
package graph

import (
	"context"
	"fmt"
	"time"
)

// Writer is the mutation surface the materializer depends on. All methods
// are MERGE-semantics: repeating a call with the same identity is a no-op
// apart from property refreshes.
type Writer interface {
	// MergeNode upserts a node by label and id and applies props.
	MergeNode(ctx context.Context, label, id string, props map[string]any) error
	// MergeEdge upserts a relationship between two identified nodes and
	// applies props to the relationship.
	MergeEdge(ctx context.Context, fromLabel, fromID, relType, toLabel, toID string, props map[string]any) error
	// ReadNode fetches the properties of a node, or nil if absent.
	ReadNode(ctx context.Context, label, id string) (map[string]any, error)
}

// Status describes the health of the graph connection for /telemetry.
type Status struct {
	Enabled      bool   `json:"enabled"`
	LastOkTS     string `json:"last_ok_ts,omitempty"`
	LastErrTS    string `json:"last_err_ts,omitempty"`
	ErrorsWindow int64  `json:"errors_window"`
}

func nowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func validIdentity(label, id string) error {
	if label == "" || id == "" {
		return fmt.Errorf("graph: empty label or id (label=%q, id=%q)", label, id)
	}
	return nil
}
