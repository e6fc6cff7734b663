// Package planner defines the backend planner interface consumed by the plan
// graph engine and an HTTP/SSE implementation of it.
package planner

import (
	"context"

	"github.com/rendis/plangraph/pkg/schema"
)

// Client is the backend planner/executor as seen by the engine.
// All methods are safe for concurrent use.
type Client interface {
	// StreamDraft opens a draft subscription. Frames arrive in order on the
	// returned channel, which is closed when the stream ends or ctx is
	// cancelled. A frame with Err set is the last one delivered.
	StreamDraft(ctx context.Context, query, modelHint string) (<-chan schema.StreamFrame, error)
	FetchPlanDetail(ctx context.Context, planID string) (*schema.PlanDetail, error)
	FetchPlanStatus(ctx context.Context, planID string) (*schema.StatusSnapshot, error)
	UpdateNode(ctx context.Context, planID, nodeID string, update schema.NodeUpdate) (*schema.NodeUpdateResult, error)
	RerunNode(ctx context.Context, planID, nodeID string) error
	// AppendNodeEvent records node telemetry. Callers treat it as fire-and-forget.
	AppendNodeEvent(ctx context.Context, planID, nodeID, event, source string) error
	// Interact sends a follow-up user message about a bound plan.
	Interact(ctx context.Context, planID, message string) error
}
