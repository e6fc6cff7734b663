package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/plangraph/internal/nodeedit"
	"github.com/rendis/plangraph/internal/workspace"
)

// handleDraft starts drafting a plan, optionally waiting for it to settle.
func (s *Server) handleDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}
	model := req.GetString("model", "")

	runID, draftErr := s.ws.Draft(ctx, query, model)
	if draftErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("draft failed: %v", draftErr)), nil
	}

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{"ok": true, "run_id": runID})
	}
	v, waitErr := s.ws.WaitDraft(ctx)
	if waitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("draft did not finish: %v", waitErr)), nil
	}
	s.captureSession(ctx, v.PlanID)
	return marshalResult(map[string]any{"run_id": runID, "view": v})
}

// handleOpen binds an existing plan.
func (s *Server) handleOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID, err := req.RequireString("plan_id")
	if err != nil {
		return mcp.NewToolResultError("plan_id is required"), nil
	}
	if openErr := s.ws.Open(ctx, planID); openErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("open failed: %v", openErr)), nil
	}
	s.captureSession(ctx, planID)
	return marshalResult(s.ws.View(ctx))
}

func (s *Server) handleView(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v := s.ws.View(ctx)
	s.captureSession(ctx, v.PlanID)
	return marshalResult(v)
}

func (s *Server) handleToggleBranch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rootID, err := req.RequireString("root_id")
	if err != nil {
		return mcp.NewToolResultError("root_id is required"), nil
	}
	v, toggleErr := s.ws.ToggleBranch(ctx, rootID)
	if toggleErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("toggle failed: %v", toggleErr)), nil
	}
	return marshalResult(v)
}

func (s *Server) handleLock(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.ws.ToggleLock(ctx))
}

// handleSelect moves one of the three cursors.
func (s *Server) handleSelect(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID := req.GetString("node_id", "")
	cursor := req.GetString("cursor", "selected")

	var selErr error
	switch cursor {
	case "selected":
		selErr = s.ws.Select(nodeID)
	case "focus":
		selErr = s.ws.Focus(nodeID)
	case "highlight":
		selErr = s.ws.Highlight(nodeID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown cursor: %s", cursor)), nil
	}
	if selErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("select failed: %v", selErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "cursor": cursor, "node_id": nodeID})
}

func (s *Server) handleNode(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	p, panelErr := s.ws.Node(nodeID)
	if panelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node lookup failed: %v", panelErr)), nil
	}
	return marshalResult(p)
}

// handleSaveNode saves the supplied fields. Omitted fields keep the node's
// committed values so only the changed ones are sent.
func (s *Server) handleSaveNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	p, panelErr := s.ws.Node(nodeID)
	if panelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node lookup failed: %v", panelErr)), nil
	}

	d := draftFrom(p, req.GetArguments())
	if !s.ws.CanSave(nodeID, d) {
		return mcp.NewToolResultError("nothing to save"), nil
	}
	saved, saveErr := s.ws.SaveNode(ctx, nodeID, d)
	if saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", saveErr)), nil
	}
	return marshalResult(saved)
}

// draftFrom overlays the tool arguments on the panel's committed values.
func draftFrom(p nodeedit.Panel, args map[string]any) nodeedit.Draft {
	d := nodeedit.Draft{
		ModelOverride: p.ModelOverride,
		Instruction:   p.Instruction,
	}
	if p.Mode == nodeedit.ModeShadow && p.PendingInstruction != nil {
		d.Instruction = *p.PendingInstruction
	}
	if v, ok := args["instruction"].(string); ok {
		d.Instruction = v
	}
	if v, ok := args["model_override"].(string); ok {
		if v == "" {
			d.ModelOverride = nil
		} else {
			d.ModelOverride = &v
		}
	}
	return d
}

func (s *Server) handleRerunNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	if rerunErr := s.ws.RerunNode(ctx, nodeID); rerunErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rerun failed: %v", rerunErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "node_id": nodeID})
}

func (s *Server) handleDismissRerun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	s.ws.DismissRerun(ctx, nodeID)
	return marshalResult(map[string]any{"ok": true, "node_id": nodeID})
}

func (s *Server) handleInteract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("message is required"), nil
	}
	if sendErr := s.ws.Interact(ctx, message); sendErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("interact failed: %v", sendErr)), nil
	}
	return marshalResult(map[string]any{"ok": true})
}

// handleDiagram renders the visible graph as Mermaid text or a PNG image.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", workspace.FormatMermaid)

	out, err := s.ws.Diagram(ctx, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram failed: %v", err)), nil
	}
	if format == workspace.FormatPNG {
		return mcp.NewToolResultImage("plan diagram", encodeImage(out), "image/png"), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// captureSession records that the calling session watches planID.
func (s *Server) captureSession(ctx context.Context, planID string) {
	if planID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(session.SessionID(), planID)
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func encodeImage(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}
