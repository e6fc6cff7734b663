package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/plangraph/internal/workspace"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Workspace *workspace.Workspace
	Logger    *slog.Logger
	Version   string
}

// Server exposes a plan graph workspace as MCP tools.
type Server struct {
	ws        *workspace.Workspace
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every plan tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		ws:       deps.Workspace,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"plangraph",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Plangraph drafts and inspects execution plans. Use plan.draft to generate a plan from a query or plan.open to load one, plan.view for the visible graph and critical path, plan.toggle_branch and plan.lock to collapse side branches, plan.node and plan.save_node to edit a node, plan.rerun_node to apply a queued edit, and plan.diagram to render the graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve forwards graph changes to watching sessions and runs the stdio
// transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.ws != nil {
		go func() {
			if err := s.notifier.Forward(ctx, s.ws.Hub()); err != nil {
				s.logger.Warn("change notifications disabled", slog.String("error", err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: draftTool(), Handler: s.handleDraft},
		{Tool: openTool(), Handler: s.handleOpen},
		{Tool: viewTool(), Handler: s.handleView},
		{Tool: toggleBranchTool(), Handler: s.handleToggleBranch},
		{Tool: lockTool(), Handler: s.handleLock},
		{Tool: selectTool(), Handler: s.handleSelect},
		{Tool: nodeTool(), Handler: s.handleNode},
		{Tool: saveNodeTool(), Handler: s.handleSaveNode},
		{Tool: rerunNodeTool(), Handler: s.handleRerunNode},
		{Tool: dismissRerunTool(), Handler: s.handleDismissRerun},
		{Tool: interactTool(), Handler: s.handleInteract},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func draftTool() mcp.Tool {
	return mcp.NewTool("plan.draft",
		mcp.WithDescription("Start drafting a new plan from a natural-language query"),
		mcp.WithString("query", mcp.Required(), mcp.Description("What the plan should accomplish")),
		mcp.WithString("model", mcp.Description("Optional planner model hint")),
		mcp.WithBoolean("wait", mcp.Description("Block until the draft is ready or fails (default: false)")),
	)
}

func openTool() mcp.Tool {
	return mcp.NewTool("plan.open",
		mcp.WithDescription("Load an existing plan and start tracking its execution"),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("ID of the plan to open")),
	)
}

func viewTool() mcp.Tool {
	return mcp.NewTool("plan.view",
		mcp.WithDescription("Get the visible plan graph, critical path and branch state"),
	)
}

func toggleBranchTool() mcp.Tool {
	return mcp.NewTool("plan.toggle_branch",
		mcp.WithDescription("Collapse or expand a side branch"),
		mcp.WithString("root_id", mcp.Required(), mcp.Description("Root node of the branch")),
	)
}

func lockTool() mcp.Tool {
	return mcp.NewTool("plan.lock",
		mcp.WithDescription("Toggle critical-path lock mode, which collapses every side branch"),
	)
}

func selectTool() mcp.Tool {
	return mcp.NewTool("plan.select",
		mcp.WithDescription("Move the selection, focus or highlight cursor"),
		mcp.WithString("node_id", mcp.Description("Target node; empty clears the cursor")),
		mcp.WithString("cursor",
			mcp.Enum("selected", "focus", "highlight"),
			mcp.Description("Cursor to move (default: selected)"),
		),
	)
}

func nodeTool() mcp.Tool {
	return mcp.NewTool("plan.node",
		mcp.WithDescription("Get a node's detail panel: edit mode, instructions, rerun prompt and errors"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node")),
	)
}

func saveNodeTool() mcp.Tool {
	return mcp.NewTool("plan.save_node",
		mcp.WithDescription("Save a node's model override and instruction"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node")),
		mcp.WithString("instruction", mcp.Description("New instruction text (default: unchanged)")),
		mcp.WithString("model_override", mcp.Description("Model override; empty string clears it (default: unchanged)")),
	)
}

func rerunNodeTool() mcp.Tool {
	return mcp.NewTool("plan.rerun_node",
		mcp.WithDescription("Rerun a node so its queued instruction takes effect"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node")),
	)
}

func dismissRerunTool() mcp.Tool {
	return mcp.NewTool("plan.dismiss_rerun",
		mcp.WithDescription("Dismiss a node's rerun prompt"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node")),
	)
}

func interactTool() mcp.Tool {
	return mcp.NewTool("plan.interact",
		mcp.WithDescription("Send a follow-up message to the planner about the open plan"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("plan.diagram",
		mcp.WithDescription("Render the visible plan graph. Returns Mermaid flowchart syntax or a PNG image"),
		mcp.WithString("format",
			mcp.Enum(workspace.FormatMermaid, workspace.FormatPNG),
			mcp.Description("Output format: mermaid (default) or png"),
		),
	)
}
