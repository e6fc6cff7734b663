// Package graphstore holds the session's plan graph: nodes, links, execution
// state and UI cursors. All writers go through the named mutation methods,
// each of which is applied atomically under a single lock.
package graphstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/rendis/plangraph/internal/streaming"
	"github.com/rendis/plangraph/pkg/schema"
)

// Canvas spacing used when a node arrives without a position.
const (
	LaneWidth = 280.0
	RowHeight = 140.0
)

// Plan is a point-in-time copy of the store contents.
type Plan struct {
	PlanID                string             `json:"plan_id,omitempty"`
	ProjectName           string             `json:"project_name,omitempty"`
	ConversationSessionID string             `json:"conversation_session_id,omitempty"`
	Status                schema.DraftStatus `json:"status"`
	Error                 string             `json:"error,omitempty"`
	Nodes                 []schema.PlanNode  `json:"nodes"`
	Links                 []schema.PlanLink  `json:"links"`
	Execution             schema.Execution   `json:"execution"`
	Checkpoint            json.RawMessage    `json:"checkpoint,omitempty"`
	SelectedNodeID        string             `json:"selected_node_id,omitempty"`
	FocusNodeID           string             `json:"focus_node_id,omitempty"`
	HighlightNodeID       string             `json:"highlight_node_id,omitempty"`
	Version               uint64             `json:"version"`
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (schema.PlanNode, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return schema.PlanNode{}, false
}

// Detail is a decoded, server-confirmed manifest used to replace the working set.
type Detail struct {
	PlanID                string
	ProjectName           string
	ConversationSessionID string
	Nodes                 []schema.PlanNode
	Links                 []schema.PlanLink
	Execution             schema.Execution
}

// Option configures a Store.
type Option func(*Store)

// WithHub publishes a change event after every applied mutation.
func WithHub(hub streaming.EventHub) Option {
	return func(s *Store) { s.hub = hub }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store is the single source of truth for the session's plan.
// Mutations never fail: callers are responsible for not passing malformed payloads.
type Store struct {
	mu     sync.RWMutex
	plan   Plan
	index  map[string]int // node id → position in plan.Nodes
	hub    streaming.EventHub
	logger *slog.Logger
}

// New creates an empty, idle Store.
func New(opts ...Option) *Store {
	s := &Store{
		plan:  Plan{Status: schema.DraftStatusIdle},
		index: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return s
}

// mutate applies fn under the write lock and publishes a change event if fn reports a change.
func (s *Store) mutate(kind streaming.ChangeKind, nodeID string, fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	if changed {
		s.plan.Version++
	}
	event := streaming.ChangeEvent{
		PlanID:  s.plan.PlanID,
		NodeID:  nodeID,
		Kind:    kind,
		Version: s.plan.Version,
	}
	s.mu.Unlock()

	if changed && s.hub != nil {
		if err := s.hub.Publish(context.Background(), event); err != nil {
			s.logger.Debug("change notification dropped", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		}
	}
	return changed
}

// clear replaces the plan with an empty one, keeping the version counter monotonic.
func (s *Store) clear(status schema.DraftStatus) {
	version := s.plan.Version
	s.plan = Plan{Status: status, Version: version}
	s.index = make(map[string]int)
}

// StartDrafting clears any prior plan and enters the drafting state.
func (s *Store) StartDrafting() {
	s.mutate(streaming.ChangeDraft, "", func() bool {
		s.clear(schema.DraftStatusDrafting)
		return true
	})
}

// SetDraftingError records a terminal drafting error. Nodes already added are kept.
func (s *Store) SetDraftingError(message string) {
	s.mutate(streaming.ChangeDraft, "", func() bool {
		s.plan.Status = schema.DraftStatusError
		s.plan.Error = message
		return true
	})
}

// SetPlanInit binds the session to a plan identity before nodes arrive.
func (s *Store) SetPlanInit(planID, projectName, conversationSessionID string) {
	s.mutate(streaming.ChangeDraft, "", func() bool {
		s.plan.PlanID = planID
		if projectName != "" {
			s.plan.ProjectName = projectName
		}
		if conversationSessionID != "" {
			s.plan.ConversationSessionID = conversationSessionID
		}
		return true
	})
}

// ApplyNodeAdded upserts a node by id. A redelivered node replaces the stored
// record (last write wins, status included); its position is kept when the
// new payload carries none.
func (s *Store) ApplyNodeAdded(node schema.PlanNode) {
	node = node.Clone()
	s.mutate(streaming.ChangeStructure, node.ID, func() bool {
		if i, ok := s.index[node.ID]; ok {
			if node.Position == nil {
				node.Position = s.plan.Nodes[i].Position
			}
			s.plan.Nodes[i] = node
			return true
		}
		if node.Position == nil {
			node.Position = s.placement(node.Stage, s.plan.Nodes)
		}
		s.index[node.ID] = len(s.plan.Nodes)
		s.plan.Nodes = append(s.plan.Nodes, node)
		return true
	})
}

// placement assigns a lane-based position for a node of the given stage,
// ranked after the nodes already placed in that lane.
func (s *Store) placement(stage schema.Stage, placed []schema.PlanNode) *schema.Position {
	lane := stage.LaneIndex()
	if lane < 0 {
		lane = 0
	}
	rank := 0
	for _, n := range placed {
		if n.Stage == stage {
			rank++
		}
	}
	return &schema.Position{X: float64(lane) * LaneWidth, Y: float64(rank) * RowHeight}
}

// ApplyLinkAdded appends a link. Duplicate pairs are accepted.
func (s *Store) ApplyLinkAdded(link schema.PlanLink) {
	s.mutate(streaming.ChangeStructure, "", func() bool {
		s.plan.Links = append(s.plan.Links, link)
		return true
	})
}

// SetPlanReady marks the draft as complete.
func (s *Store) SetPlanReady(planID string) {
	s.mutate(streaming.ChangeDraft, "", func() bool {
		if planID != "" {
			s.plan.PlanID = planID
		}
		s.plan.Status = schema.DraftStatusReady
		s.plan.Error = ""
		return true
	})
}

// SetPlanDetail replaces the working set with a server-confirmed manifest.
// Positions assigned earlier survive for node ids that are still present;
// UI cursors pointing at vanished nodes are cleared.
func (s *Store) SetPlanDetail(d Detail) {
	s.mutate(streaming.ChangePlanDetail, "", func() bool {
		previous := make(map[string]*schema.Position, len(s.plan.Nodes))
		for _, n := range s.plan.Nodes {
			previous[n.ID] = n.Position
		}

		nodes := make([]schema.PlanNode, 0, len(d.Nodes))
		index := make(map[string]int, len(d.Nodes))
		for _, n := range d.Nodes {
			n = n.Clone()
			if n.Position == nil {
				if p, ok := previous[n.ID]; ok && p != nil {
					n.Position = p
				} else {
					n.Position = s.placement(n.Stage, nodes)
				}
			}
			if i, dup := index[n.ID]; dup {
				nodes[i] = n
				continue
			}
			index[n.ID] = len(nodes)
			nodes = append(nodes, n)
		}

		if d.PlanID != "" {
			s.plan.PlanID = d.PlanID
		}
		if d.ProjectName != "" {
			s.plan.ProjectName = d.ProjectName
		}
		if d.ConversationSessionID != "" {
			s.plan.ConversationSessionID = d.ConversationSessionID
		}
		s.plan.Nodes = nodes
		s.plan.Links = append([]schema.PlanLink(nil), d.Links...)
		s.plan.Execution = d.Execution
		s.plan.Status = schema.DraftStatusReady
		s.plan.Error = ""
		s.index = index

		for _, cursor := range []*string{&s.plan.SelectedNodeID, &s.plan.FocusNodeID, &s.plan.HighlightNodeID} {
			if _, ok := index[*cursor]; !ok {
				*cursor = ""
			}
		}
		return true
	})
}

// SetExecution replaces the plan-level execution record.
func (s *Store) SetExecution(execution schema.Execution) {
	s.mutate(streaming.ChangeStatus, "", func() bool {
		s.plan.Execution = execution
		return true
	})
}

// SetCheckpoint replaces the opaque checkpoint blob. A nil checkpoint clears it.
func (s *Store) SetCheckpoint(checkpoint json.RawMessage) {
	s.mutate(streaming.ChangeStatus, "", func() bool {
		s.plan.Checkpoint = append(json.RawMessage(nil), checkpoint...)
		return true
	})
}

// ApplyStatusNodes overwrites node statuses. Ids not present locally are ignored.
// Returns the number of nodes updated.
func (s *Store) ApplyStatusNodes(statuses map[string]schema.NodeStatus) int {
	applied := 0
	s.mutate(streaming.ChangeStatus, "", func() bool {
		applied = s.applyStatuses(statuses)
		return applied > 0
	})
	return applied
}

func (s *Store) applyStatuses(statuses map[string]schema.NodeStatus) int {
	applied := 0
	for id, status := range statuses {
		i, ok := s.index[id]
		if !ok || !status.Valid() {
			continue
		}
		s.plan.Nodes[i].Status = status
		applied++
	}
	return applied
}

// MergeStatus applies one poll result (execution, checkpoint and node statuses)
// as a single mutation. The merge is dropped, returning false, when planID is
// no longer the bound plan.
func (s *Store) MergeStatus(planID string, execution schema.Execution, checkpoint json.RawMessage, statuses map[string]schema.NodeStatus) bool {
	return s.mutate(streaming.ChangeStatus, "", func() bool {
		if s.plan.PlanID == "" || s.plan.PlanID != planID {
			return false
		}
		s.plan.Execution = execution
		s.plan.Checkpoint = append(json.RawMessage(nil), checkpoint...)
		s.applyStatuses(statuses)
		return true
	})
}

// ApplyNodeModelOverride sets or clears (nil) a node's model override.
func (s *Store) ApplyNodeModelOverride(nodeID string, value *string) {
	s.mutate(streaming.ChangeNodeEdit, nodeID, func() bool {
		i, ok := s.index[nodeID]
		if !ok {
			return false
		}
		if value == nil {
			s.plan.Nodes[i].ModelOverride = nil
		} else {
			v := *value
			s.plan.Nodes[i].ModelOverride = &v
		}
		return true
	})
}

// ApplyNodeInstructionUpdate commits a new instruction. A pending instruction
// equal to the committed text is cleared.
func (s *Store) ApplyNodeInstructionUpdate(nodeID, text string) {
	s.mutate(streaming.ChangeNodeEdit, nodeID, func() bool {
		i, ok := s.index[nodeID]
		if !ok {
			return false
		}
		n := &s.plan.Nodes[i]
		n.Instruction = text
		if n.PendingInstruction != nil && *n.PendingInstruction == text {
			n.PendingInstruction = nil
		}
		return true
	})
}

// ApplyNodePendingInstruction sets or clears (nil) the queued instruction.
// A pending value equal to the committed instruction is stored as nil.
func (s *Store) ApplyNodePendingInstruction(nodeID string, text *string) {
	s.mutate(streaming.ChangeNodeEdit, nodeID, func() bool {
		i, ok := s.index[nodeID]
		if !ok {
			return false
		}
		n := &s.plan.Nodes[i]
		if text == nil || *text == n.Instruction {
			n.PendingInstruction = nil
		} else {
			v := *text
			n.PendingInstruction = &v
		}
		return true
	})
}

// SetSelectedNodeID moves the selection cursor. Empty clears it.
func (s *Store) SetSelectedNodeID(id string) {
	s.setCursor(&s.plan.SelectedNodeID, id)
}

// SetFocusNodeID moves the focus cursor. Empty clears it.
func (s *Store) SetFocusNodeID(id string) {
	s.setCursor(&s.plan.FocusNodeID, id)
}

// SetHighlightNodeID moves the highlight cursor. Empty clears it.
func (s *Store) SetHighlightNodeID(id string) {
	s.setCursor(&s.plan.HighlightNodeID, id)
}

func (s *Store) setCursor(cursor *string, id string) {
	s.mutate(streaming.ChangeSelection, id, func() bool {
		if *cursor == id {
			return false
		}
		*cursor = id
		return true
	})
}

// Reset returns the store to the empty, idle state.
func (s *Store) Reset() {
	s.mutate(streaming.ChangeReset, "", func() bool {
		s.clear(schema.DraftStatusIdle)
		return true
	})
}

// Snapshot returns a deep copy of the current plan.
func (s *Store) Snapshot() Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.plan
	p.Nodes = make([]schema.PlanNode, len(s.plan.Nodes))
	for i, n := range s.plan.Nodes {
		p.Nodes[i] = n.Clone()
	}
	p.Links = append([]schema.PlanLink(nil), s.plan.Links...)
	p.Checkpoint = append(json.RawMessage(nil), s.plan.Checkpoint...)
	return p
}

// PlanID returns the bound plan id, or "" if none.
func (s *Store) PlanID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.PlanID
}

// Version returns the mutation counter. It increases on every applied change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.Version
}

// Node returns a copy of one node.
func (s *Store) Node(id string) (schema.PlanNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return schema.PlanNode{}, false
	}
	return s.plan.Nodes[i].Clone(), true
}
