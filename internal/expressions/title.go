package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/plangraph/pkg/schema"
)

// MaxTitleLength caps derived titles, in runes.
const MaxTitleLength = 80

// Default jq programs projecting a display label out of each node variant's payload.
var defaultTitlePrograms = map[schema.NodeType]string{
	schema.NodeTypeAction:        `.instruction // empty`,
	schema.NodeTypeLogicGate:     `[.rules[]? | (.label // .condition // empty) | select(. != "")] | join(" / ")`,
	schema.NodeTypeReplanTrigger: `.reason // empty`,
}

// TitleDeriver fills in display titles for nodes that arrive without one.
type TitleDeriver struct {
	jq       *GoJQEngine
	programs map[schema.NodeType]string
}

// TitleOption configures a TitleDeriver.
type TitleOption func(*TitleDeriver)

// WithTitleProgram replaces the jq program used for one node type.
func WithTitleProgram(t schema.NodeType, program string) TitleOption {
	return func(d *TitleDeriver) { d.programs[t] = program }
}

// NewTitleDeriver creates a deriver with the default per-type programs.
func NewTitleDeriver(opts ...TitleOption) *TitleDeriver {
	d := &TitleDeriver{
		jq:       NewGoJQEngine(),
		programs: make(map[schema.NodeType]string, len(defaultTitlePrograms)),
	}
	for k, v := range defaultTitlePrograms {
		d.programs[k] = v
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Title returns the node's explicit title, or one projected from its raw
// payload: first line, trimmed, capped at MaxTitleLength. Falls back to
// "<type> <id>" when the payload yields nothing usable.
func (d *TitleDeriver) Title(ctx context.Context, n schema.PlanNode) string {
	if t := strings.TrimSpace(n.Title); t != "" {
		return t
	}
	fallback := fmt.Sprintf("%s %s", n.Type, n.ID)

	program, ok := d.programs[n.Type]
	if !ok {
		return fallback
	}
	data, err := payloadOf(n)
	if err != nil {
		return fallback
	}
	out, err := d.jq.Evaluate(ctx, program, data)
	if err != nil {
		return fallback
	}
	s, ok := out.(string)
	if !ok {
		return fallback
	}
	if t := clip(s); t != "" {
		return t
	}
	return fallback
}

// Apply sets n.Title when empty and returns the node.
func (d *TitleDeriver) Apply(ctx context.Context, n schema.PlanNode) schema.PlanNode {
	if strings.TrimSpace(n.Title) == "" {
		n.Title = d.Title(ctx, n)
	}
	return n
}

// payloadOf returns the raw payload as a JSON object, or the decoded node
// re-encoded when no raw bytes were kept.
func payloadOf(n schema.PlanNode) (map[string]any, error) {
	raw := n.Raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(n); err != nil {
			return nil, err
		}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func clip(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxTitleLength {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:MaxTitleLength-1])) + "…"
}
