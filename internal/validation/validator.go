package validation

import "encoding/json"

// EventValidator checks planner stream payloads before they reach the graph store.
type EventValidator interface {
	// Known reports whether event is a stream tag with a registered schema.
	Known(event string) bool
	// ValidateEvent returns a VALIDATION_ERROR *schema.PlanError when data
	// does not match the schema for event. Unknown events always pass.
	ValidateEvent(event string, data json.RawMessage) error
}
