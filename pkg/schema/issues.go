package schema

// Issue is an advisory finding about a plan graph or one of its nodes. Plans
// are never rejected on issues; they surface as canvas diagnostics and in the
// node panel.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Issues keeps findings in the order they were reported.
type Issues []Issue

// Add appends a finding located at path.
func (is *Issues) Add(path, code, message string) {
	*is = append(*is, Issue{Path: path, Code: code, Message: message})
}
