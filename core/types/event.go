package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	// Time is the unix second at which the transition was committed.
	Time int64 `json:"time,omitempty"`
}

// Attribute returns the named attribute or an empty string.
func (e *Event) Attribute(name string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[name]
}
