package types

// Event represents a typed event emitted when a ledger operation completes.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
