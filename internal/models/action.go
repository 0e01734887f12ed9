// internal/models/action.go
package models

// Action captures one accepted in-game move for the historian.
type Action struct {
	Room        string         `json:"room"`
	Game        string         `json:"game"`
	ActionIndex int            `json:"action_index"`
	Actor       string         `json:"actor"`
	ActionType  string         `json:"action_type"`
	Payload     map[string]any `json:"action_payload"`
	Timestamp   int64          `json:"timestamp"`
}
