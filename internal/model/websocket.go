package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage is the status snapshot pushed on every job state commit
type WSStatusMessage struct {
	Type     string            `json:"type"`
	JobID    string            `json:"jobId"`
	Snapshot JobStatusResponse `json:"snapshot"`
}
