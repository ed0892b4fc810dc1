package model

type EventType string

const (
	EventTypeRound   EventType = "round"
	EventTypeVerdict EventType = "verdict"
)

// Envelope is transport-agnostic framing for stream payloads.
type Envelope struct {
	Type          EventType `json:"type"`
	RunID         string    `json:"run_id"`
	VMName        string    `json:"vm_name"`
	TimestampUnix int64     `json:"timestamp_unix"`
	Payload       any       `json:"payload"`
}
