package webui

import (
	"time"
)

// WebSocket message types.
const (
	// MessageTypeSnapshot carries a metrics.PipelineMetrics snapshot.
	MessageTypeSnapshot = "snapshot"

	// MessageTypeStatus carries a pipeline.Status, sent once on connect.
	MessageTypeStatus = "status"

	// MessageTypeError carries an ErrorData.
	MessageTypeError = "error"
)

// WSMessage is the envelope for all websocket messages.
type WSMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewWSMessage stamps a message with the current time.
func NewWSMessage(msgType string, data any) WSMessage {
	return WSMessage{Type: msgType, Timestamp: time.Now(), Data: data}
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
