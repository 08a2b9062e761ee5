package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDocumentStatus signals a pipeline state change for one document
	EventTypeDocumentStatus EventType = "document_status"
	// EventTypePIIDetection summarizes a detection pass (categories and counts only)
	EventTypePIIDetection EventType = "pii_detection"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients. Event payloads carry
// document IDs, statuses and counts; never text content, findings or masks.
type Event struct {
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	DocumentID string      `json:"document_id,omitempty"`
	Data       interface{} `json:"data"`
}

// DocumentStatusEvent reports one document's pipeline transition
type DocumentStatusEvent struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

// PIIDetectionEvent summarizes one detection pass
type PIIDetectionEvent struct {
	DocumentID    string         `json:"document_id"`
	TotalFindings int            `json:"total_findings"`
	ByCategory    map[string]int `json:"by_category"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	IP           string
}
