package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	SignalReceived  EventType = "SIGNAL_RECEIVED"
	SignalDuplicate EventType = "SIGNAL_DUPLICATE"
	SignalRejected  EventType = "SIGNAL_REJECTED"

	OrderSubmitted EventType = "ORDER_SUBMITTED"
	OrderFilled    EventType = "ORDER_FILLED"
	OrderCancelled EventType = "ORDER_CANCELLED"
	OrderFailed    EventType = "ORDER_FAILED"

	ConnectionLost     EventType = "CONNECTION_LOST"
	ConnectionRestored EventType = "CONNECTION_RESTORED"
	SessionRelogin     EventType = "SESSION_RELOGIN"

	RolloverStarted EventType = "ROLLOVER_STARTED"
	RolloverEnded   EventType = "ROLLOVER_ENDED"

	ReportGenerated EventType = "REPORT_GENERATED"
	MarginChanged   EventType = "MARGIN_CHANGED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Manager handles event emission and logging
type Manager struct {
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log: log.With().Str("service", "events").Logger(),
	}
}

// Emit emits an event
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
