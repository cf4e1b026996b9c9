// Package audit implements the append-only audit event store.
// Every state transition and decision in the order pipeline is recorded
// here and is queryable by correlation ID for post-hoc reconstruction.
package audit

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the closed set of audit event types.
type EventType string

const (
	// Portfolio & market data
	EventPortfolioSnapshotTaken EventType = "PortfolioSnapshotTaken"
	EventMarketSnapshotTaken    EventType = "MarketSnapshotTaken"

	// Broker connection
	EventBrokerConnected    EventType = "BrokerConnected"
	EventBrokerDisconnected EventType = "BrokerDisconnected"
	EventBrokerReconnecting EventType = "BrokerReconnecting"

	// Order lifecycle
	EventOrderProposed     EventType = "OrderProposed"
	EventOrderSimulated    EventType = "OrderSimulated"
	EventRiskGateEvaluated EventType = "RiskGateEvaluated"
	EventApprovalRequested EventType = "ApprovalRequested"
	EventApprovalGranted   EventType = "ApprovalGranted"
	EventApprovalDenied    EventType = "ApprovalDenied"
	EventOrderSubmitted    EventType = "OrderSubmitted"
	EventOrderConfirmed    EventType = "OrderConfirmed"
	EventOrderFilled       EventType = "OrderFilled"
	EventOrderCancelled    EventType = "OrderCancelled"
	EventOrderRejected     EventType = "OrderRejected"

	// System
	EventKillSwitchActivated EventType = "KillSwitchActivated"
	EventKillSwitchReleased  EventType = "KillSwitchReleased"
	EventErrorOccurred       EventType = "ErrorOccurred"

	// Agent tool calls
	EventToolCalled    EventType = "ToolCalled"
	EventToolCompleted EventType = "ToolCompleted"
	EventToolFailed    EventType = "ToolFailed"

	// Scheduled reports
	EventScheduledReportStarted   EventType = "ScheduledReportStarted"
	EventScheduledReportCompleted EventType = "ScheduledReportCompleted"
	EventScheduledReportFailed    EventType = "ScheduledReportFailed"
)

// ErrPersistenceFailed is returned when an event cannot be durably written.
// Callers must treat it as fatal for the triggering state transition.
var ErrPersistenceFailed = errors.New("audit: persistence failed")

// ErrInvalidCorrelationID is returned for empty or overlong correlation ids.
var ErrInvalidCorrelationID = errors.New("audit: correlation_id must be non-empty")

// Event is an immutable audit record. Events are append-only and are never
// mutated or deleted after Append returns.
type Event struct {
	ID            uuid.UUID              `json:"id"`
	EventType     EventType              `json:"event_type"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// EventCreate carries the caller-supplied fields of a new event. ID and
// timestamp are assigned by the store.
type EventCreate struct {
	EventType     EventType              `json:"event_type"`
	CorrelationID string                 `json:"correlation_id"`
	Data          map[string]interface{} `json:"data"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Validate checks the correlation id constraints shared by Event and
// EventCreate.
func (c *EventCreate) Validate() error {
	id := strings.TrimSpace(c.CorrelationID)
	if id == "" || len(id) > 100 {
		return ErrInvalidCorrelationID
	}
	c.CorrelationID = id
	return nil
}

// Query filters for the event store. Zero values mean "no filter".
type Query struct {
	EventTypes    []EventType
	CorrelationID string
	StartTime     time.Time
	EndTime       time.Time
	Limit         int // default 100, max 1000
	Offset        int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

func (q *Query) normalize() {
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > maxQueryLimit {
		q.Limit = maxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// Stats summarizes the contents of the store.
type Stats struct {
	TotalEvents        int64            `json:"total_events"`
	EventTypeCounts    map[string]int64 `json:"event_type_counts"`
	EarliestEvent      *time.Time       `json:"earliest_event,omitempty"`
	LatestEvent        *time.Time       `json:"latest_event,omitempty"`
	CorrelationIDCount int64            `json:"correlation_id_count"`
}
