package broker

import (
	"context"
	"log"
	"sync"

	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/correlation"
)

// connectionSink is the slice of the audit store the wrapper writes to.
type connectionSink interface {
	Append(create audit.EventCreate) (*audit.Event, error)
}

// AuditedAdapter wraps an Adapter and records the connection lifecycle
// in the audit log: connected, disconnected, and reconnecting when a
// Connect follows an earlier session. Every other call passes through.
type AuditedAdapter struct {
	Adapter

	mu         sync.Mutex
	hadSession bool
	sink       connectionSink
	logger     *log.Logger
}

// NewAuditedAdapter wires connection auditing around inner.
func NewAuditedAdapter(inner Adapter, sink connectionSink) *AuditedAdapter {
	return &AuditedAdapter{
		Adapter: inner,
		sink:    sink,
		logger:  log.New(log.Writer(), "[BROKER] ", log.LstdFlags),
	}
}

func (a *AuditedAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	reconnect := a.hadSession
	a.mu.Unlock()
	if reconnect {
		a.append(ctx, audit.EventBrokerReconnecting)
	}

	if err := a.Adapter.Connect(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.hadSession = true
	a.mu.Unlock()
	a.append(ctx, audit.EventBrokerConnected)
	return nil
}

func (a *AuditedAdapter) Disconnect(ctx context.Context) error {
	if err := a.Adapter.Disconnect(ctx); err != nil {
		return err
	}
	a.append(ctx, audit.EventBrokerDisconnected)
	return nil
}

func (a *AuditedAdapter) append(ctx context.Context, eventType audit.EventType) {
	if _, err := a.sink.Append(audit.EventCreate{
		EventType:     eventType,
		CorrelationID: correlation.FromContext(ctx),
		Data:          map[string]interface{}{},
	}); err != nil {
		a.logger.Printf("failed to audit %s: %v", eventType, err)
	}
}
