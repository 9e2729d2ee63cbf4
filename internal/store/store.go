package store

import (
	"context"
	"time"

	"github.com/deep-research/execution-engine/pkg/types"
)

// Audit event types emitted by the engine.
const (
	EventTradeExecuted  = "TRADE_EXECUTED"
	EventTradeRejected  = "TRADE_REJECTED"
	EventTradeClosed    = "TRADE_CLOSED"
	EventCircuitBreaker = "CIRCUIT_BREAKER_TRIPPED"
	EventBreakerReset   = "CIRCUIT_BREAKER_RESET"
	EventMakerQuote     = "MAKER_QUOTE_PLACED"
	EventMakerCancel    = "MAKER_QUOTE_CANCELLED"
	EventMakerFill      = "MAKER_FILL"
	EventConfigUpdated  = "CONFIG_UPDATED"
)

// AuditEvent is one immutable audit-trail record.
type AuditEvent struct {
	ID        string                 `json:"id"`
	AccountID string                 `json:"accountId"`
	EventType string                 `json:"eventType"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Store is the persistent config and audit contract the engine requires.
// LoadConfig creates defaults on first read; SaveConfig merges the update
// into the stored config field by field and refreshes lastRun.
type Store interface {
	LoadConfig(ctx context.Context, accountID string) (*types.AccountConfig, error)
	SaveConfig(ctx context.Context, accountID string, update *types.ConfigUpdate) (*types.AccountConfig, error)
	AppendAudit(ctx context.Context, accountID, eventType string, payload map[string]interface{}) error
}
