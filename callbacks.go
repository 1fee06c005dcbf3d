package bizflow

import (
	"context"
	"time"
)

// EngineCallbacks defines the callback interface for engine operation events.
// Callbacks observe committed work; they cannot veto or mutate it.
type EngineCallbacks interface {
	// BeforeOperation runs after an operation's preconditions pass, before
	// the mutation is committed.
	BeforeOperation(ctx context.Context, event *OperationEvent)

	// AfterOperation runs after an operation committed, including its audit
	// entry.
	AfterOperation(ctx context.Context, event *OperationEvent)
}

// OperationEvent provides context for engine operation events.
type OperationEvent struct {
	InstanceID   string
	DefinitionID string
	BusinessKey  string
	Operation    Operation
	Actor        string
	Status       InstanceStatus
	CurrentStep  string
	Timestamp    time.Time
	Entry        *AuditEntry
}

// BaseEngineCallbacks provides a default implementation that does nothing.
// Embed it to implement only the hooks you care about.
type BaseEngineCallbacks struct{}

func (n *BaseEngineCallbacks) BeforeOperation(ctx context.Context, event *OperationEvent) {
	// noop
}

func (n *BaseEngineCallbacks) AfterOperation(ctx context.Context, event *OperationEvent) {
	// noop
}

// CallbackChain allows chaining multiple callback implementations.
type CallbackChain struct {
	callbacks []EngineCallbacks
}

// NewCallbackChain creates a new callback chain.
func NewCallbackChain(callbacks ...EngineCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain.
func (c *CallbackChain) Add(callback EngineCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeOperation(ctx context.Context, event *OperationEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeOperation(ctx, event)
	}
}

func (c *CallbackChain) AfterOperation(ctx context.Context, event *OperationEvent) {
	for _, callback := range c.callbacks {
		callback.AfterOperation(ctx, event)
	}
}
