package ports

import (
	"context"
	"time"

	"github.com/betbot/spotcycle/internal/events"
)

// PriceTickHandler receives market ticks. Implementations must not block for long.
//
// NOTE: defined in a neutral package to avoid circular dependencies between the
// cycle controller and the websocket infrastructure.
type PriceTickHandler interface {
	OnPriceTick(ctx context.Context, tick events.PriceTick) error
}

// AccountEventHandler receives validated account events in stream order.
type AccountEventHandler interface {
	OnAccountEvent(ctx context.Context, ev events.AccountEvent) error
}

// SessionGate is invoked after every successful authenticated handshake and
// before any event of that session is delivered. since is the time of the last
// successfully processed message of the previous session.
type SessionGate interface {
	Reconcile(ctx context.Context, since time.Time) error
}
