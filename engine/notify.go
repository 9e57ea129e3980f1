package engine

import (
	"context"

	"go.uber.org/zap"
)

// Notifier receives one event per committed transition. It is called after
// the store transaction commits and cannot fail the transition.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// NopNotifier drops events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}

// LogNotifier writes events to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, e Event) {
	n.Logger.Info("deliverable transition",
		zap.String("deliverable_id", string(e.DeliverableID)),
		zap.String("contract_id", string(e.ContractID)),
		zap.String("action", string(e.Action)),
		zap.String("from", string(e.From)),
		zap.String("to", string(e.To)),
		zap.String("principal_id", string(e.PrincipalID)),
		zap.Time("at", e.At))
}

// MultiNotifier fans events out in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}
