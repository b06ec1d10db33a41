package grouporders

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

type metrics struct {
	joins       metric.Int64Counter
	items       metric.Int64Counter
	transitions metric.Int64Counter
	active      metric.Int64ObservableGauge
}

func newMetrics(activeSessions func() int64) (*metrics, error) {
	meter := otel.Meter("grouporders")

	joins, err := meter.Int64Counter("grouporders.joins",
		metric.WithDescription("Join attempts by result"))
	if err != nil {
		return nil, err
	}

	items, err := meter.Int64Counter("grouporders.item_additions",
		metric.WithDescription("Item additions by result"))
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("grouporders.transitions",
		metric.WithDescription("Lifecycle transitions by target status"))
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64ObservableGauge("grouporders.active_sessions",
		metric.WithDescription("Sessions held in memory that are not terminal"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(activeSessions())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{joins: joins, items: items, transitions: transitions, active: active}, nil
}

func (m *metrics) recordJoin(ctx context.Context, err error) {
	m.joins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", resultOf(err))))
}

func (m *metrics) recordItem(ctx context.Context, err error) {
	m.items.Add(ctx, 1, metric.WithAttributes(attribute.String("result", resultOf(err))))
}

func (m *metrics) recordTransition(ctx context.Context, status domain.Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, domain.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, domain.ErrIdentityRequired):
		return "identity_required"
	case errors.Is(err, domain.ErrSessionClosed), errors.Is(err, domain.ErrSessionLocked), errors.Is(err, domain.ErrSessionNotJoinable):
		return "closed"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	default:
		return "error"
	}
}
