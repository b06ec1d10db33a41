// Package grouporders hosts the live group ordering sessions: the registry
// that creates, resolves and reaps them, the per-session critical section,
// their persistence and the HTTP surface.
package grouporders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/currency"

	"github.com/joao-fontenele/grouporders/internal/domain"
	"github.com/joao-fontenele/grouporders/internal/invite"
	"github.com/joao-fontenele/grouporders/internal/ledger"
	"github.com/joao-fontenele/grouporders/internal/payment"
	"github.com/joao-fontenele/grouporders/internal/spending"
)

var tracer = otel.Tracer("grouporders")

var externalID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	DefaultMaxTTL          = 4 * time.Hour
	DefaultMaxParticipants = 20
	DefaultRetention       = 15 * time.Minute
	DefaultCurrency        = "USD"
)

// EventPublisher receives lifecycle events after they are committed.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type CreateInput struct {
	RestaurantID string
	TableID      string
	TTLMinutes   int
	Settings     domain.Settings
}

type PaymentChange struct {
	Structure domain.PaymentStructure
	Splits    map[string]decimal.Decimal
	PayerID   string
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// codes maps invite codes of non-terminal sessions to their order id.
	codes map[string]string

	store     Store
	publisher EventPublisher
	authority *invite.Authority
	logger    *slog.Logger
	metrics   *metrics
	now       func() time.Time

	maxTTL          time.Duration
	maxParticipants int
	retention       time.Duration
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithAuthority(a *invite.Authority) Option {
	return func(r *Registry) { r.authority = a }
}

func WithMaxTTL(d time.Duration) Option {
	return func(r *Registry) { r.maxTTL = d }
}

func WithMaxParticipants(n int) Option {
	return func(r *Registry) { r.maxParticipants = n }
}

// WithRetention sets how long terminal sessions stay in memory before the
// sweeper evicts them.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// NewRegistry builds an empty registry. publisher may be nil.
func NewRegistry(store Store, publisher EventPublisher, logger *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		sessions:        make(map[string]*Session),
		codes:           make(map[string]string),
		store:           store,
		publisher:       publisher,
		authority:       invite.NewAuthority(),
		logger:          logger,
		now:             time.Now,
		maxTTL:          DefaultMaxTTL,
		maxParticipants: DefaultMaxParticipants,
		retention:       DefaultRetention,
	}
	for _, opt := range opts {
		opt(r)
	}

	m, err := newMetrics(r.activeSessions)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	r.metrics = m
	return r, nil
}

func (r *Registry) validateCreate(in *CreateInput) error {
	in.RestaurantID = strings.TrimSpace(in.RestaurantID)
	in.TableID = strings.TrimSpace(in.TableID)

	if !externalID.MatchString(in.RestaurantID) {
		return fmt.Errorf("%w: malformed restaurantId", domain.ErrInvalidRequest)
	}
	if !externalID.MatchString(in.TableID) {
		return fmt.Errorf("%w: malformed tableId", domain.ErrInvalidRequest)
	}
	if in.TTLMinutes <= 0 || in.TTLMinutes > int(r.maxTTL/time.Minute) {
		return fmt.Errorf("%w: expirationMinutes must be between 1 and %d", domain.ErrInvalidRequest, int(r.maxTTL.Minutes()))
	}
	if in.Settings.MaxParticipants <= 0 || in.Settings.MaxParticipants > r.maxParticipants {
		return fmt.Errorf("%w: maxParticipants must be between 1 and %d", domain.ErrInvalidRequest, r.maxParticipants)
	}

	if in.Settings.Currency == "" {
		in.Settings.Currency = DefaultCurrency
	}
	unit, err := currency.ParseISO(in.Settings.Currency)
	if err != nil {
		return fmt.Errorf("%w: unknown currency %q", domain.ErrInvalidRequest, in.Settings.Currency)
	}
	in.Settings.Currency = unit.String()
	return nil
}

// Create opens a new session and allocates its invite code.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*domain.GroupOrder, error) {
	ctx, span := tracer.Start(ctx, "Registry.Create")
	defer span.End()

	if err := r.validateCreate(&in); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	now := r.now().UTC()
	order := &domain.GroupOrder{
		ID:               uuid.NewString(),
		RestaurantID:     in.RestaurantID,
		TableID:          in.TableID,
		Status:           domain.StatusCreated,
		Settings:         in.Settings,
		PaymentStructure: domain.PaymentPayOwn,
		Participants:     []domain.Participant{},
		Items:            []domain.Item{},
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(in.TTLMinutes) * time.Minute),
	}
	if err := order.Transition(domain.StatusOpen, now); err != nil {
		return nil, err
	}

	order.Version = 1
	// The store rejects codes held by sessions of other replicas; those
	// collisions get a fresh code like in-memory ones do.
	for attempt := 1; ; attempt++ {
		code, err := r.reserveCode(order.ID)
		if err != nil {
			r.logger.Error("failed to allocate invite code", "error", err)
			recordSpanError(span, err)
			return nil, err
		}
		order.InviteCode = code

		err = r.store.Save(ctx, order)
		if err == nil {
			break
		}
		r.releaseCode(code)
		if !errors.Is(err, domain.ErrCodeGenerationFailed) || attempt >= invite.MaxAttempts {
			recordSpanError(span, err)
			return nil, fmt.Errorf("persisting order %s: %w", order.ID, err)
		}
		r.logger.Warn("invite code taken in store, regenerating", "invite_code", code, "attempt", attempt)
	}

	r.mu.Lock()
	r.sessions[order.ID] = newSession(order.Clone(), r.store, r.now)
	r.mu.Unlock()

	span.SetAttributes(attribute.String("group_order.id", order.ID))
	r.metrics.recordTransition(ctx, domain.StatusOpen)
	r.publish(ctx, domain.EventGroupOrderCreated, order, map[string]any{
		"restaurantId": order.RestaurantID,
		"tableId":      order.TableID,
		"expiresAt":    order.ExpiresAt,
	})
	r.logger.Info("group order created", "group_order_id", order.ID, "restaurant_id", order.RestaurantID, "expires_at", order.ExpiresAt)
	return order, nil
}

// Get returns the current projection of an order. Terminal orders evicted
// from memory are read back from the store.
func (r *Registry) Get(ctx context.Context, id string) (*domain.GroupOrder, error) {
	ctx, span := tracer.Start(ctx, "Registry.Get", trace.WithAttributes(attribute.String("group_order.id", id)))
	defer span.End()

	s := r.session(id)
	if s == nil {
		order, err := r.store.Get(ctx, id)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		if order == nil {
			return nil, fmt.Errorf("%w: group order %s", domain.ErrNotFound, id)
		}
		return order, nil
	}

	if err := r.expire(ctx, s); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return s.Snapshot(), nil
}

// ResolveInviteCode returns the session a code points to while the session
// is still created or open.
func (r *Registry) ResolveInviteCode(ctx context.Context, code string) (*domain.GroupOrder, error) {
	ctx, span := tracer.Start(ctx, "Registry.ResolveInviteCode")
	defer span.End()

	if !r.authority.Validate(code) {
		return nil, fmt.Errorf("%w: invite code", domain.ErrNotFound)
	}
	code = invite.Normalize(code)

	r.mu.RLock()
	id, ok := r.codes[code]
	var s *Session
	if ok {
		s = r.sessions[id]
	}
	r.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("%w: invite code", domain.ErrNotFound)
	}

	if err := r.expire(ctx, s); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	order := s.Snapshot()
	if !order.Status.IsResolvable() {
		return nil, fmt.Errorf("%w: invite code", domain.ErrNotFound)
	}
	span.SetAttributes(attribute.String("group_order.id", order.ID))
	return order, nil
}

// ValidateJoinCode reports whether a code currently resolves to a session.
func (r *Registry) ValidateJoinCode(ctx context.Context, code string) bool {
	_, err := r.ResolveInviteCode(ctx, code)
	return err == nil
}

// Join admits a participant through an invite code.
func (r *Registry) Join(ctx context.Context, code string, identity ledger.Identity) (domain.Participant, *domain.GroupOrder, error) {
	ctx, span := tracer.Start(ctx, "Registry.Join")
	defer span.End()

	target, err := r.ResolveInviteCode(ctx, code)
	if err != nil {
		r.metrics.recordJoin(ctx, err)
		recordSpanError(span, err)
		return domain.Participant{}, nil, err
	}

	var participant domain.Participant
	var added bool
	order, err := r.mutate(ctx, target.ID, func(order *domain.GroupOrder, now time.Time) error {
		before := len(order.Participants)
		p, err := ledger.Join(order, identity, now)
		if err != nil {
			return err
		}
		participant = p
		added = len(order.Participants) > before
		return nil
	})
	r.metrics.recordJoin(ctx, err)
	if err != nil {
		recordSpanError(span, err)
		return domain.Participant{}, nil, err
	}

	if added {
		r.publish(ctx, domain.EventParticipantJoined, order, participant)
		r.logger.Info("participant joined", "group_order_id", order.ID, "participant_id", participant.ID,
			"participants", len(order.Participants))
	}
	return participant, order, nil
}

func (r *Registry) Leave(ctx context.Context, id, participantID string) (*domain.GroupOrder, error) {
	order, err := r.mutate(ctx, id, func(order *domain.GroupOrder, now time.Time) error {
		return ledger.Leave(order, participantID, now)
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, domain.EventParticipantLeft, order, map[string]string{"participantId": participantID})
	r.logger.Info("participant left", "group_order_id", id, "participant_id", participantID)
	return order, nil
}

func (r *Registry) AddItem(ctx context.Context, id string, in ledger.NewItem) (domain.Item, *domain.GroupOrder, error) {
	ctx, span := tracer.Start(ctx, "Registry.AddItem", trace.WithAttributes(attribute.String("group_order.id", id)))
	defer span.End()

	var item domain.Item
	order, err := r.mutate(ctx, id, func(order *domain.GroupOrder, now time.Time) error {
		added, err := ledger.AddItem(order, in, now)
		item = added
		return err
	})
	r.metrics.recordItem(ctx, err)
	if err != nil {
		recordSpanError(span, err)
		return domain.Item{}, nil, err
	}

	r.publish(ctx, domain.EventItemAdded, order, item)
	r.logger.Info("item added", "group_order_id", id, "participant_id", item.ParticipantID, "item_id", item.ID,
		"amount", item.Amount.StringFixed(2))
	return item, order, nil
}

func (r *Registry) RemoveItem(ctx context.Context, id, itemID string) (*domain.GroupOrder, error) {
	var item domain.Item
	order, err := r.mutate(ctx, id, func(order *domain.GroupOrder, now time.Time) error {
		removed, err := ledger.RemoveItem(order, itemID, now)
		item = removed
		return err
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, domain.EventItemRemoved, order, item)
	r.logger.Info("item removed", "group_order_id", id, "item_id", itemID)
	return order, nil
}

// SetSpendingLimits replaces the limit configuration wholesale.
func (r *Registry) SetSpendingLimits(ctx context.Context, id string, limits domain.SpendingLimits) (*domain.GroupOrder, error) {
	order, err := r.mutate(ctx, id, func(order *domain.GroupOrder, _ time.Time) error {
		return spending.Apply(order, limits)
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, domain.EventSpendingLimitsUpdated, order, order.SpendingLimits)
	r.logger.Info("spending limits updated", "group_order_id", id, "enabled", order.SpendingLimits.Enabled)
	return order, nil
}

func (r *Registry) SetPaymentStructure(ctx context.Context, id string, change PaymentChange) (*domain.GroupOrder, error) {
	order, err := r.mutate(ctx, id, func(order *domain.GroupOrder, _ time.Time) error {
		return payment.Apply(order, change.Structure, change.Splits, change.PayerID)
	})
	if err != nil {
		return nil, err
	}
	r.publish(ctx, domain.EventPaymentStructureUpdated, order, map[string]any{
		"paymentStructure": order.PaymentStructure,
		"customSplits":     order.CustomSplits,
		"payerId":          order.PayerID,
	})
	r.logger.Info("payment structure updated", "group_order_id", id, "payment_structure", order.PaymentStructure)
	return order, nil
}

// Lock starts checkout. An order without items cannot be locked.
func (r *Registry) Lock(ctx context.Context, id string) (*domain.GroupOrder, error) {
	return r.transition(ctx, id, domain.StatusLocked, func(order *domain.GroupOrder) error {
		if len(order.Items) == 0 {
			return fmt.Errorf("%w: nothing to check out", domain.ErrInvalidTransition)
		}
		return nil
	})
}

// Finalize completes checkout of a locked order and returns its settlement.
func (r *Registry) Finalize(ctx context.Context, id string) (payment.Settlement, error) {
	order, err := r.transition(ctx, id, domain.StatusFinalized, nil)
	if err != nil {
		return payment.Settlement{}, err
	}
	return payment.ComputeSettlement(order), nil
}

func (r *Registry) Cancel(ctx context.Context, id string) (*domain.GroupOrder, error) {
	return r.transition(ctx, id, domain.StatusCancelled, nil)
}

// Settlement computes the current per-participant amounts due.
func (r *Registry) Settlement(ctx context.Context, id string) (payment.Settlement, error) {
	order, err := r.Get(ctx, id)
	if err != nil {
		return payment.Settlement{}, err
	}
	return payment.ComputeSettlement(order), nil
}

func (r *Registry) transition(ctx context.Context, id string, next domain.Status, guard func(*domain.GroupOrder) error) (*domain.GroupOrder, error) {
	ctx, span := tracer.Start(ctx, "Registry.Transition", trace.WithAttributes(
		attribute.String("group_order.id", id),
		attribute.String("group_order.status", string(next)),
	))
	defer span.End()

	order, err := r.mutate(ctx, id, func(order *domain.GroupOrder, now time.Time) error {
		if guard != nil && order.Status.CanTransitionTo(next) {
			if err := guard(order); err != nil {
				return err
			}
		}
		return order.Transition(next, now)
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	r.logger.Info("group order transitioned", "group_order_id", id, "status", next)
	return order, nil
}

// SweepExpired expires every due session and evicts terminal sessions past
// the retention window. It returns how many sessions it expired.
func (r *Registry) SweepExpired(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "Registry.SweepExpired")
	defer span.End()

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	expired := 0
	cutoff := r.now().Add(-r.retention)
	var evict []string
	for _, s := range sessions {
		change, ok, err := s.ExpireIfDue(ctx)
		if err != nil {
			r.logger.Error("failed to expire group order", "error", err)
			continue
		}
		if ok {
			expired++
			r.committed(ctx, change)
		}
		if since, terminal := s.idleSince(); terminal && since.Before(cutoff) {
			evict = append(evict, s.Snapshot().ID)
		}
	}

	if len(evict) > 0 {
		r.mu.Lock()
		for _, id := range evict {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	}

	span.SetAttributes(attribute.Int("sweep.expired", expired), attribute.Int("sweep.evicted", len(evict)))
	if expired > 0 || len(evict) > 0 {
		r.logger.Info("sweep completed", "expired", expired, "evicted", len(evict))
	}
	return expired
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired(ctx)
		}
	}
}

// Restore loads every non-terminal session from the store. It is meant to run
// once at startup before the registry serves traffic.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	orders, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active orders: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range orders {
		r.sessions[order.ID] = newSession(order, r.store, r.now)
		r.codes[order.InviteCode] = order.ID
	}
	return len(orders), nil
}

func (r *Registry) session(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// mutate runs fn inside the session critical section and handles what every
// commit implies: code release, metrics and lifecycle events.
func (r *Registry) mutate(ctx context.Context, id string, fn mutation) (*domain.GroupOrder, error) {
	s := r.session(id)
	if s == nil {
		order, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, fmt.Errorf("%w: group order %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: order is %s", domain.ErrSessionClosed, order.Status)
	}

	change, err := s.Update(ctx, fn)
	if change.Order != nil {
		r.committed(ctx, change)
	}
	if err != nil {
		return nil, err
	}
	return change.Order, nil
}

func (r *Registry) expire(ctx context.Context, s *Session) error {
	change, ok, err := s.ExpireIfDue(ctx)
	if err != nil {
		return err
	}
	if ok {
		r.committed(ctx, change)
	}
	return nil
}

// committed reacts to status changes of a freshly committed snapshot.
func (r *Registry) committed(ctx context.Context, change Change) {
	order := change.Order
	if order.Status == change.From {
		return
	}
	if order.Status.IsTerminal() {
		r.releaseCode(order.InviteCode)
	}
	r.metrics.recordTransition(ctx, order.Status)

	eventType, ok := domain.StatusEvent(order.Status)
	if !ok {
		return
	}
	var payload any = map[string]any{"from": change.From, "to": order.Status}
	if order.Status == domain.StatusFinalized {
		payload = payment.ComputeSettlement(order)
	}
	r.publish(ctx, eventType, order, payload)
	if change.Expired {
		r.logger.Info("group order expired", "group_order_id", order.ID)
	}
}

// reserveCode allocates a code unused by any live session in this registry.
func (r *Registry) reserveCode(orderID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, err := r.authority.Generate(func(c string) bool {
		_, taken := r.codes[c]
		return taken
	})
	if err != nil {
		return "", err
	}
	r.codes[code] = orderID
	return code, nil
}

func (r *Registry) releaseCode(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
}

func (r *Registry) activeSessions() int64 {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var n int64
	for _, s := range sessions {
		if _, terminal := s.idleSince(); !terminal {
			n++
		}
	}
	return n
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, order *domain.GroupOrder, payload any) {
	if r.publisher == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "error", err, "event_type", eventType)
		return
	}
	event := domain.Event{
		Type:         eventType,
		GroupOrderID: order.ID,
		Version:      order.Version,
		Status:       order.Status,
		Payload:      data,
		Timestamp:    order.UpdatedAt,
	}
	if err := r.publisher.Publish(ctx, order.ID, event); err != nil {
		r.logger.Error("failed to publish event", "error", err, "event_type", eventType, "group_order_id", order.ID)
	}
}

func recordSpanError(span trace.Span, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
