package grouporders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

// Session serialises every mutation of one group order. The committed
// aggregate is only replaced after the store accepted the new snapshot, so a
// failed round-trip never leaves a partial change behind.
type Session struct {
	mu    sync.Mutex
	order *domain.GroupOrder
	store Store
	now   func() time.Time
}

func newSession(order *domain.GroupOrder, store Store, now func() time.Time) *Session {
	return &Session{order: order, store: store, now: now}
}

// Change describes a committed mutation.
type Change struct {
	Order *domain.GroupOrder
	// From is the status before the mutation.
	From domain.Status
	// Expired is set when the call committed the TTL expiry.
	Expired bool
}

type mutation func(order *domain.GroupOrder, now time.Time) error

// Snapshot returns a copy of the committed aggregate.
func (s *Session) Snapshot() *domain.GroupOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Clone()
}

// Update applies fn to a staged copy and commits it. A session past its TTL
// is expired first, in which case fn is not applied and the returned Change
// carries the expired snapshot alongside domain.ErrSessionClosed.
func (s *Session) Update(ctx context.Context, fn mutation) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.order.IsDue(now) {
		change, err := s.expireLocked(ctx, now)
		if err != nil {
			return Change{}, err
		}
		return change, fmt.Errorf("%w: order expired at %s", domain.ErrSessionClosed, s.order.ExpiresAt.Format(time.RFC3339))
	}

	from := s.order.Status
	if err := s.commitLocked(ctx, now, fn); err != nil {
		return Change{}, err
	}
	return Change{Order: s.order.Clone(), From: from}, nil
}

// ExpireIfDue commits the expiry of a session whose TTL has elapsed.
func (s *Session) ExpireIfDue(ctx context.Context) (Change, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.order.IsDue(now) {
		return Change{}, false, nil
	}
	change, err := s.expireLocked(ctx, now)
	if err != nil {
		return Change{}, false, err
	}
	return change, true, nil
}

func (s *Session) expireLocked(ctx context.Context, now time.Time) (Change, error) {
	from := s.order.Status
	err := s.commitLocked(ctx, now, func(order *domain.GroupOrder, now time.Time) error {
		return order.Transition(domain.StatusExpired, now)
	})
	if err != nil {
		return Change{}, err
	}
	return Change{Order: s.order.Clone(), From: from, Expired: true}, nil
}

func (s *Session) commitLocked(ctx context.Context, now time.Time, fn mutation) error {
	staged := s.order.Clone()
	if err := fn(staged, now); err != nil {
		return err
	}
	staged.Version = s.order.Version + 1
	staged.UpdatedAt = now

	if err := s.store.Save(ctx, staged); err != nil {
		return fmt.Errorf("persisting order %s: %w", staged.ID, err)
	}
	s.order = staged
	return nil
}

// idleSince reports when a terminal session last changed; ok is false for
// sessions that are still live.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.order.Status.IsTerminal() {
		return time.Time{}, false
	}
	return s.order.UpdatedAt, true
}
