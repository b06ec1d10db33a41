package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

var now = time.Date(2026, 5, 2, 19, 30, 0, 0, time.UTC)

func newOrder(maxParticipants int, allowAnonymous bool) *domain.GroupOrder {
	return &domain.GroupOrder{
		ID:               "g1",
		Status:           domain.StatusOpen,
		Settings:         domain.Settings{MaxParticipants: maxParticipants, AllowAnonymous: allowAnonymous, Currency: "USD"},
		PaymentStructure: domain.PaymentPayOwn,
	}
}

func fakeIdentity() Identity {
	return Identity{Name: gofakeit.Name(), Email: gofakeit.UUID() + "@" + gofakeit.DomainName()}
}

func TestJoin_ScenarioA(t *testing.T) {
	order := newOrder(5, false)

	for range 3 {
		_, err := Join(order, fakeIdentity(), now)
		require.NoError(t, err)
	}
	assert.Len(t, order.Participants, 3)

	for range 2 {
		_, err := Join(order, fakeIdentity(), now)
		require.NoError(t, err)
	}

	_, err := Join(order, fakeIdentity(), now)
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Len(t, order.Participants, 5)
}

func TestJoin(t *testing.T) {
	t.Run("identity required when anonymous is disallowed", func(t *testing.T) {
		order := newOrder(5, false)
		_, err := Join(order, Identity{Name: "Ana"}, now)
		require.ErrorIs(t, err, domain.ErrIdentityRequired)

		_, err = Join(order, Identity{Name: "   ", Email: "ana@example.com"}, now)
		require.ErrorIs(t, err, domain.ErrIdentityRequired)
		assert.Empty(t, order.Participants)
	})

	t.Run("anonymous guests get a default name", func(t *testing.T) {
		order := newOrder(5, true)
		p, err := Join(order, Identity{}, now)
		require.NoError(t, err)
		assert.Equal(t, "Guest 1", p.Name)
		assert.Empty(t, p.Email)
	})

	t.Run("malformed email", func(t *testing.T) {
		_, err := Join(newOrder(5, true), Identity{Email: "not-an-email"}, now)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("overlong email", func(t *testing.T) {
		email := strings.Repeat("a", 64) + "@" + strings.Repeat("b", 63) + "." + strings.Repeat("c", 63) + "." + strings.Repeat("d", 63) + ".com"
		require.Greater(t, len(email), MaxEmailLength)
		_, err := Join(newOrder(5, true), Identity{Name: "Ana", Email: email}, now)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("same email returns the existing participant", func(t *testing.T) {
		order := newOrder(1, false)
		first, err := Join(order, Identity{Name: "Ana", Email: "ana@example.com"}, now)
		require.NoError(t, err)

		again, err := Join(order, Identity{Name: "Ana B", Email: " ANA@example.com "}, now)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Len(t, order.Participants, 1)
	})

	t.Run("join timestamps strictly increase on a frozen clock", func(t *testing.T) {
		order := newOrder(10, false)
		for range 10 {
			_, err := Join(order, fakeIdentity(), now)
			require.NoError(t, err)
		}
		for i := 1; i < len(order.Participants); i++ {
			assert.True(t, order.Participants[i].JoinedAt.After(order.Participants[i-1].JoinedAt))
		}
	})

	t.Run("ids are unique", func(t *testing.T) {
		order := newOrder(20, true)
		for range 20 {
			_, err := Join(order, Identity{}, now)
			require.NoError(t, err)
		}
		ids := lo.Map(order.Participants, func(p domain.Participant, _ int) string { return p.ID })
		assert.Len(t, lo.Uniq(ids), 20)
	})

	t.Run("newcomer gets a zero custom share", func(t *testing.T) {
		order := newOrder(5, true)
		order.PaymentStructure = domain.PaymentCustom
		order.CustomSplits = map[string]decimal.Decimal{}
		p, err := Join(order, Identity{}, now)
		require.NoError(t, err)
		share, ok := order.CustomSplits[p.ID]
		require.True(t, ok)
		assert.True(t, share.IsZero())
	})

	statusCases := []struct {
		status domain.Status
		want   error
	}{
		{domain.StatusCreated, domain.ErrSessionNotJoinable},
		{domain.StatusLocked, domain.ErrSessionLocked},
		{domain.StatusExpired, domain.ErrSessionClosed},
		{domain.StatusFinalized, domain.ErrSessionClosed},
		{domain.StatusCancelled, domain.ErrSessionClosed},
	}
	for _, tc := range statusCases {
		t.Run("rejects when "+string(tc.status), func(t *testing.T) {
			order := newOrder(5, true)
			order.Status = tc.status
			_, err := Join(order, Identity{}, now)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLeave(t *testing.T) {
	setup := func(t *testing.T) (*domain.GroupOrder, []domain.Participant) {
		order := newOrder(5, true)
		var ps []domain.Participant
		for range 3 {
			p, err := Join(order, Identity{}, now)
			require.NoError(t, err)
			ps = append(ps, p)
		}
		return order, ps
	}

	t.Run("blocks with pending items", func(t *testing.T) {
		order, ps := setup(t)
		_, err := AddItem(order, NewItem{ParticipantID: ps[1].ID, MenuItemID: "m1", Name: "Soup", Quantity: 1, UnitPrice: decimal.NewFromInt(8)}, now)
		require.NoError(t, err)

		err = Leave(order, ps[1].ID, now)
		require.ErrorIs(t, err, domain.ErrHasPendingItems)
		assert.Len(t, order.Participants, 3)
	})

	t.Run("removes and keeps join order", func(t *testing.T) {
		order, ps := setup(t)
		require.NoError(t, Leave(order, ps[1].ID, now))
		assert.Equal(t, []string{ps[0].ID, ps[2].ID}, lo.Map(order.Participants, func(p domain.Participant, _ int) string { return p.ID }))
	})

	t.Run("unknown participant", func(t *testing.T) {
		order, _ := setup(t)
		require.ErrorIs(t, Leave(order, "ghost", now), domain.ErrNotFound)
	})

	t.Run("custom share folds into the first remaining joiner", func(t *testing.T) {
		order, ps := setup(t)
		order.PaymentStructure = domain.PaymentCustom
		order.CustomSplits = map[string]decimal.Decimal{
			ps[0].ID: decimal.NewFromInt(50),
			ps[1].ID: decimal.NewFromInt(20),
			ps[2].ID: decimal.NewFromInt(30),
		}

		require.NoError(t, Leave(order, ps[0].ID, now))
		assert.True(t, order.CustomSplits[ps[1].ID].Equal(decimal.NewFromInt(70)))
		assert.True(t, order.CustomSplits[ps[2].ID].Equal(decimal.NewFromInt(30)))
		assert.Len(t, order.CustomSplits, 2)
	})

	t.Run("last one out resets custom to pay_own", func(t *testing.T) {
		order := newOrder(5, true)
		p, err := Join(order, Identity{}, now)
		require.NoError(t, err)
		order.PaymentStructure = domain.PaymentCustom
		order.CustomSplits = map[string]decimal.Decimal{p.ID: decimal.NewFromInt(100)}

		require.NoError(t, Leave(order, p.ID, now))
		assert.Equal(t, domain.PaymentPayOwn, order.PaymentStructure)
		assert.Nil(t, order.CustomSplits)
	})

	t.Run("departing payer is cleared", func(t *testing.T) {
		order, ps := setup(t)
		order.PaymentStructure = domain.PaymentPayAll
		order.PayerID = ps[2].ID
		require.NoError(t, Leave(order, ps[2].ID, now))
		assert.Empty(t, order.PayerID)
	})
}

func TestAddItem_ScenarioB(t *testing.T) {
	order := newOrder(5, true)
	p, err := Join(order, Identity{}, now)
	require.NoError(t, err)
	order.SpendingLimits = domain.SpendingLimits{Enabled: true, DefaultLimit: lo.ToPtr(decimal.RequireFromString("25.00"))}

	_, err = AddItem(order, NewItem{ParticipantID: p.ID, MenuItemID: "steak", Name: "Steak", Quantity: 1, UnitPrice: decimal.RequireFromString("30.00")}, now)
	require.ErrorIs(t, err, domain.ErrLimitExceeded)
	assert.Empty(t, order.Items)
	assert.True(t, order.Participants[0].SpentAmount.IsZero())

	item, err := AddItem(order, NewItem{ParticipantID: p.ID, MenuItemID: "pasta", Name: "Pasta", Quantity: 1, UnitPrice: decimal.RequireFromString("20.00")}, now)
	require.NoError(t, err)
	assert.True(t, item.Amount.Equal(decimal.RequireFromString("20.00")))
	assert.Equal(t, "20.00", order.Participants[0].SpentAmount.StringFixed(2))
}

func TestAddItem(t *testing.T) {
	order := newOrder(5, true)
	p, err := Join(order, Identity{}, now)
	require.NoError(t, err)

	valid := NewItem{ParticipantID: p.ID, MenuItemID: "m1", Name: "Fries", Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")}

	t.Run("amount is unit price times quantity", func(t *testing.T) {
		item, err := AddItem(order, valid, now)
		require.NoError(t, err)
		assert.True(t, item.Amount.Equal(decimal.RequireFromString("7.50")))
		assert.Equal(t, p.ID, item.ParticipantID)
	})

	invalid := map[string]func(NewItem) NewItem{
		"zero quantity":        func(i NewItem) NewItem { i.Quantity = 0; return i },
		"huge quantity":        func(i NewItem) NewItem { i.Quantity = MaxQuantity + 1; return i },
		"free item":            func(i NewItem) NewItem { i.UnitPrice = decimal.Zero; return i },
		"sub-cent price":       func(i NewItem) NewItem { i.UnitPrice = decimal.RequireFromString("1.005"); return i },
		"missing menu item id": func(i NewItem) NewItem { i.MenuItemID = ""; return i },
		"blank name":           func(i NewItem) NewItem { i.Name = strings.Repeat(" ", 3); return i },
		"long menu item id":    func(i NewItem) NewItem { i.MenuItemID = strings.Repeat("m", MaxMenuItemIDLength+1); return i },
		"long name":            func(i NewItem) NewItem { i.Name = strings.Repeat("é", MaxItemNameLength+1); return i },
		"price above ceiling":  func(i NewItem) NewItem { i.UnitPrice = MaxUnitPrice.Add(decimal.RequireFromString("0.01")); return i },
		"overflowing price":    func(i NewItem) NewItem { i.UnitPrice = decimal.RequireFromString("123456789012.34"); return i },
	}
	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := AddItem(order, mutate(valid), now)
			require.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}

	t.Run("limits at the column widths are accepted", func(t *testing.T) {
		in := valid
		in.MenuItemID = strings.Repeat("m", MaxMenuItemIDLength)
		in.Name = strings.Repeat("é", MaxItemNameLength)
		in.Quantity = 1
		in.UnitPrice = MaxUnitPrice
		_, err := AddItem(order.Clone(), in, now)
		require.NoError(t, err)
	})

	t.Run("participant spend is capped", func(t *testing.T) {
		capped := order.Clone()
		capped.Participants[0].SpentAmount = MaxParticipantSpend.Sub(decimal.NewFromInt(1))
		_, err := AddItem(capped, valid, now)
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("unknown participant", func(t *testing.T) {
		in := valid
		in.ParticipantID = "ghost"
		_, err := AddItem(order, in, now)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("locked orders reject items", func(t *testing.T) {
		locked := order.Clone()
		locked.Status = domain.StatusLocked
		_, err := AddItem(locked, valid, now)
		require.ErrorIs(t, err, domain.ErrSessionLocked)
	})
}

func TestRemoveItem(t *testing.T) {
	order := newOrder(5, true)
	p, err := Join(order, Identity{}, now)
	require.NoError(t, err)
	order.SpendingLimits = domain.SpendingLimits{Enabled: true, DefaultLimit: lo.ToPtr(decimal.NewFromInt(10))}

	item, err := AddItem(order, NewItem{ParticipantID: p.ID, MenuItemID: "m1", Name: "Wine", Quantity: 1, UnitPrice: decimal.NewFromInt(9)}, now)
	require.NoError(t, err)

	removed, err := RemoveItem(order, item.ID, now)
	require.NoError(t, err)
	assert.Equal(t, item.ID, removed.ID)
	assert.Empty(t, order.Items)
	assert.True(t, order.Participants[0].SpentAmount.IsZero())

	// freed budget can be spent again
	_, err = AddItem(order, NewItem{ParticipantID: p.ID, MenuItemID: "m2", Name: "Cake", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}, now)
	require.NoError(t, err)

	_, err = RemoveItem(order, "ghost", now)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
