package grouporders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

const inviteCodeIndex = "idx_group_orders_active_invite_code"

// PostgresStore keeps one row per group order plus child rows for
// participants and items. Each Save rewrites the children in the same
// transaction as the version-checked parent upsert.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, order *domain.GroupOrder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO grouporders.group_orders (
			id, restaurant_id, table_id, invite_code, status,
			max_participants, allow_anonymous, currency,
			limits_enabled, default_limit, payment_structure, payer_id,
			version, created_at, updated_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			max_participants = EXCLUDED.max_participants,
			allow_anonymous = EXCLUDED.allow_anonymous,
			limits_enabled = EXCLUDED.limits_enabled,
			default_limit = EXCLUDED.default_limit,
			payment_structure = EXCLUDED.payment_structure,
			payer_id = EXCLUDED.payer_id,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE grouporders.group_orders.version = EXCLUDED.version - 1
	`,
		order.ID, order.RestaurantID, order.TableID, order.InviteCode, order.Status,
		order.Settings.MaxParticipants, order.Settings.AllowAnonymous, order.Settings.Currency,
		order.SpendingLimits.Enabled, nullDecimal(order.SpendingLimits.DefaultLimit), order.PaymentStructure, nullString(order.PayerID),
		order.Version, order.CreatedAt, order.UpdatedAt, order.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == inviteCodeIndex {
			return fmt.Errorf("%w: invite code %s already taken", domain.ErrCodeGenerationFailed, order.InviteCode)
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: order %s is not at version %d", domain.ErrVersionConflict, order.ID, order.Version-1)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM grouporders.participants WHERE group_order_id = $1`, order.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM grouporders.items WHERE group_order_id = $1`, order.ID); err != nil {
		return err
	}

	for i, p := range order.Participants {
		var limit, share *decimal.Decimal
		if l, ok := order.SpendingLimits.ParticipantLimits[p.ID]; ok {
			limit = &l
		}
		if sh, ok := order.CustomSplits[p.ID]; ok {
			share = &sh
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO grouporders.participants (
				group_order_id, id, position, name, email, joined_at, spent_amount, spending_limit, custom_share
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, order.ID, p.ID, i, p.Name, p.Email, p.JoinedAt, p.SpentAmount, nullDecimal(limit), nullDecimal(share))
		if err != nil {
			return err
		}
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO grouporders.items (
				group_order_id, id, position, participant_id, menu_item_id, name, quantity, unit_price, amount, added_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, order.ID, item.ID, i, item.ParticipantID, item.MenuItemID, item.Name, item.Quantity, item.UnitPrice, item.Amount, item.AddedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const selectGroupOrders = `
	SELECT id, restaurant_id, table_id, invite_code, status,
		max_participants, allow_anonymous, currency,
		limits_enabled, default_limit, payment_structure, payer_id,
		version, created_at, updated_at, expires_at
	FROM grouporders.group_orders
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroupOrder(row rowScanner) (*domain.GroupOrder, error) {
	order := &domain.GroupOrder{}
	var defaultLimit decimal.NullDecimal
	var payerID sql.NullString

	err := row.Scan(
		&order.ID, &order.RestaurantID, &order.TableID, &order.InviteCode, &order.Status,
		&order.Settings.MaxParticipants, &order.Settings.AllowAnonymous, &order.Settings.Currency,
		&order.SpendingLimits.Enabled, &defaultLimit, &order.PaymentStructure, &payerID,
		&order.Version, &order.CreatedAt, &order.UpdatedAt, &order.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if defaultLimit.Valid {
		order.SpendingLimits.DefaultLimit = &defaultLimit.Decimal
	}
	order.PayerID = payerID.String
	order.Participants = []domain.Participant{}
	order.Items = []domain.Item{}
	return order, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.GroupOrder, error) {
	order, err := scanGroupOrder(s.db.QueryRowContext(ctx, selectGroupOrders+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := s.loadChildren(ctx, map[string]*domain.GroupOrder{order.ID: order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*domain.GroupOrder, error) {
	rows, err := s.db.QueryContext(ctx, selectGroupOrders+`
		WHERE status IN ('created', 'open', 'locked')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []*domain.GroupOrder
	byID := make(map[string]*domain.GroupOrder)
	for rows.Next() {
		order, err := scanGroupOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		byID[order.ID] = order
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orders) == 0 {
		return orders, nil
	}
	if err := s.loadChildren(ctx, byID); err != nil {
		return nil, err
	}
	return orders, nil
}

// loadChildren fills participants, per-participant limits, custom splits and
// items for every order in byID with one query per child table.
func (s *PostgresStore) loadChildren(ctx context.Context, byID map[string]*domain.GroupOrder) error {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	participantRows, err := s.db.QueryContext(ctx, `
		SELECT group_order_id, id, name, email, joined_at, spent_amount, spending_limit, custom_share
		FROM grouporders.participants
		WHERE group_order_id = ANY($1)
		ORDER BY group_order_id, position
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = participantRows.Close() }()

	for participantRows.Next() {
		var orderID string
		var p domain.Participant
		var limit, share decimal.NullDecimal
		if err := participantRows.Scan(&orderID, &p.ID, &p.Name, &p.Email, &p.JoinedAt, &p.SpentAmount, &limit, &share); err != nil {
			return err
		}

		order := byID[orderID]
		order.Participants = append(order.Participants, p)
		if limit.Valid {
			if order.SpendingLimits.ParticipantLimits == nil {
				order.SpendingLimits.ParticipantLimits = make(map[string]decimal.Decimal)
			}
			order.SpendingLimits.ParticipantLimits[p.ID] = limit.Decimal
		}
		if share.Valid {
			if order.CustomSplits == nil {
				order.CustomSplits = make(map[string]decimal.Decimal)
			}
			order.CustomSplits[p.ID] = share.Decimal
		}
	}
	if err := participantRows.Err(); err != nil {
		return err
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT group_order_id, id, participant_id, menu_item_id, name, quantity, unit_price, amount, added_at
		FROM grouporders.items
		WHERE group_order_id = ANY($1)
		ORDER BY group_order_id, position
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		var item domain.Item
		if err := itemRows.Scan(&orderID, &item.ID, &item.ParticipantID, &item.MenuItemID, &item.Name,
			&item.Quantity, &item.UnitPrice, &item.Amount, &item.AddedAt); err != nil {
			return err
		}
		order := byID[orderID]
		order.Items = append(order.Items, item)
	}

	return itemRows.Err()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
