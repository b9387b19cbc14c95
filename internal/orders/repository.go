package orders

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shopfront-labs/fulfillment/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ListFilter narrows the order list. Zero values mean "no constraint".
type ListFilter struct {
	WorkflowStatus domain.WorkflowStatus
	PaymentStatus  domain.PaymentStatus
	From           time.Time
	To             time.Time
	Query          string
	Offset         int
	Limit          int
}

const orderColumns = `
	id, customer_id,
	recipient_name, recipient_phone, recipient_address, recipient_area, parcel_weight,
	workflow_status, payment_status, payment_method,
	courier_provider, courier_mode, courier_memo_no, courier_tracking_no,
	courier_state, courier_last_message, courier_requested_at,
	item_amount, shipping_cost, discount, grand_total, paid_amount, due_amount,
	created_at, updated_at, status_changed_at`

func (r *Repository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Courier.State == "" {
		order.Courier = domain.UnassignedCourier()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id,
			recipient_name, recipient_phone, recipient_address, recipient_area, parcel_weight,
			workflow_status, payment_status, payment_method,
			courier_provider, courier_mode, courier_memo_no, courier_tracking_no,
			courier_state, courier_last_message, courier_requested_at,
			item_amount, shipping_cost, discount, grand_total, paid_amount, due_amount,
			created_at, updated_at, status_changed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $24, $24)
	`,
		order.ID, order.CustomerID,
		order.Shipping.Name, order.Shipping.Phone, order.Shipping.Address, order.Shipping.Area, order.Shipping.Weight,
		order.WorkflowStatus, order.PaymentStatus, order.PaymentMethod,
		order.Courier.ProviderID, nullString(string(order.Courier.Mode)), order.Courier.MemoNo, order.Courier.TrackingNo,
		order.Courier.State, order.Courier.LastMessage, order.Courier.RequestedAt,
		order.Totals.ItemAmount, order.Totals.ShippingCost, order.Totals.Discount,
		order.Totals.GrandTotal, order.Totals.PaidAmount, order.Totals.DueAmount,
		order.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, variant_id, name, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New().String(), order.ID, item.ProductID, item.VariantID, item.Name, item.Quantity, item.UnitPrice, item.LineTotal)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := r.scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, variant_id, name, quantity, unit_price, line_total
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.VariantID, &item.Name, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

// List returns order summaries (no line items) plus the unpaginated total
// for pagination controls.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]domain.Order, int, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.WorkflowStatus != "" {
		where = append(where, "workflow_status = "+arg(f.WorkflowStatus))
	}
	if f.PaymentStatus != "" {
		where = append(where, "payment_status = "+arg(f.PaymentStatus))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < "+arg(f.To))
	}
	if f.Query != "" {
		p := arg("%" + f.Query + "%")
		where = append(where, "(id ILIKE "+p+" OR recipient_name ILIKE "+p+" OR recipient_phone ILIKE "+p+")")
	}

	query := `SELECT ` + orderColumns + `, COUNT(*) OVER() AS total FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var (
		out   []domain.Order
		total int
	)
	for rows.Next() {
		order, n, err := scanOrderWithTotal(rows)
		if err != nil {
			return nil, 0, err
		}
		total = n
		out = append(out, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

// UpdateWorkflowStatus is a compare-and-set: the write only lands if the
// order is still at expected. A nil result with nil error means the guard
// failed (or the order vanished); the caller re-reads to find out which.
func (r *Repository) UpdateWorkflowStatus(ctx context.Context, id string, expected, target domain.WorkflowStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET workflow_status = $1, status_changed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND workflow_status = $3
	`, target, id, expected)
	if err != nil {
		return nil, err
	}
	return r.afterConditionalWrite(ctx, id, result)
}

func (r *Repository) UpdatePaymentStatus(ctx context.Context, id string, expected, target domain.PaymentStatus, paidAmount, dueAmount int64) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1, paid_amount = $2, due_amount = $3, updated_at = NOW()
		WHERE id = $4 AND payment_status = $5
	`, target, paidAmount, dueAmount, id, expected)
	if err != nil {
		return nil, err
	}
	return r.afterConditionalWrite(ctx, id, result)
}

func (r *Repository) UpdateCourier(ctx context.Context, id string, a domain.CourierAssignment) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET courier_provider = $1, courier_mode = $2, courier_memo_no = $3,
			courier_tracking_no = $4, courier_state = $5, courier_last_message = $6,
			courier_requested_at = $7, updated_at = NOW()
		WHERE id = $8
	`, a.ProviderID, nullString(string(a.Mode)), a.MemoNo, a.TrackingNo, a.State, a.LastMessage, a.RequestedAt, id)
	if err != nil {
		return nil, err
	}
	return r.afterConditionalWrite(ctx, id, result)
}

func (r *Repository) afterConditionalWrite(ctx context.Context, id string, result sql.Result) (*domain.Order, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanOrder(row rowScanner) (*domain.Order, error) {
	return scanOrderInto(row, nil)
}

func scanOrderWithTotal(row rowScanner) (*domain.Order, int, error) {
	var total int
	order, err := scanOrderInto(row, &total)
	return order, total, err
}

func scanOrderInto(row rowScanner, total *int) (*domain.Order, error) {
	order := &domain.Order{}
	var (
		mode        sql.NullString
		requestedAt sql.NullTime
	)
	dest := []any{
		&order.ID, &order.CustomerID,
		&order.Shipping.Name, &order.Shipping.Phone, &order.Shipping.Address, &order.Shipping.Area, &order.Shipping.Weight,
		&order.WorkflowStatus, &order.PaymentStatus, &order.PaymentMethod,
		&order.Courier.ProviderID, &mode, &order.Courier.MemoNo, &order.Courier.TrackingNo,
		&order.Courier.State, &order.Courier.LastMessage, &requestedAt,
		&order.Totals.ItemAmount, &order.Totals.ShippingCost, &order.Totals.Discount,
		&order.Totals.GrandTotal, &order.Totals.PaidAmount, &order.Totals.DueAmount,
		&order.CreatedAt, &order.UpdatedAt, &order.StatusChangedAt,
	}
	if total != nil {
		dest = append(dest, total)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if mode.Valid {
		order.Courier.Mode = domain.AssignmentMode(mode.String)
	}
	if requestedAt.Valid {
		t := requestedAt.Time
		order.Courier.RequestedAt = &t
	}
	return order, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
