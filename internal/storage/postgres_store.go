package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/metrics"
	"github.com/lib/pq"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const (
	productColumns = `id, title, description, price, condition, image_key, contact_info,
		category_id, seller_id, is_fast_moving, is_active, is_sold, created_at, updated_at`
	listingColumns = `id, checkout_request_id, merchant_request_id, product_id, user_id, amount,
		phone_number, status, mpesa_receipt_number, created_at, completed_at`
	unlockColumns = `id, checkout_request_id, merchant_request_id, product_id, user_id, seller_id,
		amount, phone_number, status, mpesa_receipt_number, created_at, completed_at, unlocked_at`
	notificationColumns = `id, user_id, product_id, unlock_id, message, is_read, created_at`
)

// PostgresStore implements Store using PostgreSQL. The schema is owned by the
// embedded migrations (see MigratePostgres).
type PostgresStore struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewPostgresStore opens and pings a PostgreSQL connection pool.
func NewPostgresStore(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	return &PostgresStore{db: db}, nil
}

// WithMetrics enables query timing.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	defer metrics.MeasureDBQuery(s.metrics, "unit_of_work", "postgres")()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", translatePgError(err))
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
	return scanProduct(row)
}

func (t *postgresTx) CreateProduct(ctx context.Context, p *Product) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO products (title, description, price, condition, image_key, contact_info,
			category_id, seller_id, is_fast_moving, is_active, is_sold)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		p.Title, p.Description, p.Price, p.Condition, p.ImageKey, p.ContactInfo,
		p.CategoryID, p.SellerID, p.IsFastMoving, p.IsActive, p.IsSold,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

func (t *postgresTx) SetProductActive(ctx context.Context, id int64, active bool) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE products SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	return expectOneRow(res, err)
}

func (t *postgresTx) UpdateProduct(ctx context.Context, p Product) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products SET title = $2, description = $3, price = $4, condition = $5,
			image_key = $6, contact_info = $7, category_id = $8, is_fast_moving = $9,
			updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.Title, p.Description, p.Price, p.Condition,
		p.ImageKey, p.ContactInfo, p.CategoryID, p.IsFastMoving,
	)
	return expectOneRow(res, err)
}

func (t *postgresTx) DeleteProduct(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	return expectOneRow(res, err)
}

func (t *postgresTx) HasPendingPayments(ctx context.Context, productID int64) (bool, error) {
	var pending bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM listing_payments WHERE product_id = $1 AND status = 'pending')
		    OR EXISTS (SELECT 1 FROM unlock_grants WHERE product_id = $1 AND status = 'pending')`,
		productID,
	).Scan(&pending)
	if err != nil {
		return false, translatePgError(err)
	}
	return pending, nil
}

func (t *postgresTx) CreateListingPayment(ctx context.Context, p *ListingPayment) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO listing_payments (checkout_request_id, merchant_request_id, product_id, user_id,
			amount, phone_number, status, mpesa_receipt_number, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		p.CheckoutRequestID, p.MerchantRequestID, nullableID(p.ProductID), p.UserID,
		p.Amount, p.PhoneNumber, string(p.Status), p.ReceiptNumber, nullableTime(p.CompletedAt),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

func (t *postgresTx) GetListingPaymentByCheckout(ctx context.Context, checkoutRequestID string) (ListingPayment, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listing_payments WHERE checkout_request_id = $1 FOR UPDATE`,
		checkoutRequestID)
	return scanListingPayment(row)
}

func (t *postgresTx) FindListingPayment(ctx context.Context, productID int64, status PaymentStatus) (ListingPayment, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM listing_payments
		WHERE product_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1`,
		productID, string(status))
	return scanListingPayment(row)
}

func (t *postgresTx) UpdateListingPayment(ctx context.Context, p ListingPayment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE listing_payments
		SET merchant_request_id = $2, product_id = $3, status = $4,
		    mpesa_receipt_number = $5, completed_at = $6
		WHERE id = $1`,
		p.ID, p.MerchantRequestID, nullableID(p.ProductID), string(p.Status),
		p.ReceiptNumber, nullableTime(p.CompletedAt))
	return expectOneRow(res, err)
}

func (t *postgresTx) DeleteListingPayment(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM listing_payments WHERE id = $1`, id)
	return expectOneRow(res, err)
}

func (t *postgresTx) LockUnlockPair(ctx context.Context, productID, userID int64) error {
	key := productID<<32 | (userID & 0xffffffff)
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return translatePgError(err)
	}
	return nil
}

func (t *postgresTx) CreateUnlockGrant(ctx context.Context, g *UnlockGrant) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO unlock_grants (checkout_request_id, merchant_request_id, product_id, user_id, seller_id,
			amount, phone_number, status, mpesa_receipt_number, completed_at, unlocked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		g.CheckoutRequestID, g.MerchantRequestID, nullableID(g.ProductID), g.UserID, g.SellerID,
		g.Amount, g.PhoneNumber, string(g.Status), g.ReceiptNumber,
		nullableTime(g.CompletedAt), nullableTime(g.UnlockedAt),
	).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

func (t *postgresTx) GetUnlockGrantByCheckout(ctx context.Context, checkoutRequestID string) (UnlockGrant, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+unlockColumns+` FROM unlock_grants WHERE checkout_request_id = $1 FOR UPDATE`,
		checkoutRequestID)
	return scanUnlockGrant(row)
}

func (t *postgresTx) FindUnlockGrant(ctx context.Context, productID, userID int64, status PaymentStatus) (UnlockGrant, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+unlockColumns+` FROM unlock_grants
		WHERE product_id = $1 AND user_id = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1`,
		productID, userID, string(status))
	return scanUnlockGrant(row)
}

func (t *postgresTx) UpdateUnlockGrant(ctx context.Context, g UnlockGrant) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE unlock_grants
		SET merchant_request_id = $2, product_id = $3, status = $4, mpesa_receipt_number = $5,
		    completed_at = $6, unlocked_at = $7
		WHERE id = $1`,
		g.ID, g.MerchantRequestID, nullableID(g.ProductID), string(g.Status), g.ReceiptNumber,
		nullableTime(g.CompletedAt), nullableTime(g.UnlockedAt))
	return expectOneRow(res, err)
}

func (t *postgresTx) CreateNotification(ctx context.Context, n *Notification) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, product_id, unlock_id, message, is_read)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		n.UserID, nullableID(n.ProductID), nullableID(n.UnlockID), n.Message, n.IsRead,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

// GetProduct implements Store.
func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_product", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

// ListProducts implements Store.
func (s *PostgresStore) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_products", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	where := []string{"is_active", "NOT is_sold"}
	var args []any
	if filter.CategoryID != 0 {
		args = append(args, filter.CategoryID)
		where = append(where, fmt.Sprintf("category_id = $%d", len(args)))
	}
	if filter.FastMovingOnly {
		where = append(where, "is_fast_moving")
	}
	page := Page{Limit: filter.Limit, Offset: filter.Offset}.normalized()
	args = append(args, page.Limit, page.Offset)

	query := fmt.Sprintf(`SELECT %s FROM products WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		productColumns, strings.Join(where, " AND "), len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return collectRows(rows, scanProduct)
}

// ListProductsBySeller implements Store.
func (s *PostgresStore) ListProductsBySeller(ctx context.Context, sellerID int64) ([]Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_seller_products", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE seller_id = $1 ORDER BY created_at DESC, id DESC`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list seller products: %w", err)
	}
	return collectRows(rows, scanProduct)
}

// MarkProductSold implements Store.
func (s *PostgresStore) MarkProductSold(ctx context.Context, productID, sellerID int64) error {
	defer metrics.MeasureDBQuery(s.metrics, "mark_product_sold", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET is_sold = TRUE, updated_at = NOW() WHERE id = $1 AND seller_id = $2`,
		productID, sellerID)
	return expectOneRow(res, err)
}

// ListCategories implements Store.
func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return collectRows(rows, scanCategory)
}

// GetCategory implements Store.
func (s *PostgresStore) GetCategory(ctx context.Context, id int64) (Category, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT id, name, description FROM categories WHERE id = $1`, id)
	return scanCategory(row)
}

// GetListingPaymentByCheckout implements Store.
func (s *PostgresStore) GetListingPaymentByCheckout(ctx context.Context, checkoutRequestID string) (ListingPayment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_listing_payment", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listing_payments WHERE checkout_request_id = $1`, checkoutRequestID)
	return scanListingPayment(row)
}

// GetUnlockGrantByCheckout implements Store.
func (s *PostgresStore) GetUnlockGrantByCheckout(ctx context.Context, checkoutRequestID string) (UnlockGrant, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_unlock_grant", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+unlockColumns+` FROM unlock_grants WHERE checkout_request_id = $1`, checkoutRequestID)
	return scanUnlockGrant(row)
}

// ListNotifications implements Store.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID int64, page Page) ([]Notification, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_notifications", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	page = page.normalized()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collectRows(rows, scanNotification)
}

// CountUnreadNotifications implements Store.
func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead implements Store.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	return expectOneRow(res, err)
}

// MarkAllNotificationsRead implements Store.
func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Price, &p.Condition, &p.ImageKey, &p.ContactInfo,
		&p.CategoryID, &p.SellerID, &p.IsFastMoving, &p.IsActive, &p.IsSold, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Product{}, translatePgError(err)
	}
	return p, nil
}

func scanCategory(row rowScanner) (Category, error) {
	var c Category
	if err := row.Scan(&c.ID, &c.Name, &c.Description); err != nil {
		return Category{}, translatePgError(err)
	}
	return c, nil
}

func scanListingPayment(row rowScanner) (ListingPayment, error) {
	var (
		p           ListingPayment
		productID   sql.NullInt64
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.CheckoutRequestID, &p.MerchantRequestID, &productID, &p.UserID, &p.Amount,
		&p.PhoneNumber, &status, &p.ReceiptNumber, &p.CreatedAt, &completedAt)
	if err != nil {
		return ListingPayment{}, translatePgError(err)
	}
	p.ProductID = productID.Int64
	p.Status = PaymentStatus(status)
	p.CompletedAt = timePtr(completedAt)
	return p, nil
}

func scanUnlockGrant(row rowScanner) (UnlockGrant, error) {
	var (
		g           UnlockGrant
		productID   sql.NullInt64
		status      string
		completedAt sql.NullTime
		unlockedAt  sql.NullTime
	)
	err := row.Scan(&g.ID, &g.CheckoutRequestID, &g.MerchantRequestID, &productID, &g.UserID, &g.SellerID,
		&g.Amount, &g.PhoneNumber, &status, &g.ReceiptNumber, &g.CreatedAt, &completedAt, &unlockedAt)
	if err != nil {
		return UnlockGrant{}, translatePgError(err)
	}
	g.ProductID = productID.Int64
	g.Status = PaymentStatus(status)
	g.CompletedAt = timePtr(completedAt)
	g.UnlockedAt = timePtr(unlockedAt)
	return g, nil
}

func scanNotification(row rowScanner) (Notification, error) {
	var (
		n         Notification
		productID sql.NullInt64
		unlockID  sql.NullInt64
	)
	if err := row.Scan(&n.ID, &n.UserID, &productID, &unlockID, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
		return Notification{}, translatePgError(err)
	}
	n.ProductID = productID.Int64
	n.UnlockID = unlockID.Int64
	return n, nil
}

func collectRows[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return translatePgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// translatePgError maps driver errors onto the storage sentinels.
func translatePgError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		}
	}
	return err
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return ptrTime(t.Time)
}
