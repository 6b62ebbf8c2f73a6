package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/metrics"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write would break a ledger uniqueness rule,
// such as a second pending payment for the same product.
var ErrConflict = errors.New("storage: conflict")

// Tx is the set of writes and reads available inside a unit of work.
// Get* methods lock the returned row until the unit ends; Find* methods do not.
type Tx interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	CreateProduct(ctx context.Context, p *Product) error
	SetProductActive(ctx context.Context, id int64, active bool) error
	// UpdateProduct overwrites the seller-editable fields of p. Status flags are left alone.
	UpdateProduct(ctx context.Context, p Product) error
	DeleteProduct(ctx context.Context, id int64) error
	HasPendingPayments(ctx context.Context, productID int64) (bool, error)

	CreateListingPayment(ctx context.Context, p *ListingPayment) error
	GetListingPaymentByCheckout(ctx context.Context, checkoutRequestID string) (ListingPayment, error)
	FindListingPayment(ctx context.Context, productID int64, status PaymentStatus) (ListingPayment, error)
	UpdateListingPayment(ctx context.Context, p ListingPayment) error
	DeleteListingPayment(ctx context.Context, id int64) error

	// LockUnlockPair serializes initiations for one (product, buyer) pair.
	LockUnlockPair(ctx context.Context, productID, userID int64) error
	CreateUnlockGrant(ctx context.Context, g *UnlockGrant) error
	GetUnlockGrantByCheckout(ctx context.Context, checkoutRequestID string) (UnlockGrant, error)
	FindUnlockGrant(ctx context.Context, productID, userID int64, status PaymentStatus) (UnlockGrant, error)
	UpdateUnlockGrant(ctx context.Context, g UnlockGrant) error

	CreateNotification(ctx context.Context, n *Notification) error
}

// Store is the payment ledger plus the catalog and notification records it mutates.
type Store interface {
	// Update runs fn as one atomic unit of work. A non-nil error from fn rolls
	// back every write made through the Tx.
	Update(ctx context.Context, fn func(tx Tx) error) error

	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	ListProductsBySeller(ctx context.Context, sellerID int64) ([]Product, error)
	MarkProductSold(ctx context.Context, productID, sellerID int64) error

	ListCategories(ctx context.Context) ([]Category, error)
	GetCategory(ctx context.Context, id int64) (Category, error)

	GetListingPaymentByCheckout(ctx context.Context, checkoutRequestID string) (ListingPayment, error)
	GetUnlockGrantByCheckout(ctx context.Context, checkoutRequestID string) (UnlockGrant, error)

	ListNotifications(ctx context.Context, userID int64, page Page) ([]Notification, error)
	CountUnreadNotifications(ctx context.Context, userID int64) (int, error)
	MarkNotificationRead(ctx context.Context, id, userID int64) error
	MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	AutoMigrate     bool
	Metrics         *metrics.Metrics
}

// StoreConfigFrom maps the application storage section onto StoreConfig.
func StoreConfigFrom(cfg config.StorageConfig, m *metrics.Metrics) StoreConfig {
	return StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		PostgresPool:    cfg.PostgresPool,
		AutoMigrate:     cfg.AutoMigrate,
		Metrics:         m,
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		// Memory backend loses the ledger on restart. Development and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		if cfg.AutoMigrate {
			if err := MigratePostgres(cfg.PostgresURL); err != nil {
				return nil, err
			}
		}
		store, err := NewPostgresStore(ctx, cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(cfg.Metrics), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		store, err := NewMongoDBStore(ctx, cfg.MongoDBURL, cfg.MongoDBDatabase)
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(cfg.Metrics), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// DefaultCategories are seeded into empty stores.
var DefaultCategories = []Category{
	{ID: 1, Name: "Electronics", Description: "Phones, laptops, gadgets"},
	{ID: 2, Name: "Furniture", Description: "Chairs, beds, tables"},
	{ID: 3, Name: "Books", Description: "Textbooks, novels"},
	{ID: 4, Name: "Other", Description: "Other items"},
}
