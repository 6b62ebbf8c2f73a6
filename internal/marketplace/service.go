package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/campusmart/server/internal/cacheutil"
	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/storage"
)

var (
	ErrProductNotFound      = errors.New("marketplace: product not found")
	ErrCategoryNotFound     = errors.New("marketplace: category not found")
	ErrNotificationNotFound = errors.New("marketplace: notification not found")
	ErrNotOwner             = errors.New("marketplace: product belongs to another seller")
	// ErrPaymentPending blocks deleting a product while a payment for it is in flight.
	ErrPaymentPending = errors.New("marketplace: product has a pending payment")
)

// ProductQuery filters the public catalog.
type ProductQuery struct {
	CategoryID     int64 `validate:"gte=0"`
	FastMovingOnly bool
	Limit          int `validate:"gte=0,lte=100"`
	Offset         int `validate:"gte=0"`
}

// PageQuery selects a window of a user's notifications.
type PageQuery struct {
	Limit  int `validate:"gte=0,lte=100"`
	Offset int `validate:"gte=0"`
}

// ProductEdit is a partial update of a seller's product. Nil fields are left unchanged.
type ProductEdit struct {
	Title        *string `json:"title" validate:"omitempty,min=1,max=200"`
	Description  *string `json:"description" validate:"omitempty,max=5000"`
	Price        *int64  `json:"price" validate:"omitempty,gte=0"`
	Condition    *string `json:"condition" validate:"omitempty,max=50"`
	ImageKey     *string `json:"image_key" validate:"omitempty,max=255"`
	ContactInfo  *string `json:"contact_info" validate:"omitempty,max=500"`
	CategoryID   *int64  `json:"category_id" validate:"omitempty,gt=0"`
	IsFastMoving *bool   `json:"is_fast_moving"`
}

func (e ProductEdit) apply(p *storage.Product) {
	if e.Title != nil {
		p.Title = *e.Title
	}
	if e.Description != nil {
		p.Description = *e.Description
	}
	if e.Price != nil {
		p.Price = *e.Price
	}
	if e.Condition != nil {
		p.Condition = *e.Condition
	}
	if e.ImageKey != nil {
		p.ImageKey = *e.ImageKey
	}
	if e.ContactInfo != nil {
		p.ContactInfo = *e.ContactInfo
	}
	if e.CategoryID != nil {
		p.CategoryID = *e.CategoryID
	}
	if e.IsFastMoving != nil {
		p.IsFastMoving = *e.IsFastMoving
	}
}

// Service serves the catalog and notification inbox, and the seller-side product actions.
type Service struct {
	store      storage.Store
	validate   *validator.Validate
	log        zerolog.Logger
	categories *cacheutil.Value[[]storage.Category]
}

// categoryTTL bounds how stale the category list may be. Categories are seeded by migrations.
const categoryTTL = 5 * time.Minute

// NewService constructs a marketplace service.
func NewService(store storage.Store, v *validator.Validate, log zerolog.Logger) *Service {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return &Service{
		store:      store,
		validate:   v,
		log:        log,
		categories: cacheutil.NewValue(categoryTTL, store.ListCategories),
	}
}

func (s *Service) logger(ctx context.Context) zerolog.Logger {
	if l := logger.FromContext(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return s.log
}

// ListProducts returns live products, newest first.
func (s *Service) ListProducts(ctx context.Context, q ProductQuery) ([]storage.Product, error) {
	if err := s.validate.StructCtx(ctx, q); err != nil {
		return nil, err
	}
	if q.CategoryID != 0 {
		if err := s.requireCategory(ctx, q.CategoryID); err != nil {
			return nil, err
		}
	}
	return s.store.ListProducts(ctx, storage.ProductFilter{
		CategoryID:     q.CategoryID,
		FastMovingOnly: q.FastMovingOnly,
		Limit:          q.Limit,
		Offset:         q.Offset,
	})
}

// GetProduct returns a product. Provisional products are only visible to their seller.
func (s *Service) GetProduct(ctx context.Context, productID, viewerID int64) (storage.Product, error) {
	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Product{}, ErrProductNotFound
		}
		return storage.Product{}, fmt.Errorf("load product: %w", err)
	}
	if !p.IsActive && p.SellerID != viewerID {
		return storage.Product{}, ErrProductNotFound
	}
	return p, nil
}

// ListCategories returns every category by name.
func (s *Service) ListCategories(ctx context.Context) ([]storage.Category, error) {
	return s.categories.Get(ctx)
}

func (s *Service) requireCategory(ctx context.Context, id int64) error {
	cats, err := s.categories.Get(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	for _, c := range cats {
		if c.ID == id {
			return nil
		}
	}
	return ErrCategoryNotFound
}

// SellerProducts returns all of a seller's products, including provisional and sold ones.
func (s *Service) SellerProducts(ctx context.Context, sellerID int64) ([]storage.Product, error) {
	return s.store.ListProductsBySeller(ctx, sellerID)
}

// MarkSold flags a seller's product as sold, removing it from the catalog.
func (s *Service) MarkSold(ctx context.Context, productID, sellerID int64) error {
	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrProductNotFound
		}
		return fmt.Errorf("load product: %w", err)
	}
	if p.SellerID != sellerID {
		return ErrNotOwner
	}
	if err := s.store.MarkProductSold(ctx, productID, sellerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrProductNotFound
		}
		return fmt.Errorf("mark product sold: %w", err)
	}
	log := s.logger(ctx)
	log.Info().Int64("product_id", productID).Msg("marketplace.product.sold")
	return nil
}

// EditProduct applies a seller's changes to their product, including its contact details.
func (s *Service) EditProduct(ctx context.Context, productID, sellerID int64, edit ProductEdit) (storage.Product, error) {
	if err := s.validate.StructCtx(ctx, edit); err != nil {
		return storage.Product{}, err
	}

	var updated storage.Product
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}
		if p.SellerID != sellerID {
			return ErrNotOwner
		}
		edit.apply(&p)
		if err := tx.UpdateProduct(ctx, p); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrCategoryNotFound
			}
			return fmt.Errorf("update product: %w", err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return storage.Product{}, err
	}
	log := s.logger(ctx)
	log.Info().Int64("product_id", productID).Msg("marketplace.product.edited")
	return updated, nil
}

// DeleteProduct removes a seller's product. Ledger rows are kept and detached from it.
func (s *Service) DeleteProduct(ctx context.Context, productID, sellerID int64) error {
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrProductNotFound
			}
			return fmt.Errorf("lock product: %w", err)
		}
		if p.SellerID != sellerID {
			return ErrNotOwner
		}
		pending, err := tx.HasPendingPayments(ctx, productID)
		if err != nil {
			return fmt.Errorf("check pending payments: %w", err)
		}
		if pending {
			return ErrPaymentPending
		}
		return tx.DeleteProduct(ctx, productID)
	})
	if err != nil {
		return err
	}
	log := s.logger(ctx)
	log.Info().Int64("product_id", productID).Msg("marketplace.product.deleted")
	return nil
}

// Notifications returns a page of the user's notifications, newest first.
func (s *Service) Notifications(ctx context.Context, userID int64, q PageQuery) ([]storage.Notification, error) {
	if err := s.validate.StructCtx(ctx, q); err != nil {
		return nil, err
	}
	return s.store.ListNotifications(ctx, userID, storage.Page{Limit: q.Limit, Offset: q.Offset})
}

// UnreadCount returns how many of the user's notifications are unread.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.store.CountUnreadNotifications(ctx, userID)
}

// MarkRead marks one of the user's notifications read.
func (s *Service) MarkRead(ctx context.Context, notificationID, userID int64) error {
	if err := s.store.MarkNotificationRead(ctx, notificationID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotificationNotFound
		}
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead marks every unread notification of the user read and returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}
