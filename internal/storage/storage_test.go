package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createProduct(t *testing.T, s *MemoryStore, p Product) Product {
	t.Helper()
	err := s.Update(context.Background(), func(tx Tx) error {
		return tx.CreateProduct(context.Background(), &p)
	})
	require.NoError(t, err)
	return p
}

func TestMemoryStore_SeedsCategories(t *testing.T) {
	s := NewMemoryStore()
	cats, err := s.ListCategories(context.Background())
	require.NoError(t, err)
	require.Len(t, cats, len(DefaultCategories))
	assert.Equal(t, "Books", cats[0].Name)

	c, err := s.GetCategory(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Electronics", c.Name)

	_, err = s.GetCategory(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	var created Product
	err := s.Update(ctx, func(tx Tx) error {
		created = Product{Title: "Desk", CategoryID: 2, SellerID: 7}
		if err := tx.CreateProduct(ctx, &created); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetProduct(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CreateProductUnknownCategory(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update(context.Background(), func(tx Tx) error {
		return tx.CreateProduct(context.Background(), &Product{Title: "x", CategoryID: 42})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListingPaymentUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createProduct(t, s, Product{Title: "Lamp", CategoryID: 2, SellerID: 1})

	insert := func(checkout string, status PaymentStatus) error {
		return s.Update(ctx, func(tx Tx) error {
			return tx.CreateListingPayment(ctx, &ListingPayment{
				CheckoutRequestID: checkout, ProductID: p.ID, UserID: 1, Amount: 10, Status: status,
			})
		})
	}

	require.NoError(t, insert("ws_1", StatusPending))
	assert.ErrorIs(t, insert("ws_2", StatusPending), ErrConflict, "second pending payment")
	assert.ErrorIs(t, insert("ws_1", StatusFailed), ErrConflict, "duplicate checkout id")
	require.NoError(t, insert("ws_3", StatusFailed))
	require.NoError(t, insert("ws_4", StatusFailed))

	err := s.Update(ctx, func(tx Tx) error {
		lp, err := tx.GetListingPaymentByCheckout(ctx, "ws_1")
		if err != nil {
			return err
		}
		lp.Status = StatusCompleted
		lp.CompletedAt = ptrTime(time.Now())
		return tx.UpdateListingPayment(ctx, lp)
	})
	require.NoError(t, err)

	// A pending payment is allowed again, but a second completion is not.
	require.NoError(t, insert("ws_5", StatusPending))
	err = s.Update(ctx, func(tx Tx) error {
		lp, err := tx.GetListingPaymentByCheckout(ctx, "ws_5")
		if err != nil {
			return err
		}
		lp.Status = StatusCompleted
		return tx.UpdateListingPayment(ctx, lp)
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_UnlockGrantUniquenessPerPair(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createProduct(t, s, Product{Title: "Bike", CategoryID: 4, SellerID: 1, IsActive: true})

	insert := func(checkout string, buyer int64) error {
		return s.Update(ctx, func(tx Tx) error {
			if err := tx.LockUnlockPair(ctx, p.ID, buyer); err != nil {
				return err
			}
			return tx.CreateUnlockGrant(ctx, &UnlockGrant{
				CheckoutRequestID: checkout, ProductID: p.ID, UserID: buyer, SellerID: 1, Amount: 5, Status: StatusPending,
			})
		})
	}

	require.NoError(t, insert("ws_a", 2))
	require.NoError(t, insert("ws_b", 3), "different buyer")
	assert.ErrorIs(t, insert("ws_c", 2), ErrConflict)

	err := s.Update(ctx, func(tx Tx) error {
		g, err := tx.FindUnlockGrant(ctx, p.ID, 2, StatusPending)
		if err != nil {
			return err
		}
		assert.Equal(t, "ws_a", g.CheckoutRequestID)
		pending, err := tx.HasPendingPayments(ctx, p.ID)
		if err != nil {
			return err
		}
		assert.True(t, pending)
		return nil
	})
	require.NoError(t, err)

	g, err := s.GetUnlockGrantByCheckout(ctx, "ws_b")
	require.NoError(t, err)
	assert.Equal(t, int64(3), g.UserID)

	_, err = s.GetUnlockGrantByCheckout(ctx, "ws_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteProductDetachesLedger(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createProduct(t, s, Product{Title: "Chair", CategoryID: 2, SellerID: 1, IsActive: true})

	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.CreateListingPayment(ctx, &ListingPayment{
			CheckoutRequestID: "ws_l", ProductID: p.ID, UserID: 1, Status: StatusCompleted,
		}); err != nil {
			return err
		}
		if err := tx.CreateNotification(ctx, &Notification{UserID: 1, ProductID: p.ID, Message: "hi"}); err != nil {
			return err
		}
		return tx.DeleteProduct(ctx, p.ID)
	})
	require.NoError(t, err)

	lp, err := s.GetListingPaymentByCheckout(ctx, "ws_l")
	require.NoError(t, err)
	assert.Zero(t, lp.ProductID)

	notes, err := s.ListNotifications(ctx, 1, Page{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Zero(t, notes[0].ProductID)

	err = s.Update(ctx, func(tx Tx) error { return tx.DeleteProduct(ctx, p.ID) })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListProducts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	createProduct(t, s, Product{Title: "hidden", CategoryID: 1, SellerID: 1})
	phone := createProduct(t, s, Product{Title: "phone", CategoryID: 1, SellerID: 1, IsActive: true, IsFastMoving: true})
	book := createProduct(t, s, Product{Title: "book", CategoryID: 3, SellerID: 2, IsActive: true})
	sold := createProduct(t, s, Product{Title: "sold", CategoryID: 1, SellerID: 1, IsActive: true})
	require.NoError(t, s.MarkProductSold(ctx, sold.ID, 1))

	all, err := s.ListProducts(ctx, ProductFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, book.ID, all[0].ID, "newest first")
	assert.Equal(t, phone.ID, all[1].ID)

	electronics, err := s.ListProducts(ctx, ProductFilter{CategoryID: 1})
	require.NoError(t, err)
	require.Len(t, electronics, 1)
	assert.Equal(t, phone.ID, electronics[0].ID)

	fast, err := s.ListProducts(ctx, ProductFilter{FastMovingOnly: true})
	require.NoError(t, err)
	require.Len(t, fast, 1)

	paged, err := s.ListProducts(ctx, ProductFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, phone.ID, paged[0].ID)

	empty, err := s.ListProducts(ctx, ProductFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	mine, err := s.ListProductsBySeller(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 3, "seller sees inactive and sold products")
}

func TestMemoryStore_MarkProductSoldRequiresOwner(t *testing.T) {
	s := NewMemoryStore()
	p := createProduct(t, s, Product{Title: "x", CategoryID: 1, SellerID: 1, IsActive: true})

	assert.ErrorIs(t, s.MarkProductSold(context.Background(), p.ID, 2), ErrNotFound)
	require.NoError(t, s.MarkProductSold(context.Background(), p.ID, 1))

	got, err := s.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSold)
}

func TestMemoryStore_UpdateProduct(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := createProduct(t, s, Product{Title: "old", Price: 100, CategoryID: 1, SellerID: 1, IsActive: true})

	err := s.Update(ctx, func(tx Tx) error {
		edited := p
		edited.Title = "new"
		edited.Price = 250
		edited.ContactInfo = "0722000000"
		edited.CategoryID = 3
		edited.IsActive = false
		edited.SellerID = 99
		return tx.UpdateProduct(ctx, edited)
	})
	require.NoError(t, err)

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, int64(250), got.Price)
	assert.Equal(t, "0722000000", got.ContactInfo)
	assert.Equal(t, int64(3), got.CategoryID)
	assert.True(t, got.IsActive, "status flags are not editable")
	assert.Equal(t, int64(1), got.SellerID, "seller is not editable")

	err = s.Update(ctx, func(tx Tx) error {
		edited := got
		edited.CategoryID = 999
		return tx.UpdateProduct(ctx, edited)
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, func(tx Tx) error {
		return tx.UpdateProduct(ctx, Product{ID: 4242, CategoryID: 1})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Notifications(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var ids []int64
	err := s.Update(ctx, func(tx Tx) error {
		for i := 0; i < 3; i++ {
			n := Notification{UserID: 9, Message: fmt.Sprintf("n%d", i)}
			if err := tx.CreateNotification(ctx, &n); err != nil {
				return err
			}
			ids = append(ids, n.ID)
		}
		return tx.CreateNotification(ctx, &Notification{UserID: 10, Message: "other"})
	})
	require.NoError(t, err)

	count, err := s.CountUnreadNotifications(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.ErrorIs(t, s.MarkNotificationRead(ctx, ids[0], 10), ErrNotFound, "other user's notification")
	require.NoError(t, s.MarkNotificationRead(ctx, ids[0], 9))

	count, err = s.CountUnreadNotifications(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	updated, err := s.MarkAllNotificationsRead(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	page, err := s.ListNotifications(ctx, 9, Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
}

func TestMemoryStore_UpdateHonoursCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Update(ctx, func(Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPageNormalized(t *testing.T) {
	assert.Equal(t, Page{Limit: defaultPageSize}, Page{}.normalized())
	assert.Equal(t, Page{Limit: maxPageSize, Offset: 0}, Page{Limit: 1000, Offset: -3}.normalized())
	assert.Equal(t, Page{Limit: 5, Offset: 10}, Page{Limit: 5, Offset: 10}.normalized())
}

func TestTranslatePgError(t *testing.T) {
	assert.ErrorIs(t, translatePgError(sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, translatePgError(&pq.Error{Code: pgUniqueViolation, Constraint: "uq_listing_payments_pending"}), ErrConflict)
	assert.ErrorIs(t, translatePgError(&pq.Error{Code: pgForeignKeyViolation}), ErrNotFound)

	other := errors.New("connection reset")
	assert.Equal(t, other, translatePgError(other))
}

func TestNewStore_UnknownBackend(t *testing.T) {
	_, err := NewStore(context.Background(), StoreConfig{Backend: "sqlite"})
	assert.Error(t, err)

	s, err := NewStore(context.Background(), StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())

	_, err = NewStore(context.Background(), StoreConfig{Backend: "postgres"})
	assert.Error(t, err)
}

func TestPtrTime(t *testing.T) {
	now := time.Now()
	ptr := ptrTime(now)
	require.NotNil(t, ptr)
	assert.True(t, ptr.Equal(now))
}
