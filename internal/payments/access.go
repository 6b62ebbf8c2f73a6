package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/campusmart/server/internal/storage"
)

// ContactAccess decides whether viewerID may see the seller's contact details for a product.
// The seller always may. Anyone else needs a completed unlock; the first such access is
// stamped on the grant.
func (s *Service) ContactAccess(ctx context.Context, productID, viewerID int64) (Access, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Access{}, ErrProductNotFound
		}
		return Access{}, fmt.Errorf("load product: %w", err)
	}

	if viewerID != 0 && product.SellerID == viewerID {
		s.metrics.ObserveContactAccess("owner")
		return Access{Allowed: true, Owner: true, ContactInfo: product.ContactInfo, SellerID: product.SellerID}, nil
	}
	if !product.IsActive {
		return Access{}, ErrProductNotFound
	}

	denied := Access{SellerID: product.SellerID, UnlockFee: s.fees.UnlockFee(product)}
	if viewerID == 0 {
		s.metrics.ObserveContactAccess("denied")
		return denied, nil
	}

	allowed := false
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		found, err := tx.FindUnlockGrant(ctx, product.ID, viewerID, storage.StatusCompleted)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find unlock grant: %w", err)
		}
		allowed = true
		if found.UnlockedAt != nil {
			return nil
		}

		grant, err := tx.GetUnlockGrantByCheckout(ctx, found.CheckoutRequestID)
		if err != nil {
			return fmt.Errorf("lock unlock grant: %w", err)
		}
		if grant.UnlockedAt != nil {
			return nil
		}
		grant.UnlockedAt = ptrTime(s.now())
		return tx.UpdateUnlockGrant(ctx, grant)
	})
	if err != nil {
		return Access{}, err
	}

	if !allowed {
		s.metrics.ObserveContactAccess("denied")
		return denied, nil
	}
	s.metrics.ObserveContactAccess("granted")
	return Access{Allowed: true, ContactInfo: product.ContactInfo, SellerID: product.SellerID}, nil
}
