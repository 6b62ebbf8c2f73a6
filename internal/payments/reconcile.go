package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusmart/server/internal/mpesa"
	"github.com/campusmart/server/internal/storage"
)

const (
	sourceCallback = "callback"
	sourcePoll     = "poll"
)

// settlement carries the provider-reported outcome into a transition.
type settlement struct {
	outcome mpesa.Outcome
	receipt string
	source  string
}

// transition summarizes what a reconciliation changed, for metrics and logs.
type transition struct {
	applied   bool
	status    Status
	productID int64
	receipt   string
	amount    int64
	createdAt time.Time
}

// HandleCallback applies a provider callback to the ledger of the given kind.
// It returns ErrPaymentNotFound for an unknown CheckoutRequestID. Entries that are already
// terminal are left untouched.
func (s *Service) HandleCallback(ctx context.Context, kind Kind, cb mpesa.Callback) error {
	log := s.logger(ctx).With().
		Str("kind", string(kind)).
		Str("checkout_request_id", cb.CheckoutRequestID).
		Int("result_code", cb.ResultCode).
		Logger()

	t, err := s.reconcile(ctx, kind, cb.CheckoutRequestID, settlement{
		outcome: cb.Outcome(),
		receipt: cb.ReceiptNumber,
		source:  sourceCallback,
	})
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			log.Warn().Msg("payments.callback.unknown_checkout")
		} else {
			log.Error().Err(err).Msg("payments.callback.failed")
		}
		return err
	}

	if !t.applied {
		log.Info().Str("status", string(t.status)).Msg("payments.callback.duplicate")
		return nil
	}
	log.Info().
		Str("status", string(t.status)).
		Int64("product_id", t.productID).
		Str("receipt", t.receipt).
		Str("result_desc", cb.ResultDesc).
		Msg("payments.callback.applied")
	return nil
}

// CheckStatus answers a client poll. A pending entry is queried upstream and, when the
// provider reports a final outcome, reconciled exactly as a callback would be. Upstream
// and persistence errors leave the entry pending and are not returned to the caller.
func (s *Service) CheckStatus(ctx context.Context, kind Kind, checkoutRequestID string) (StatusResult, error) {
	current, err := s.localStatus(ctx, kind, checkoutRequestID)
	if err != nil {
		return StatusResult{}, err
	}
	if current.Status != StatusPending {
		return current, nil
	}

	log := s.logger(ctx).With().
		Str("kind", string(kind)).
		Str("checkout_request_id", checkoutRequestID).
		Logger()

	query, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		log.Warn().Err(err).Msg("payments.poll.query_failed")
		return current, nil
	}
	if query.Outcome == mpesa.OutcomePending {
		log.Debug().Str("result_code", query.ResultCode).Msg("payments.poll.still_pending")
		return current, nil
	}

	t, err := s.reconcile(ctx, kind, checkoutRequestID, settlement{outcome: query.Outcome, source: sourcePoll})
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return StatusResult{Status: StatusNotFound}, nil
		}
		log.Error().Err(err).Msg("payments.poll.reconcile_failed")
		return current, nil
	}
	if t.applied {
		log.Info().
			Str("status", string(t.status)).
			Int64("product_id", t.productID).
			Str("result_code", query.ResultCode).
			Msg("payments.poll.applied")
	}

	result := StatusResult{Status: t.status}
	if t.status == StatusCompleted {
		result.ProductID = t.productID
		if kind == KindUnlock {
			result.MpesaReceipt = t.receipt
		}
	}
	return result, nil
}

func (s *Service) localStatus(ctx context.Context, kind Kind, checkoutRequestID string) (StatusResult, error) {
	switch kind {
	case KindListing:
		p, err := s.store.GetListingPaymentByCheckout(ctx, checkoutRequestID)
		if errors.Is(err, storage.ErrNotFound) {
			return StatusResult{Status: StatusNotFound}, nil
		}
		if err != nil {
			return StatusResult{}, fmt.Errorf("load listing payment: %w", err)
		}
		return statusResult(p.Status, p.ProductID, ""), nil
	case KindUnlock:
		g, err := s.store.GetUnlockGrantByCheckout(ctx, checkoutRequestID)
		if errors.Is(err, storage.ErrNotFound) {
			return StatusResult{Status: StatusNotFound}, nil
		}
		if err != nil {
			return StatusResult{}, fmt.Errorf("load unlock grant: %w", err)
		}
		return statusResult(g.Status, g.ProductID, g.ReceiptNumber), nil
	default:
		return StatusResult{}, fmt.Errorf("unknown payment kind %q", kind)
	}
}

func statusResult(status storage.PaymentStatus, productID int64, receipt string) StatusResult {
	switch status {
	case storage.StatusCompleted:
		return StatusResult{Status: StatusCompleted, ProductID: productID, MpesaReceipt: receipt}
	case storage.StatusFailed:
		return StatusResult{Status: StatusFailed}
	default:
		return StatusResult{Status: StatusPending}
	}
}

// reconcile applies one outcome inside a single unit of work and records metrics on commit.
func (s *Service) reconcile(ctx context.Context, kind Kind, checkoutRequestID string, st settlement) (transition, error) {
	if st.outcome == mpesa.OutcomePending {
		return transition{status: StatusPending}, nil
	}

	var t transition
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		switch kind {
		case KindListing:
			t, err = s.settleListing(ctx, tx, checkoutRequestID, st)
		case KindUnlock:
			t, err = s.settleUnlock(ctx, tx, checkoutRequestID, st)
		default:
			err = fmt.Errorf("unknown payment kind %q", kind)
		}
		return err
	})
	if err != nil {
		return transition{}, err
	}

	if t.applied {
		var sinceCreated time.Duration
		if !t.createdAt.IsZero() {
			sinceCreated = s.now().Sub(t.createdAt)
		}
		s.metrics.ObserveReconciliation(string(kind), st.source, string(t.status), t.amount, sinceCreated)
	}
	return t, nil
}

func (s *Service) settleListing(ctx context.Context, tx storage.Tx, checkoutRequestID string, st settlement) (transition, error) {
	payment, err := tx.GetListingPaymentByCheckout(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return transition{}, ErrPaymentNotFound
		}
		return transition{}, fmt.Errorf("lock listing payment: %w", err)
	}
	if payment.Status.IsTerminal() {
		return transition{status: statusResult(payment.Status, 0, "").Status, productID: payment.ProductID, receipt: payment.ReceiptNumber}, nil
	}

	t := transition{applied: true, productID: payment.ProductID, amount: payment.Amount, createdAt: payment.CreatedAt}

	if st.outcome == mpesa.OutcomeSucceeded {
		payment.Status = storage.StatusCompleted
		payment.CompletedAt = ptrTime(s.now())
		payment.ReceiptNumber = st.receipt
		if err := tx.UpdateListingPayment(ctx, payment); err != nil {
			return transition{}, fmt.Errorf("complete listing payment: %w", err)
		}
		if payment.ProductID != 0 {
			err := tx.SetProductActive(ctx, payment.ProductID, true)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return transition{}, fmt.Errorf("activate product: %w", err)
			}
		}
		t.status = StatusCompleted
		t.receipt = st.receipt
		return t, nil
	}

	if err := tx.DeleteListingPayment(ctx, payment.ID); err != nil {
		return transition{}, fmt.Errorf("delete listing payment: %w", err)
	}
	if payment.ProductID != 0 {
		product, err := tx.GetProduct(ctx, payment.ProductID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return transition{}, fmt.Errorf("lock product: %w", err)
		case !product.IsActive:
			if err := tx.DeleteProduct(ctx, product.ID); err != nil {
				return transition{}, fmt.Errorf("delete provisional product: %w", err)
			}
		}
	}
	t.status = StatusFailed
	return t, nil
}

func (s *Service) settleUnlock(ctx context.Context, tx storage.Tx, checkoutRequestID string, st settlement) (transition, error) {
	grant, err := tx.GetUnlockGrantByCheckout(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return transition{}, ErrPaymentNotFound
		}
		return transition{}, fmt.Errorf("lock unlock grant: %w", err)
	}
	if grant.Status.IsTerminal() {
		return transition{status: statusResult(grant.Status, 0, "").Status, productID: grant.ProductID, receipt: grant.ReceiptNumber}, nil
	}

	t := transition{applied: true, productID: grant.ProductID, amount: grant.Amount, createdAt: grant.CreatedAt}

	if st.outcome != mpesa.OutcomeSucceeded {
		grant.Status = storage.StatusFailed
		if err := tx.UpdateUnlockGrant(ctx, grant); err != nil {
			return transition{}, fmt.Errorf("fail unlock grant: %w", err)
		}
		t.status = StatusFailed
		return t, nil
	}

	grant.Status = storage.StatusCompleted
	grant.CompletedAt = ptrTime(s.now())
	grant.ReceiptNumber = st.receipt
	if err := tx.UpdateUnlockGrant(ctx, grant); err != nil {
		return transition{}, fmt.Errorf("complete unlock grant: %w", err)
	}

	note := storage.Notification{
		UserID:    grant.SellerID,
		ProductID: grant.ProductID,
		UnlockID:  grant.ID,
		Message:   s.unlockMessage(ctx, grant),
	}
	if err := tx.CreateNotification(ctx, &note); err != nil {
		return transition{}, fmt.Errorf("notify seller: %w", err)
	}

	t.status = StatusCompleted
	t.receipt = st.receipt
	return t, nil
}

func (s *Service) unlockMessage(ctx context.Context, grant storage.UnlockGrant) string {
	if grant.ProductID != 0 {
		if product, err := s.store.GetProduct(ctx, grant.ProductID); err == nil {
			return fmt.Sprintf("A buyer unlocked your contact details for %q.", product.Title)
		}
	}
	return "A buyer unlocked your contact details."
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
