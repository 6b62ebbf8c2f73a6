package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/campusmart/server/internal/logger"
	"github.com/campusmart/server/internal/metrics"
	"github.com/campusmart/server/internal/mpesa"
	"github.com/campusmart/server/internal/storage"
)

// Service initiates push payments and reconciles their outcomes against the ledger.
type Service struct {
	store    storage.Store
	gateway  Gateway
	fees     FeePolicy
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records initiation and reconciliation metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithValidator shares a validator instance with other packages.
func WithValidator(v *validator.Validate) Option { return func(s *Service) { s.validate = v } }

// NewService constructs the reconciliation engine.
func NewService(store storage.Store, gateway Gateway, fees FeePolicy, opts ...Option) *Service {
	s := &Service{
		store:    store,
		gateway:  gateway,
		fees:     fees,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logger(ctx context.Context) zerolog.Logger {
	if l := logger.FromContext(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return s.log
}

// InitiateListing creates a provisional product (or reuses one on retry) and pushes the
// listing fee to the seller's phone. The product and its pending payment are committed
// together only if the provider accepted the push.
func (s *Service) InitiateListing(ctx context.Context, req ListingRequest) (InitiationResult, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		s.metrics.ObserveInitiation(string(KindListing), "invalid")
		return InitiationResult{}, err
	}
	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		s.metrics.ObserveInitiation(string(KindListing), "invalid")
		return InitiationResult{}, ErrInvalidPhone
	}

	log := s.logger(ctx)
	fee := s.fees.ListingFee()
	free := s.fees.FreeListing()
	result := InitiationResult{Kind: KindListing, Amount: fee}

	err = s.store.Update(ctx, func(tx storage.Tx) error {
		var product storage.Product
		if req.ProductID != 0 {
			existing, done, err := s.resumeListing(ctx, tx, req)
			if err != nil || done != nil {
				if done != nil {
					result = *done
				}
				return err
			}
			product = existing
		} else {
			product = storage.Product{
				Title:        req.Title,
				Description:  req.Description,
				Price:        req.Price,
				Condition:    req.Condition,
				ImageKey:     req.ImageKey,
				ContactInfo:  req.ContactInfo,
				CategoryID:   req.CategoryID,
				SellerID:     req.SellerID,
				IsFastMoving: req.IsFastMoving,
				IsActive:     free,
			}
			if err := tx.CreateProduct(ctx, &product); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return ErrCategoryNotFound
				}
				return fmt.Errorf("create product: %w", err)
			}
		}
		result.ProductID = product.ID

		if free {
			if !product.IsActive {
				if err := tx.SetProductActive(ctx, product.ID, true); err != nil {
					return fmt.Errorf("activate product: %w", err)
				}
			}
			result.Amount = 0
			result.Active = true
			return nil
		}

		resp, err := s.gateway.STKPush(ctx, mpesa.PushRequest{
			Phone:            phone,
			Amount:           fee,
			AccountReference: fmt.Sprintf("PROD%d", product.ID),
			Description:      "Product listing: " + product.Title,
			CallbackPath:     mpesa.CallbackPathListing,
		})
		if err != nil {
			return newInitiationError(err)
		}

		payment := storage.ListingPayment{
			CheckoutRequestID: resp.CheckoutRequestID,
			MerchantRequestID: resp.MerchantRequestID,
			ProductID:         product.ID,
			UserID:            req.SellerID,
			Amount:            fee,
			PhoneNumber:       phone,
			Status:            storage.StatusPending,
			CreatedAt:         s.now(),
		}
		if err := tx.CreateListingPayment(ctx, &payment); err != nil {
			return fmt.Errorf("record listing payment: %w", err)
		}
		result.CheckoutRequestID = payment.CheckoutRequestID
		result.CustomerMessage = resp.CustomerMessage
		return nil
	})
	if err != nil {
		s.observeInitiationError(ctx, KindListing, err)
		return InitiationResult{}, err
	}

	s.metrics.ObserveInitiation(string(KindListing), initiationLabel(result))
	log.Info().
		Int64("product_id", result.ProductID).
		Int64("seller_id", req.SellerID).
		Str("phone", logger.MaskPhone(phone)).
		Str("checkout_request_id", result.CheckoutRequestID).
		Bool("reused", result.Reused).
		Bool("already_paid", result.AlreadyPaid).
		Bool("active", result.Active).
		Msg("payments.listing.initiated")
	return result, nil
}

// resumeListing handles a retry for an existing product. A non-nil result means no push is needed.
func (s *Service) resumeListing(ctx context.Context, tx storage.Tx, req ListingRequest) (storage.Product, *InitiationResult, error) {
	product, err := tx.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Product{}, nil, ErrProductNotFound
		}
		return storage.Product{}, nil, fmt.Errorf("load product: %w", err)
	}
	if product.SellerID != req.SellerID {
		return storage.Product{}, nil, ErrNotOwner
	}

	done := &InitiationResult{Kind: KindListing, ProductID: product.ID}
	if product.IsActive {
		done.Active = true
		done.AlreadyPaid = true
		return product, done, nil
	}

	completed, err := tx.FindListingPayment(ctx, product.ID, storage.StatusCompleted)
	switch {
	case err == nil:
		done.AlreadyPaid = true
		done.Amount = completed.Amount
		done.CheckoutRequestID = completed.CheckoutRequestID
		return product, done, nil
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Product{}, nil, fmt.Errorf("find completed listing payment: %w", err)
	}

	pending, err := tx.FindListingPayment(ctx, product.ID, storage.StatusPending)
	switch {
	case err == nil:
		done.Reused = true
		done.Amount = pending.Amount
		done.CheckoutRequestID = pending.CheckoutRequestID
		return product, done, nil
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Product{}, nil, fmt.Errorf("find pending listing payment: %w", err)
	}
	return product, nil, nil
}

// InitiateUnlock pushes the unlock fee for a product's contact details to the buyer's phone.
func (s *Service) InitiateUnlock(ctx context.Context, req UnlockRequest) (InitiationResult, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		s.metrics.ObserveInitiation(string(KindUnlock), "invalid")
		return InitiationResult{}, err
	}
	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		s.metrics.ObserveInitiation(string(KindUnlock), "invalid")
		return InitiationResult{}, ErrInvalidPhone
	}

	product, err := s.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return InitiationResult{}, ErrProductNotFound
		}
		return InitiationResult{}, fmt.Errorf("load product: %w", err)
	}

	result := InitiationResult{Kind: KindUnlock, ProductID: product.ID}
	if product.SellerID == req.BuyerID {
		result.AlreadyPaid = true
		s.metrics.ObserveInitiation(string(KindUnlock), initiationLabel(result))
		return result, nil
	}

	fee := s.fees.UnlockFee(product)
	result.Amount = fee
	log := s.logger(ctx)

	err = s.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.LockUnlockPair(ctx, product.ID, req.BuyerID); err != nil {
			return fmt.Errorf("lock unlock pair: %w", err)
		}

		completed, err := tx.FindUnlockGrant(ctx, product.ID, req.BuyerID, storage.StatusCompleted)
		switch {
		case err == nil:
			result.AlreadyPaid = true
			result.Amount = completed.Amount
			result.CheckoutRequestID = completed.CheckoutRequestID
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("find completed unlock: %w", err)
		}

		pending, err := tx.FindUnlockGrant(ctx, product.ID, req.BuyerID, storage.StatusPending)
		switch {
		case err == nil:
			result.Reused = true
			result.Amount = pending.Amount
			result.CheckoutRequestID = pending.CheckoutRequestID
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("find pending unlock: %w", err)
		}

		// A buyer who already paid keeps access after the product sells; only new pushes are refused.
		if !product.IsActive || product.IsSold {
			return ErrProductUnavailable
		}

		resp, err := s.gateway.STKPush(ctx, mpesa.PushRequest{
			Phone:            phone,
			Amount:           fee,
			AccountReference: fmt.Sprintf("UNLOCK%d", product.ID),
			Description:      "Unlock: " + product.Title,
			CallbackPath:     mpesa.CallbackPathUnlock,
		})
		if err != nil {
			return newInitiationError(err)
		}

		grant := storage.UnlockGrant{
			CheckoutRequestID: resp.CheckoutRequestID,
			MerchantRequestID: resp.MerchantRequestID,
			ProductID:         product.ID,
			UserID:            req.BuyerID,
			SellerID:          product.SellerID,
			Amount:            fee,
			PhoneNumber:       phone,
			Status:            storage.StatusPending,
			CreatedAt:         s.now(),
		}
		if err := tx.CreateUnlockGrant(ctx, &grant); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrProductNotFound
			}
			return fmt.Errorf("record unlock grant: %w", err)
		}
		result.CheckoutRequestID = grant.CheckoutRequestID
		result.CustomerMessage = resp.CustomerMessage
		return nil
	})
	if err != nil {
		s.observeInitiationError(ctx, KindUnlock, err)
		return InitiationResult{}, err
	}

	s.metrics.ObserveInitiation(string(KindUnlock), initiationLabel(result))
	log.Info().
		Int64("product_id", product.ID).
		Int64("buyer_id", req.BuyerID).
		Str("phone", logger.MaskPhone(phone)).
		Str("checkout_request_id", result.CheckoutRequestID).
		Bool("reused", result.Reused).
		Bool("already_paid", result.AlreadyPaid).
		Msg("payments.unlock.initiated")
	return result, nil
}

func (s *Service) observeInitiationError(ctx context.Context, kind Kind, err error) {
	var initErr *InitiationError
	if errors.As(err, &initErr) {
		s.metrics.ObserveInitiation(string(kind), "rejected")
		log := s.logger(ctx)
		log.Warn().Err(err).Str("kind", string(kind)).Msg("payments.initiation.rejected")
		return
	}
	s.metrics.ObserveInitiation(string(kind), "error")
}

func initiationLabel(r InitiationResult) string {
	switch {
	case r.AlreadyPaid:
		return "already_paid"
	case r.Reused:
		return "reused"
	case r.Active:
		return "free"
	default:
		return "accepted"
	}
}

func newInitiationError(err error) *InitiationError {
	msg := "Failed to initiate payment. Please try again."
	var apiErr *mpesa.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Message != "":
		msg = apiErr.Message
	case errors.Is(err, mpesa.ErrGatewayUnavailable):
		msg = "M-Pesa is temporarily unavailable. Please try again shortly."
	case errors.Is(err, context.DeadlineExceeded):
		msg = "M-Pesa did not respond in time. Please try again."
	}
	return &InitiationError{Message: msg, Err: err}
}
