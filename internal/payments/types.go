package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/campusmart/server/internal/mpesa"
)

var (
	// ErrInvalidPhone is returned when the payer's number is not a Kenyan mobile number.
	ErrInvalidPhone = mpesa.ErrInvalidPhone
	// ErrProductNotFound is returned when the referenced product does not exist.
	ErrProductNotFound = errors.New("payments: product not found")
	// ErrCategoryNotFound is returned when a new listing names an unknown category.
	ErrCategoryNotFound = errors.New("payments: category not found")
	// ErrNotOwner is returned when a seller acts on another seller's product.
	ErrNotOwner = errors.New("payments: product belongs to another seller")
	// ErrProductUnavailable is returned when unlocking a product that is not live.
	ErrProductUnavailable = errors.New("payments: product is not available")
	// ErrPaymentNotFound is returned for an unknown CheckoutRequestID.
	ErrPaymentNotFound = errors.New("payments: payment not found")
)

// InitiationError reports that the provider did not accept a push. Nothing was persisted.
type InitiationError struct {
	Message string
	Err     error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("payment initiation failed: %s: %v", e.Message, e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// Kind selects which ledger a payment belongs to.
type Kind string

const (
	KindListing Kind = "listing"
	KindUnlock  Kind = "unlock"
)

// ParseKind validates a kind taken from a URL.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindListing, KindUnlock:
		return Kind(s), true
	default:
		return "", false
	}
}

// Gateway is the push-payment provider as seen by the engine.
type Gateway interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (mpesa.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (mpesa.QueryResult, error)
}

// ListingRequest asks to publish a product, paying the listing fee.
// When ProductID is set the request retries payment for an existing provisional product
// and the product fields are ignored.
type ListingRequest struct {
	SellerID     int64  `json:"-" validate:"required,gt=0"`
	ProductID    int64  `json:"product_id,omitempty" validate:"omitempty,gt=0"`
	Title        string `json:"title" validate:"required_without=ProductID,max=200"`
	Description  string `json:"description" validate:"max=5000"`
	Price        int64  `json:"price" validate:"gte=0"`
	Condition    string `json:"condition" validate:"max=50"`
	ImageKey     string `json:"image_key" validate:"max=255"`
	ContactInfo  string `json:"contact_info" validate:"max=500"`
	CategoryID   int64  `json:"category_id" validate:"required_without=ProductID,gte=0"`
	IsFastMoving bool   `json:"is_fast_moving"`
	Phone        string `json:"phone" validate:"required"`
}

// UnlockRequest asks to pay for a seller's contact details.
type UnlockRequest struct {
	BuyerID   int64  `json:"-" validate:"required,gt=0"`
	ProductID int64  `json:"-" validate:"required,gt=0"`
	Phone     string `json:"phone" validate:"required"`
}

// InitiationResult describes what InitiateListing or InitiateUnlock did.
type InitiationResult struct {
	Kind              Kind   `json:"kind"`
	ProductID         int64  `json:"product_id"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	Amount            int64  `json:"amount"`
	// Active is set when the product is already live (paid earlier or free listing).
	Active bool `json:"active"`
	// AlreadyPaid means a completed payment exists and no charge was made.
	AlreadyPaid bool `json:"already_paid"`
	// Reused means a pending payment was returned instead of a new push.
	Reused          bool   `json:"reused"`
	CustomerMessage string `json:"customer_message,omitempty"`
}

// Status is the answer to a status poll.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// StatusResult is the poll response body.
type StatusResult struct {
	Status       Status `json:"status"`
	ProductID    int64  `json:"product_id,omitempty"`
	MpesaReceipt string `json:"mpesa_receipt,omitempty"`
}

// Access is the access gate decision for a product's contact details.
type Access struct {
	Allowed bool
	// Owner is set when the viewer is the seller.
	Owner       bool
	ContactInfo string
	SellerID    int64
	UnlockFee   int64
}
