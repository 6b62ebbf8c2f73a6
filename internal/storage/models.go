package storage

import "time"

// PaymentStatus is the lifecycle state of a ledger entry.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Category groups products for browsing.
type Category struct {
	ID          int64  `json:"id" bson:"_id"`
	Name        string `json:"name" bson:"name"`
	Description string `json:"description" bson:"description"`
}

// Product is a marketplace listing. A product created for an unpaid listing fee
// stays inactive (provisional) until its ListingPayment completes.
type Product struct {
	ID           int64     `json:"id" bson:"_id"`
	Title        string    `json:"title" bson:"title"`
	Description  string    `json:"description" bson:"description"`
	Price        int64     `json:"price" bson:"price"` // whole KES
	Condition    string    `json:"condition" bson:"condition"`
	ImageKey     string    `json:"image_key,omitempty" bson:"image_key"`
	ContactInfo  string    `json:"-" bson:"contact_info"`
	CategoryID   int64     `json:"category_id" bson:"category_id"`
	SellerID     int64     `json:"seller_id" bson:"seller_id"`
	IsFastMoving bool      `json:"is_fast_moving" bson:"is_fast_moving"`
	IsActive     bool      `json:"is_active" bson:"is_active"`
	IsSold       bool      `json:"is_sold" bson:"is_sold"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// ListingPayment records the fee a seller pays to publish a product.
// ProductID is zero once the product has been removed by its seller.
type ListingPayment struct {
	ID                int64         `bson:"_id"`
	CheckoutRequestID string        `bson:"checkout_request_id"`
	MerchantRequestID string        `bson:"merchant_request_id"`
	ProductID         int64         `bson:"product_id"`
	UserID            int64         `bson:"user_id"`
	Amount            int64         `bson:"amount"`
	PhoneNumber       string        `bson:"phone_number"`
	Status            PaymentStatus `bson:"status"`
	ReceiptNumber     string        `bson:"mpesa_receipt_number"`
	CreatedAt         time.Time     `bson:"created_at"`
	CompletedAt       *time.Time    `bson:"completed_at,omitempty"`
}

// UnlockGrant records a buyer paying to see a seller's contact details.
type UnlockGrant struct {
	ID                int64         `bson:"_id"`
	CheckoutRequestID string        `bson:"checkout_request_id"`
	MerchantRequestID string        `bson:"merchant_request_id"`
	ProductID         int64         `bson:"product_id"`
	UserID            int64         `bson:"user_id"`
	SellerID          int64         `bson:"seller_id"`
	Amount            int64         `bson:"amount"`
	PhoneNumber       string        `bson:"phone_number"`
	Status            PaymentStatus `bson:"status"`
	ReceiptNumber     string        `bson:"mpesa_receipt_number"`
	CreatedAt         time.Time     `bson:"created_at"`
	CompletedAt       *time.Time    `bson:"completed_at,omitempty"`
	UnlockedAt        *time.Time    `bson:"unlocked_at,omitempty"`
}

// Notification is a durable message for a user.
type Notification struct {
	ID        int64     `json:"id" bson:"_id"`
	UserID    int64     `json:"user_id" bson:"user_id"`
	ProductID int64     `json:"product_id,omitempty" bson:"product_id"`
	UnlockID  int64     `json:"unlock_id,omitempty" bson:"unlock_id"`
	Message   string    `json:"message" bson:"message"`
	IsRead    bool      `json:"is_read" bson:"is_read"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// ProductFilter narrows the public catalog listing. Only active, unsold products are listed.
type ProductFilter struct {
	CategoryID     int64
	FastMovingOnly bool
	Limit          int
	Offset         int
}

// Page selects a window of a newest-first list.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
