package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusmart/server/internal/mpesa"
	"github.com/campusmart/server/internal/storage"
)

type fakeGateway struct {
	mu       sync.Mutex
	pushes   []mpesa.PushRequest
	pushErr  error
	seq      int
	query    mpesa.QueryResult
	queryErr error
	queries  int
}

func (g *fakeGateway) STKPush(_ context.Context, req mpesa.PushRequest) (mpesa.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, req)
	if g.pushErr != nil {
		return mpesa.PushResponse{}, g.pushErr
	}
	g.seq++
	return mpesa.PushResponse{
		MerchantRequestID: fmt.Sprintf("mr_%d", g.seq),
		CheckoutRequestID: fmt.Sprintf("ws_%d", g.seq),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, checkoutRequestID string) (mpesa.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.queryErr != nil {
		return mpesa.QueryResult{}, g.queryErr
	}
	res := g.query
	res.CheckoutRequestID = checkoutRequestID
	return res, nil
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

const (
	sellerID int64 = 100
	buyerID  int64 = 200
)

type fixture struct {
	store   *storage.MemoryStore
	gateway *fakeGateway
	svc     *Service
	fees    TieredFeePolicy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		gateway: &fakeGateway{},
		fees:    TieredFeePolicy{Listing: 10, Unlock: 20, PremiumThreshold: 10000, PremiumMultiplier: 1},
	}
	f.svc = NewService(f.store, f.gateway, f.fees,
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }))
	return f
}

func (f *fixture) activeProduct(t *testing.T) storage.Product {
	t.Helper()
	p := storage.Product{
		Title:       "Study desk",
		Price:       1500,
		CategoryID:  2,
		SellerID:    sellerID,
		ContactInfo: "Campus meetup - contact seller for location",
		IsActive:    true,
	}
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.CreateProduct(context.Background(), &p)
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) listing(t *testing.T) InitiationResult {
	t.Helper()
	res, err := f.svc.InitiateListing(context.Background(), ListingRequest{
		SellerID:   sellerID,
		Title:      "Casio calculator",
		Price:      800,
		CategoryID: 1,
		Phone:      "0712345678",
	})
	require.NoError(t, err)
	return res
}

func successCallback(checkout, receipt string) mpesa.Callback {
	return mpesa.Callback{CheckoutRequestID: checkout, ResultCode: 0, ResultDesc: "ok", ReceiptNumber: receipt}
}

func failedCallback(checkout string, code int) mpesa.Callback {
	return mpesa.Callback{CheckoutRequestID: checkout, ResultCode: code, ResultDesc: "Request cancelled by user"}
}

func TestUnlock_CallbackSuccessGrantsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)

	res, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"})
	require.NoError(t, err)
	assert.Equal(t, "ws_1", res.CheckoutRequestID)
	assert.Equal(t, int64(20), res.Amount)

	require.Len(t, f.gateway.pushes, 1)
	push := f.gateway.pushes[0]
	assert.Equal(t, "254712345678", push.Phone)
	assert.Equal(t, int64(20), push.Amount)
	assert.Equal(t, fmt.Sprintf("UNLOCK%d", p.ID), push.AccountReference)
	assert.Equal(t, mpesa.CallbackPathUnlock, push.CallbackPath)

	grant, err := f.store.GetUnlockGrantByCheckout(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, grant.Status)
	assert.Equal(t, sellerID, grant.SellerID)

	access, err := f.svc.ContactAccess(ctx, p.ID, buyerID)
	require.NoError(t, err)
	assert.False(t, access.Allowed)
	assert.Equal(t, int64(20), access.UnlockFee)

	require.NoError(t, f.svc.HandleCallback(ctx, KindUnlock, successCallback("ws_1", "QAI12345")))

	grant, err = f.store.GetUnlockGrantByCheckout(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, grant.Status)
	assert.Equal(t, "QAI12345", grant.ReceiptNumber)
	require.NotNil(t, grant.CompletedAt)

	notes, err := f.store.ListNotifications(ctx, sellerID, storage.Page{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, p.ID, notes[0].ProductID)
	assert.Equal(t, grant.ID, notes[0].UnlockID)
	assert.Contains(t, notes[0].Message, "Study desk")

	access, err = f.svc.ContactAccess(ctx, p.ID, buyerID)
	require.NoError(t, err)
	assert.True(t, access.Allowed)
	assert.Equal(t, p.ContactInfo, access.ContactInfo)

	grant, err = f.store.GetUnlockGrantByCheckout(ctx, "ws_1")
	require.NoError(t, err)
	require.NotNil(t, grant.UnlockedAt)
	first := *grant.UnlockedAt

	f.svc.now = func() time.Time { return first.Add(time.Hour) }
	_, err = f.svc.ContactAccess(ctx, p.ID, buyerID)
	require.NoError(t, err)
	grant, err = f.store.GetUnlockGrantByCheckout(ctx, "ws_1")
	require.NoError(t, err)
	assert.True(t, grant.UnlockedAt.Equal(first), "first access is stamped once")
}

func TestUnlock_CallbackCancelledKeepsDenying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)

	res, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleCallback(ctx, KindUnlock, failedCallback(res.CheckoutRequestID, 1032)))

	grant, err := f.store.GetUnlockGrantByCheckout(ctx, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, grant.Status)

	access, err := f.svc.ContactAccess(ctx, p.ID, buyerID)
	require.NoError(t, err)
	assert.False(t, access.Allowed)

	product, err := f.store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, product, "failed unlock leaves the product untouched")

	notes, err := f.store.ListNotifications(ctx, sellerID, storage.Page{})
	require.NoError(t, err)
	assert.Empty(t, notes)

	// A new attempt is allowed after a failure.
	again, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"})
	require.NoError(t, err)
	assert.False(t, again.Reused)
	assert.NotEqual(t, res.CheckoutRequestID, again.CheckoutRequestID)
}

func TestListing_FailedCallbackDeletesProvisionalProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.listing(t)
	require.NotZero(t, res.ProductID)
	assert.False(t, res.Active)

	product, err := f.store.GetProduct(ctx, res.ProductID)
	require.NoError(t, err)
	assert.False(t, product.IsActive, "provisional until paid")

	push := f.gateway.pushes[0]
	assert.Equal(t, fmt.Sprintf("PROD%d", res.ProductID), push.AccountReference)
	assert.Equal(t, "Product listing: Casio calculator", push.Description)
	assert.Equal(t, mpesa.CallbackPathListing, push.CallbackPath)
	assert.Equal(t, int64(10), push.Amount)

	require.NoError(t, f.svc.HandleCallback(ctx, KindListing, failedCallback(res.CheckoutRequestID, 1032)))

	_, err = f.store.GetProduct(ctx, res.ProductID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.GetListingPaymentByCheckout(ctx, res.CheckoutRequestID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	listed, err := f.store.ListProducts(ctx, storage.ProductFilter{})
	require.NoError(t, err)
	for _, p := range listed {
		assert.NotEqual(t, res.ProductID, p.ID)
	}

	status, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status.Status)
}

func TestListing_SuccessActivatesProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.listing(t)

	require.NoError(t, f.svc.HandleCallback(ctx, KindListing, successCallback(res.CheckoutRequestID, "QAB1")))

	product, err := f.store.GetProduct(ctx, res.ProductID)
	require.NoError(t, err)
	assert.True(t, product.IsActive)

	status, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Status: StatusCompleted, ProductID: res.ProductID}, status)
	assert.Zero(t, f.gateway.queries, "terminal entries are answered locally")

	// A late failure report never destroys a live listing.
	require.NoError(t, f.svc.HandleCallback(ctx, KindListing, failedCallback(res.CheckoutRequestID, 1)))
	product, err = f.store.GetProduct(ctx, res.ProductID)
	require.NoError(t, err)
	assert.True(t, product.IsActive)
}

func TestCheckStatus_QueryErrorStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.listing(t)

	f.gateway.queryErr = context.DeadlineExceeded
	status, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Status: StatusPending}, status)
	assert.Equal(t, 1, f.gateway.queries)

	payment, err := f.store.GetListingPaymentByCheckout(ctx, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, payment.Status)

	product, err := f.store.GetProduct(ctx, res.ProductID)
	require.NoError(t, err)
	assert.False(t, product.IsActive)
}

func TestCheckStatus_ProviderStillProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.listing(t)

	f.gateway.query = mpesa.QueryResult{ResultCode: "17", Outcome: mpesa.OutcomePending}
	status, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Status)
}

func TestCheckStatus_PollFailureDeletesProvisionalProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.listing(t)

	f.gateway.query = mpesa.QueryResult{ResultCode: "1032", Outcome: mpesa.OutcomeFailed}
	status, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Status: StatusFailed}, status)

	_, err = f.store.GetProduct(ctx, res.ProductID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCheckStatus_UnknownCheckout(t *testing.T) {
	f := newFixture(t)
	status, err := f.svc.CheckStatus(context.Background(), KindUnlock, "ws_nope")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status.Status)
	assert.Zero(t, f.gateway.queries)
}

func TestSuccessIsAppliedOnce(t *testing.T) {
	succeeded := mpesa.QueryResult{ResultCode: "0", Outcome: mpesa.OutcomeSucceeded}

	t.Run("callback then poll", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		p := f.activeProduct(t)
		res, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "254712345678"})
		require.NoError(t, err)

		require.NoError(t, f.svc.HandleCallback(ctx, KindUnlock, successCallback(res.CheckoutRequestID, "QAI1")))
		f.gateway.query = succeeded
		status, err := f.svc.CheckStatus(ctx, KindUnlock, res.CheckoutRequestID)
		require.NoError(t, err)
		assert.Equal(t, StatusResult{Status: StatusCompleted, ProductID: p.ID, MpesaReceipt: "QAI1"}, status)
		require.NoError(t, f.svc.HandleCallback(ctx, KindUnlock, successCallback(res.CheckoutRequestID, "QAI1")))

		notes, err := f.store.ListNotifications(ctx, sellerID, storage.Page{})
		require.NoError(t, err)
		assert.Len(t, notes, 1)
	})

	t.Run("poll then callback", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		res := f.listing(t)

		f.gateway.query = succeeded
		status, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, status.Status)
		assert.Equal(t, res.ProductID, status.ProductID)

		require.NoError(t, f.svc.HandleCallback(ctx, KindListing, successCallback(res.CheckoutRequestID, "QAB9")))

		payment, err := f.store.GetListingPaymentByCheckout(ctx, res.CheckoutRequestID)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCompleted, payment.Status)
		assert.Empty(t, payment.ReceiptNumber, "the first transition wins")
	})
}

func TestHandleCallback_UnknownCheckout(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleCallback(context.Background(), KindListing, successCallback("ws_ghost", "R"))
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestInitiateListing_GatewayFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.pushErr = &mpesa.APIError{Operation: "stk_push", Code: "400.002.02", Message: "Bad Request - Invalid PhoneNumber"}

	_, err := f.svc.InitiateListing(ctx, ListingRequest{
		SellerID: sellerID, Title: "Kettle", Price: 900, CategoryID: 4, Phone: "0712345678",
	})
	var initErr *InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", initErr.Message)

	mine, err := f.store.ListProductsBySeller(ctx, sellerID)
	require.NoError(t, err)
	assert.Empty(t, mine, "no orphan product")

	f.gateway.pushErr = mpesa.ErrGatewayUnavailable
	_, err = f.svc.InitiateListing(ctx, ListingRequest{
		SellerID: sellerID, Title: "Kettle", Price: 900, CategoryID: 4, Phone: "0712345678",
	})
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, mpesa.ErrGatewayUnavailable)
}

func TestInitiateListing_RetryShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.listing(t)
	retry := ListingRequest{SellerID: sellerID, ProductID: res.ProductID, Phone: "0712345678"}

	again, err := f.svc.InitiateListing(ctx, retry)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, res.CheckoutRequestID, again.CheckoutRequestID)
	assert.Equal(t, 1, f.gateway.pushCount(), "pending entry is reused without a new push")

	_, err = f.svc.InitiateListing(ctx, ListingRequest{SellerID: 999, ProductID: res.ProductID, Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrNotOwner)

	require.NoError(t, f.svc.HandleCallback(ctx, KindListing, successCallback(res.CheckoutRequestID, "QAB2")))

	paid, err := f.svc.InitiateListing(ctx, retry)
	require.NoError(t, err)
	assert.True(t, paid.AlreadyPaid)
	assert.True(t, paid.Active)
	assert.Equal(t, 1, f.gateway.pushCount())
}

func TestInitiateListing_RetryAfterPollFailureIsANewProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.listing(t)

	f.gateway.query = mpesa.QueryResult{ResultCode: "1037", Outcome: mpesa.OutcomeFailed}
	_, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
	require.NoError(t, err)

	_, err = f.svc.InitiateListing(ctx, ListingRequest{SellerID: sellerID, ProductID: res.ProductID, Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestInitiateUnlock_ShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)
	req := UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"}

	first, err := f.svc.InitiateUnlock(ctx, req)
	require.NoError(t, err)

	second, err := f.svc.InitiateUnlock(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.CheckoutRequestID, second.CheckoutRequestID)
	assert.Equal(t, 1, f.gateway.pushCount())

	require.NoError(t, f.svc.HandleCallback(ctx, KindUnlock, successCallback(first.CheckoutRequestID, "QAI7")))

	third, err := f.svc.InitiateUnlock(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.AlreadyPaid)
	assert.Equal(t, 1, f.gateway.pushCount(), "no second charge")

	own, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: sellerID, ProductID: p.ID, Phone: "0712345678"})
	require.NoError(t, err)
	assert.True(t, own.AlreadyPaid, "sellers never pay to see their own contact details")
	assert.Equal(t, 1, f.gateway.pushCount())
}

func TestInitiateUnlock_ConcurrentRequestsPushOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)
	req := UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"}

	var wg sync.WaitGroup
	results := make([]InitiationResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.InitiateUnlock(ctx, req)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.gateway.pushCount())
	for _, r := range results {
		assert.Equal(t, "ws_1", r.CheckoutRequestID)
	}
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)

	_, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "12345"})
	assert.ErrorIs(t, err, ErrInvalidPhone)

	_, err = f.svc.InitiateListing(ctx, ListingRequest{SellerID: sellerID, CategoryID: 1, Phone: "0712345678"})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "Title", verrs[0].Field())

	_, err = f.svc.InitiateListing(ctx, ListingRequest{SellerID: sellerID, Title: "x", CategoryID: 77, Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrCategoryNotFound)

	_, err = f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: 4242, Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrProductNotFound)

	assert.Zero(t, f.gateway.pushCount(), "validation failures have no side effects")
}

func TestInitiateUnlock_ProductUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.listing(t)

	_, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: res.ProductID, Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrProductUnavailable)

	p := f.activeProduct(t)
	require.NoError(t, f.store.MarkProductSold(ctx, p.ID, sellerID))
	_, err = f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestInitiateUnlock_PaidBuyerKeepsAccessAfterSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)
	req := UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"}

	first, err := f.svc.InitiateUnlock(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleCallback(ctx, KindUnlock, successCallback(first.CheckoutRequestID, "QAI9")))
	require.NoError(t, f.store.MarkProductSold(ctx, p.ID, sellerID))

	again, err := f.svc.InitiateUnlock(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.AlreadyPaid)
	assert.Equal(t, first.CheckoutRequestID, again.CheckoutRequestID)
	assert.Equal(t, 1, f.gateway.pushCount())

	access, err := f.svc.ContactAccess(ctx, p.ID, buyerID)
	require.NoError(t, err)
	assert.True(t, access.Allowed)

	_, err = f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID + 1, ProductID: p.ID, Phone: "0712345678"})
	assert.ErrorIs(t, err, ErrProductUnavailable, "new buyers cannot pay for a sold product")
	assert.Equal(t, 1, f.gateway.pushCount())
}

var errDiskFull = errors.New("disk full")

// flakyStore fails chosen writes inside units of work.
type flakyStore struct {
	*storage.MemoryStore
	mu           sync.Mutex
	failActivate bool
	failNotify   bool
}

func (s *flakyStore) set(activate, notify bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failActivate, s.failNotify = activate, notify
}

func (s *flakyStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.MemoryStore.Update(ctx, func(tx storage.Tx) error {
		return fn(&flakyTx{Tx: tx, store: s})
	})
}

type flakyTx struct {
	storage.Tx
	store *flakyStore
}

func (t *flakyTx) SetProductActive(ctx context.Context, id int64, active bool) error {
	t.store.mu.Lock()
	fail := t.store.failActivate
	t.store.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return t.Tx.SetProductActive(ctx, id, active)
}

func (t *flakyTx) CreateNotification(ctx context.Context, n *storage.Notification) error {
	t.store.mu.Lock()
	fail := t.store.failNotify
	t.store.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return t.Tx.CreateNotification(ctx, n)
}

func (f *fixture) useFlakyStore() *flakyStore {
	flaky := &flakyStore{MemoryStore: f.store}
	f.svc = NewService(flaky, f.gateway, f.fees,
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }))
	return flaky
}

func TestUnlock_PersistenceFailureRollsBackTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)
	flaky := f.useFlakyStore()

	res, err := f.svc.InitiateUnlock(ctx, UnlockRequest{BuyerID: buyerID, ProductID: p.ID, Phone: "0712345678"})
	require.NoError(t, err)

	flaky.set(false, true)
	err = f.svc.HandleCallback(ctx, KindUnlock, successCallback(res.CheckoutRequestID, "QAI1"))
	require.ErrorIs(t, err, errDiskFull)

	grant, err := f.store.GetUnlockGrantByCheckout(ctx, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, grant.Status)
	assert.Empty(t, grant.ReceiptNumber)
	assert.Nil(t, grant.CompletedAt)

	notes, err := f.store.ListNotifications(ctx, sellerID, storage.Page{})
	require.NoError(t, err)
	assert.Empty(t, notes)

	access, err := f.svc.ContactAccess(ctx, p.ID, buyerID)
	require.NoError(t, err)
	assert.False(t, access.Allowed)

	// A poll that hits the same failure still reports pending.
	f.gateway.mu.Lock()
	f.gateway.query = mpesa.QueryResult{ResultCode: "0", Outcome: mpesa.OutcomeSucceeded}
	f.gateway.mu.Unlock()
	status, err := f.svc.CheckStatus(ctx, KindUnlock, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Status)

	flaky.set(false, false)
	require.NoError(t, f.svc.HandleCallback(ctx, KindUnlock, successCallback(res.CheckoutRequestID, "QAI1")))

	grant, err = f.store.GetUnlockGrantByCheckout(ctx, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, grant.Status)
	notes, err = f.store.ListNotifications(ctx, sellerID, storage.Page{})
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestListing_PersistenceFailureRollsBackTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := f.useFlakyStore()
	res := f.listing(t)

	flaky.set(true, false)
	err := f.svc.HandleCallback(ctx, KindListing, successCallback(res.CheckoutRequestID, "QAB2"))
	require.ErrorIs(t, err, errDiskFull)

	payment, err := f.store.GetListingPaymentByCheckout(ctx, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, payment.Status)
	assert.Empty(t, payment.ReceiptNumber)

	product, err := f.store.GetProduct(ctx, res.ProductID)
	require.NoError(t, err)
	assert.False(t, product.IsActive)

	flaky.set(false, false)
	f.gateway.mu.Lock()
	f.gateway.query = mpesa.QueryResult{ResultCode: "0", Outcome: mpesa.OutcomeSucceeded}
	f.gateway.mu.Unlock()

	status, err := f.svc.CheckStatus(ctx, KindListing, res.CheckoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)

	product, err = f.store.GetProduct(ctx, res.ProductID)
	require.NoError(t, err)
	assert.True(t, product.IsActive)
}

func TestInitiateListing_FreeListing(t *testing.T) {
	f := newFixture(t)
	f.fees.Free = true
	f.svc.fees = f.fees

	res := f.listing(t)
	assert.True(t, res.Active)
	assert.Zero(t, res.Amount)
	assert.Empty(t, res.CheckoutRequestID)
	assert.Zero(t, f.gateway.pushCount())

	product, err := f.store.GetProduct(context.Background(), res.ProductID)
	require.NoError(t, err)
	assert.True(t, product.IsActive)
}

func TestContactAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProduct(t)

	owner, err := f.svc.ContactAccess(ctx, p.ID, sellerID)
	require.NoError(t, err)
	assert.True(t, owner.Allowed)
	assert.True(t, owner.Owner)

	anon, err := f.svc.ContactAccess(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.False(t, anon.Allowed)
	assert.Empty(t, anon.ContactInfo)

	_, err = f.svc.ContactAccess(ctx, 9999, buyerID)
	assert.ErrorIs(t, err, ErrProductNotFound)

	provisional := f.listing(t)
	_, err = f.svc.ContactAccess(ctx, provisional.ProductID, buyerID)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestTieredFeePolicy(t *testing.T) {
	policy := TieredFeePolicy{Listing: 10, Unlock: 20, PremiumThreshold: 10000, PremiumMultiplier: 1.5}
	assert.Equal(t, int64(20), policy.UnlockFee(storage.Product{Price: 9999}))
	assert.Equal(t, int64(30), policy.UnlockFee(storage.Product{Price: 10000}))

	flat := TieredFeePolicy{Unlock: 20, PremiumThreshold: 10000, PremiumMultiplier: 1}
	assert.Equal(t, int64(20), flat.UnlockFee(storage.Product{Price: 50000}))

	none := TieredFeePolicy{Unlock: 5}
	assert.Equal(t, int64(5), none.UnlockFee(storage.Product{Price: 50000}))
}

func TestNewInitiationErrorMessages(t *testing.T) {
	assert.Contains(t, newInitiationError(mpesa.ErrGatewayUnavailable).Message, "temporarily unavailable")
	assert.Contains(t, newInitiationError(fmt.Errorf("post: %w", context.DeadlineExceeded)).Message, "in time")
	assert.Contains(t, newInitiationError(errors.New("dial tcp")).Message, "Failed to initiate payment")
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("listing")
	assert.True(t, ok)
	assert.Equal(t, KindListing, k)
	_, ok = ParseKind("refund")
	assert.False(t, ok)
}
