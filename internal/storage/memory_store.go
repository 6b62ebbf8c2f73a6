package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
//
// Units of work are serialized by txMu and run against a private copy of the
// state, which replaces the committed state only when fn returns nil. Reads
// outside a unit of work see committed state.
type MemoryStore struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	categories    map[int64]Category
	products      map[int64]Product
	listings      map[int64]ListingPayment
	unlocks       map[int64]UnlockGrant
	notifications map[int64]Notification
	nextID        int64
}

// NewMemoryStore constructs an in-memory store seeded with the default categories.
func NewMemoryStore() *MemoryStore {
	state := &memoryState{
		categories:    make(map[int64]Category),
		products:      make(map[int64]Product),
		listings:      make(map[int64]ListingPayment),
		unlocks:       make(map[int64]UnlockGrant),
		notifications: make(map[int64]Notification),
	}
	for _, c := range DefaultCategories {
		state.categories[c.ID] = c
	}
	return &MemoryStore{state: state, now: time.Now}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		categories:    make(map[int64]Category, len(s.categories)),
		products:      make(map[int64]Product, len(s.products)),
		listings:      make(map[int64]ListingPayment, len(s.listings)),
		unlocks:       make(map[int64]UnlockGrant, len(s.unlocks)),
		notifications: make(map[int64]Notification, len(s.notifications)),
		nextID:        s.nextID,
	}
	for k, v := range s.categories {
		out.categories[k] = v
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.listings {
		out.listings[k] = v
	}
	for k, v := range s.unlocks {
		out.unlocks[k] = v
	}
	for k, v := range s.notifications {
		out.notifications[k] = v
	}
	return out
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()

	if err := fn(&memoryTx{state: work, now: m.now}); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) GetProduct(_ context.Context, id int64) (Product, error) {
	p, ok := t.state.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) CreateProduct(_ context.Context, p *Product) error {
	if _, ok := t.state.categories[p.CategoryID]; !ok {
		return ErrNotFound
	}
	now := t.now()
	p.ID = t.state.id()
	p.CreatedAt = now
	p.UpdatedAt = now
	t.state.products[p.ID] = *p
	return nil
}

func (t *memoryTx) SetProductActive(_ context.Context, id int64, active bool) error {
	p, ok := t.state.products[id]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = active
	p.UpdatedAt = t.now()
	t.state.products[id] = p
	return nil
}

func (t *memoryTx) UpdateProduct(_ context.Context, p Product) error {
	current, ok := t.state.products[p.ID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := t.state.categories[p.CategoryID]; !ok {
		return ErrNotFound
	}
	current.Title = p.Title
	current.Description = p.Description
	current.Price = p.Price
	current.Condition = p.Condition
	current.ImageKey = p.ImageKey
	current.ContactInfo = p.ContactInfo
	current.CategoryID = p.CategoryID
	current.IsFastMoving = p.IsFastMoving
	current.UpdatedAt = t.now()
	t.state.products[p.ID] = current
	return nil
}

func (t *memoryTx) DeleteProduct(_ context.Context, id int64) error {
	if _, ok := t.state.products[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.products, id)
	for k, v := range t.state.listings {
		if v.ProductID == id {
			v.ProductID = 0
			t.state.listings[k] = v
		}
	}
	for k, v := range t.state.unlocks {
		if v.ProductID == id {
			v.ProductID = 0
			t.state.unlocks[k] = v
		}
	}
	for k, v := range t.state.notifications {
		if v.ProductID == id {
			v.ProductID = 0
			t.state.notifications[k] = v
		}
	}
	return nil
}

func (t *memoryTx) HasPendingPayments(_ context.Context, productID int64) (bool, error) {
	for _, v := range t.state.listings {
		if v.ProductID == productID && v.Status == StatusPending {
			return true, nil
		}
	}
	for _, v := range t.state.unlocks {
		if v.ProductID == productID && v.Status == StatusPending {
			return true, nil
		}
	}
	return false, nil
}

// listingConflicts mirrors the partial unique indexes of the SQL schema.
func (t *memoryTx) listingConflicts(p ListingPayment) bool {
	for _, v := range t.state.listings {
		if v.ID == p.ID {
			continue
		}
		if v.CheckoutRequestID == p.CheckoutRequestID {
			return true
		}
		if p.ProductID != 0 && v.ProductID == p.ProductID && v.Status == p.Status && p.Status != StatusFailed {
			return true
		}
	}
	return false
}

func (t *memoryTx) CreateListingPayment(_ context.Context, p *ListingPayment) error {
	p.ID = 0
	if t.listingConflicts(*p) {
		return ErrConflict
	}
	p.ID = t.state.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.now()
	}
	t.state.listings[p.ID] = *p
	return nil
}

func (t *memoryTx) GetListingPaymentByCheckout(_ context.Context, checkoutRequestID string) (ListingPayment, error) {
	return findListingByCheckout(t.state, checkoutRequestID)
}

func (t *memoryTx) FindListingPayment(_ context.Context, productID int64, status PaymentStatus) (ListingPayment, error) {
	for _, v := range t.state.listings {
		if v.ProductID == productID && v.Status == status {
			return v, nil
		}
	}
	return ListingPayment{}, ErrNotFound
}

func (t *memoryTx) UpdateListingPayment(_ context.Context, p ListingPayment) error {
	if _, ok := t.state.listings[p.ID]; !ok {
		return ErrNotFound
	}
	if t.listingConflicts(p) {
		return ErrConflict
	}
	t.state.listings[p.ID] = p
	return nil
}

func (t *memoryTx) DeleteListingPayment(_ context.Context, id int64) error {
	if _, ok := t.state.listings[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.listings, id)
	return nil
}

// LockUnlockPair is a no-op: units of work are already serialized.
func (t *memoryTx) LockUnlockPair(context.Context, int64, int64) error {
	return nil
}

func (t *memoryTx) unlockConflicts(g UnlockGrant) bool {
	for _, v := range t.state.unlocks {
		if v.ID == g.ID {
			continue
		}
		if v.CheckoutRequestID == g.CheckoutRequestID {
			return true
		}
		if g.ProductID != 0 && v.ProductID == g.ProductID && v.UserID == g.UserID &&
			v.Status == g.Status && g.Status != StatusFailed {
			return true
		}
	}
	return false
}

func (t *memoryTx) CreateUnlockGrant(_ context.Context, g *UnlockGrant) error {
	g.ID = 0
	if t.unlockConflicts(*g) {
		return ErrConflict
	}
	g.ID = t.state.id()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = t.now()
	}
	t.state.unlocks[g.ID] = *g
	return nil
}

func (t *memoryTx) GetUnlockGrantByCheckout(_ context.Context, checkoutRequestID string) (UnlockGrant, error) {
	return findUnlockByCheckout(t.state, checkoutRequestID)
}

func (t *memoryTx) FindUnlockGrant(_ context.Context, productID, userID int64, status PaymentStatus) (UnlockGrant, error) {
	for _, v := range t.state.unlocks {
		if v.ProductID == productID && v.UserID == userID && v.Status == status {
			return v, nil
		}
	}
	return UnlockGrant{}, ErrNotFound
}

func (t *memoryTx) UpdateUnlockGrant(_ context.Context, g UnlockGrant) error {
	if _, ok := t.state.unlocks[g.ID]; !ok {
		return ErrNotFound
	}
	if t.unlockConflicts(g) {
		return ErrConflict
	}
	t.state.unlocks[g.ID] = g
	return nil
}

func (t *memoryTx) CreateNotification(_ context.Context, n *Notification) error {
	n.ID = t.state.id()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = t.now()
	}
	t.state.notifications[n.ID] = *n
	return nil
}

func findListingByCheckout(state *memoryState, checkoutRequestID string) (ListingPayment, error) {
	for _, v := range state.listings {
		if v.CheckoutRequestID == checkoutRequestID {
			return v, nil
		}
	}
	return ListingPayment{}, ErrNotFound
}

func findUnlockByCheckout(state *memoryState, checkoutRequestID string) (UnlockGrant, error) {
	for _, v := range state.unlocks {
		if v.CheckoutRequestID == checkoutRequestID {
			return v, nil
		}
	}
	return UnlockGrant{}, ErrNotFound
}

// GetProduct implements Store.
func (m *MemoryStore) GetProduct(_ context.Context, id int64) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

// ListProducts implements Store.
func (m *MemoryStore) ListProducts(_ context.Context, filter ProductFilter) ([]Product, error) {
	m.mu.RLock()
	var out []Product
	for _, p := range m.state.products {
		if !p.IsActive || p.IsSold {
			continue
		}
		if filter.CategoryID != 0 && p.CategoryID != filter.CategoryID {
			continue
		}
		if filter.FastMovingOnly && !p.IsFastMoving {
			continue
		}
		out = append(out, p)
	}
	m.mu.RUnlock()

	sortProductsNewestFirst(out)
	page := Page{Limit: filter.Limit, Offset: filter.Offset}.normalized()
	return paginate(out, page), nil
}

// ListProductsBySeller implements Store.
func (m *MemoryStore) ListProductsBySeller(_ context.Context, sellerID int64) ([]Product, error) {
	m.mu.RLock()
	var out []Product
	for _, p := range m.state.products {
		if p.SellerID == sellerID {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sortProductsNewestFirst(out)
	return out, nil
}

// MarkProductSold implements Store.
func (m *MemoryStore) MarkProductSold(_ context.Context, productID, sellerID int64) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.products[productID]
	if !ok || p.SellerID != sellerID {
		return ErrNotFound
	}
	p.IsSold = true
	p.UpdatedAt = m.now()
	m.state.products[productID] = p
	return nil
}

// ListCategories implements Store.
func (m *MemoryStore) ListCategories(context.Context) ([]Category, error) {
	m.mu.RLock()
	out := make([]Category, 0, len(m.state.categories))
	for _, c := range m.state.categories {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetCategory implements Store.
func (m *MemoryStore) GetCategory(_ context.Context, id int64) (Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.state.categories[id]
	if !ok {
		return Category{}, ErrNotFound
	}
	return c, nil
}

// GetListingPaymentByCheckout implements Store.
func (m *MemoryStore) GetListingPaymentByCheckout(_ context.Context, checkoutRequestID string) (ListingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findListingByCheckout(m.state, checkoutRequestID)
}

// GetUnlockGrantByCheckout implements Store.
func (m *MemoryStore) GetUnlockGrantByCheckout(_ context.Context, checkoutRequestID string) (UnlockGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findUnlockByCheckout(m.state, checkoutRequestID)
}

// ListNotifications implements Store.
func (m *MemoryStore) ListNotifications(_ context.Context, userID int64, page Page) ([]Notification, error) {
	m.mu.RLock()
	var out []Notification
	for _, n := range m.state.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, page.normalized()), nil
}

// CountUnreadNotifications implements Store.
func (m *MemoryStore) CountUnreadNotifications(_ context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.state.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

// MarkNotificationRead implements Store.
func (m *MemoryStore) MarkNotificationRead(_ context.Context, id, userID int64) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.state.notifications[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	n.IsRead = true
	m.state.notifications[id] = n
	return nil
}

// MarkAllNotificationsRead implements Store.
func (m *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID int64) (int64, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var updated int64
	for id, n := range m.state.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			m.state.notifications[id] = n
			updated++
		}
	}
	return updated, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func sortProductsNewestFirst(products []Product) {
	sort.Slice(products, func(i, j int) bool {
		if products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].ID > products[j].ID
		}
		return products[i].CreatedAt.After(products[j].CreatedAt)
	})
}

func paginate[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}
