package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusmart/server/internal/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB. Units of work use multi-document
// transactions, so the deployment must be a replica set.
type MongoDBStore struct {
	client        *mongo.Client
	db            *mongo.Database
	categories    *mongo.Collection
	products      *mongo.Collection
	listings      *mongo.Collection
	unlocks       *mongo.Collection
	notifications *mongo.Collection
	counters      *mongo.Collection
	metrics       *metrics.Metrics
}

// NewMongoDBStore connects, pings, and prepares indexes and seed data.
func NewMongoDBStore(ctx context.Context, connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoDBStore{
		client:        client,
		db:            db,
		categories:    db.Collection("categories"),
		products:      db.Collection("products"),
		listings:      db.Collection("listing_payments"),
		unlocks:       db.Collection("unlock_grants"),
		notifications: db.Collection("notifications"),
		counters:      db.Collection("counters"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := store.seedCategories(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// WithMetrics enables query timing.
func (s *MongoDBStore) WithMetrics(m *metrics.Metrics) *MongoDBStore {
	s.metrics = m
	return s
}

// createIndexes mirrors the uniqueness rules of the SQL schema. Detached ledger
// rows carry product_id 0 and are excluded.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	attached := func(status PaymentStatus) bson.M {
		return bson.M{"status": string(status), "product_id": bson.M{"$gt": 0}}
	}

	_, err := s.listings.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "checkout_request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys:    bson.D{{Key: "product_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_listing_completed").SetPartialFilterExpression(attached(StatusCompleted)),
		},
		{
			Keys:    bson.D{{Key: "product_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_listing_pending").SetPartialFilterExpression(attached(StatusPending)),
		},
	})
	if err != nil {
		return fmt.Errorf("create listing payment indexes: %w", err)
	}

	_, err = s.unlocks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "checkout_request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys:    bson.D{{Key: "product_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_unlock_completed").SetPartialFilterExpression(attached(StatusCompleted)),
		},
		{
			Keys:    bson.D{{Key: "product_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_unlock_pending").SetPartialFilterExpression(attached(StatusPending)),
		},
	})
	if err != nil {
		return fmt.Errorf("create unlock grant indexes: %w", err)
	}

	_, err = s.products.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "is_sold", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "seller_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create product indexes: %w", err)
	}

	_, err = s.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create notification indexes: %w", err)
	}
	return nil
}

func (s *MongoDBStore) seedCategories(ctx context.Context) error {
	for _, c := range DefaultCategories {
		_, err := s.categories.UpdateOne(ctx,
			bson.M{"_id": c.ID},
			bson.M{"$setOnInsert": bson.M{"name": c.Name, "description": c.Description}},
			options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("seed category %s: %w", c.Name, err)
		}
	}
	return nil
}

// nextID allocates a sequence value outside any transaction, so gaps are possible.
func (s *MongoDBStore) nextID(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", name, err)
	}
	return counter.Seq, nil
}

// Update implements Store.
func (s *MongoDBStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	defer metrics.MeasureDBQuery(s.metrics, "unit_of_work", "mongodb")()

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	if err := sess.StartTransaction(); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if err := fn(&mongoTx{store: s, sess: sess}); err != nil {
		_ = sess.AbortTransaction(context.Background())
		return err
	}
	if err := sess.CommitTransaction(mongo.NewSessionContext(ctx, sess)); err != nil {
		return fmt.Errorf("commit transaction: %w", translateMongoError(err))
	}
	return nil
}

type mongoTx struct {
	store *MongoDBStore
	sess  mongo.Session
}

func (t *mongoTx) sc(ctx context.Context) mongo.SessionContext {
	return mongo.NewSessionContext(ctx, t.sess)
}

// lockOne bumps a version field so that concurrent transactions touching the
// same document hit a write conflict.
func lockOne(ctx mongo.SessionContext, coll *mongo.Collection, filter bson.M, out any) error {
	err := coll.FindOneAndUpdate(ctx, filter,
		bson.M{"$inc": bson.M{"lock_version": int64(1)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(out)
	return translateMongoError(err)
}

func (t *mongoTx) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	if err := lockOne(t.sc(ctx), t.store.products, bson.M{"_id": id}, &p); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (t *mongoTx) CreateProduct(ctx context.Context, p *Product) error {
	sc := t.sc(ctx)
	if err := t.store.categories.FindOne(sc, bson.M{"_id": p.CategoryID}).Err(); err != nil {
		return translateMongoError(err)
	}
	id, err := t.store.nextID(ctx, "products")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err = t.store.products.InsertOne(sc, p)
	return translateMongoError(err)
}

func (t *mongoTx) SetProductActive(ctx context.Context, id int64, active bool) error {
	res, err := t.store.products.UpdateOne(t.sc(ctx), bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_active": active, "updated_at": time.Now().UTC()}})
	return expectMatched(res, err)
}

func (t *mongoTx) UpdateProduct(ctx context.Context, p Product) error {
	sc := t.sc(ctx)
	if err := t.store.categories.FindOne(sc, bson.M{"_id": p.CategoryID}).Err(); err != nil {
		return translateMongoError(err)
	}
	res, err := t.store.products.UpdateOne(sc, bson.M{"_id": p.ID}, bson.M{"$set": bson.M{
		"title":          p.Title,
		"description":    p.Description,
		"price":          p.Price,
		"condition":      p.Condition,
		"image_key":      p.ImageKey,
		"contact_info":   p.ContactInfo,
		"category_id":    p.CategoryID,
		"is_fast_moving": p.IsFastMoving,
		"updated_at":     time.Now().UTC(),
	}})
	return expectMatched(res, err)
}

func (t *mongoTx) DeleteProduct(ctx context.Context, id int64) error {
	sc := t.sc(ctx)
	res, err := t.store.products.DeleteOne(sc, bson.M{"_id": id})
	if err != nil {
		return translateMongoError(err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	detach := bson.M{"$set": bson.M{"product_id": int64(0)}}
	for _, coll := range []*mongo.Collection{t.store.listings, t.store.unlocks, t.store.notifications} {
		if _, err := coll.UpdateMany(sc, bson.M{"product_id": id}, detach); err != nil {
			return translateMongoError(err)
		}
	}
	return nil
}

func (t *mongoTx) HasPendingPayments(ctx context.Context, productID int64) (bool, error) {
	sc := t.sc(ctx)
	filter := bson.M{"product_id": productID, "status": string(StatusPending)}
	for _, coll := range []*mongo.Collection{t.store.listings, t.store.unlocks} {
		n, err := coll.CountDocuments(sc, filter, options.Count().SetLimit(1))
		if err != nil {
			return false, translateMongoError(err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (t *mongoTx) CreateListingPayment(ctx context.Context, p *ListingPayment) error {
	id, err := t.store.nextID(ctx, "listing_payments")
	if err != nil {
		return err
	}
	p.ID = id
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = t.store.listings.InsertOne(t.sc(ctx), p)
	return translateMongoError(err)
}

func (t *mongoTx) GetListingPaymentByCheckout(ctx context.Context, checkoutRequestID string) (ListingPayment, error) {
	var p ListingPayment
	err := lockOne(t.sc(ctx), t.store.listings, bson.M{"checkout_request_id": checkoutRequestID}, &p)
	return p, err
}

func (t *mongoTx) FindListingPayment(ctx context.Context, productID int64, status PaymentStatus) (ListingPayment, error) {
	var p ListingPayment
	err := t.store.listings.FindOne(t.sc(ctx), bson.M{"product_id": productID, "status": string(status)}).Decode(&p)
	return p, translateMongoError(err)
}

func (t *mongoTx) UpdateListingPayment(ctx context.Context, p ListingPayment) error {
	res, err := t.store.listings.UpdateOne(t.sc(ctx), bson.M{"_id": p.ID}, bson.M{"$set": bson.M{
		"merchant_request_id":  p.MerchantRequestID,
		"product_id":           p.ProductID,
		"status":               string(p.Status),
		"mpesa_receipt_number": p.ReceiptNumber,
		"completed_at":         p.CompletedAt,
	}})
	return expectMatched(res, err)
}

func (t *mongoTx) DeleteListingPayment(ctx context.Context, id int64) error {
	res, err := t.store.listings.DeleteOne(t.sc(ctx), bson.M{"_id": id})
	if err != nil {
		return translateMongoError(err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// LockUnlockPair upserts a lock document for the pair inside the transaction.
func (t *mongoTx) LockUnlockPair(ctx context.Context, productID, userID int64) error {
	_, err := t.store.db.Collection("unlock_locks").UpdateOne(t.sc(ctx),
		bson.M{"_id": fmt.Sprintf("%d:%d", productID, userID)},
		bson.M{"$inc": bson.M{"lock_version": int64(1)}},
		options.Update().SetUpsert(true))
	return translateMongoError(err)
}

func (t *mongoTx) CreateUnlockGrant(ctx context.Context, g *UnlockGrant) error {
	id, err := t.store.nextID(ctx, "unlock_grants")
	if err != nil {
		return err
	}
	g.ID = id
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err = t.store.unlocks.InsertOne(t.sc(ctx), g)
	return translateMongoError(err)
}

func (t *mongoTx) GetUnlockGrantByCheckout(ctx context.Context, checkoutRequestID string) (UnlockGrant, error) {
	var g UnlockGrant
	err := lockOne(t.sc(ctx), t.store.unlocks, bson.M{"checkout_request_id": checkoutRequestID}, &g)
	return g, err
}

func (t *mongoTx) FindUnlockGrant(ctx context.Context, productID, userID int64, status PaymentStatus) (UnlockGrant, error) {
	var g UnlockGrant
	err := t.store.unlocks.FindOne(t.sc(ctx),
		bson.M{"product_id": productID, "user_id": userID, "status": string(status)}).Decode(&g)
	return g, translateMongoError(err)
}

func (t *mongoTx) UpdateUnlockGrant(ctx context.Context, g UnlockGrant) error {
	res, err := t.store.unlocks.UpdateOne(t.sc(ctx), bson.M{"_id": g.ID}, bson.M{"$set": bson.M{
		"merchant_request_id":  g.MerchantRequestID,
		"product_id":           g.ProductID,
		"status":               string(g.Status),
		"mpesa_receipt_number": g.ReceiptNumber,
		"completed_at":         g.CompletedAt,
		"unlocked_at":          g.UnlockedAt,
	}})
	return expectMatched(res, err)
}

func (t *mongoTx) CreateNotification(ctx context.Context, n *Notification) error {
	id, err := t.store.nextID(ctx, "notifications")
	if err != nil {
		return err
	}
	n.ID = id
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err = t.store.notifications.InsertOne(t.sc(ctx), n)
	return translateMongoError(err)
}

// GetProduct implements Store.
func (s *MongoDBStore) GetProduct(ctx context.Context, id int64) (Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_product", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var p Product
	if err := s.products.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return Product{}, translateMongoError(err)
	}
	return p, nil
}

// ListProducts implements Store.
func (s *MongoDBStore) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_products", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := bson.M{"is_active": true, "is_sold": false}
	if filter.CategoryID != 0 {
		query["category_id"] = filter.CategoryID
	}
	if filter.FastMovingOnly {
		query["is_fast_moving"] = true
	}
	page := Page{Limit: filter.Limit, Offset: filter.Offset}.normalized()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))

	return findAll[Product](ctx, s.products, query, opts)
}

// ListProductsBySeller implements Store.
func (s *MongoDBStore) ListProductsBySeller(ctx context.Context, sellerID int64) ([]Product, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	return findAll[Product](ctx, s.products, bson.M{"seller_id": sellerID}, opts)
}

// MarkProductSold implements Store.
func (s *MongoDBStore) MarkProductSold(ctx context.Context, productID, sellerID int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.products.UpdateOne(ctx,
		bson.M{"_id": productID, "seller_id": sellerID},
		bson.M{"$set": bson.M{"is_sold": true, "updated_at": time.Now().UTC()}})
	return expectMatched(res, err)
}

// ListCategories implements Store.
func (s *MongoDBStore) ListCategories(ctx context.Context) ([]Category, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	return findAll[Category](ctx, s.categories, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
}

// GetCategory implements Store.
func (s *MongoDBStore) GetCategory(ctx context.Context, id int64) (Category, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var c Category
	if err := s.categories.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return Category{}, translateMongoError(err)
	}
	return c, nil
}

// GetListingPaymentByCheckout implements Store.
func (s *MongoDBStore) GetListingPaymentByCheckout(ctx context.Context, checkoutRequestID string) (ListingPayment, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_listing_payment", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var p ListingPayment
	if err := s.listings.FindOne(ctx, bson.M{"checkout_request_id": checkoutRequestID}).Decode(&p); err != nil {
		return ListingPayment{}, translateMongoError(err)
	}
	return p, nil
}

// GetUnlockGrantByCheckout implements Store.
func (s *MongoDBStore) GetUnlockGrantByCheckout(ctx context.Context, checkoutRequestID string) (UnlockGrant, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_unlock_grant", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var g UnlockGrant
	if err := s.unlocks.FindOne(ctx, bson.M{"checkout_request_id": checkoutRequestID}).Decode(&g); err != nil {
		return UnlockGrant{}, translateMongoError(err)
	}
	return g, nil
}

// ListNotifications implements Store.
func (s *MongoDBStore) ListNotifications(ctx context.Context, userID int64, page Page) ([]Notification, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	page = page.normalized()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))
	return findAll[Notification](ctx, s.notifications, bson.M{"user_id": userID}, opts)
}

// CountUnreadNotifications implements Store.
func (s *MongoDBStore) CountUnreadNotifications(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	n, err := s.notifications.CountDocuments(ctx, bson.M{"user_id": userID, "is_read": false})
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return int(n), nil
}

// MarkNotificationRead implements Store.
func (s *MongoDBStore) MarkNotificationRead(ctx context.Context, id, userID int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{"is_read": true}})
	return expectMatched(res, err)
}

// MarkAllNotificationsRead implements Store.
func (s *MongoDBStore) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.notifications.UpdateMany(ctx,
		bson.M{"user_id": userID, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true}})
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return res.ModifiedCount, nil
}

// Ping implements Store.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close implements Store.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, opts *options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll.Name(), err)
	}
	return out, nil
}

func expectMatched(res *mongo.UpdateResult, err error) error {
	if err != nil {
		return translateMongoError(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func translateMongoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}
