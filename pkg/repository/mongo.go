package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const activeTableIndex = "one_active_order_per_table"

type MongoRepository struct {
	client   *mongo.Client
	database *mongo.Database
	config   *config.MongoDBConfig
}

func NewMongoRepository(cfg *config.MongoDBConfig) (*MongoRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}

	return &MongoRepository{
		client:   client,
		database: client.Database(cfg.Database),
		config:   cfg,
	}, nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the stores rely on. The partial unique
// index on table is what keeps a table to one active order across instances.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.database.Collection(m.config.Collection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "table", Value: 1}},
			Options: options.Index().
				SetName(activeTableIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create order indexes: %w", err)
	}

	_, err = m.database.Collection(m.config.AuditCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "order_id", Value: 1}, {Key: "revision", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	return nil
}

func (m *MongoRepository) Orders() *MongoOrderStore {
	return &MongoOrderStore{collection: m.database.Collection(m.config.Collection)}
}

func (m *MongoRepository) AuditLog() *MongoAuditLog {
	return &MongoAuditLog{collection: m.database.Collection(m.config.AuditCollection)}
}

// orderDocument adds the indexed active flag to the stored order.
type orderDocument struct {
	models.Order `bson:",inline"`
	Active       bool `bson:"active"`
}

func toDocument(o *models.Order) orderDocument {
	return orderDocument{Order: *o, Active: o.Active()}
}

// MongoOrderStore is an orders.Store on a MongoDB collection. Writes after
// creation are filtered on {_id, revision} so a stale writer matches nothing.
type MongoOrderStore struct {
	collection *mongo.Collection
}

var _ orders.Store = (*MongoOrderStore)(nil)

func (s *MongoOrderStore) Create(ctx context.Context, order *models.Order) (string, error) {
	if order.ID == "" {
		return "", errors.New("mongo: order id is required")
	}
	_, err := s.collection.InsertOne(ctx, toDocument(order))
	if mongo.IsDuplicateKeyError(err) {
		if exists, _ := s.exists(ctx, order.ID); exists {
			return "", fmt.Errorf("mongo: order %s already exists", order.ID)
		}
		return "", orders.ErrActiveOrderExists
	}
	if err != nil {
		return "", mongoErr(err)
	}
	return order.ID, nil
}

func (s *MongoOrderStore) Get(ctx context.Context, id string) (*models.Order, error) {
	var doc orderDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, mongoErr(err)
	}
	return &doc.Order, nil
}

func (s *MongoOrderStore) FindActiveByTable(ctx context.Context, table string) (*models.Order, error) {
	var doc orderDocument
	err := s.collection.FindOne(ctx, bson.M{"table": table, "active": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mongoErr(err)
	}
	return &doc.Order, nil
}

func (s *MongoOrderStore) List(ctx context.Context, filter orders.ListFilter) ([]*models.Order, error) {
	query := bson.M{}
	if filter.Table != "" {
		query["table"] = filter.Table
	}
	if filter.ActiveOnly {
		query["active"] = true
	}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}
	if !filter.Since.IsZero() {
		query["created_at"] = bson.M{"$gte": filter.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, mongoErr(err)
	}
	defer cursor.Close(ctx)

	var docs []orderDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, mongoErr(err)
	}

	out := make([]*models.Order, len(docs))
	for i := range docs {
		out[i] = &docs[i].Order
	}
	return out, nil
}

func (s *MongoOrderStore) CompareAndSwap(ctx context.Context, id string, expectedRevision int64, next *models.Order) error {
	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": id, "revision": expectedRevision}, toDocument(next))
	if mongo.IsDuplicateKeyError(err) {
		return orders.ErrActiveOrderExists
	}
	if err != nil {
		return mongoErr(err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return orders.ErrOrderNotFound
	}
	return orders.ErrRevisionConflict
}

func (s *MongoOrderStore) exists(ctx context.Context, id string) (bool, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, mongoErr(err)
	}
	return n > 0, nil
}

// MongoAuditLog is an orders.Auditor on a MongoDB collection.
type MongoAuditLog struct {
	collection *mongo.Collection
}

var _ orders.Auditor = (*MongoAuditLog)(nil)

func (a *MongoAuditLog) Record(ctx context.Context, entry models.AuditEntry) error {
	_, err := a.collection.InsertOne(ctx, entry)
	return mongoErr(err)
}

func (a *MongoAuditLog) History(ctx context.Context, orderID string) ([]models.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "revision", Value: 1}, {Key: "at", Value: 1}})
	cursor, err := a.collection.Find(ctx, bson.M{"order_id": orderID}, opts)
	if err != nil {
		return nil, mongoErr(err)
	}
	defer cursor.Close(ctx)

	entries := []models.AuditEntry{}
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, mongoErr(err)
	}
	return entries, nil
}

// mongoErr makes driver timeouts recognisable as context.DeadlineExceeded.
func mongoErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("mongo: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("mongo: %w", err)
}
