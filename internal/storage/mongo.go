package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"relief-inventory-api/internal/ledger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoStore stores one document per entry, keyed by entry id.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// OpenMongo connects, pings and ensures the (sku, warehouseId) unique index.
func OpenMongo(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(timeoutCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(timeoutCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(timeoutCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "item.sku", Value: 1}, {Key: "location.warehouseId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("sku_warehouse_unique"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating unique index: %w", err)
	}

	zap.L().Info("Connected to MongoDB",
		zap.String("database", database),
		zap.String("collection", collection))
	return &MongoStore{client: client, collection: coll}, nil
}

func (s *MongoStore) Create(ctx context.Context, entry *ledger.StockEntry) error {
	if _, err := s.collection.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ledger.DuplicateEntry(entry.Item.SKU, entry.Location.WarehouseID)
		}
		return ledger.StorageFailure("create", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*ledger.StockEntry, error) {
	var entry ledger.StockEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ledger.NotFound(id)
	}
	if err != nil {
		return nil, ledger.StorageFailure("get", err)
	}
	return entry.Clone(), nil
}

func (s *MongoStore) Replace(ctx context.Context, entry *ledger.StockEntry, expectedVersion int64) error {
	stored := entry.Clone()
	stored.Version = expectedVersion + 1

	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": entry.ID, "version": expectedVersion}, stored)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ledger.DuplicateEntry(entry.Item.SKU, entry.Location.WarehouseID)
		}
		return ledger.StorageFailure("replace", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, entry.ID); err != nil {
			return err
		}
		return ledger.ErrVersionConflict
	}

	entry.Version = stored.Version
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return ledger.StorageFailure("delete", err)
	}
	if res.DeletedCount == 0 {
		return ledger.NotFound(id)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, filter ledger.Filter) ([]*ledger.StockEntry, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "lastUpdated", Value: -1}, {Key: "_id", Value: 1}})

	cursor, err := s.collection.Find(ctx, buildMongoFilter(filter), findOptions)
	if err != nil {
		return nil, ledger.StorageFailure("list", err)
	}
	defer cursor.Close(ctx)

	var entries []*ledger.StockEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, ledger.StorageFailure("list", err)
	}

	out := make([]*ledger.StockEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Clone())
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return ledger.StorageFailure("ping", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(disconnectCtx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	zap.L().Info("Disconnected from MongoDB")
	return nil
}

// buildMongoFilter translates a ledger filter into a query document with the
// same matching rules as ledger.Filter.Matches.
func buildMongoFilter(f ledger.Filter) bson.M {
	query := bson.M{}
	if f.SKU != "" {
		query["item.sku"] = primitive.Regex{Pattern: regexp.QuoteMeta(f.SKU), Options: "i"}
	}
	if f.WarehouseID != "" {
		query["location.warehouseId"] = f.WarehouseID
	}
	if f.Category != "" {
		query["item.category"] = primitive.Regex{Pattern: regexp.QuoteMeta(f.Category), Options: "i"}
	}
	if f.Status != "" {
		query["status"] = f.Status
	}
	if f.Tag != "" {
		query["tags"] = f.Tag
	}
	if f.LowStock {
		query["$expr"] = bson.M{"$lte": bson.A{"$inventory.availableQuantity", "$inventory.threshold"}}
	}
	return query
}
