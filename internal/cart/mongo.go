package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkraev/cartflow/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) Repository {
	return &mongoRepository{
		collection: db.Collection("carts"),
	}
}

func ownerFilter(owner domain.OwnerRef) bson.M {
	return bson.M{"owner.kind": owner.Kind, "owner.id": owner.ID}
}

func (m *mongoRepository) GetCart(ctx context.Context, owner domain.OwnerRef) (*domain.Cart, error) {
	var cart domain.Cart

	err := m.collection.FindOne(ctx, ownerFilter(owner)).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	return &cart, nil
}

func (m *mongoRepository) SetItem(ctx context.Context, owner domain.OwnerRef, item domain.CartItem) error {
	now := time.Now()
	if item.AddedAt.IsZero() {
		item.AddedAt = now
	}

	filter := ownerFilter(owner)

	var existing domain.Cart
	err := m.collection.FindOne(ctx, filter).Decode(&existing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			cart := &domain.Cart{
				Owner:     owner,
				Items:     []domain.CartItem{item},
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err := m.collection.InsertOne(ctx, cart); err != nil {
				return fmt.Errorf("failed to create cart with item: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to check existing cart: %w", err)
	}

	if existing.Find(item.Key()) != nil {
		update := bson.M{
			"$set": bson.M{
				"items.$[elem].quantity":   item.Quantity,
				"items.$[elem].unit_price": item.UnitPrice,
				"updated_at":               now,
			},
		}
		arrayFilters := options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{
				bson.M{
					"elem.product_id": item.ProductID,
					"elem.size":       item.Size,
					"elem.color":      item.Color,
				},
			},
		})

		if _, err := m.collection.UpdateOne(ctx, filter, update, arrayFilters); err != nil {
			return fmt.Errorf("failed to update existing item: %w", err)
		}
		return nil
	}

	update := bson.M{
		"$push": bson.M{"items": item},
		"$set":  bson.M{"updated_at": now},
	}
	if _, err := m.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to add new item: %w", err)
	}
	return nil
}

func (m *mongoRepository) RemoveItem(ctx context.Context, owner domain.OwnerRef, key domain.VariantKey) error {
	filter := ownerFilter(owner)
	update := bson.M{
		"$pull": bson.M{
			"items": bson.M{
				"product_id": key.ProductID,
				"size":       key.Size,
				"color":      key.Color,
			},
		},
		"$set": bson.M{"updated_at": time.Now()},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}

	if result.MatchedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (m *mongoRepository) DeleteCart(ctx context.Context, owner domain.OwnerRef) error {
	result, err := m.collection.DeleteOne(ctx, ownerFilter(owner))
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}

	if result.DeletedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

// EnsureIndexes creates the unique owner index and the idle-cart TTL
// index on the carts collection.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "owner.kind", Value: 1}, {Key: "owner.id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}

	if _, err := db.Collection("carts").Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// ConnectMongoDB opens the cart database with pooling defaults.
func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}
