package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when no record exists for a HARP id.
var ErrNotFound = errors.New("user not found")

// =============================================================================
// Database Interface
// =============================================================================

// Store defines the user record operations the sync service needs.
// Every HARP id argument is normalized with NormalizeID before it is used as a key.
type Store interface {
	FindByHarpID(ctx context.Context, harpID string) (*Record, error)
	// CountExisting counts the records matching any of harpIDs.
	CountExisting(ctx context.Context, harpIDs []string) (int, error)
	// PageHarpIDs returns page pageNumber (zero based) of all harp ids.
	PageHarpIDs(ctx context.Context, pageNumber, pageSize int) (Page, error)
	// SparseUpdate sets only the given fields, creating the record if needed.
	SparseUpdate(ctx context.Context, harpID string, fields map[string]any) error
	// UpsertOnLogin finds the record of probe.HarpID or creates it, stamping login times.
	UpsertOnLogin(ctx context.Context, probe *Record) (*Record, error)
	ListActivity(ctx context.Context, since time.Time) ([]Record, error)
}

// =============================================================================
// MongoDB Implementation of Store
// =============================================================================

// caseInsensitive matches the collation of the unique harpId index.
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

const harpIDIndexName = "harpId_unique_ci"

var _ Store = &MongoDBStore{}

// MongoDBStore implements the Store interface using MongoDB.
type MongoDBStore struct {
	usersCollection *mongo.Collection
}

// NewMongoDBStore creates a new MongoDBStore instance.
func NewMongoDBStore(client *mongo.Client, dbName, usersCollectionName string) *MongoDBStore {
	return NewMongoDBStoreFromDatabase(client.Database(dbName), usersCollectionName)
}

// NewMongoDBStoreFromDatabase creates a MongoDBStore on an already selected database.
func NewMongoDBStoreFromDatabase(db *mongo.Database, usersCollectionName string) *MongoDBStore {
	return &MongoDBStore{
		usersCollection: db.Collection(usersCollectionName),
	}
}

// EnsureIndexes creates the unique, case-insensitive index on harpId.
func (m *MongoDBStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.usersCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "harpId", Value: 1}},
		Options: options.Index().
			SetName(harpIDIndexName).
			SetUnique(true).
			SetCollation(caseInsensitive),
	})
	if err != nil {
		return fmt.Errorf("failed to create harpId index: %w", err)
	}
	return nil
}

// FindByHarpID retrieves a user by HARP id.
func (m *MongoDBStore) FindByHarpID(ctx context.Context, harpID string) (*Record, error) {
	var rec Record
	opts := options.FindOne().SetCollation(caseInsensitive)
	err := m.usersCollection.FindOne(ctx, bson.M{"harpId": NormalizeID(harpID)}, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by harpId: %w", err)
	}
	return &rec, nil
}

// CountExisting counts records whose harpId is in harpIDs.
func (m *MongoDBStore) CountExisting(ctx context.Context, harpIDs []string) (int, error) {
	if len(harpIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(harpIDs))
	for _, id := range harpIDs {
		ids = append(ids, NormalizeID(id))
	}
	opts := options.Count().SetCollation(caseInsensitive)
	n, err := m.usersCollection.CountDocuments(ctx, bson.M{"harpId": bson.M{"$in": ids}}, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return int(n), nil
}

// PageHarpIDs reads one page of harp ids, projecting only the harpId field.
// One extra document is requested to find out whether another page follows.
func (m *MongoDBStore) PageHarpIDs(ctx context.Context, pageNumber, pageSize int) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("invalid page size %d", pageSize)
	}
	opts := options.Find().
		SetProjection(bson.M{"harpId": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(pageNumber) * int64(pageSize)).
		SetLimit(int64(pageSize) + 1)
	cur, err := m.usersCollection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return Page{}, fmt.Errorf("failed to page users: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var page Page
	for cur.Next(ctx) {
		var doc struct {
			HarpID string `bson:"harpId"`
		}
		if err := cur.Decode(&doc); err != nil {
			return Page{}, fmt.Errorf("failed to decode user page: %w", err)
		}
		if len(page.HarpIDs) == pageSize {
			page.HasMore = true
			break
		}
		page.HarpIDs = append(page.HarpIDs, doc.HarpID)
	}
	if err := cur.Err(); err != nil {
		return Page{}, fmt.Errorf("failed to page users: %w", err)
	}
	return page, nil
}

// SparseUpdate sets the given fields on the record of harpID.
func (m *MongoDBStore) SparseUpdate(ctx context.Context, harpID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set := bson.M{}
	for k, v := range fields {
		set[k] = v
	}
	opts := options.Update().SetUpsert(true).SetCollation(caseInsensitive)
	_, err := m.usersCollection.UpdateOne(ctx, bson.M{"harpId": NormalizeID(harpID)}, bson.M{"$set": set}, opts)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", harpID, err)
	}
	return nil
}

// UpsertOnLogin atomically finds or creates the record of probe.HarpID.
// Roles, status and access start are set from probe, or unset when probe has none.
func (m *MongoDBStore) UpsertOnLogin(ctx context.Context, probe *Record) (*Record, error) {
	if probe == nil || NormalizeID(probe.HarpID) == "" {
		return nil, errors.New("harpId is required")
	}
	now := time.Now().UTC()
	set := bson.M{
		"lastModifiedAt": now,
		"lastLoginAt":    now,
	}
	unset := bson.M{}
	if len(probe.Roles) > 0 {
		set["roles"] = probe.Roles
	} else {
		unset["roles"] = ""
	}
	if probe.Status != "" {
		set["status"] = probe.Status
	} else {
		unset["status"] = ""
	}
	if probe.AccessStartAt != nil {
		set["accessStartAt"] = *probe.AccessStartAt
	} else {
		unset["accessStartAt"] = ""
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"createdAt": now},
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetCollation(caseInsensitive)
	var rec Record
	err := m.usersCollection.FindOneAndUpdate(ctx, bson.M{"harpId": NormalizeID(probe.HarpID)}, update, opts).Decode(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user %s on login: %w", probe.HarpID, err)
	}
	return &rec, nil
}

// ListActivity returns users that logged in or gained access since the given time.
func (m *MongoDBStore) ListActivity(ctx context.Context, since time.Time) ([]Record, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"lastLoginAt": bson.M{"$gte": since}},
		bson.M{"accessStartAt": bson.M{"$gte": since}},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "lastLoginAt", Value: -1}})
	cur, err := m.usersCollection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list user activity: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []Record
	for cur.Next(ctx) {
		var rec Record
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode user activity: %w", err)
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}
