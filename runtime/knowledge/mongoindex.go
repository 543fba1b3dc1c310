package knowledge

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultDocsCollection = "knowledge_docs"
	defaultOpTimeout      = 5 * time.Second
)

// docRecord is the Mongo-persisted form of a Doc, field for field.
type docRecord struct {
	ID      string `bson:"_id"`
	Content string `bson:"content"`
	Score   float64 `bson:"score"`
}

// MongoLocalIndex implements LocalIndex as a Mongo-backed document cache:
// Insert upserts by ID, Query does a naive case-insensitive substring scan
// since the cache holds a bounded pre-warmed page per caller, not a full
// corpus requiring a real vector search.
type MongoLocalIndex struct {
	docs    *mongodriver.Collection
	timeout time.Duration
}

// MongoLocalIndexOptions configures a MongoLocalIndex.
type MongoLocalIndexOptions struct {
	Client         *mongodriver.Client
	Database       string
	DocsCollection string
	Timeout        time.Duration
}

// NewMongoLocalIndex builds a MongoLocalIndex.
func NewMongoLocalIndex(opts MongoLocalIndexOptions) (*MongoLocalIndex, error) {
	if opts.Client == nil {
		return nil, errors.New("knowledge: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("knowledge: database name is required")
	}
	collName := opts.DocsCollection
	if collName == "" {
		collName = defaultDocsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &MongoLocalIndex{
		docs:    opts.Client.Database(opts.Database).Collection(collName),
		timeout: timeout,
	}, nil
}

// Insert upserts docs by ID.
func (m *MongoLocalIndex) Insert(ctx context.Context, docs []Doc) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for _, d := range docs {
		filter := bson.M{"_id": d.ID}
		update := bson.M{"$set": docRecord{ID: d.ID, Content: d.Content, Score: d.Score}}
		opts := options.UpdateOne().SetUpsert(true)
		if _, err := m.docs.UpdateOne(ctx, filter, update, opts); err != nil {
			return err
		}
	}
	return nil
}

// Query returns up to limit documents whose content contains query as a
// case-insensitive substring, ordered by stored score descending.
func (m *MongoLocalIndex) Query(ctx context.Context, query string, limit int) ([]Doc, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	findOpts := options.Find().
		SetSort(bson.D{{Key: "score", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := m.docs.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Doc
	queryLower := strings.ToLower(query)
	for cur.Next(ctx) {
		var rec docRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		if queryLower != "" && !strings.Contains(strings.ToLower(rec.Content), queryLower) {
			continue
		}
		out = append(out, Doc{ID: rec.ID, Content: rec.Content, Score: rec.Score})
		if len(out) >= limit {
			break
		}
	}
	return out, cur.Err()
}
