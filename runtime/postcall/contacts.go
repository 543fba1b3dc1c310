package postcall

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoContactResolver implements ContactResolver against the per-space
// contact collection the original orchestrator's get_doc_id_from_number
// looked a dialed number up in, naming the collection the same way the
// Post-Call Flow names collection_ref: "collection_data_<space_token>".
type MongoContactResolver struct {
	Client  *mongodriver.Client
	DB      string
	Timeout time.Duration
}

type contactDocument struct {
	ContactNumber string    `bson:"contact_number"`
	Name          string    `bson:"name,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

// ResolveOrCreate finds the contact document for contactNumber within the
// space's collection, creating one if none exists yet.
func (r *MongoContactResolver) ResolveOrCreate(ctx context.Context, contactNumber, name, spaceToken string) (string, error) {
	if contactNumber == "" {
		return "", fmt.Errorf("postcall: contact number is required")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	coll := r.Client.Database(r.DB).Collection(collectionName(spaceToken))

	var existing struct {
		ID bson.ObjectID `bson:"_id"`
	}
	err := coll.FindOne(ctx, bson.M{"contact_number": contactNumber}).Decode(&existing)
	if err == nil {
		return existing.ID.Hex(), nil
	}
	if err != mongodriver.ErrNoDocuments {
		return "", fmt.Errorf("postcall: lookup contact: %w", err)
	}

	doc := contactDocument{ContactNumber: contactNumber, Name: name, CreatedAt: time.Now().UTC()}
	res, err := coll.InsertOne(ctx, doc, options.InsertOne())
	if err != nil {
		return "", fmt.Errorf("postcall: create contact: %w", err)
	}
	id, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return "", fmt.Errorf("postcall: unexpected inserted id type %T", res.InsertedID)
	}
	return id.Hex(), nil
}

func collectionName(spaceToken string) string {
	return fmt.Sprintf("collection_data_%s", spaceToken)
}
