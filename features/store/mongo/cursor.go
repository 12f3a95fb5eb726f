package mongo

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Listings page newest-first on the document _id: ObjectIDs embed their
// creation time, so "_id < cursor" is a stable forward cursor that tolerates
// concurrent inserts. The opaque cursor token is the last ObjectID's hex.

// applyCursor narrows filter to documents older than the cursor token.
func applyCursor(filter bson.M, cursor string) error {
	if cursor == "" {
		return nil
	}
	oid, err := primitive.ObjectIDFromHex(cursor)
	if err != nil {
		return fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	filter["_id"] = bson.M{"$lt": oid}
	return nil
}

// nextCursor returns the token for the page after ids, or "" when the page
// was short.
func nextCursor(ids []primitive.ObjectID, limit int) string {
	if limit <= 0 || len(ids) < limit {
		return ""
	}
	return ids[len(ids)-1].Hex()
}
