package mongowire

import "go.mongodb.org/mongo-driver/bson/primitive"

// ObjectID is the driver's document identifier type, re-exported from the
// BSON codec library so callers never need to import it directly.
type ObjectID = primitive.ObjectID

// NewObjectID generates a fresh ObjectID, suitable for client-side _id
// injection on insert.
func NewObjectID() ObjectID {
	return primitive.NewObjectID()
}
