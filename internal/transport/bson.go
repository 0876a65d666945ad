package transport

import "go.mongodb.org/mongo-driver/bson"

// bsonMarshal encodes v as BSON, used for the attachment wire format: an
// array of @metadata/@id/@etag/data documents.
func bsonMarshal(v any) ([]byte, error) {
	return bson.Marshal(v)
}
