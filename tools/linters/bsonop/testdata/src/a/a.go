package a

import "go.mongodb.org/mongo-driver/bson"

const incOp = "$inc"

func filters() {
	_ = bson.M{"name": "reports", "status": "PENDING"}
	_ = bson.M{"$exits": true} // want `unknown MongoDB operator "\$exits"`
	_ = bson.M{"nextRunAt": bson.M{"$lte": 5}}
	_ = bson.M{"status": bson.M{"$In": []string{"PENDING"}}} // want `unknown MongoDB operator "\$In" \(did you mean "\$in"\?\)`
	_ = bson.M{"$or": []bson.M{{"claimedBy": nil}, {"claimedBy": bson.M{"$exists": false}}}}
}

func updates() {
	_ = bson.M{"$set": bson.M{"status": "COMPLETED"}, "$unset": bson.M{"claimedBy": ""}}
	_ = bson.M{incOp: bson.M{"failCount": 1}}
	_ = bson.M{"$setoninsert": bson.M{"createdAt": 1}} // want `unknown MongoDB operator "\$setoninsert" \(did you mean "\$setOnInsert"\?\)`
}

func pipeline() {
	_ = bson.D{{Key: "$match", Value: bson.M{}}}
	_ = bson.D{{Key: "$facte", Value: bson.M{}}} // want `unknown MongoDB operator "\$facte"`
	_ = bson.D{{"$group", bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}}
}

func fieldPathsAreValues() {
	// "$status" is a field path in value position, not an operator key.
	_ = bson.M{"_id": "$status"}
}

func keyThroughVariable(op string) {
	_ = bson.M{op: 1}
}

func suppressedScoped() {
	_ = bson.M{"$vectorSearch": bson.M{}} //nolint:bsonop
}

func suppressedGeneral() {
	//nolint
	_ = bson.M{"$vectorSearch": bson.M{}}
}

func scopedToAnother() {
	_ = bson.M{"$vectorSearch": bson.M{}} //nolint:gosec // want `unknown MongoDB operator "\$vectorSearch"`
}
