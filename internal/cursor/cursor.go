// Package cursor encodes keyset pagination anchors as opaque tokens.
//
// A token carries the _id of the row a page starts after (or before) plus the
// traversal direction it was minted for. Tokens are base64 so callers can pass
// them through URLs and JSON untouched.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Direction markers embedded in tokens.
const (
	markForward  = "f"
	markBackward = "b"
)

// Encode packs an anchor id into a token. forward selects which side of the
// anchor the token's consumer should read.
func Encode(id primitive.ObjectID, forward bool) string {
	mark := markForward
	if !forward {
		mark = markBackward
	}
	return base64.URLEncoding.EncodeToString([]byte(mark + ":" + id.Hex()))
}

// Decode unpacks a token produced by Encode, returning the anchor id and
// whether the token was minted for forward traversal.
func Decode(token string) (primitive.ObjectID, bool, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return primitive.NilObjectID, false, fmt.Errorf("decode token: %w", err)
	}

	mark, hex, ok := strings.Cut(string(raw), ":")
	if !ok {
		return primitive.NilObjectID, false, errors.New("decode token: missing direction marker")
	}
	if mark != markForward && mark != markBackward {
		return primitive.NilObjectID, false, fmt.Errorf("decode token: unknown direction marker %q", mark)
	}

	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, false, fmt.Errorf("decode token: %w", err)
	}

	return id, mark == markForward, nil
}
