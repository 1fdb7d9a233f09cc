package search

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clinrec/clinrec/internal/resource"
)

// Cursor is the keyset position of the last entry of a page. It is handed to
// clients as an opaque signed token; a tampered or foreign token is rejected.
type Cursor struct {
	LastUpdated time.Time `json:"lu"`
	ID          string    `json:"id"`
	// Sort records the ordering the cursor was issued under, so it cannot be
	// replayed against a differently sorted search.
	Sort string `json:"sort"`
}

// cursorKey is the Sort value stored in cursors issued under this ordering.
func (s Sort) cursorKey() string {
	key := "_lastUpdated"
	if s.Key == SortID {
		key = "_id"
	}
	if s.Descending {
		return "-" + key
	}
	return key
}

// CursorCodec signs and verifies pagination cursors with HMAC-SHA256.
type CursorCodec struct {
	secret []byte
}

func NewCursorCodec(secret string) *CursorCodec {
	return &CursorCodec{secret: []byte(secret)}
}

// Encode serializes and signs a cursor as "<payload>.<signature>", both
// segments base64url.
func (c *CursorCodec) Encode(cur Cursor) (string, error) {
	payload, err := json.Marshal(cur)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + c.sign(body), nil
}

// Decode verifies and deserializes a cursor token. Any malformed or
// incorrectly signed token is a ValidationError.
func (c *CursorCodec) Decode(token string) (Cursor, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Cursor{}, resource.Validationf("malformed pagination cursor")
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(body))) {
		return Cursor{}, resource.Validationf("invalid pagination cursor signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Cursor{}, resource.Validationf("malformed pagination cursor")
	}
	var cur Cursor
	if err := json.Unmarshal(payload, &cur); err != nil {
		return Cursor{}, resource.Validationf("malformed pagination cursor")
	}
	return cur, nil
}

func (c *CursorCodec) sign(body string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
