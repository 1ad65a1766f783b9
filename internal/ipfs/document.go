package ipfs

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/sha3"
)

var ErrEmptyCID = errors.New("ipfs: empty cid in response")

// Document is the JSON body pinned for every bottle.
type Document struct {
	Message     string    `json:"message"`
	UserID      string    `json:"user_id"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDocument stamps the keccak256 digest of the message.
func NewDocument(message, userID string, at time.Time) Document {
	return Document{
		Message:     message,
		UserID:      userID,
		ContentHash: ContentHash(message),
		CreatedAt:   at.UTC(),
	}
}

// ContentHash is the 0x-prefixed keccak256 of the message bytes.
func ContentHash(message string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(message))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the document's hash matches its message.
func (d Document) Verify() bool {
	return d.ContentHash == "" || d.ContentHash == ContentHash(d.Message)
}

// Store uploads a bottle document and returns its CID.
type Store interface {
	Upload(ctx context.Context, name string, doc Document) (string, error)
}

// Fetcher is an optional interface. Stores may also read content back.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) (*Document, error)
}
