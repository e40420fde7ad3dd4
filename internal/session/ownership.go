// Package session keeps the advisory record of which client currently owns an
// exam attempt. The attempt row stays authoritative; a missing record is
// never treated as a conflict.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

var ErrConflict = errors.New("attempt is owned by another session")

// OwnershipStore is a keyed store whose entries expire on their own.
type OwnershipStore interface {
	// Claim records token as the owner of key for ttl, replacing any owner.
	Claim(ctx context.Context, key, token string, ttl time.Duration) error
	// Verify returns ErrConflict when a live record names a different token.
	Verify(ctx context.Context, key, token string) error
	Release(ctx context.Context, key string) error
}

// Key names the ownership record for one candidate's sitting on an exam date.
func Key(candidateID, examDate string) string {
	return fmt.Sprintf("attempt-owner:%s:%s", examDate, candidateID)
}

// Digest is what stores persist instead of the raw token.
func Digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func sameDigest(stored, token string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(Digest(token))) == 1
}
