package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MaxSignatureSkew is how far a signed timestamp may drift from server time
// before the request is rejected as a possible replay.
const MaxSignatureSkew = 300 * time.Second

var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrStaleTimestamp is returned when the signed timestamp is outside
	// the allowed skew window.
	ErrStaleTimestamp = errors.New("auth: timestamp outside allowed window")
)

// Sign computes the hex HMAC-SHA256 of "timestamp:body" under the shared
// secret. The timestamp is the sender's Unix time in seconds.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against the shared secret, rejecting stale
// timestamps first so expired signatures are never compared. Comparison is
// constant time.
func Verify(secret, signature string, timestamp int64, body []byte, now time.Time) error {
	age := now.Unix() - timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > MaxSignatureSkew {
		return ErrStaleTimestamp
	}

	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// NewSigningSecret mints a random shared secret for a newly registered
// agent. 32 bytes, base64 encoded.
func NewSigningSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate signing secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// ConversationToken mints an opaque token binding a conversation to its
// participants and creation instant. The token is the hex HMAC-SHA256 of
// "initiator:target:timestamp:nonce" under the server secret.
func ConversationToken(serverSecret string, initiator, target uuid.UUID, createdAt time.Time, nonce string) string {
	mac := hmac.New(sha256.New, []byte(serverSecret))
	fmt.Fprintf(mac, "%s:%s:%d:%s", initiator, target, createdAt.Unix(), nonce)
	return hex.EncodeToString(mac.Sum(nil))
}
