package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var requestRefPattern = regexp.MustCompile(`^pay_req_\d+_[0-9a-f]{8}$`)

// NewRequestRef mints an external payment request identifier of the form
// pay_req_<unix>_<8 hex chars>.
func NewRequestRef(now time.Time) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("model: rand: %v", err))
	}
	return fmt.Sprintf("pay_req_%d_%s", now.Unix(), hex.EncodeToString(b[:]))
}

// ValidRequestRef reports whether ref matches the request identifier format.
func ValidRequestRef(ref string) bool {
	return requestRefPattern.MatchString(ref)
}
