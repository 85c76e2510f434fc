package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DeriveKey fingerprints an operation payload. The time bucket bounds key growth:
// the same payload produces the same key only within one window.
func DeriveKey(operation string, payload any, window time.Duration, now time.Time) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode idempotency payload: %w", err)
	}
	bucket := int64(0)
	if window > 0 {
		bucket = now.UnixNano() / int64(window)
	}

	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{'|'})
	h.Write(body)
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
