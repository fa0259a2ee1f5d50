package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// newRandomID joins a dashless UUID with a short url-safe random suffix.
// The UUID alone carries 128 bits; the suffix keeps IDs non-enumerable
// even if the UUID source were ever predictable.
func newRandomID() (string, error) {
	base, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	hexID := strings.ReplaceAll(base.String(), "-", "")
	return hexID + "-" + base64.RawURLEncoding.EncodeToString(suffix), nil
}
