package crypto

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"time"
)

// fileIDChars contains characters used in the random part of file IDs.
const fileIDChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// fileIDRandomLength is the number of random characters in a file ID.
const fileIDRandomLength = 8

// GenerateFileID generates a practically unique file ID.
// Format: {base36 unix millis}-{8 hex of sha256(name+size+type)}-{8 random base36}.
// Example: "lq3k9x2a-1f0c9e4b-k2m9x0qa"
//
// The format is advisory; uniqueness is the only contract.
func GenerateFileID(name string, size int64, mimeType string) (string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	short := ComputeSHA256([]byte(name + strconv.FormatInt(size, 10) + mimeType))[:8]

	random, err := generateRandomString(fileIDRandomLength, fileIDChars)
	if err != nil {
		return "", fmt.Errorf("failed to generate file ID: %w", err)
	}

	return ts + "-" + short + "-" + random, nil
}

// generateRandomString generates a random string of the specified length
// using characters from the provided character set.
func generateRandomString(length int, charset string) (string, error) {
	result := make([]byte, length)
	charsetLen := len(charset)

	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	for i := 0; i < length; i++ {
		result[i] = charset[int(randomBytes[i])%charsetLen]
	}

	return string(result), nil
}
