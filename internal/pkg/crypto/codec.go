package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrReadLimit indicates the input exceeded the read limit.
var ErrReadLimit = errors.New("input exceeds read limit")

// EncodeBase64 encodes binary data for string-only stores.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes data produced by EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return data, nil
}

// ReadFile reads r fully into memory. A limit <= 0 disables the check.
func ReadFile(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrReadLimit
	}
	return data, nil
}
