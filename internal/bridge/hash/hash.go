// Package hash computes the content hashes the bridge attaches to file
// change events (spec §3, §4.6, testable property 4).
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// Content returns the lowercase hex sha-256 digest of data.
func Content(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// File returns the sha-256 hex digest of the file at path. It returns an
// empty string (never an error) when the path does not exist, matching
// spec's "not present" null-equivalent for deleted files.
func File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return Content(data), nil
}
