// Package hash computes message digests keyed by the algorithm name a
// security object declares.
package hash

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// New returns the hash named by alg.
func New(alg string) (hash.Hash, error) {
	switch alg {
	case "SHA-1", "SHA1":
		return sha1.New(), nil
	case "SHA-224", "SHA224":
		return sha256.New224(), nil
	case "SHA-256", "SHA256":
		return sha256.New(), nil
	case "SHA-384", "SHA384":
		return sha512.New384(), nil
	case "SHA-512", "SHA512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("hash: unsupported digest algorithm %q", alg)
}

// Digest hashes message with the named algorithm.
func Digest(message []byte, alg string) ([]byte, error) {
	h, err := New(alg)
	if err != nil {
		return nil, err
	}
	h.Write(message)
	return h.Sum(nil), nil
}
