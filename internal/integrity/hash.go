// Package integrity derives checksums and digests with keyed BLAKE3. Each
// use has its own domain key so equal bytes hash differently per context.
package integrity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// String returns the lowercase hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash that starts a chain.
func (h Hash) IsZero() bool { return h == Hash{} }

// ParseHash decodes the hex form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse hash: %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

type domainKey [32]byte

// ASCII domain names, zero padded.
var (
	feedDomain      = domainKey{'i', 'b', 'g', 'a', 't', 'e', '.', 'f', 'e', 'e', 'd'}
	partitionDomain = domainKey{'i', 'b', 'g', 'a', 't', 'e', '.', 'p', 'a', 'r', 't', 'i', 't', 'i', 'o', 'n'}
	logDomain       = domainKey{'i', 'b', 'g', 'a', 't', 'e', '.', 'l', 'o', 'g'}
)

func newKeyed(key domainKey) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("integrity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

func keyedHash(key domainKey, data ...[]byte) Hash {
	h := newKeyed(key)
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// FeedChecksum derives the 64-bit feed checksum of a CSV body: the first
// eight digest bytes, little endian. Zero is reserved for "no data" and is
// mapped to 1.
func FeedChecksum(body []byte) uint64 {
	h := keyedHash(feedDomain, body)
	return checksum64(h[:])
}

func checksum64(b []byte) uint64 {
	v := binary.LittleEndian.Uint64(b[:8])
	if v == 0 {
		return 1
	}
	return v
}

// FeedHasher computes FeedChecksum over a stream.
type FeedHasher struct {
	h hash.Hash
}

// NewFeedHasher returns an empty stream hasher.
func NewFeedHasher() *FeedHasher {
	return &FeedHasher{h: newKeyed(feedDomain)}
}

// Write adds p to the stream.
func (f *FeedHasher) Write(p []byte) (int, error) { return f.h.Write(p) }

// Sum64 returns the checksum of everything written so far.
func (f *FeedHasher) Sum64() uint64 { return checksum64(f.h.Sum(nil)) }

// PartitionDigest digests the used region of a partition.
func PartitionDigest(used []byte) Hash {
	return keyedHash(partitionDomain, used)
}

// ChainHash links a log record to its predecessor.
func ChainHash(prev Hash, payload []byte) Hash {
	return keyedHash(logDomain, prev[:], payload)
}
