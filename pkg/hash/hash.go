// Package hash implements the nix tagged hash type: its nix-flavoured
// base32 encoding, XOR-fold compression, and SQL/text round-trip used to
// persist hashes in the store repository and on the wire.
package hash

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/minio/sha256-simd"
	"lukechampine.com/blake3"
)

// Algorithm identifies which digest a Hash carries.
type Algorithm int

const (
	// None is the zero value: a Hash with no digest.
	None Algorithm = iota
	// SHA256 is a 32-byte SHA-256 digest.
	SHA256
	// BLAKE3 is a 32-byte BLAKE3 digest (modern Nix's experimental
	// content-addressing algorithm).
	BLAKE3
	// Compressed is an arbitrary-length digest produced by compressHash.
	Compressed
)

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case BLAKE3:
		return "blake3"
	case Compressed:
		return "compressed"
	default:
		return "none"
	}
}

// Hash is an immutable tagged digest.
type Hash struct {
	algo Algorithm
	data []byte
}

// Algo returns the hash's algorithm tag.
func (h Hash) Algo() Algorithm { return h.algo }

// Bytes returns the raw digest bytes. The caller must not mutate the
// returned slice.
func (h Hash) Bytes() []byte { return h.data }

// IsNone reports whether the hash carries no digest.
func (h Hash) IsNone() bool { return h.algo == None }

// Equal compares two hashes byte-wise. Algorithm tags must also match.
func (h Hash) Equal(other Hash) bool {
	return h.algo == other.algo && string(h.data) == string(other.data)
}

// FromHex constructs a SHA256 hash from 64 hex characters.
func FromHex(s string) (Hash, error) {
	if len(s) != 64 {
		return Hash{}, fmt.Errorf("hash: from hex: expected 64 hex chars, got %d", len(s))
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: from hex: %w", err)
	}

	return Hash{algo: SHA256, data: raw}, nil
}

// New constructs a Hash from raw bytes tagged with algo. No length
// validation is performed beyond what the algorithm implies for SHA256
// and BLAKE3 (both 32 bytes); Compressed accepts any length.
func New(algo Algorithm, raw []byte) (Hash, error) {
	switch algo {
	case SHA256, BLAKE3:
		if len(raw) != 32 {
			return Hash{}, fmt.Errorf("hash: new: %s requires 32 bytes, got %d", algo, len(raw))
		}
	case None:
		if len(raw) != 0 {
			return Hash{}, fmt.Errorf("hash: new: None requires zero bytes")
		}
	}

	cp := make([]byte, len(raw))
	copy(cp, raw)

	return Hash{algo: algo, data: cp}, nil
}

// HashString returns the SHA-256 digest of s's UTF-8 bytes.
func HashString(s string) Hash {
	sum := sha256.Sum256([]byte(s))

	return Hash{algo: SHA256, data: sum[:]}
}

// HashBytes returns the SHA-256 digest of b.
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)

	return Hash{algo: SHA256, data: sum[:]}
}

// HashBytesBlake3 returns the BLAKE3 digest of b.
func HashBytesBlake3(b []byte) Hash {
	sum := blake3.Sum256(b)

	return Hash{algo: BLAKE3, data: sum[:]}
}

// CompressHash folds the input to outLen bytes: byte i of the output is
// the XOR of every input byte at position i (mod outLen).
func CompressHash(in []byte, outLen int) Hash {
	out := make([]byte, outLen)
	for i, b := range in {
		out[i%outLen] ^= b
	}

	return Hash{algo: Compressed, data: out}
}

// ToBase32 encodes the digest using the nix base32 alphabet.
func (h Hash) ToBase32() string {
	return EncodeBase32(h.data)
}

// ToHex encodes the digest as lowercase hex.
func (h Hash) ToHex() string {
	return hex.EncodeToString(h.data)
}

// SQLString renders the hash as "<algo>:<hex>" for persistence, matching
// the teacher's narHash wire/SQL representation.
func (h Hash) SQLString() string {
	if h.IsNone() {
		return ""
	}

	return h.algo.String() + ":" + h.ToHex()
}

// Parse parses an "<algo>:<hex>" string as written by SQLString.
func Parse(s string) (Hash, error) {
	if s == "" {
		return Hash{}, nil
	}

	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Hash{}, fmt.Errorf("hash: parse: missing ':' in %q", s)
	}

	algoName, hexPart := s[:idx], s[idx+1:]

	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: parse: %w", err)
	}

	var algo Algorithm

	switch algoName {
	case "sha256":
		algo = SHA256
	case "blake3":
		algo = BLAKE3
	default:
		return Hash{}, fmt.Errorf("hash: parse: unsupported algorithm %q", algoName)
	}

	return New(algo, raw)
}

// MarshalText implements encoding.TextMarshaler via SQLString.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.SQLString()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler via Parse.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}
