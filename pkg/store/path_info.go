// Package store implements the capability-layered store interfaces
// (Store/ReadStore/WriteStore/BuildStore), ValidPathInfo fingerprinting
// and signature verification, the narinfo line format, and the local
// on-disk store implementation.
package store

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/storepath"
)

// BinaryCacheInfo is populated when a ValidPathInfo originated from a
// remote narinfo rather than local registration.
type BinaryCacheInfo struct {
	URL         string
	Compression string
	FileHash    hash.Hash
	FileSize    uint64
}

// ValidPathInfo is the metadata record for one store object.
type ValidPathInfo struct {
	Path             storepath.Path
	Deriver          storepath.Path // zero if unknown
	NarHash          hash.Hash
	NarSize          uint64
	References       []storepath.Path // order is part of the fingerprint
	RegistrationTime int64
	Ultimate         bool
	Sigs             []string // "<name>:<base64 sig>"
	CA               string   // "text:sha256:<h>" or "fixed:[r:]<algo>:<h>", empty if absent
	BinaryCache      *BinaryCacheInfo
}

// Signatures reports how many signatures are attached.
func (v *ValidPathInfo) Signatures() int {
	return len(v.Sigs)
}

// FingerprintError reports why a ValidPathInfo cannot be fingerprinted.
type FingerprintError struct {
	Reason string
}

func (e *FingerprintError) Error() string {
	return "store: cannot compute fingerprint: " + e.Reason
}

// Fingerprint renders the canonical string ed25519 signatures are
// computed over: "1;{path};{base32(nar_hash)};{nar_size};{refs}", where
// path and each reference are rendered under storeDir. Stable under
// reordering Sigs or BinaryCache, not under reordering References.
func (v *ValidPathInfo) Fingerprint(storeDir string) (string, error) {
	if v.NarSize == 0 {
		return "", &FingerprintError{Reason: "nar_size is zero"}
	}

	if v.NarHash.IsNone() {
		return "", &FingerprintError{Reason: "nar_hash is unset"}
	}

	refs := make([]string, len(v.References))
	for i, r := range v.References {
		refs[i] = storepath.Full(storeDir, r)
	}

	return fmt.Sprintf("1;%s;%s;%d;%s",
		storepath.Full(storeDir, v.Path),
		v.NarHash.ToBase32(),
		v.NarSize,
		strings.Join(refs, ","),
	), nil
}

// parseSignature splits "<name>:<base64 sig>".
func parseSignature(sig string) (name string, sigBytes []byte, err error) {
	idx := strings.IndexByte(sig, ':')
	if idx < 0 {
		return "", nil, fmt.Errorf("store: malformed signature %q: missing ':'", sig)
	}

	name = sig[:idx]

	sigBytes, err = base64.StdEncoding.DecodeString(sig[idx+1:])
	if err != nil {
		return "", nil, fmt.Errorf("store: malformed signature %q: %w", sig, err)
	}

	return name, sigBytes, nil
}

// CheckSignature reports whether sig verifies fingerprint against one of
// the named keys in trustedKeys. An unknown signer always returns false,
// matching spec's "unknown signer" rule rather than erroring.
func CheckSignature(fingerprint, sig string, trustedKeys map[string]ed25519.PublicKey) bool {
	name, sigBytes, err := parseSignature(sig)
	if err != nil {
		return false
	}

	key, ok := trustedKeys[name]
	if !ok {
		return false
	}

	return ed25519.Verify(key, []byte(fingerprint), sigBytes)
}

// CheckSignatures counts how many of v.Sigs verify against trustedKeys
// for v's own fingerprint.
func (v *ValidPathInfo) CheckSignatures(storeDir string, trustedKeys map[string]ed25519.PublicKey) (int, error) {
	fp, err := v.Fingerprint(storeDir)
	if err != nil {
		return 0, err
	}

	good := 0

	for _, sig := range v.Sigs {
		if CheckSignature(fp, sig, trustedKeys) {
			good++
		}
	}

	return good, nil
}

// SignFingerprint produces a "<name>:<base64 sig>" signature over
// fingerprint using key, in the form CheckSignature expects.
func SignFingerprint(name string, key ed25519.PrivateKey, fingerprint string) string {
	sig := ed25519.Sign(key, []byte(fingerprint))

	return name + ":" + base64.StdEncoding.EncodeToString(sig)
}
