package store_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTestPath(t *testing.T, s string) storepath.Path {
	t.Helper()

	p, err := storepath.New(s)
	require.NoError(t, err)

	return p
}

func TestFingerprintFormat(t *testing.T) {
	ref := mustTestPath(t, "1094wph9z4nwlgvsd53abfz8i117ykiv-dep")
	path := mustTestPath(t, "2094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0")

	info := &store.ValidPathInfo{
		Path:       path,
		NarHash:    hash.HashBytes([]byte("hello")),
		NarSize:    5,
		References: []storepath.Path{ref},
	}

	fp, err := info.Fingerprint("/nix/store")
	require.NoError(t, err)

	expected := "1;/nix/store/2094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0;" +
		info.NarHash.ToBase32() + ";5;/nix/store/1094wph9z4nwlgvsd53abfz8i117ykiv-dep"
	assert.Equal(t, expected, fp)
}

func TestFingerprintRejectsUnhashed(t *testing.T) {
	info := &store.ValidPathInfo{Path: mustTestPath(t, "1094wph9z4nwlgvsd53abfz8i117ykiv-hello")}

	_, err := info.Fingerprint("/nix/store")
	assert.Error(t, err)
}

func TestFingerprintChangesWithReferenceOrder(t *testing.T) {
	a := mustTestPath(t, "1094wph9z4nwlgvsd53abfz8i117ykiv-a")
	b := mustTestPath(t, "3094wph9z4nwlgvsd53abfz8i117ykiv-b")
	path := mustTestPath(t, "2094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0")

	forward := &store.ValidPathInfo{Path: path, NarHash: hash.HashBytes([]byte("x")), NarSize: 1, References: []storepath.Path{a, b}}
	reversed := &store.ValidPathInfo{Path: path, NarHash: hash.HashBytes([]byte("x")), NarSize: 1, References: []storepath.Path{b, a}}

	fp1, err := forward.Fingerprint("/nix/store")
	require.NoError(t, err)

	fp2, err := reversed.Fingerprint("/nix/store")
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2, "fingerprint is not stable under reordering references")
}

func TestCheckSignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	trusted := map[string]ed25519.PublicKey{"cache.example.org-1": pub}

	fp := "1;/nix/store/2094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0;abc;5;"
	sig := store.SignFingerprint("cache.example.org-1", priv, fp)

	assert.True(t, store.CheckSignature(fp, sig, trusted))
}

func TestCheckSignatureRejectsUnknownSigner(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	fp := "1;/nix/store/2094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0;abc;5;"
	sig := store.SignFingerprint("unknown-key", priv, fp)

	assert.False(t, store.CheckSignature(fp, sig, map[string]ed25519.PublicKey{}))
}

func TestCheckSignatureRejectsTamperedFingerprint(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	trusted := map[string]ed25519.PublicKey{"cache.example.org-1": pub}

	fp := "1;/nix/store/2094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0;abc;5;"
	sig := store.SignFingerprint("cache.example.org-1", priv, fp)

	assert.False(t, store.CheckSignature(fp+"tampered", sig, trusted))
}

func TestCheckSignaturesCountsOnlyValid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	path := mustTestPath(t, "2094wph9z4nwlgvsd53abfz8i117ykiv-hello-1.0")
	info := &store.ValidPathInfo{Path: path, NarHash: hash.HashBytes([]byte("x")), NarSize: 1}

	fp, err := info.Fingerprint("/nix/store")
	require.NoError(t, err)

	info.Sigs = []string{
		store.SignFingerprint("cache.example.org-1", priv, fp),
		store.SignFingerprint("cache.example.org-1", otherPriv, fp),
	}

	trusted := map[string]ed25519.PublicKey{"cache.example.org-1": pub}

	good, err := info.CheckSignatures("/nix/store", trusted)
	require.NoError(t, err)
	assert.Equal(t, 1, good)
}
